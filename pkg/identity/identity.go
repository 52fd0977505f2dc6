// Copyright 2026 Unicity Astrid
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package identity implements the Identity Registry: canonical user ids,
// per-platform links, and time-limited cross-platform verification codes.
package identity

import (
	"crypto/ed25519"
	"strings"
	"time"
)

// LinkCodeTTL is how long a generated link code remains valid.
const LinkCodeTTL = 5 * time.Minute

// PlatformTag identifies the frontend a user is present on. Values are
// always stored in normalized form, so two tags compare equal with plain
// string equality (and hash equal as map keys) iff they denote the same
// platform: case-insensitive, whitespace-insensitive, and a trailing
// "_app"-style separator collapses (e.g. "Whats_App" and "WHATSAPP" both
// normalize to "whatsapp").
type PlatformTag string

const (
	Discord  PlatformTag = "discord"
	Telegram PlatformTag = "telegram"
	WhatsApp PlatformTag = "whatsapp"
	Slack    PlatformTag = "slack"
	Web      PlatformTag = "web"
	CLI      PlatformTag = "cli"
)

// CustomTag normalizes name into a PlatformTag. Used for frontends not
// covered by the built-in constants; normalization ensures
// CustomTag("telegram") == Telegram.
func CustomTag(name string) PlatformTag {
	return PlatformTag(normalizeTag(name))
}

func normalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// Normalized returns t in its canonical comparison form.
func (t PlatformTag) Normalized() PlatformTag {
	return PlatformTag(normalizeTag(string(t)))
}

// VerificationKind discriminates how a FrontendLink came to exist.
type VerificationKind string

const (
	InitialCreation  VerificationKind = "initial_creation"
	CodeVerification VerificationKind = "code_verification"
	AdminLink        VerificationKind = "admin_link"
)

// VerificationMethod is a tagged variant: exactly one of VerifiedVia/AdminID
// is meaningful, selected by Kind.
type VerificationMethod struct {
	Kind        VerificationKind
	VerifiedVia PlatformTag // set when Kind == CodeVerification
	AdminID     string      // set when Kind == AdminLink
}

func NewInitialCreation() VerificationMethod {
	return VerificationMethod{Kind: InitialCreation}
}

func NewCodeVerification(via PlatformTag) VerificationMethod {
	return VerificationMethod{Kind: CodeVerification, VerifiedVia: via.Normalized()}
}

func NewAdminLink(adminID string) VerificationMethod {
	return VerificationMethod{Kind: AdminLink, AdminID: adminID}
}

// User is the canonical identity every platform account resolves to.
type User struct {
	ID          string
	PublicKey   ed25519.PublicKey `json:"public_key,omitempty"`
	DisplayName string
	CreatedAt   time.Time
}

// FrontendLink binds one platform account to a canonical user. No two links
// may share the same (PlatformTag.Normalized(), PlatformUserID) pair.
type FrontendLink struct {
	CanonicalUserID    string
	PlatformTag        PlatformTag
	PlatformUserID     string
	LinkedAt           time.Time
	VerificationMethod VerificationMethod
	IsPrimary          bool
}

func linkKey(tag PlatformTag, platformUserID string) string {
	return string(tag.Normalized()) + ":" + platformUserID
}

// PendingLinkCode pins a short numeric code to the platform/user requesting
// a link and the canonical identity it would attach to. Single-use,
// expires after LinkCodeTTL.
type PendingLinkCode struct {
	Code               string
	RequestingPlatform PlatformTag
	RequestingUserID   string
	TargetCanonicalID  string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (p PendingLinkCode) expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
