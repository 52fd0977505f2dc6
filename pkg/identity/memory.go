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
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/internal/csync"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// Registry is the Identity Registry contract (spec §4.8).
type Registry interface {
	Resolve(ctx context.Context, tag PlatformTag, platformUserID string) (*User, bool, error)
	GetByID(ctx context.Context, id string) (*User, bool, error)
	CreateIdentity(ctx context.Context, tag PlatformTag, platformUserID string) (*User, error)
	CreateLink(ctx context.Context, link FrontendLink) error
	RemoveLink(ctx context.Context, tag PlatformTag, platformUserID string) (bool, error)
	GetLinks(ctx context.Context, userID string) ([]FrontendLink, error)
	UpdateIdentity(ctx context.Context, user User) error
	GenerateLinkCode(ctx context.Context, userID string, requestingPlatform PlatformTag, requestingUserID string) (*PendingLinkCode, error)
	VerifyLinkCode(ctx context.Context, code string, verifiedVia PlatformTag) (*FrontendLink, error)
}

// Memory is an in-memory Registry, used for tests and for frontends that do
// not need identity to survive a daemon restart.
type Memory struct {
	users   *csync.Map[string, User]
	links   *csync.Map[string, FrontendLink] // keyed by linkKey(tag, platformUserID)
	pending *csync.Map[string, PendingLinkCode]
}

func NewMemory() *Memory {
	return &Memory{
		users:   csync.NewMap[string, User](),
		links:   csync.NewMap[string, FrontendLink](),
		pending: csync.NewMap[string, PendingLinkCode](),
	}
}

func (m *Memory) Resolve(_ context.Context, tag PlatformTag, platformUserID string) (*User, bool, error) {
	link, ok := m.links.Get(linkKey(tag, platformUserID))
	if !ok {
		return nil, false, nil
	}
	user, ok := m.users.Get(link.CanonicalUserID)
	if !ok {
		return nil, false, nil
	}
	return &user, true, nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*User, bool, error) {
	user, ok := m.users.Get(id)
	if !ok {
		return nil, false, nil
	}
	return &user, true, nil
}

func (m *Memory) CreateIdentity(_ context.Context, tag PlatformTag, platformUserID string) (*User, error) {
	key := linkKey(tag, platformUserID)
	if _, exists := m.links.Get(key); exists {
		return nil, fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, key)
	}
	user := User{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	m.users.Set(user.ID, user)
	m.links.Set(key, FrontendLink{
		CanonicalUserID:    user.ID,
		PlatformTag:        tag.Normalized(),
		PlatformUserID:     platformUserID,
		LinkedAt:           user.CreatedAt,
		VerificationMethod: NewInitialCreation(),
		IsPrimary:          true,
	})
	return &user, nil
}

func (m *Memory) CreateLink(_ context.Context, link FrontendLink) error {
	link.PlatformTag = link.PlatformTag.Normalized()
	key := linkKey(link.PlatformTag, link.PlatformUserID)
	if _, exists := m.links.Get(key); exists {
		return fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, key)
	}
	if _, exists := m.users.Get(link.CanonicalUserID); !exists {
		return fmt.Errorf("%w: canonical user %s", secerr.ErrNotFound, link.CanonicalUserID)
	}
	m.links.Set(key, link)
	return nil
}

func (m *Memory) RemoveLink(_ context.Context, tag PlatformTag, platformUserID string) (bool, error) {
	return m.links.Delete(linkKey(tag, platformUserID)), nil
}

func (m *Memory) GetLinks(_ context.Context, userID string) ([]FrontendLink, error) {
	var out []FrontendLink
	for l := range m.links.Values() {
		if l.CanonicalUserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) UpdateIdentity(_ context.Context, user User) error {
	if _, exists := m.users.Get(user.ID); !exists {
		return fmt.Errorf("%w: user %s", secerr.ErrNotFound, user.ID)
	}
	m.users.Set(user.ID, user)
	return nil
}

func (m *Memory) GenerateLinkCode(_ context.Context, userID string, requestingPlatform PlatformTag, requestingUserID string) (*PendingLinkCode, error) {
	if _, exists := m.users.Get(userID); !exists {
		return nil, fmt.Errorf("%w: user %s", secerr.ErrNotFound, userID)
	}
	code, err := randomNumericCode()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	pending := PendingLinkCode{
		Code:               code,
		RequestingPlatform: requestingPlatform.Normalized(),
		RequestingUserID:   requestingUserID,
		TargetCanonicalID:  userID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(LinkCodeTTL),
	}
	m.pending.Set(code, pending)
	return &pending, nil
}

func (m *Memory) VerifyLinkCode(_ context.Context, code string, verifiedVia PlatformTag) (*FrontendLink, error) {
	pending, ok := m.pending.Get(code)
	if !ok {
		return nil, fmt.Errorf("%w: link code", secerr.ErrNotFound)
	}
	m.pending.Delete(code) // single-use regardless of outcome
	if pending.expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: link code", secerr.ErrExpired)
	}

	link := FrontendLink{
		CanonicalUserID:    pending.TargetCanonicalID,
		PlatformTag:        pending.RequestingPlatform,
		PlatformUserID:     pending.RequestingUserID,
		LinkedAt:           time.Now().UTC(),
		VerificationMethod: NewCodeVerification(verifiedVia),
		IsPrimary:          false,
	}
	key := linkKey(link.PlatformTag, link.PlatformUserID)
	if _, exists := m.links.Get(key); exists {
		return nil, fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, key)
	}
	m.links.Set(key, link)
	return &link, nil
}

// randomNumericCode generates a 6-digit link code using crypto/rand.
func randomNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating link code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

var _ Registry = (*Memory)(nil)
