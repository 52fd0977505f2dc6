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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// PersistentRegistry is a kvstore-backed Registry, satisfying the
// identity:users / identity:links / identity:pending_codes namespaces of the
// persistent KV layout (spec §6). This is the variant wired into the daemon
// by default, since the spec leaves registry persistence as an open
// implementation choice and a restartable identity graph is the more
// complete behavior.
type PersistentRegistry struct {
	mu      sync.Mutex
	users   *kvstore.Scoped
	links   *kvstore.Scoped
	pending *kvstore.Scoped
}

func NewPersistentRegistry(store kvstore.Store) *PersistentRegistry {
	return &PersistentRegistry{
		users:   kvstore.NewScoped(store, "identity:users"),
		links:   kvstore.NewScoped(store, "identity:links"),
		pending: kvstore.NewScoped(store, "identity:pending_codes"),
	}
}

func (r *PersistentRegistry) getLink(ctx context.Context, tag PlatformTag, platformUserID string) (*FrontendLink, bool, error) {
	var link FrontendLink
	found, err := r.links.GetJSON(ctx, linkKey(tag, platformUserID), &link)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading link: %v", secerr.ErrStorageError, err)
	}
	return &link, found, nil
}

func (r *PersistentRegistry) Resolve(ctx context.Context, tag PlatformTag, platformUserID string) (*User, bool, error) {
	link, found, err := r.getLink(ctx, tag, platformUserID)
	if err != nil || !found {
		return nil, false, err
	}
	return r.GetByID(ctx, link.CanonicalUserID)
}

func (r *PersistentRegistry) GetByID(ctx context.Context, id string) (*User, bool, error) {
	var user User
	found, err := r.users.GetJSON(ctx, id, &user)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading user: %v", secerr.ErrStorageError, err)
	}
	if !found {
		return nil, false, nil
	}
	return &user, true, nil
}

func (r *PersistentRegistry) CreateIdentity(ctx context.Context, tag PlatformTag, platformUserID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found, err := r.getLink(ctx, tag, platformUserID); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, linkKey(tag, platformUserID))
	}

	user := User{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	if err := r.users.SetJSON(ctx, user.ID, &user); err != nil {
		return nil, fmt.Errorf("%w: writing user: %v", secerr.ErrStorageError, err)
	}
	link := FrontendLink{
		CanonicalUserID:    user.ID,
		PlatformTag:        tag.Normalized(),
		PlatformUserID:     platformUserID,
		LinkedAt:           user.CreatedAt,
		VerificationMethod: NewInitialCreation(),
		IsPrimary:          true,
	}
	if err := r.links.SetJSON(ctx, linkKey(link.PlatformTag, link.PlatformUserID), &link); err != nil {
		return nil, fmt.Errorf("%w: writing link: %v", secerr.ErrStorageError, err)
	}
	return &user, nil
}

func (r *PersistentRegistry) CreateLink(ctx context.Context, link FrontendLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	link.PlatformTag = link.PlatformTag.Normalized()
	key := linkKey(link.PlatformTag, link.PlatformUserID)
	if _, found, err := r.getLink(ctx, link.PlatformTag, link.PlatformUserID); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, key)
	}
	if _, found, err := r.GetByID(ctx, link.CanonicalUserID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: canonical user %s", secerr.ErrNotFound, link.CanonicalUserID)
	}
	if err := r.links.SetJSON(ctx, key, &link); err != nil {
		return fmt.Errorf("%w: writing link: %v", secerr.ErrStorageError, err)
	}
	return nil
}

func (r *PersistentRegistry) RemoveLink(ctx context.Context, tag PlatformTag, platformUserID string) (bool, error) {
	existed, err := r.links.Delete(ctx, linkKey(tag, platformUserID))
	if err != nil {
		return false, fmt.Errorf("%w: removing link: %v", secerr.ErrStorageError, err)
	}
	return existed, nil
}

func (r *PersistentRegistry) GetLinks(ctx context.Context, userID string) ([]FrontendLink, error) {
	keys, err := r.links.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing links: %v", secerr.ErrStorageError, err)
	}
	var out []FrontendLink
	for _, k := range keys {
		var link FrontendLink
		found, err := r.links.GetJSON(ctx, k, &link)
		if err != nil {
			return nil, fmt.Errorf("%w: reading link %s: %v", secerr.ErrStorageError, k, err)
		}
		if found && link.CanonicalUserID == userID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (r *PersistentRegistry) UpdateIdentity(ctx context.Context, user User) error {
	if _, found, err := r.GetByID(ctx, user.ID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: user %s", secerr.ErrNotFound, user.ID)
	}
	if err := r.users.SetJSON(ctx, user.ID, &user); err != nil {
		return fmt.Errorf("%w: writing user: %v", secerr.ErrStorageError, err)
	}
	return nil
}

func (r *PersistentRegistry) GenerateLinkCode(ctx context.Context, userID string, requestingPlatform PlatformTag, requestingUserID string) (*PendingLinkCode, error) {
	if _, found, err := r.GetByID(ctx, userID); err != nil {
		return nil, err
	} else if !found {
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
	if err := r.pending.SetJSON(ctx, code, &pending); err != nil {
		return nil, fmt.Errorf("%w: writing link code: %v", secerr.ErrStorageError, err)
	}
	return &pending, nil
}

func (r *PersistentRegistry) VerifyLinkCode(ctx context.Context, code string, verifiedVia PlatformTag) (*FrontendLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending PendingLinkCode
	found, err := r.pending.GetJSON(ctx, code, &pending)
	if err != nil {
		return nil, fmt.Errorf("%w: reading link code: %v", secerr.ErrStorageError, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: link code", secerr.ErrNotFound)
	}
	// Single-use regardless of outcome.
	if _, err := r.pending.Delete(ctx, code); err != nil {
		return nil, fmt.Errorf("%w: consuming link code: %v", secerr.ErrStorageError, err)
	}
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
	if _, found, err := r.getLink(ctx, link.PlatformTag, link.PlatformUserID); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s already linked", secerr.ErrAlreadyExists, key)
	}
	if err := r.links.SetJSON(ctx, key, &link); err != nil {
		return nil, fmt.Errorf("%w: writing link: %v", secerr.ErrStorageError, err)
	}
	return &link, nil
}

var _ Registry = (*PersistentRegistry)(nil)
