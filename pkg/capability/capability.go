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
// Package capability implements the Capability Token Store: signed tokens
// granting a resource-pattern/permission-set pair, with a revocation set and
// a used-token set that both survive a daemon restart regardless of a
// token's own scope.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// Scope determines where a token lives: Session tokens are never written to
// disk; Persistent tokens are written under the caps:tokens namespace.
type Scope string

const (
	ScopeSession    Scope = "session"
	ScopePersistent Scope = "persistent"
)

// Token grants permission set over a resource pattern. Signature covers the
// canonical serialization of every other field.
type Token struct {
	ID              string                 `json:"id"`
	ResourcePattern action.ResourcePattern `json:"resource_pattern"`
	Permissions     action.PermissionSet   `json:"permissions"`
	Scope           Scope                  `json:"scope"`
	IssuerKeyID     string                 `json:"issuer_key_id"`
	AuditEntryID    string                 `json:"audit_entry_id"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	SingleUse       bool                   `json:"single_use"`
	Label           string                 `json:"label,omitempty"`
	Signature       []byte                 `json:"signature"`
}

func (t Token) signedBody() ([]byte, error) {
	unsigned := t
	unsigned.Signature = nil
	body, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshaling token body: %w", err)
	}
	return body, nil
}

func (t Token) expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Store is the Capability Token Store. A single mutex guards every
// operation; use_token's validate-then-mark-used step is therefore
// trivially atomic, which in Go's blocking-call model costs nothing extra
// (unlike a cooperative-scheduler runtime where holding a lock across an
// await is a deadlock risk the spec explicitly calls out).
type Store struct {
	mu      sync.Mutex
	keys    *cryptoutil.KeyPair
	session map[string]Token
	tokens  *kvstore.Scoped // caps:tokens, Persistent scope only
	revoked *kvstore.Scoped // caps:revoked
	used    *kvstore.Scoped // caps:used
}

// New builds a Store backed by persist for the Persistent-scope namespaces
// and signing tokens with keys.
func New(persist kvstore.Store, keys *cryptoutil.KeyPair) *Store {
	return &Store{
		keys:    keys,
		session: make(map[string]Token),
		tokens:  kvstore.NewScoped(persist, "caps:tokens"),
		revoked: kvstore.NewScoped(persist, "caps:revoked"),
		used:    kvstore.NewScoped(persist, "caps:used"),
	}
}

// Mint builds and signs a new token. It does not persist it; callers must
// follow with Add once any audit entry the token references has itself been
// durably written (spec §4.7's audit-before-token-mint ordering).
func (s *Store) Mint(pattern action.ResourcePattern, perms action.PermissionSet, scope Scope, auditEntryID string, expiresAt *time.Time, singleUse bool, label string) (*Token, error) {
	t := Token{
		ID:              uuid.NewString(),
		ResourcePattern: pattern,
		Permissions:     perms,
		Scope:           scope,
		IssuerKeyID:     s.keys.KeyID,
		AuditEntryID:    auditEntryID,
		ExpiresAt:       expiresAt,
		SingleUse:       singleUse,
		Label:           label,
	}
	body, err := t.signedBody()
	if err != nil {
		return nil, err
	}
	t.Signature = s.keys.Sign(body)
	return &t, nil
}

// Add persists token: in the session map if Scope is Session, in the
// caps:tokens namespace otherwise.
func (s *Store) Add(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(ctx, token)
}

func (s *Store) add(ctx context.Context, token Token) error {
	if token.Scope == ScopeSession {
		s.session[token.ID] = token
		return nil
	}
	if err := s.tokens.SetJSON(ctx, token.ID, &token); err != nil {
		return fmt.Errorf("%w: writing capability token: %v", secerr.ErrStorageError, err)
	}
	return nil
}

func (s *Store) rawGet(ctx context.Context, id string) (*Token, bool, error) {
	if t, ok := s.session[id]; ok {
		return &t, true, nil
	}
	var t Token
	found, err := s.tokens.GetJSON(ctx, id, &t)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading capability token: %v", secerr.ErrStorageError, err)
	}
	if !found {
		return nil, false, nil
	}
	return &t, true, nil
}

// Get fetches a token by id regardless of scope, without validating it.
func (s *Store) Get(ctx context.Context, id string) (*Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawGet(ctx, id)
}

func (s *Store) isRevoked(ctx context.Context, id string) (bool, error) {
	found, err := s.revoked.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: checking revocation: %v", secerr.ErrStorageError, err)
	}
	return found, nil
}

func (s *Store) isUsed(ctx context.Context, id string) (bool, error) {
	found, err := s.used.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: checking used set: %v", secerr.ErrStorageError, err)
	}
	return found, nil
}

// validateAgainst checks every invariant the spec's match rule names,
// returning the specific local sentinel on the first violation. Signature
// failures, revocations, expiry, and already-used are all "local": the
// caller skips the token and keeps looking rather than treating this as a
// hard failure.
func (s *Store) validateAgainst(ctx context.Context, t *Token, resource string, perm action.Permission) error {
	body, err := t.signedBody()
	if err != nil {
		return err
	}
	if !cryptoutil.Verify(s.keys.Public, body, t.Signature) {
		return secerr.ErrSignatureInvalid
	}
	if revoked, err := s.isRevoked(ctx, t.ID); err != nil {
		return err
	} else if revoked {
		return secerr.ErrTokenRevoked
	}
	if t.expired(time.Now().UTC()) {
		return secerr.ErrTokenExpired
	}
	if !t.ResourcePattern.Matches(resource) {
		return secerr.ErrTokenNotFound
	}
	if !t.Permissions.Contains(perm) {
		return secerr.ErrTokenNotFound
	}
	if t.SingleUse {
		if used, err := s.isUsed(ctx, t.ID); err != nil {
			return err
		} else if used {
			return secerr.ErrTokenAlreadyUsed
		}
	}
	return nil
}

// HasCapability reports whether any stored token currently grants perm over
// resource.
func (s *Store) HasCapability(ctx context.Context, resource string, perm action.Permission) (bool, error) {
	t, err := s.FindCapability(ctx, resource, perm)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// FindCapability returns the first token (session tokens first, then
// persistent) that currently satisfies (resource, perm), or nil if none do.
// Tokens that fail an invariant are skipped, never surfaced as an error.
func (s *Store) FindCapability(ctx context.Context, resource string, perm action.Permission) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.session {
		t := t
		if err := s.validateAgainst(ctx, &t, resource, perm); err == nil {
			return &t, nil
		}
	}
	ids, err := s.tokens.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing capability tokens: %v", secerr.ErrStorageError, err)
	}
	for _, id := range ids {
		var t Token
		found, err := s.tokens.GetJSON(ctx, id, &t)
		if err != nil {
			return nil, fmt.Errorf("%w: reading capability token %s: %v", secerr.ErrStorageError, id, err)
		}
		if !found {
			continue
		}
		if err := s.validateAgainst(ctx, &t, resource, perm); err == nil {
			return &t, nil
		}
	}
	return nil, nil
}

// Revoke adds id to the persisted revoked set. A revoked token never again
// satisfies a check, regardless of scope.
func (s *Store) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.revoked.Set(ctx, id, []byte{1}); err != nil {
		return fmt.Errorf("%w: revoking token: %v", secerr.ErrStorageError, err)
	}
	return nil
}

// ClearSession discards every Session-scoped token. Persistent tokens,
// revocations, and used markers are unaffected.
func (s *Store) ClearSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = make(map[string]Token)
	return nil
}

// MarkUsed records id in the persisted used set without validating the
// token. Prefer UseToken, which validates and marks atomically.
func (s *Store) MarkUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markUsed(ctx, id)
}

func (s *Store) markUsed(ctx context.Context, id string) error {
	if err := s.used.Set(ctx, id, []byte{1}); err != nil {
		return fmt.Errorf("%w: marking token used: %v", secerr.ErrStorageError, err)
	}
	return nil
}

// IsUsed reports whether id has been consumed.
func (s *Store) IsUsed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsed(ctx, id)
}

// UseToken validates id against (resource, perm) and, if the token is
// single-use, marks it used in the same critical section — the atomic
// find-and-consume the spec requires so two concurrent callers can never
// both succeed against one single-use token.
func (s *Store) UseToken(ctx context.Context, id, resource string, perm action.Permission) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, found, err := s.rawGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, secerr.ErrTokenNotFound
	}
	if err := s.validateAgainst(ctx, t, resource, perm); err != nil {
		return nil, err
	}
	if t.SingleUse {
		if err := s.markUsed(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ListTokens returns every token this store currently holds, session and
// persistent, unfiltered by validity.
func (s *Store) ListTokens(ctx context.Context) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Token
	for _, t := range s.session {
		t := t
		out = append(out, &t)
	}
	ids, err := s.tokens.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing capability tokens: %v", secerr.ErrStorageError, err)
	}
	for _, id := range ids {
		var t Token
		found, err := s.tokens.GetJSON(ctx, id, &t)
		if err != nil {
			return nil, fmt.Errorf("%w: reading capability token %s: %v", secerr.ErrStorageError, id, err)
		}
		if found {
			out = append(out, &t)
		}
	}
	return out, nil
}

// CleanupExpired removes every Persistent token past its ExpiresAt from the
// caps:tokens namespace, returning the count removed. Session tokens expire
// implicitly when the session ends and are not touched here.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.tokens.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing capability tokens: %v", secerr.ErrStorageError, err)
	}
	now := time.Now().UTC()
	removed := 0
	for _, id := range ids {
		var t Token
		found, err := s.tokens.GetJSON(ctx, id, &t)
		if err != nil {
			return removed, fmt.Errorf("%w: reading capability token %s: %v", secerr.ErrStorageError, id, err)
		}
		if found && t.expired(now) {
			if _, err := s.tokens.Delete(ctx, id); err != nil {
				return removed, fmt.Errorf("%w: deleting expired token %s: %v", secerr.ErrStorageError, id, err)
			}
			removed++
		}
	}
	return removed, nil
}
