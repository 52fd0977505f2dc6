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
// Package allowance implements the Allowance Store: pattern-matched,
// use-counted prior approvals that let the Security Interceptor skip asking
// a human again for an action it has already been granted.
package allowance

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// PatternKind discriminates the four ActionPattern variants.
type PatternKind string

const (
	ExactTool   PatternKind = "exact_tool"
	ServerTools PatternKind = "server_tools"
	PathPrefix  PatternKind = "path_prefix"
	HostPattern PatternKind = "host_pattern"
)

// ActionPattern is a tagged variant describing what an Allowance covers.
type ActionPattern struct {
	Kind   PatternKind
	Server string
	Tool   string
	Path   string
	Host   string
}

func NewExactTool(server, tool string) ActionPattern {
	return ActionPattern{Kind: ExactTool, Server: server, Tool: tool}
}

func NewServerTools(server string) ActionPattern {
	return ActionPattern{Kind: ServerTools, Server: server}
}

func NewPathPrefix(path string) ActionPattern {
	return ActionPattern{Kind: PathPrefix, Path: filepath.Clean(path)}
}

func NewHostPattern(host string) ActionPattern {
	return ActionPattern{Kind: HostPattern, Host: host}
}

// Matches reports whether this pattern covers act.
func (p ActionPattern) Matches(act action.SensitiveAction) bool {
	switch p.Kind {
	case ExactTool:
		return act.Kind == action.KindToolCall && act.Server == p.Server && act.Tool == p.Tool
	case ServerTools:
		return act.Kind == action.KindToolCall && act.Server == p.Server
	case PathPrefix:
		return (act.Kind == action.KindFileRead || act.Kind == action.KindFileWrite) && pathWithinPrefix(p.Path, act.Path)
	case HostPattern:
		return act.Kind == action.KindNetworkCall && hostMatches(p.Host, act.Host)
	default:
		return false
	}
}

// pathWithinPrefix reports whether path is prefix or a descendant of it,
// after canonicalizing both (no ".."-escape survives filepath.Clean).
func pathWithinPrefix(prefix, path string) bool {
	prefix = filepath.Clean(prefix)
	path = filepath.Clean(path)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// hostMatches supports an exact host or a leading-"*" glob like
// "*.example.com".
func hostMatches(pattern, host string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == host
	}
	suffix := strings.TrimPrefix(pattern, "*")
	return strings.HasSuffix(host, suffix)
}

// Allowance is one prior-approval grant. Signature covers the canonical
// serialization of every other field.
type Allowance struct {
	ID            string        `json:"id"`
	ActionPattern ActionPattern `json:"action_pattern"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	MaxUses       *int          `json:"max_uses,omitempty"`
	UsesRemaining *int          `json:"uses_remaining,omitempty"`
	SessionOnly   bool          `json:"session_only"`
	WorkspaceRoot string        `json:"workspace_root,omitempty"`
	Signature     []byte        `json:"signature"`
}

func (a Allowance) signedBody() ([]byte, error) {
	unsigned := a
	unsigned.Signature = nil
	body, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshaling allowance body: %w", err)
	}
	return body, nil
}

func (a Allowance) expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

func (a Allowance) exhausted() bool {
	return a.UsesRemaining != nil && *a.UsesRemaining <= 0
}

func workspaceNamespace(workspaceRoot string) string {
	return "ws:" + workspaceRoot + ":allowances"
}

// Store is the Allowance Store. Session allowances live only in memory;
// workspace allowances (SessionOnly == false) persist under the workspace's
// ws:{workspace_root}:allowances namespace.
type Store struct {
	mu      sync.Mutex
	persist kvstore.Store
	keys    *cryptoutil.KeyPair
	session map[string]*Allowance
}

func New(persist kvstore.Store, keys *cryptoutil.KeyPair) *Store {
	return &Store{persist: persist, keys: keys, session: make(map[string]*Allowance)}
}

// New builds and signs an Allowance (ID/CreatedAt/Signature filled in). Does
// not add it to the store.
func (s *Store) New(pattern ActionPattern, expiresAt *time.Time, maxUses *int, sessionOnly bool, workspaceRoot string) (*Allowance, error) {
	if !sessionOnly && workspaceRoot == "" {
		return nil, fmt.Errorf("%w: workspace allowance requires a workspace root", secerr.ErrInternal)
	}
	a := Allowance{
		ID:            uuid.NewString(),
		ActionPattern: pattern,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
		MaxUses:       maxUses,
		UsesRemaining: maxUses,
		SessionOnly:   sessionOnly,
		WorkspaceRoot: workspaceRoot,
	}
	body, err := a.signedBody()
	if err != nil {
		return nil, err
	}
	a.Signature = s.keys.Sign(body)
	return &a, nil
}

// AddAllowance persists a, in memory if SessionOnly, otherwise under its
// workspace's namespace.
func (s *Store) AddAllowance(ctx context.Context, a Allowance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(ctx, a)
}

func (s *Store) add(ctx context.Context, a Allowance) error {
	if a.SessionOnly {
		cp := a
		s.session[a.ID] = &cp
		return nil
	}
	if a.WorkspaceRoot == "" {
		return fmt.Errorf("%w: workspace allowance requires a workspace root", secerr.ErrInternal)
	}
	scoped := kvstore.NewScoped(s.persist, workspaceNamespace(a.WorkspaceRoot))
	if err := scoped.SetJSON(ctx, a.ID, &a); err != nil {
		return fmt.Errorf("%w: writing allowance: %v", secerr.ErrStorageError, err)
	}
	return nil
}

// FindMatchingAndConsume is the only fast path in normal operation: it
// scans session allowances, then (if workspaceRoot is non-empty) the
// workspace's persisted allowances, and atomically decrements the first
// valid match's UsesRemaining. Holding the store mutex for the whole
// operation is what makes the match-and-decrement atomic.
func (s *Store) FindMatchingAndConsume(ctx context.Context, act action.SensitiveAction, workspaceRoot string) (*Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, a := range s.session {
		if s.valid(a, act, now) {
			s.consume(a)
			return a, nil
		}
	}
	if workspaceRoot == "" {
		return nil, nil
	}
	scoped := kvstore.NewScoped(s.persist, workspaceNamespace(workspaceRoot))
	ids, err := scoped.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing workspace allowances: %v", secerr.ErrStorageError, err)
	}
	for _, id := range ids {
		var a Allowance
		found, err := scoped.GetJSON(ctx, id, &a)
		if err != nil {
			return nil, fmt.Errorf("%w: reading allowance %s: %v", secerr.ErrStorageError, id, err)
		}
		if !found {
			continue
		}
		if a.WorkspaceRoot != workspaceRoot || !s.valid(&a, act, now) {
			continue
		}
		s.consume(&a)
		if err := scoped.SetJSON(ctx, a.ID, &a); err != nil {
			return nil, fmt.Errorf("%w: persisting allowance consumption: %v", secerr.ErrStorageError, err)
		}
		return &a, nil
	}
	return nil, nil
}

func (s *Store) valid(a *Allowance, act action.SensitiveAction, now time.Time) bool {
	if a.expired(now) || a.exhausted() {
		return false
	}
	if !a.SessionOnly && a.WorkspaceRoot == "" {
		return false
	}
	return a.ActionPattern.Matches(act)
}

func (s *Store) consume(a *Allowance) {
	if a.UsesRemaining != nil {
		remaining := *a.UsesRemaining - 1
		a.UsesRemaining = &remaining
	}
}

// List returns every session allowance plus, if workspaceRoot is non-empty,
// every allowance persisted for that workspace.
func (s *Store) List(ctx context.Context, workspaceRoot string) ([]*Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Allowance
	for _, a := range s.session {
		out = append(out, a)
	}
	if workspaceRoot == "" {
		return out, nil
	}
	ws, err := s.exportWorkspace(ctx, workspaceRoot)
	if err != nil {
		return nil, err
	}
	out = append(out, ws...)
	return out, nil
}

// ClearSessionAllowances discards every in-memory session allowance.
func (s *Store) ClearSessionAllowances(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = make(map[string]*Allowance)
	return nil
}

// ImportAllowances adds every allowance in as, used to restore a
// SerializableSession's exported allowances.
func (s *Store) ImportAllowances(ctx context.Context, as []Allowance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range as {
		if err := s.add(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// ExportSessionAllowances returns every in-memory session allowance by
// value, for inclusion in a SerializableSession snapshot.
func (s *Store) ExportSessionAllowances(ctx context.Context) ([]Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Allowance, 0, len(s.session))
	for _, a := range s.session {
		out = append(out, *a)
	}
	return out, nil
}

// ExportWorkspaceAllowances returns every allowance persisted for
// workspaceRoot.
func (s *Store) ExportWorkspaceAllowances(ctx context.Context, workspaceRoot string) ([]Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportWorkspace(ctx, workspaceRoot)
}

func (s *Store) exportWorkspace(ctx context.Context, workspaceRoot string) ([]Allowance, error) {
	scoped := kvstore.NewScoped(s.persist, workspaceNamespace(workspaceRoot))
	ids, err := scoped.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing workspace allowances: %v", secerr.ErrStorageError, err)
	}
	out := make([]Allowance, 0, len(ids))
	for _, id := range ids {
		var a Allowance
		found, err := scoped.GetJSON(ctx, id, &a)
		if err != nil {
			return nil, fmt.Errorf("%w: reading allowance %s: %v", secerr.ErrStorageError, id, err)
		}
		if found {
			out = append(out, a)
		}
	}
	return out, nil
}

// Revoke removes the allowance with the given ID, checking the in-memory
// session map first and then, if workspaceRoot is non-empty, that
// workspace's persisted namespace. It is the rollback primitive the
// Security Interceptor uses to undo a freshly synthesized Session or
// Workspace allowance when a later check in the same decision (budget)
// refuses the action the allowance was just minted for.
func (s *Store) Revoke(ctx context.Context, id, workspaceRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.session[id]; ok {
		delete(s.session, id)
		return nil
	}
	if workspaceRoot == "" {
		return fmt.Errorf("%w: allowance %s", secerr.ErrNotFound, id)
	}
	scoped := kvstore.NewScoped(s.persist, workspaceNamespace(workspaceRoot))
	exists, err := scoped.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: checking allowance %s: %v", secerr.ErrStorageError, id, err)
	}
	if !exists {
		return fmt.Errorf("%w: allowance %s", secerr.ErrNotFound, id)
	}
	if _, err := scoped.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: deleting allowance %s: %v", secerr.ErrStorageError, id, err)
	}
	return nil
}

// Count returns the number of session allowances plus, if workspaceRoot is
// non-empty, the number persisted for that workspace.
func (s *Store) Count(ctx context.Context, workspaceRoot string) (int, error) {
	all, err := s.List(ctx, workspaceRoot)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
