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
// Package escape implements the Escape Handler: the per-session set of
// workspace-boundary-crossing paths a user has pre-authorized, so the
// Security Interceptor does not have to ask again for a path it has already
// cleared.
package escape

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// Scope determines how long a pre-authorization lasts.
type Scope string

const (
	ScopeOnce    Scope = "once"    // consumed on first use
	ScopeSession Scope = "session" // lives for the session's lifetime
	ScopeAlways  Scope = "always"  // persisted for the workspace, survives restart
)

// Entry is one pre-authorized out-of-workspace path.
type Entry struct {
	Path      string    `json:"path"`
	Scope     Scope     `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
}

func escapeNamespace(workspaceRoot string) string {
	return "ws:" + workspaceRoot + ":escape"
}

// Handler tracks pre-authorized paths for one session's workspace. Once and
// Session entries live only in memory; Always entries write through to the
// workspace's ws:{workspace_root}:escape namespace.
type Handler struct {
	mu            sync.RWMutex
	workspaceRoot string
	session       map[string]Entry
	persist       *kvstore.Scoped
}

// New builds a Handler bound to workspaceRoot.
func New(store kvstore.Store, workspaceRoot string) *Handler {
	return &Handler{
		workspaceRoot: workspaceRoot,
		session:       make(map[string]Entry),
		persist:       kvstore.NewScoped(store, escapeNamespace(workspaceRoot)),
	}
}

func canonical(path string) string { return filepath.Clean(path) }

// Authorize pre-authorizes path under scope.
func (h *Handler) Authorize(ctx context.Context, path string, scope Scope) error {
	path = canonical(path)
	entry := Entry{Path: path, Scope: scope, GrantedAt: time.Now().UTC()}

	if scope == ScopeAlways {
		if err := h.persist.SetJSON(ctx, path, &entry); err != nil {
			return fmt.Errorf("%w: persisting escape entry: %v", secerr.ErrStorageError, err)
		}
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.session[path] = entry
	return nil
}

// IsAuthorized reports whether path has a live pre-authorization, consuming
// it if its scope is Once.
func (h *Handler) IsAuthorized(ctx context.Context, path string) (bool, error) {
	path = canonical(path)

	h.mu.Lock()
	entry, ok := h.session[path]
	if ok && entry.Scope == ScopeOnce {
		delete(h.session, path)
	}
	h.mu.Unlock()
	if ok {
		return true, nil
	}

	found, err := h.persist.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("%w: checking escape entry: %v", secerr.ErrStorageError, err)
	}
	return found, nil
}

// ClearSession discards every Once/Session entry. Always entries are
// unaffected.
func (h *Handler) ClearSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = make(map[string]Entry)
}

// ExportSessionState returns every in-memory entry, for inclusion in a
// SerializableSession snapshot.
func (h *Handler) ExportSessionState() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.session))
	for _, e := range h.session {
		out = append(out, e)
	}
	return out
}

// ImportSessionState restores in-memory entries from a SerializableSession
// snapshot.
func (h *Handler) ImportSessionState(entries []Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		h.session[e.Path] = e
	}
}
