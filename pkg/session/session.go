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
// Package session implements the Session component: the conversation
// transcript plus the shared-reference security state (capability store,
// allowance store, budget tracker) a single user's interaction with the
// agent runtime carries, and the SerializableSession contract that lets a
// session survive a daemon restart.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/approval"
	"github.com/unicity-astrid/astrid-sub002/pkg/budget"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/escape"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

// WorkspaceID derives the stable, filesystem-safe identifier internal/home
// keys a workspace's on-disk state directory by: the hex-encoded hash of
// its absolute root path, truncated to 16 characters. Two Sessions opened
// against the same workspaceRoot always resolve to the same WorkspaceID,
// regardless of process restarts.
func WorkspaceID(workspaceRoot string) string {
	sum := cryptoutil.Hash([]byte(workspaceRoot))
	return hex.EncodeToString(sum[:])[:16]
}

// Message is one transcript entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session owns a conversation transcript and holds the security state
// consulted on every sensitive action. Capabilities, Allowances, and Budget
// are shared-ownership references: a sub-agent Session created via Fork
// sees the same underlying stores and tracker as its parent.
type Session struct {
	mu       sync.RWMutex
	messages []Message

	ID            string
	Capabilities  *capability.Store
	Allowances    *allowance.Store
	Budget        *budget.Tracker
	Escape        *escape.Handler
	Deferred      *deferred.Queue
	Approval      *approval.Manager
	WorkspaceRoot string
	ModelID       string
	IsSubAgent    bool

	store kvstore.Store
}

// New builds a Session around an existing deferredQueue. caps, allowances,
// budgetTracker, and deferredQueue are held by reference: a root Session
// built by a daemon shares its one persistent deferred queue, so an item
// deferred through this Session is visible to that daemon's maintenance
// sweep and log watcher without a restart. Fork gives a sub-agent its own
// fresh, unpersisted queue instead of reusing the parent's.
func New(store kvstore.Store, caps *capability.Store, allowances *allowance.Store, budgetTracker *budget.Tracker, deferredQueue *deferred.Queue, workspaceRoot, modelID string) *Session {
	escapeHandler := escape.New(store, workspaceRoot)
	mgr := approval.New(allowances, deferredQueue, 0)
	return &Session{
		ID:            uuid.NewString(),
		Capabilities:  caps,
		Allowances:    allowances,
		Budget:        budgetTracker,
		Escape:        escapeHandler,
		Deferred:      deferredQueue,
		Approval:      mgr,
		WorkspaceRoot: workspaceRoot,
		ModelID:       modelID,
		store:         store,
	}
}

// Fork creates a sub-agent Session sharing this session's capability store,
// allowance store, and budget tracker by reference. Its message list,
// deferred queue, escape handler, and approval manager are fresh.
func (s *Session) Fork() *Session {
	child := New(s.store, s.Capabilities, s.Allowances, s.Budget, deferred.New(s.store), s.WorkspaceRoot, s.ModelID)
	child.IsSubAgent = true
	return child
}

// AddMessage appends a transcript entry.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SerializableSession is the External Interfaces §6 session-store contract:
// enough state to rebuild a live Session after a daemon restart without
// letting budget or allowances be bypassed by the restart itself.
type SerializableSession struct {
	Messages      []Message             `json:"messages"`
	Budget        budget.Snapshot       `json:"budget"`
	Allowances    []allowance.Allowance `json:"allowances"`
	EscapeState   []escape.Entry        `json:"escape_state"`
	WorkspaceRoot string                `json:"workspace_root"`
	ModelID       string                `json:"model_id"`
}

// Snapshot captures s's restart-safe state.
func (s *Session) Snapshot(ctx context.Context) (*SerializableSession, error) {
	exported, err := s.Allowances.ExportSessionAllowances(ctx)
	if err != nil {
		return nil, fmt.Errorf("exporting session allowances: %w", err)
	}
	return &SerializableSession{
		Messages:      s.Messages(),
		Budget:        s.Budget.Snapshot(),
		Allowances:    exported,
		EscapeState:   s.Escape.ExportSessionState(),
		WorkspaceRoot: s.WorkspaceRoot,
		ModelID:       s.ModelID,
	}, nil
}

// Restore rebuilds a live Session from snap. Budget and session allowances
// are restored exactly; persistent capability tokens need no special
// handling since they already reload from the capability store's
// persistent backing. The deferred queue is reloaded from store rather
// than started empty, so resolutions left pending across the restart that
// produced snap are not silently forgotten.
func Restore(ctx context.Context, store kvstore.Store, caps *capability.Store, allowances *allowance.Store, budgetTracker *budget.Tracker, snap *SerializableSession) (*Session, error) {
	deferredQueue, err := deferred.Load(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("reloading deferred queue: %w", err)
	}
	sess := New(store, caps, allowances, budgetTracker, deferredQueue, snap.WorkspaceRoot, snap.ModelID)
	sess.messages = append(sess.messages, snap.Messages...)
	budgetTracker.Restore(snap.Budget)
	if err := allowances.ImportAllowances(ctx, snap.Allowances); err != nil {
		return nil, fmt.Errorf("restoring session allowances: %w", err)
	}
	sess.Escape.ImportSessionState(snap.EscapeState)
	return sess, nil
}
