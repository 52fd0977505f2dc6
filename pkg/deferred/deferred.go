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
// Package deferred implements the Deferred Resolution Queue: approvals the
// user was not reachable for, held until the operator (or the user, on
// return) resolves them. Entries persisted to disk are filtered by age on
// load, so a queue that has sat through a long daemon outage never replays
// a request that has gone stale.
package deferred

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"github.com/unicity-astrid/astrid-sub002/internal/pubsub"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"

	"go.uber.org/zap"
)

// MaxAge is the load-time staleness cutoff: entries queued more than MaxAge
// ago are discarded rather than replayed.
const MaxAge = 24 * time.Hour

// PendingKind identifies which variant of work a resolution is waiting on.
type PendingKind string

const (
	PendingApprovalNeeded    PendingKind = "approval_needed"
	PendingBudgetExceeded    PendingKind = "budget_exceeded"
	PendingCapabilityMissing PendingKind = "capability_missing"
	PendingErrorResolution   PendingKind = "error_resolution"
)

// PendingAction is a tagged variant describing what a deferred resolution is
// waiting on. RequestJSON carries the original ApprovalRequest (or error
// detail) serialized by the caller; the queue itself never interprets it.
type PendingAction struct {
	Kind        PendingKind
	RequestJSON string
}

// Priority orders get_pending's result, highest first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityNormal:   1,
	PriorityLow:      0,
}

// Fallback is the behavior the Approval Manager already took while the
// resolution waits in the queue.
type Fallback string

const (
	FallbackBlock       Fallback = "block"
	FallbackSkip        Fallback = "skip"
	FallbackSafeDefault Fallback = "safe_default"
	FallbackQueue       Fallback = "queue"
)

// Resolution is one queued, not-yet-answered approval.
type Resolution struct {
	ID            string        `json:"id"`
	PendingAction PendingAction `json:"pending_action"`
	Reason        string        `json:"reason"`
	QueuedAt      time.Time     `json:"queued_at"`
	Priority      Priority      `json:"priority"`
	Context       string        `json:"context"`
	FallbackTaken *Fallback     `json:"fallback_taken,omitempty"`
}

func (r Resolution) stale(now time.Time) bool {
	return now.Sub(r.QueuedAt) > MaxAge
}

const namespace = "deferred"

// eventBufSize bounds how many queue/resolve events an idle Watch consumer
// can fall behind by before further publishes are dropped for it.
const eventBufSize = 32

// Queue holds resolutions in memory, optionally write-through to a
// namespace so queue_persistent entries survive a daemon restart.
type Queue struct {
	mu      sync.RWMutex
	entries map[string]Resolution
	persist *kvstore.Scoped
	events  *pubsub.Broker[Resolution]
}

// New builds an empty Queue bound to store's "deferred" namespace.
func New(store kvstore.Store) *Queue {
	return &Queue{
		entries: make(map[string]Resolution),
		persist: kvstore.NewScoped(store, namespace),
		events:  pubsub.NewBroker[Resolution](eventBufSize),
	}
}

// Watch streams queue/resolve/expire events as they happen. The returned
// channel closes when ctx is done; a slow reader misses events rather than
// blocking the mutation that produced them.
func (q *Queue) Watch(ctx context.Context) <-chan pubsub.Event[Resolution] {
	return q.events.Subscribe(ctx)
}

// Load rebuilds a Queue from persisted entries, discarding anything older
// than MaxAge and deleting it from the store. Reconstruction is idempotent: calling Load twice against the
// same store yields the same live set.
func Load(ctx context.Context, store kvstore.Store) (*Queue, error) {
	q := New(store)
	keys, err := q.persist.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing deferred entries: %v", secerr.ErrStorageError, err)
	}

	now := time.Now().UTC()
	var discarded int
	for _, key := range keys {
		var r Resolution
		found, err := q.persist.GetJSON(ctx, key, &r)
		if err != nil || !found {
			continue
		}
		if r.stale(now) {
			discarded++
			if _, err := q.persist.Delete(ctx, key); err != nil {
				log.Warn("deleting stale deferred entry failed", zap.String("id", key), zap.Error(err))
			}
			continue
		}
		q.entries[r.ID] = r
	}
	if discarded > 0 {
		log.Info("discarded stale deferred entries on load", zap.Int("count", discarded))
	}
	return q, nil
}

// Queue adds resolution to the in-memory queue only, returning its id.
func (q *Queue) Queue(resolution Resolution) string {
	if resolution.ID == "" {
		resolution.ID = uuid.NewString()
	}
	if resolution.QueuedAt.IsZero() {
		resolution.QueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	q.entries[resolution.ID] = resolution
	q.mu.Unlock()
	q.events.Publish(pubsub.Event[Resolution]{Type: pubsub.CreatedEvent, Payload: resolution})
	return resolution.ID
}

// QueuePersistent writes resolution to disk before admitting it to memory,
// so a crash between the two never leaves an entry visible only in memory.
func (q *Queue) QueuePersistent(ctx context.Context, resolution Resolution) (string, error) {
	if resolution.ID == "" {
		resolution.ID = uuid.NewString()
	}
	if resolution.QueuedAt.IsZero() {
		resolution.QueuedAt = time.Now().UTC()
	}
	if err := q.persist.SetJSON(ctx, resolution.ID, &resolution); err != nil {
		return "", fmt.Errorf("%w: persisting deferred entry: %v", secerr.ErrStorageError, err)
	}

	q.mu.Lock()
	q.entries[resolution.ID] = resolution
	q.mu.Unlock()
	q.events.Publish(pubsub.Event[Resolution]{Type: pubsub.CreatedEvent, Payload: resolution})
	return resolution.ID, nil
}

// GetPending returns every queued resolution, highest priority first; ties
// break by queued_at ascending (oldest first).
func (q *Queue) GetPending() []Resolution {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Resolution, 0, len(q.entries))
	for _, r := range q.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank[out[i].Priority], priorityRank[out[j].Priority]
		if ri != rj {
			return ri > rj
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Resolve removes and returns the in-memory-only resolution with id.
func (q *Queue) Resolve(id string) (Resolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.entries[id]
	if !ok {
		return Resolution{}, secerr.ErrNotFound
	}
	delete(q.entries, id)
	q.events.Publish(pubsub.Event[Resolution]{Type: pubsub.DeletedEvent, Payload: r})
	return r, nil
}

// ResolvePersistent removes the in-memory entry first, then best-effort
// deletes the on-disk copy. If that delete fails the entry stays on disk:
// it is gone from this Queue, but a Load within MaxAge admits it again,
// and a Load after MaxAge discards it and deletes it from the store.
func (q *Queue) ResolvePersistent(ctx context.Context, id string) (Resolution, error) {
	q.mu.Lock()
	r, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	q.mu.Unlock()
	if !ok {
		return Resolution{}, secerr.ErrNotFound
	}
	q.events.Publish(pubsub.Event[Resolution]{Type: pubsub.DeletedEvent, Payload: r})

	if _, err := q.persist.Delete(ctx, id); err != nil {
		log.Warn("best-effort deferred entry delete failed", zap.String("id", id), zap.Error(err))
	}
	return r, nil
}

// CleanupOld discards every in-memory (and, where present, persisted) entry
// older than maxAge, returning the number removed.
func (q *Queue) CleanupOld(ctx context.Context, maxAge time.Duration) int {
	now := time.Now().UTC()

	q.mu.Lock()
	var stale []Resolution
	for id, r := range q.entries {
		if now.Sub(r.QueuedAt) > maxAge {
			stale = append(stale, r)
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()

	for _, r := range stale {
		q.events.Publish(pubsub.Event[Resolution]{Type: pubsub.DeletedEvent, Payload: r})
		if _, err := q.persist.Delete(ctx, r.ID); err != nil {
			log.Warn("best-effort stale deferred entry delete failed", zap.String("id", r.ID), zap.Error(err))
		}
	}
	return len(stale)
}

// Count returns the number of currently queued resolutions.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
