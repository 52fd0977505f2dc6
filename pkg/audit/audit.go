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
// Package audit implements the append-only, hash-chained, signed event log
// every Interceptor decision writes to. No decision is final until its
// audit entry has been durably appended: approval is never unaudited and
// denial is never silent.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

const namespace = "audit"

// genesisPreviousID is the previous_entry_id recorded by the first entry
// ever appended, since there is no predecessor to hash.
const genesisPreviousID = "genesis"

// Outcome classifies the terminal result of the action the entry records.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeDeniedBudget   Outcome = "denied:budget"
	OutcomeDeniedPolicy   Outcome = "denied:policy"
	OutcomeDeniedPath     Outcome = "denied:path_escape"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeResolveApprove Outcome = "resolved:approved"
	OutcomeResolveDeny    Outcome = "resolved:denied"
)

// Entry is one link in the signed, hash-chained log. Signature covers the
// canonical JSON of every other field, so verification re-derives the same
// bytes and checks them against the stored signature.
type Entry struct {
	EntryID         string    `json:"entry_id"`
	PreviousEntryID string    `json:"previous_entry_id"`
	Timestamp       time.Time `json:"timestamp"`
	ActorID         string    `json:"actor_id"`
	Component       string    `json:"component"`
	ActionJSON      string    `json:"action_json"`
	Outcome         Outcome   `json:"outcome"`
	Signature       []byte    `json:"signature"`
}

// signedBody returns the canonical bytes the signature covers: every field
// except the signature itself.
func (e Entry) signedBody() ([]byte, error) {
	unsigned := e
	unsigned.Signature = nil
	body, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit entry body: %w", err)
	}
	return body, nil
}

// Log is the append-only hash chain. Appends are serialized through mu so
// entries are totally ordered across every session sharing one Log.
type Log struct {
	mu     sync.Mutex
	store  *kvstore.Scoped
	keys   *cryptoutil.KeyPair
	headID string
	loaded bool
}

// New wraps store's "audit" namespace with a signing keypair. Construction
// is cheap; the chain head is resolved lazily on first Append/VerifyChain so
// New never needs a context.
func New(store kvstore.Store, keys *cryptoutil.KeyPair) *Log {
	return &Log{store: kvstore.NewScoped(store, namespace), keys: keys}
}

func (l *Log) ensureHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	raw, found, err := l.store.Get(ctx, "head")
	if err != nil {
		return fmt.Errorf("%w: reading audit head: %v", secerr.ErrStorageError, err)
	}
	if found {
		l.headID = string(raw)
	} else {
		l.headID = genesisPreviousID
	}
	l.loaded = true
	return nil
}

// previousHash returns the hash-chain link value for the next entry: the
// hex SHA-256 of the current head entry's signed body, or the genesis
// marker if the log is empty.
func (l *Log) previousHash(ctx context.Context) (string, error) {
	if l.headID == genesisPreviousID {
		return genesisPreviousID, nil
	}
	head, found, err := l.get(ctx, l.headID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: audit head %s missing from store", secerr.ErrStorageError, l.headID)
	}
	body, err := head.signedBody()
	if err != nil {
		return "", err
	}
	sum := cryptoutil.Hash(body)
	return hex.EncodeToString(sum[:]), nil
}

// Append builds, signs, and durably writes the next entry in the chain,
// returning its id. component identifies which of the security core's
// pieces produced the entry (interceptor, capability_store, ...), used only
// for CLI filtering — it is not part of the spec's signature-bearing fields
// beyond being included in the canonical body, like every other field.
func (l *Log) Append(ctx context.Context, actorID, component string, action any, outcome Outcome) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureHead(ctx); err != nil {
		return nil, err
	}
	prevHash, err := l.previousHash(ctx)
	if err != nil {
		return nil, err
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit action payload: %w", err)
	}

	entry := Entry{
		EntryID:         uuid.NewString(),
		PreviousEntryID: prevHash,
		Timestamp:       time.Now().UTC(),
		ActorID:         actorID,
		Component:       component,
		ActionJSON:      string(actionJSON),
		Outcome:         outcome,
	}
	body, err := entry.signedBody()
	if err != nil {
		return nil, err
	}
	entry.Signature = l.keys.Sign(body)

	if err := l.put(ctx, &entry); err != nil {
		return nil, err
	}
	if err := l.store.Set(ctx, "head", []byte(entry.EntryID)); err != nil {
		return nil, fmt.Errorf("%w: advancing audit head: %v", secerr.ErrStorageError, err)
	}
	l.headID = entry.EntryID

	log.Debug("audit entry appended",
		zap.String("entry_id", entry.EntryID),
		zap.String("component", component),
		zap.String("outcome", string(outcome)),
	)
	return &entry, nil
}

func (l *Log) put(ctx context.Context, e *Entry) error {
	if err := l.store.SetJSON(ctx, "entry:"+e.EntryID, e); err != nil {
		return fmt.Errorf("%w: writing audit entry %s: %v", secerr.ErrStorageError, e.EntryID, err)
	}
	return nil
}

func (l *Log) get(ctx context.Context, entryID string) (*Entry, bool, error) {
	var e Entry
	found, err := l.store.GetJSON(ctx, "entry:"+entryID, &e)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading audit entry %s: %v", secerr.ErrStorageError, entryID, err)
	}
	return &e, found, nil
}

// Get fetches one entry by id.
func (l *Log) Get(ctx context.Context, entryID string) (*Entry, bool, error) {
	return l.get(ctx, entryID)
}

// All returns every entry in chain order (oldest first). Intended for
// verification and small-scale CLI use, not high-volume iteration.
func (l *Log) All(ctx context.Context) ([]*Entry, error) {
	keys, err := l.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing audit entries: %v", secerr.ErrStorageError, err)
	}
	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		if k == "head" {
			continue
		}
		var e Entry
		found, err := l.store.GetJSON(ctx, k, &e)
		if err != nil {
			return nil, fmt.Errorf("%w: reading audit entry %s: %v", secerr.ErrStorageError, k, err)
		}
		if found {
			entries = append(entries, &e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// Tail returns the last n entries in chain order, servicing `astridctl audit [N]`.
func (l *Log) Tail(ctx context.Context, n int) ([]*Entry, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// VerifyChain re-hashes and re-verifies every entry in order, implementing
// the spec's Audit-chain-integrity property. Returns the first entry id that
// fails to verify, or "" if the whole chain is intact.
func (l *Log) VerifyChain(ctx context.Context) (brokenAt string, err error) {
	entries, err := l.All(ctx)
	if err != nil {
		return "", err
	}
	expectedPrev := genesisPreviousID
	for _, e := range entries {
		if e.PreviousEntryID != expectedPrev {
			return e.EntryID, nil
		}
		body, err := e.signedBody()
		if err != nil {
			return "", err
		}
		if !cryptoutil.Verify(l.keys.Public, body, e.Signature) {
			return e.EntryID, nil
		}
		sum := cryptoutil.Hash(body)
		expectedPrev = hex.EncodeToString(sum[:])
	}
	return "", nil
}
