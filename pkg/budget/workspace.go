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
package budget

import (
	"context"
	"fmt"

	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// WorkspaceSnapshot extends Snapshot with the workspace-cumulative ceiling.
type WorkspaceSnapshot struct {
	Snapshot
	WorkspaceMaxUSD float64 `json:"workspace_max"`
}

// WorkspaceTracker shares one ceiling across every session opened in a
// workspace root, persisted under ws:{workspace_root}:budget. It wraps an
// in-memory Tracker for the fast path and writes through to disk after
// every state-changing call, so the shared total survives a daemon
// restart and stays visible to every session via the store rather than a
// private copy.
type WorkspaceTracker struct {
	inner           *Tracker
	workspaceMaxUSD float64
	store           *kvstore.Scoped
}

func workspaceBudgetNamespace(workspaceRoot string) string {
	return "ws:" + workspaceRoot + ":budget"
}

// LoadWorkspaceTracker loads (or initializes, if absent) the persisted
// budget state for workspaceRoot.
func LoadWorkspaceTracker(ctx context.Context, persist kvstore.Store, workspaceRoot string, workspaceMaxUSD, warnThresholdPct float64) (*WorkspaceTracker, error) {
	scoped := kvstore.NewScoped(persist, workspaceBudgetNamespace(workspaceRoot))
	wt := &WorkspaceTracker{
		inner:           New(workspaceMaxUSD, workspaceMaxUSD, warnThresholdPct),
		workspaceMaxUSD: workspaceMaxUSD,
		store:           scoped,
	}

	var snap WorkspaceSnapshot
	found, err := scoped.GetJSON(ctx, "snapshot", &snap)
	if err != nil {
		return nil, fmt.Errorf("%w: loading workspace budget: %v", secerr.ErrStorageError, err)
	}
	if found {
		wt.inner.Restore(snap.Snapshot)
		wt.workspaceMaxUSD = snap.WorkspaceMaxUSD
	}
	return wt, nil
}

// CheckAndRecord is consulted after the per-session tracker has already
// passed. The Security Interceptor is responsible for calling
// Tracker.Rollback on the session tracker if this refuses, so the two
// counters never diverge.
func (w *WorkspaceTracker) CheckAndRecord(ctx context.Context, costUSD float64) (Result, error) {
	result := w.inner.CheckAndRecord(costUSD)
	if result == ResultExceeded {
		return result, nil
	}
	if err := w.persist(ctx); err != nil {
		w.inner.Rollback(costUSD)
		return ResultExceeded, err
	}
	return result, nil
}

func (w *WorkspaceTracker) persist(ctx context.Context) error {
	snap := WorkspaceSnapshot{Snapshot: w.inner.Snapshot(), WorkspaceMaxUSD: w.workspaceMaxUSD}
	if err := w.store.SetJSON(ctx, "snapshot", &snap); err != nil {
		return fmt.Errorf("%w: persisting workspace budget: %v", secerr.ErrStorageError, err)
	}
	return nil
}

// Spent returns the workspace's current cumulative spend in USD.
func (w *WorkspaceTracker) Spent() float64 {
	return w.inner.Spent()
}

// Snapshot returns the workspace tracker's current state.
func (w *WorkspaceTracker) Snapshot() WorkspaceSnapshot {
	return WorkspaceSnapshot{Snapshot: w.inner.Snapshot(), WorkspaceMaxUSD: w.workspaceMaxUSD}
}
