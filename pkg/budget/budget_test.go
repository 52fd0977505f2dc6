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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

func TestPerActionRejection(t *testing.T) {
	tr := New(1.0, 100.0, 80)
	require.Equal(t, ResultExceeded, tr.CheckAndRecord(1.5))
	require.Equal(t, float64(0), tr.Spent(), "a rejected per-action charge must not be recorded")
}

func TestSessionCumulativeRejection(t *testing.T) {
	tr := New(10.0, 5.0, 80)
	require.Equal(t, ResultOK, tr.CheckAndRecord(3.0))
	require.Equal(t, ResultExceeded, tr.CheckAndRecord(3.0), "3.0 + 3.0 exceeds the 5.0 session max")
	require.Equal(t, 3.0, tr.Spent())
}

func TestWarningFiresOnceAtThreshold(t *testing.T) {
	tr := New(10.0, 10.0, 80)
	require.Equal(t, ResultOK, tr.CheckAndRecord(5.0))
	require.Equal(t, ResultWarning, tr.CheckAndRecord(3.5), "crossing 80% of 10.0 should warn")
	require.Equal(t, ResultOK, tr.CheckAndRecord(0.5), "the same threshold must not fire twice")
}

func TestRollback(t *testing.T) {
	tr := New(10.0, 10.0, 80)
	require.Equal(t, ResultOK, tr.CheckAndRecord(4.0))
	tr.Rollback(4.0)
	require.Equal(t, float64(0), tr.Spent())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tr := New(10.0, 10.0, 80)
	tr.CheckAndRecord(6.0)
	snap := tr.Snapshot()

	restored := New(0, 0, 0)
	restored.Restore(snap)
	require.Equal(t, tr.Spent(), restored.Spent())
	require.Equal(t, ResultExceeded, restored.CheckAndRecord(5.0), "restored session max must still be enforced")
}

func TestConcurrentCheckAndRecordNeverOverspends(t *testing.T) {
	tr := New(1.0, 10.0, 80)
	const attempts = 30
	var successes int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if tr.CheckAndRecord(0.5) != ResultExceeded {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, tr.Spent(), 10.0)
	require.Equal(t, float64(successes)*0.5, tr.Spent())
}

func TestWorkspaceTrackerPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	wt, err := LoadWorkspaceTracker(ctx, store, "/workspace/a", 20.0, 80)
	require.NoError(t, err)
	result, err := wt.CheckAndRecord(ctx, 5.0)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)

	reloaded, err := LoadWorkspaceTracker(ctx, store, "/workspace/a", 20.0, 80)
	require.NoError(t, err)
	require.Equal(t, 5.0, reloaded.Spent())
}

func TestWorkspaceTrackerIsolatedPerWorkspace(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	a, err := LoadWorkspaceTracker(ctx, store, "/workspace/a", 20.0, 80)
	require.NoError(t, err)
	_, err = a.CheckAndRecord(ctx, 5.0)
	require.NoError(t, err)

	b, err := LoadWorkspaceTracker(ctx, store, "/workspace/b", 20.0, 80)
	require.NoError(t, err)
	require.Equal(t, float64(0), b.Spent())
}
