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
package allowance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	return New(kvstore.NewMemory(), keys)
}

func intPtr(n int) *int { return &n }

func TestExactToolMatching(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewExactTool("grep-server", "search"), nil, intPtr(1), true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	match, err := s.FindMatchingAndConsume(ctx, action.ToolCall("grep-server", "search"), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	noMatch, err := s.FindMatchingAndConsume(ctx, action.ToolCall("grep-server", "other-tool"), "")
	require.NoError(t, err)
	require.Nil(t, noMatch)
}

func TestUsesRemainingExhaustsAfterMaxUses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewServerTools("grep-server"), nil, intPtr(2), true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	act := action.ToolCall("grep-server", "search")
	m1, err := s.FindMatchingAndConsume(ctx, act, "")
	require.NoError(t, err)
	require.NotNil(t, m1)

	m2, err := s.FindMatchingAndConsume(ctx, act, "")
	require.NoError(t, err)
	require.NotNil(t, m2)

	m3, err := s.FindMatchingAndConsume(ctx, act, "")
	require.NoError(t, err)
	require.Nil(t, m3, "allowance with uses_remaining=0 must never match again")
}

func TestConcurrentConsumptionNeverOverspends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewServerTools("grep-server"), nil, intPtr(3), true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	act := action.ToolCall("grep-server", "search")
	const attempts = 20
	var successes int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			m, err := s.FindMatchingAndConsume(ctx, act, "")
			require.NoError(t, err)
			if m != nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 3, successes)
}

func TestPathPrefixMatchingDoesNotEscapeBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewPathPrefix("/workspace/project"), nil, nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	inside, err := s.FindMatchingAndConsume(ctx, action.FileRead("/workspace/project/main.go"), "")
	require.NoError(t, err)
	require.NotNil(t, inside)

	sibling, err := s.FindMatchingAndConsume(ctx, action.FileRead("/workspace/project-other/main.go"), "")
	require.NoError(t, err)
	require.Nil(t, sibling, "a sibling directory sharing a string prefix must not match")
}

func TestHostPatternGlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewHostPattern("*.example.com"), nil, nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	match, err := s.FindMatchingAndConsume(ctx, action.NetworkCall("api.example.com"), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	noMatch, err := s.FindMatchingAndConsume(ctx, action.NetworkCall("example.org"), "")
	require.NoError(t, err)
	require.Nil(t, noMatch)
}

func TestWorkspaceAllowanceIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewServerTools("deploy-server"), nil, nil, false, "/workspace/a")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	act := action.ToolCall("deploy-server", "run")
	inWorkspace, err := s.FindMatchingAndConsume(ctx, act, "/workspace/a")
	require.NoError(t, err)
	require.NotNil(t, inWorkspace)

	otherWorkspace, err := s.FindMatchingAndConsume(ctx, act, "/workspace/b")
	require.NoError(t, err)
	require.Nil(t, otherWorkspace, "a workspace-scoped allowance must not match a session from a different workspace")
}

func TestWorkspaceAllowanceRequiresRoot(t *testing.T) {
	s := newTestStore(t)
	_, err := s.New(NewServerTools("deploy-server"), nil, nil, false, "")
	require.Error(t, err)
}

func TestImportExportSessionAllowances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewExactTool("s", "t"), nil, nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	exported, err := s.ExportSessionAllowances(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 1)

	restored := newTestStore(t)
	require.NoError(t, restored.ImportAllowances(ctx, exported))
	count, err := restored.Count(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestClearSessionAllowances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.New(NewExactTool("s", "t"), nil, nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.AddAllowance(ctx, *a))

	require.NoError(t, s.ClearSessionAllowances(ctx))
	count, err := s.Count(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
