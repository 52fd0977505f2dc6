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
package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	return New(kvstore.NewMemory(), keys)
}

func TestAppendChainsEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	e1, err := l.Append(ctx, "user-1", "interceptor", map[string]string{"tool": "grep"}, OutcomeAllowed)
	require.NoError(t, err)
	require.Equal(t, genesisPreviousID, e1.PreviousEntryID)

	e2, err := l.Append(ctx, "user-1", "interceptor", map[string]string{"tool": "write"}, OutcomeDeniedBudget)
	require.NoError(t, err)
	require.NotEqual(t, genesisPreviousID, e2.PreviousEntryID)
	require.NotEqual(t, e1.EntryID, e2.EntryID)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	first, err := l.Append(ctx, "user-1", "interceptor", map[string]string{"a": "1"}, OutcomeAllowed)
	require.NoError(t, err)
	_, err = l.Append(ctx, "user-1", "interceptor", map[string]string{"a": "2"}, OutcomeAllowed)
	require.NoError(t, err)

	brokenAt, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	require.Empty(t, brokenAt, "untampered chain should verify clean")

	stored, found, err := l.get(ctx, first.EntryID)
	require.NoError(t, err)
	require.True(t, found)
	stored.Outcome = OutcomeDeniedPolicy
	require.NoError(t, l.put(ctx, stored))

	brokenAt, err = l.VerifyChain(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokenAt, "tampering with an entry should break verification")
}

func TestTailReturnsMostRecentN(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, "user-1", "interceptor", map[string]int{"i": i}, OutcomeAllowed)
		require.NoError(t, err)
		ids = append(ids, e.EntryID)
	}

	tail, err := l.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, ids[3], tail[0].EntryID)
	require.Equal(t, ids[4], tail[1].EntryID)
}

func TestTailNRequestLargerThanLogReturnsAll(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	_, err := l.Append(ctx, "user-1", "interceptor", map[string]string{"a": "1"}, OutcomeAllowed)
	require.NoError(t, err)

	tail, err := l.Tail(ctx, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}
