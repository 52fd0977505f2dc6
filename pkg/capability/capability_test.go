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
package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	return New(kvstore.NewMemory(), keys)
}

func TestMintAddFindCapability(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pattern := action.NewResourcePattern("mcp://grep:*")
	perms := action.NewPermissionSet(action.PermissionInvoke)
	tok, err := s.Mint(pattern, perms, ScopeSession, "audit-1", nil, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *tok))

	found, err := s.FindCapability(ctx, "mcp://grep:search", action.PermissionInvoke)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, tok.ID, found.ID)

	missing, err := s.FindCapability(ctx, "mcp://other:search", action.PermissionInvoke)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRevokedTokenNeverMatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pattern := action.NewResourcePattern("file://local:/tmp/*")
	perms := action.NewPermissionSet(action.PermissionRead)
	tok, err := s.Mint(pattern, perms, ScopePersistent, "audit-1", nil, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *tok))

	require.NoError(t, s.Revoke(ctx, tok.ID))

	found, err := s.FindCapability(ctx, "file://local:/tmp/x", action.PermissionRead)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestExpiredTokenNeverMatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	pattern := action.NewResourcePattern("net://api.example.com:request")
	perms := action.NewPermissionSet(action.PermissionNetwork)
	tok, err := s.Mint(pattern, perms, ScopeSession, "audit-1", &past, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *tok))

	found, err := s.FindCapability(ctx, "net://api.example.com:request", action.PermissionNetwork)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestUseTokenSingleUseAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pattern := action.NewResourcePattern("mcp://deploy:run")
	perms := action.NewPermissionSet(action.PermissionInvoke)
	tok, err := s.Mint(pattern, perms, ScopePersistent, "audit-1", nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *tok))

	const attempts = 20
	var successes int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.UseToken(ctx, tok.ID, "mcp://deploy:run", action.PermissionInvoke); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes, "exactly one concurrent use_token call may succeed on a single-use token")

	used, err := s.IsUsed(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, used)
}

func TestUseTokenAlreadyUsedAfterConsumption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pattern := action.NewResourcePattern("mcp://deploy:run")
	perms := action.NewPermissionSet(action.PermissionInvoke)
	tok, err := s.Mint(pattern, perms, ScopeSession, "audit-1", nil, true, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *tok))

	_, err = s.UseToken(ctx, tok.ID, "mcp://deploy:run", action.PermissionInvoke)
	require.NoError(t, err)

	_, err = s.UseToken(ctx, tok.ID, "mcp://deploy:run", action.PermissionInvoke)
	require.True(t, errors.Is(err, secerr.ErrTokenAlreadyUsed))
}

func TestCleanupExpiredRemovesOnlyPersistentExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	perms := action.NewPermissionSet(action.PermissionRead)

	expired, err := s.Mint(action.NewResourcePattern("file://local:/a"), perms, ScopePersistent, "a1", &past, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *expired))

	alive, err := s.Mint(action.NewResourcePattern("file://local:/b"), perms, ScopePersistent, "a2", &future, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *alive))

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err := s.Get(ctx, expired.ID)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.Get(ctx, alive.ID)
	require.NoError(t, err)
	require.True(t, found)
}

func TestClearSessionOnlyAffectsSessionTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	perms := action.NewPermissionSet(action.PermissionRead)

	sessTok, err := s.Mint(action.NewResourcePattern("file://local:/s"), perms, ScopeSession, "a1", nil, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *sessTok))

	persTok, err := s.Mint(action.NewResourcePattern("file://local:/p"), perms, ScopePersistent, "a2", nil, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, *persTok))

	require.NoError(t, s.ClearSession(ctx))

	_, found, err := s.Get(ctx, sessTok.ID)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = s.Get(ctx, persTok.ID)
	require.NoError(t, err)
	require.True(t, found)
}
