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
package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	store := kvstore.NewMemory()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	caps := capability.New(store, keys)
	queue := deferred.New(store)

	_, err = New(Config{Caps: caps, Deferred: queue, Schedule: "not a cron expression"})
	require.Error(t, err)
}

func TestRunNowRemovesExpiredTokensAndStaleResolutions(t *testing.T) {
	store := kvstore.NewMemory()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	caps := capability.New(store, keys)
	queue := deferred.New(store)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	pattern := action.NewResourcePattern("fs:read_file")
	token, err := caps.Mint(pattern, action.NewPermissionSet(action.PermissionInvoke), capability.ScopePersistent, "seed", &past, false, "already expired")
	require.NoError(t, err)
	require.NoError(t, caps.Add(ctx, *token))

	stale := deferred.Resolution{
		PendingAction: deferred.PendingAction{Kind: deferred.PendingApprovalNeeded},
		Priority:      deferred.PriorityNormal,
		QueuedAt:      time.Now().UTC().Add(-2 * time.Hour),
	}
	_, err = queue.QueuePersistent(ctx, stale)
	require.NoError(t, err)

	sweeper, err := New(Config{Caps: caps, Deferred: queue, DeferredMaxAge: time.Hour})
	require.NoError(t, err)
	sweeper.RunNow(ctx)

	tokens, err := caps.ListTokens(ctx)
	require.NoError(t, err)
	require.Empty(t, tokens)
	require.Zero(t, queue.Count())
}

func TestStartAndStop(t *testing.T) {
	store := kvstore.NewMemory()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	caps := capability.New(store, keys)
	queue := deferred.New(store)

	sweeper, err := New(Config{Caps: caps, Deferred: queue, Schedule: "@every 1h"})
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
}
