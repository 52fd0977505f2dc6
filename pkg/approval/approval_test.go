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
package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
)

type stubHandler struct {
	available bool
	resp      *Response
	err       error
}

func (s *stubHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (*Response, error) {
	return s.resp, s.err
}

func (s *stubHandler) IsAvailable(ctx context.Context) bool { return s.available }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	allowances := allowance.New(kvstore.NewMemory(), keys)
	queue := deferred.New(kvstore.NewMemory())
	return New(allowances, queue, time.Second)
}

func TestCheckApprovalUsesExistingAllowance(t *testing.T) {
	ctx := context.Background()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	allowances := allowance.New(kvstore.NewMemory(), keys)
	queue := deferred.New(kvstore.NewMemory())
	m := New(allowances, queue, time.Second)

	a, err := allowances.New(allowance.NewExactTool("s", "t"), nil, nil, true, "")
	require.NoError(t, err)
	require.NoError(t, allowances.AddAllowance(ctx, *a))

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeAllowed, outcome.Kind)
	require.Equal(t, ProofAllowanceMatch, outcome.Proof.Kind)
}

func TestCheckApprovalDefersWhenNoHandler(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome.Kind)
	require.Equal(t, deferred.FallbackSkip, outcome.Fallback)
	require.NotEmpty(t, outcome.ResolutionID)
}

func TestCheckApprovalDefersWhenHandlerUnavailable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	m.SetHandler(&stubHandler{available: false})

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome.Kind)
}

func TestCheckApprovalDefersOnNilResponse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	m.SetHandler(&stubHandler{available: true, resp: nil})

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome.Kind)
}

func TestCheckApprovalApproveBranch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	m.SetHandler(&stubHandler{available: true, resp: &Response{Kind: ResponseApprove}})

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeAllowed, outcome.Kind)
	require.Equal(t, ProofOneTimeApproval, outcome.Proof.Kind)
}

func TestCheckApprovalApproveWithAllowanceStoresIt(t *testing.T) {
	ctx := context.Background()
	keys, err := cryptoutil.Generate()
	require.NoError(t, err)
	allowances := allowance.New(kvstore.NewMemory(), keys)
	queue := deferred.New(kvstore.NewMemory())
	m := New(allowances, queue, time.Second)

	a, err := allowances.New(allowance.NewExactTool("s", "t"), nil, nil, true, "")
	require.NoError(t, err)
	m.SetHandler(&stubHandler{available: true, resp: &Response{Kind: ResponseApproveWithAllowance, Allowance: a}})

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeAllowed, outcome.Kind)
	require.Equal(t, ProofCustomAllowance, outcome.Proof.Kind)

	count, err := allowances.Count(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCheckApprovalDenyBranch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	m.SetHandler(&stubHandler{available: true, resp: &Response{Kind: ResponseDeny, DenyReason: "no"}})

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, outcome.Kind)
	require.Equal(t, "no", outcome.DenyReason)
}

func TestResolveDeferredReplaysResponse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	outcome, err := m.CheckApproval(ctx, action.ToolCall("s", "t"), "", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome.Kind)

	resolved, err := m.ResolveDeferred(ctx, outcome.ResolutionID, Response{Kind: ResponseApprove})
	require.NoError(t, err)
	require.Equal(t, OutcomeAllowed, resolved.Kind)
	require.Equal(t, 0, m.queue.Count())
}
