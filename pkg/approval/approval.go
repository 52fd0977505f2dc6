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
// Package approval implements the Approval Manager: the routine that tries
// the allowance cache, falls through to a pluggable per-frontend handler
// with a timeout, and defers to a persistent queue when no human is
// reachable.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
)

// DefaultTimeout is the handler round-trip timeout used when a Manager is
// built without an explicit override.
const DefaultTimeout = 5 * time.Minute

// ApprovalRequest is handed to the registered Handler for a human decision.
type ApprovalRequest struct {
	ID      string                 `json:"id"`
	Action  action.SensitiveAction `json:"action"`
	Context string                 `json:"context"`
}

// ResponseKind identifies which branch a human (or a replayed resolution)
// chose.
type ResponseKind string

const (
	ResponseApprove              ResponseKind = "approve"
	ResponseApproveSession       ResponseKind = "approve_session"
	ResponseApproveWorkspace     ResponseKind = "approve_workspace"
	ResponseApproveAlways        ResponseKind = "approve_always"
	ResponseApproveWithAllowance ResponseKind = "approve_with_allowance"
	ResponseDeny                 ResponseKind = "deny"
)

// Response is the tagged variant a Handler returns, or a replayed answer
// passed to ResolveDeferred.
type Response struct {
	Kind       ResponseKind
	Allowance  *allowance.Allowance // set only for ResponseApproveWithAllowance
	DenyReason string               // set only for ResponseDeny
}

// Handler is the pluggable, per-frontend approval surface. A nil (*Response)
// return with a nil error means the user was asked but walked away.
type Handler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (*Response, error)
	IsAvailable(ctx context.Context) bool
}

// OutcomeKind identifies which branch of Outcome is populated.
type OutcomeKind string

const (
	OutcomeAllowed  OutcomeKind = "allowed"
	OutcomeDenied   OutcomeKind = "denied"
	OutcomeDeferred OutcomeKind = "deferred"
)

// ProofKind identifies what kind of grant backs an OutcomeAllowed.
type ProofKind string

const (
	ProofAllowanceMatch    ProofKind = "allowance_match"  // the allowance store already had a match
	ProofOneTimeApproval   ProofKind = "one_time"         // Approve
	ProofSessionApproval   ProofKind = "session"          // ApproveSession — interceptor synthesizes the allowance
	ProofWorkspaceApproval ProofKind = "workspace"        // ApproveWorkspace — interceptor synthesizes the allowance
	ProofAlwaysAllow       ProofKind = "always_allow"     // ApproveAlways — interceptor mints a persistent token
	ProofCustomAllowance   ProofKind = "custom_allowance" // ApproveWithAllowance
)

// Proof describes the grant backing an Allowed outcome. PlaceholderID is the
// allowance id for AllowanceMatch/CustomAllowance, or a freshly generated
// placeholder the interceptor replaces once it has synthesized the real
// allowance for Session/Workspace approvals.
type Proof struct {
	Kind          ProofKind
	PlaceholderID string
}

// Outcome is check_approval's result.
type Outcome struct {
	Kind OutcomeKind

	Proof *Proof // OutcomeAllowed

	DenyReason string // OutcomeDenied

	ResolutionID string            // OutcomeDeferred
	Fallback     deferred.Fallback // OutcomeDeferred
}

// Manager orchestrates the allowance → handler → defer decision.
type Manager struct {
	allowances *allowance.Store
	queue      *deferred.Queue
	timeout    time.Duration

	mu      sync.RWMutex
	handler Handler
}

// New builds a Manager. timeout <= 0 uses DefaultTimeout.
func New(allowances *allowance.Store, queue *deferred.Queue, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{allowances: allowances, queue: queue, timeout: timeout}
}

// SetHandler installs (or, with nil, removes) the frontend handler for the
// session this Manager belongs to.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) currentHandler() Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// CheckApproval is the central decision routine.
func (m *Manager) CheckApproval(ctx context.Context, act action.SensitiveAction, reqContext, workspaceRoot string) (Outcome, error) {
	matched, err := m.allowances.FindMatchingAndConsume(ctx, act, workspaceRoot)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking allowance store: %w", err)
	}
	if matched != nil {
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofAllowanceMatch, PlaceholderID: matched.ID}}, nil
	}

	handler := m.currentHandler()
	if handler == nil {
		return m.defer_(ctx, act, reqContext, "no approval handler registered")
	}
	if !handler.IsAvailable(ctx) {
		return m.defer_(ctx, act, reqContext, "approval handler unavailable")
	}

	req := ApprovalRequest{ID: uuid.NewString(), Action: act, Context: reqContext}
	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := handler.RequestApproval(timeoutCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return m.defer_(ctx, act, reqContext, "approval handler timed out")
		}
		return m.defer_(ctx, act, reqContext, "approval handler error: "+err.Error())
	}
	if resp == nil {
		return m.defer_(ctx, act, reqContext, "user did not respond")
	}

	return m.resolveResponse(ctx, *resp)
}

func (m *Manager) defer_(ctx context.Context, act action.SensitiveAction, reqContext, reason string) (Outcome, error) {
	payload, _ := json.Marshal(ApprovalRequest{ID: uuid.NewString(), Action: act, Context: reqContext})
	fallback := deferred.FallbackSkip
	resolution := deferred.Resolution{
		PendingAction: deferred.PendingAction{Kind: deferred.PendingApprovalNeeded, RequestJSON: string(payload)},
		Reason:        reason,
		Priority:      deferred.PriorityNormal,
		Context:       reqContext,
		FallbackTaken: &fallback,
	}
	id, err := m.queue.QueuePersistent(ctx, resolution)
	if err != nil {
		return Outcome{}, fmt.Errorf("queueing deferred resolution: %w", err)
	}
	return Outcome{Kind: OutcomeDeferred, ResolutionID: id, Fallback: fallback}, nil
}

// resolveResponse turns a Handler's (or a replayed) Response into an
// Outcome, applying side effects (storing a custom allowance) where needed.
func (m *Manager) resolveResponse(ctx context.Context, resp Response) (Outcome, error) {
	switch resp.Kind {
	case ResponseApprove:
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofOneTimeApproval}}, nil
	case ResponseApproveSession:
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofSessionApproval, PlaceholderID: uuid.NewString()}}, nil
	case ResponseApproveWorkspace:
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofWorkspaceApproval, PlaceholderID: uuid.NewString()}}, nil
	case ResponseApproveAlways:
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofAlwaysAllow}}, nil
	case ResponseApproveWithAllowance:
		if resp.Allowance == nil {
			return Outcome{}, fmt.Errorf("approve_with_allowance response missing allowance")
		}
		if err := m.allowances.AddAllowance(ctx, *resp.Allowance); err != nil {
			return Outcome{}, fmt.Errorf("storing custom allowance: %w", err)
		}
		return Outcome{Kind: OutcomeAllowed, Proof: &Proof{Kind: ProofCustomAllowance, PlaceholderID: resp.Allowance.ID}}, nil
	case ResponseDeny:
		return Outcome{Kind: OutcomeDenied, DenyReason: resp.DenyReason}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown response kind %q", resp.Kind)
	}
}

// ResolveDeferred replays a previously queued resolution against response,
// removing it from the queue.
func (m *Manager) ResolveDeferred(ctx context.Context, id string, response Response) (Outcome, error) {
	if _, err := m.queue.ResolvePersistent(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("resolving deferred entry: %w", err)
	}
	return m.resolveResponse(ctx, response)
}
