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
// Package interceptor implements the Security Interceptor: the single call
// site every sensitive action flows through on its way from an agent to its
// effect, sequencing the hook chain, capability check, approval flow,
// budget enforcement, and audit write into one decision.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unicity-astrid/astrid-sub002/pkg/action"
	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/approval"
	"github.com/unicity-astrid/astrid-sub002/pkg/audit"
	"github.com/unicity-astrid/astrid-sub002/pkg/budget"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/hooks"
	"github.com/unicity-astrid/astrid-sub002/pkg/session"
)

// Kind identifies which branch of a Decision is populated.
type Kind string

const (
	Allowed  Kind = "allowed"
	Denied   Kind = "denied"
	Deferred Kind = "deferred"
)

// Decision is intercept's result: a tagged variant, never all fields
// meaningful at once.
type Decision struct {
	Kind Kind

	Proof   *approval.Proof // Allowed
	AuditID string          // Allowed, Denied, Deferred

	DenyReason string // Denied

	ResolutionID string            // Deferred
	Fallback     deferred.Fallback // Deferred
}

// Interceptor is the single call site every sensitive action flows through.
// It holds no per-session state of its own: everything session-scoped
// (capabilities, allowances, budget, approval handler) comes from the
// session.Session passed to Intercept, so one Interceptor serves every
// session in the daemon.
type Interceptor struct {
	audit *audit.Log
	hooks *hooks.Chain
}

// New builds an Interceptor. A nil hookChain is treated as an empty chain
// (every action passes through with Continue).
func New(auditLog *audit.Log, hookChain *hooks.Chain) *Interceptor {
	if hookChain == nil {
		hookChain = hooks.New()
	}
	return &Interceptor{audit: auditLog, hooks: hookChain}
}

// Intercept is the nine-step sequence: hook chain (pre), capability check,
// allowance/approval flow, conditional token/allowance issuance, budget
// enforcement, audit write, hook chain (post). estimatedCostUSD is the
// caller's best estimate of act's cost, charged against sess's budget
// tracker and, if workspaceBudget is non-nil, the workspace-wide tracker
// sharing sess's workspace root.
func (ic *Interceptor) Intercept(ctx context.Context, sess *session.Session, act action.SensitiveAction, reqContext string, workspaceBudget *budget.WorkspaceTracker, estimatedCostUSD float64) (Decision, error) {
	act, asked, askContext, blocked, err := ic.runPreHooks(ctx, sess, act, reqContext)
	if err != nil {
		return Decision{}, err
	}
	if blocked != nil {
		return ic.denyAndAudit(ctx, sess, act, *blocked, audit.OutcomeDeniedPolicy)
	}

	if !asked {
		if dec, handled, err := ic.checkCapability(ctx, sess, act, workspaceBudget, estimatedCostUSD); err != nil {
			return Decision{}, err
		} else if handled {
			return ic.runPostHooksAndReturn(ctx, sess, act, dec), nil
		}
	}

	outcome, err := sess.Approval.CheckApproval(ctx, act, askContext, sess.WorkspaceRoot)
	if err != nil {
		return ic.denyAndAudit(ctx, sess, act, fmt.Sprintf("approval flow error: %v", err), audit.OutcomeDeniedPolicy)
	}

	var dec Decision
	switch outcome.Kind {
	case approval.OutcomeDeferred:
		dec, err = ic.auditDeferred(ctx, sess, act, outcome)
	case approval.OutcomeDenied:
		return ic.denyAndAudit(ctx, sess, act, outcome.DenyReason, audit.OutcomeDeniedPolicy)
	case approval.OutcomeAllowed:
		dec, err = ic.finalizeAllowed(ctx, sess, act, workspaceBudget, estimatedCostUSD, outcome.Proof)
	default:
		return Decision{}, fmt.Errorf("interceptor: unknown approval outcome kind %q", outcome.Kind)
	}
	if err != nil {
		return Decision{}, err
	}
	return ic.runPostHooksAndReturn(ctx, sess, act, dec), nil
}

// runPreHooks dispatches the pre hook chain and interprets its result:
// Block short-circuits (returned via blocked), Ask converts to an approval
// request context (asked=true, skipping the capability check per step 1's
// "Ask converts to an ApprovalRequest"), and ContinueWith's replacement
// action is unmarshaled back into act.
func (ic *Interceptor) runPreHooks(ctx context.Context, sess *session.Session, act action.SensitiveAction, reqContext string) (out action.SensitiveAction, asked bool, askContext string, blocked *string, err error) {
	raw, err := json.Marshal(act)
	if err != nil {
		return act, false, reqContext, nil, fmt.Errorf("marshaling action for hook dispatch: %w", err)
	}
	hctx := hooks.Context{ActionJSON: string(raw), SessionID: sess.ID}

	result, final := ic.hooks.Run(ctx, hooks.EventPre, hctx)
	switch result.Kind {
	case hooks.ResultBlock:
		reason := result.Reason
		return act, false, reqContext, &reason, nil
	case hooks.ResultAsk:
		return act, true, result.Question, nil, nil
	}

	if final.ActionJSON != string(raw) {
		var replaced action.SensitiveAction
		if err := json.Unmarshal([]byte(final.ActionJSON), &replaced); err != nil {
			return act, false, reqContext, nil, fmt.Errorf("unmarshaling hook-modified action: %w", err)
		}
		act = replaced
	}
	return act, false, reqContext, nil, nil
}

// checkCapability implements step 2. handled is true if a matching token
// was found and consumed, in which case dec is the (budget-finalized)
// decision and the caller returns it directly without entering the
// approval flow. A token that fails validation (revoked, expired,
// already used, or raced away by a concurrent caller) is a local
// condition: handled is false and the caller falls through to step 3.
func (ic *Interceptor) checkCapability(ctx context.Context, sess *session.Session, act action.SensitiveAction, workspaceBudget *budget.WorkspaceTracker, estimatedCostUSD float64) (Decision, bool, error) {
	resource := act.Resource()
	token, err := sess.Capabilities.FindCapability(ctx, resource, act.Permission)
	if err != nil {
		return Decision{}, false, fmt.Errorf("checking capability store: %w", err)
	}
	if token == nil {
		return Decision{}, false, nil
	}
	used, err := sess.Capabilities.UseToken(ctx, token.ID, resource, act.Permission)
	if err != nil {
		// Local: the token lost the race (or was revoked/expired in the
		// meantime). Fall through to the approval flow like any other miss.
		return Decision{}, false, nil
	}
	proof := &approval.Proof{Kind: approval.ProofAlwaysAllow, PlaceholderID: used.ID}
	dec, err := ic.finalizeBudgetAndAudit(ctx, sess, act, workspaceBudget, estimatedCostUSD, proof, nil)
	if err != nil {
		return Decision{}, false, err
	}
	return dec, true, nil
}

// finalizeAllowed implements steps 4-7 for an Allowed approval outcome.
// Session/Workspace approvals synthesize their allowance before the budget
// check (per spec ordering) and are rolled back via allowance.Revoke if the
// budget subsequently refuses; AlwaysAllow defers its token mint until
// after the budget check passes, since a capability token, once added, has
// no true-delete primitive (only Revoke, which still surfaces the token
// from ListTokens) to undo it with.
func (ic *Interceptor) finalizeAllowed(ctx context.Context, sess *session.Session, act action.SensitiveAction, workspaceBudget *budget.WorkspaceTracker, estimatedCostUSD float64, proof *approval.Proof) (Decision, error) {
	var rollbackAllowanceID, rollbackWorkspaceRoot string

	switch proof.Kind {
	case approval.ProofSessionApproval, approval.ProofWorkspaceApproval:
		sessionOnly := proof.Kind == approval.ProofSessionApproval
		workspaceRoot := ""
		if !sessionOnly {
			workspaceRoot = sess.WorkspaceRoot
		}
		a, err := sess.Allowances.New(patternFor(act), nil, nil, sessionOnly, workspaceRoot)
		if err != nil {
			return Decision{}, fmt.Errorf("synthesizing allowance: %w", err)
		}
		if err := sess.Allowances.AddAllowance(ctx, *a); err != nil {
			return Decision{}, fmt.Errorf("storing synthesized allowance: %w", err)
		}
		proof = &approval.Proof{Kind: proof.Kind, PlaceholderID: a.ID}
		rollbackAllowanceID, rollbackWorkspaceRoot = a.ID, workspaceRoot
	}

	return ic.finalizeBudgetAndAudit(ctx, sess, act, workspaceBudget, estimatedCostUSD, proof, func() {
		if rollbackAllowanceID != "" {
			_ = sess.Allowances.Revoke(ctx, rollbackAllowanceID, rollbackWorkspaceRoot)
		}
	})
}

// finalizeBudgetAndAudit implements step 6 (budget, with rollback on
// refusal) and step 7 (audit write), and, for an AlwaysAllow proof not yet
// backed by a minted token (the capability-check fast path already has
// one; a fresh ApproveAlways response does not), performs the
// audit-entry-before-token-mint sequence of step 4 once the budget is
// known to pass. onRefuse is invoked to undo any step 4/5 issuance
// performed before this call; it may be nil.
func (ic *Interceptor) finalizeBudgetAndAudit(ctx context.Context, sess *session.Session, act action.SensitiveAction, workspaceBudget *budget.WorkspaceTracker, estimatedCostUSD float64, proof *approval.Proof, onRefuse func()) (Decision, error) {
	sessionResult := sess.Budget.CheckAndRecord(estimatedCostUSD)
	if sessionResult == budget.ResultExceeded {
		if onRefuse != nil {
			onRefuse()
		}
		return ic.denyAndAudit(ctx, sess, act, "session budget exceeded", audit.OutcomeDeniedBudget)
	}

	if workspaceBudget != nil {
		wsResult, err := workspaceBudget.CheckAndRecord(ctx, estimatedCostUSD)
		if err != nil {
			sess.Budget.Rollback(estimatedCostUSD)
			if onRefuse != nil {
				onRefuse()
			}
			return Decision{}, fmt.Errorf("checking workspace budget: %w", err)
		}
		if wsResult == budget.ResultExceeded {
			sess.Budget.Rollback(estimatedCostUSD)
			if onRefuse != nil {
				onRefuse()
			}
			return ic.denyAndAudit(ctx, sess, act, "workspace budget exceeded", audit.OutcomeDeniedBudget)
		}
	}

	if proof.Kind == approval.ProofAlwaysAllow && proof.PlaceholderID == "" {
		entry, err := ic.audit.Append(ctx, sess.ID, "interceptor", act, audit.OutcomeAllowed)
		if err != nil {
			return Decision{}, fmt.Errorf("writing audit entry: %w", err)
		}
		token, err := sess.Capabilities.Mint(action.NewResourcePattern(act.Resource()), action.NewPermissionSet(act.Permission), capabilityScope(sess), entry.EntryID, nil, false, "always_allow:"+act.Resource())
		if err != nil {
			return Decision{}, fmt.Errorf("minting capability token: %w", err)
		}
		if err := sess.Capabilities.Add(ctx, *token); err != nil {
			return Decision{}, fmt.Errorf("storing capability token: %w", err)
		}
		return Decision{Kind: Allowed, Proof: &approval.Proof{Kind: approval.ProofAlwaysAllow, PlaceholderID: token.ID}, AuditID: entry.EntryID}, nil
	}

	entry, err := ic.audit.Append(ctx, sess.ID, "interceptor", act, audit.OutcomeAllowed)
	if err != nil {
		return Decision{}, fmt.Errorf("writing audit entry: %w", err)
	}
	return Decision{Kind: Allowed, Proof: proof, AuditID: entry.EntryID}, nil
}

func (ic *Interceptor) auditDeferred(ctx context.Context, sess *session.Session, act action.SensitiveAction, outcome approval.Outcome) (Decision, error) {
	entry, err := ic.audit.Append(ctx, sess.ID, "interceptor", act, audit.OutcomeDeferred)
	if err != nil {
		return Decision{}, fmt.Errorf("writing audit entry: %w", err)
	}
	return Decision{Kind: Deferred, ResolutionID: outcome.ResolutionID, Fallback: outcome.Fallback, AuditID: entry.EntryID}, nil
}

func (ic *Interceptor) denyAndAudit(ctx context.Context, sess *session.Session, act action.SensitiveAction, reason string, outcome audit.Outcome) (Decision, error) {
	entry, err := ic.audit.Append(ctx, sess.ID, "interceptor", act, outcome)
	if err != nil {
		return Decision{}, fmt.Errorf("writing audit entry: %w", err)
	}
	return Decision{Kind: Denied, DenyReason: reason, AuditID: entry.EntryID}, nil
}

// runPostHooksAndReturn implements step 8: post hooks may observe the
// decision for telemetry but cannot change it.
func (ic *Interceptor) runPostHooksAndReturn(ctx context.Context, sess *session.Session, act action.SensitiveAction, dec Decision) Decision {
	raw, err := json.Marshal(act)
	if err != nil {
		return dec
	}
	hctx := hooks.Context{ActionJSON: string(raw), SessionID: sess.ID, Note: string(dec.Kind)}
	ic.hooks.Run(ctx, hooks.EventPost, hctx)
	return dec
}

// capabilityScope returns the Scope a freshly minted AlwaysAllow token
// should use. Sub-agent sessions mint Session-scoped tokens so a spawned
// agent's always-allow grants do not outlive it; root sessions mint
// Persistent tokens, matching the spec's "signed by the user key" language
// for AlwaysAllow.
func capabilityScope(sess *session.Session) capability.Scope {
	if sess.IsSubAgent {
		return capability.ScopeSession
	}
	return capability.ScopePersistent
}

// patternFor derives the ActionPattern a synthesized Session/Workspace
// approval should cover from the action it was granted for. SpawnSession
// has no dedicated pattern variant (the spec names only ExactTool,
// ServerTools, PathPrefix, and HostPattern for step 5): the returned
// pattern never matches anything, so a spawn approval is honored once but
// never serves as a future cache hit.
func patternFor(act action.SensitiveAction) allowance.ActionPattern {
	switch act.Kind {
	case action.KindToolCall:
		return allowance.NewExactTool(act.Server, act.Tool)
	case action.KindFileRead, action.KindFileWrite:
		return allowance.NewPathPrefix(act.Path)
	case action.KindNetworkCall:
		return allowance.NewHostPattern(act.Host)
	default:
		return allowance.ActionPattern{}
	}
}
