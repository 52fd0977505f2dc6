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
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unicity-astrid/astrid-sub002/pkg/approval"
)

var (
	resolveDecision string
	resolveReason   string
)

var resolveDeferredCmd = &cobra.Command{
	Use:   "resolve-deferred {id}",
	Short: "Answer a deferred approval that was queued while no handler was reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		resp, err := responseFor(resolveDecision, resolveReason)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}

		outcome, err := t.approval.ResolveDeferred(context.Background(), args[0], resp)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", args[0], err)
		}

		switch outcome.Kind {
		case approval.OutcomeAllowed:
			fmt.Printf("allowed (%s)\n", outcome.Proof.Kind)
		case approval.OutcomeDenied:
			fmt.Printf("denied: %s\n", outcome.DenyReason)
			os.Exit(exitDenied)
		case approval.OutcomeDeferred:
			fmt.Println("still deferred")
			os.Exit(exitDeferred)
		}
		return nil
	},
}

func init() {
	resolveDeferredCmd.Flags().StringVar(&resolveDecision, "decision", "approve",
		"approve|approve_session|approve_workspace|approve_always|deny")
	resolveDeferredCmd.Flags().StringVar(&resolveReason, "reason", "", "reason text, required with --decision deny")
}

func responseFor(decision, reason string) (approval.Response, error) {
	switch approval.ResponseKind(decision) {
	case approval.ResponseApprove, approval.ResponseApproveSession, approval.ResponseApproveWorkspace, approval.ResponseApproveAlways:
		return approval.Response{Kind: approval.ResponseKind(decision)}, nil
	case approval.ResponseDeny:
		if reason == "" {
			return approval.Response{}, fmt.Errorf("--reason is required with --decision deny")
		}
		return approval.Response{Kind: approval.ResponseDeny, DenyReason: reason}, nil
	default:
		return approval.Response{}, fmt.Errorf("unknown --decision %q", decision)
	}
}
