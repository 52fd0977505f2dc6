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
)

// listSessionsCmd reports the workspace-scoped state a restored Session
// would load: the Session Store itself is outbound from the core (spec
// External Interfaces §6 - the caller owns message transcripts), so this
// surfaces the allowance state persisted for the workspace. The workspace
// budget is not reported here (see the budget command).
var listSessionsCmd = &cobra.Command{
	Use:   "list-sessions",
	Short: "Show the persisted workspace-scoped state sessions in --workspace share",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		ctx := context.Background()
		allowances, err := t.allow.List(ctx, t.workspaceRoot)
		if err != nil {
			return fmt.Errorf("listing allowances: %w", err)
		}
		count, err := t.allow.Count(ctx, t.workspaceRoot)
		if err != nil {
			return fmt.Errorf("counting allowances: %w", err)
		}

		fmt.Printf("workspace %s (id %s)\n", t.workspaceRoot, t.workspaceID())
		fmt.Printf("  shared allowances: %d\n", count)
		for _, a := range allowances {
			scope := "workspace"
			if a.SessionOnly {
				scope = "session"
			}
			fmt.Printf("    %s  %s  %s\n", a.ID, scope, a.ActionPattern.Kind)
		}
		return nil
	},
}
