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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's persistent state summary and audit chain health",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		ctx := context.Background()

		tokens, err := t.caps.ListTokens(ctx)
		if err != nil {
			return fmt.Errorf("listing capability tokens: %w", err)
		}

		allowances, err := t.allow.List(ctx, t.workspaceRoot)
		if err != nil {
			return fmt.Errorf("listing allowances: %w", err)
		}

		brokenAt, err := t.auditLog.VerifyChain(ctx)
		if err != nil {
			return fmt.Errorf("verifying audit chain: %w", err)
		}

		fmt.Printf("key id:              %s\n", t.keys.KeyID)
		fmt.Printf("workspace:           %s (id %s)\n", t.workspaceRoot, t.workspaceID())
		fmt.Printf("capability tokens:   %d\n", len(tokens))
		fmt.Printf("workspace allowances: %d\n", len(allowances))
		fmt.Printf("pending deferrals:   %d\n", t.deferred.Count())
		if brokenAt == "" {
			fmt.Println("audit chain:         intact")
		} else {
			fmt.Printf("audit chain:         BROKEN at entry %s\n", brokenAt)
			os.Exit(exitError)
		}
		return nil
	},
}
