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

var listAllowancesCmd = &cobra.Command{
	Use:   "list-allowances",
	Short: "List the allowances (session and workspace) covering --workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		allowances, err := t.allow.List(context.Background(), t.workspaceRoot)
		if err != nil {
			return fmt.Errorf("listing allowances: %w", err)
		}
		if len(allowances) == 0 {
			fmt.Println("no allowances")
			return nil
		}
		for _, a := range allowances {
			scope := "workspace"
			if a.SessionOnly {
				scope = "session"
			}
			desc := string(a.ActionPattern.Kind)
			if a.ActionPattern.Server != "" || a.ActionPattern.Tool != "" {
				desc = fmt.Sprintf("%s server=%s tool=%s", desc, a.ActionPattern.Server, a.ActionPattern.Tool)
			}
			if a.ActionPattern.Path != "" {
				desc = fmt.Sprintf("%s path=%s", desc, a.ActionPattern.Path)
			}
			if a.ActionPattern.Host != "" {
				desc = fmt.Sprintf("%s host=%s", desc, a.ActionPattern.Host)
			}
			usesLeft := "unlimited"
			if a.UsesRemaining != nil {
				usesLeft = fmt.Sprintf("%d", *a.UsesRemaining)
			}
			expires := "never"
			if a.ExpiresAt != nil {
				expires = a.ExpiresAt.Format("2006-01-02T15:04:05Z")
			}
			fmt.Printf("%s  %-9s  %-40s  uses_remaining=%-8s  expires=%s\n", a.ID, scope, desc, usesLeft, expires)
		}
		return nil
	},
}
