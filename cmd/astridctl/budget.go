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

	"github.com/unicity-astrid/astrid-sub002/internal/config"
	"github.com/unicity-astrid/astrid-sub002/pkg/budget"
)

var budgetConfigFile string

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the cumulative spend and ceiling for --workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		policy, _, err := config.Load(budgetConfigFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}

		tracker, err := budget.LoadWorkspaceTracker(context.Background(), t.store, t.workspaceRoot, policy.WorkspaceMaxUSD, float64(policy.WarnThresholdPct))
		if err != nil {
			return fmt.Errorf("loading workspace budget: %w", err)
		}

		snap := tracker.Snapshot()
		pctSpent := 0.0
		if snap.WorkspaceMaxUSD > 0 {
			pctSpent = 100 * snap.SpentUSD / snap.WorkspaceMaxUSD
		}
		fmt.Printf("workspace:   %s\n", t.workspaceRoot)
		fmt.Printf("spent:       $%.4f\n", snap.SpentUSD)
		fmt.Printf("ceiling:     $%.2f\n", snap.WorkspaceMaxUSD)
		fmt.Printf("utilization: %.1f%%\n", pctSpent)
		return nil
	},
}

func init() {
	budgetCmd.Flags().StringVar(&budgetConfigFile, "config", "", "path to policy config file")
}
