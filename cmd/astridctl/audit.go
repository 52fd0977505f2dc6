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
	"strconv"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit [N]",
	Short: "Print the last N audit entries (default 20), newest last",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 20
		if len(args) == 1 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil || parsed <= 0 {
				return fmt.Errorf("N must be a positive integer, got %q", args[0])
			}
			n = parsed
		}

		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		entries, err := t.auditLog.Tail(context.Background(), n)
		if err != nil {
			return fmt.Errorf("reading audit tail: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-22s  %-14s  %s  %s\n", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Component, e.Outcome, e.EntryID, e.ActionJSON)
		}
		return nil
	},
}
