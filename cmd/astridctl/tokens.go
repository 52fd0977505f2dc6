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

var revokeTokenCmd = &cobra.Command{
	Use:   "revoke-token {id}",
	Short: "Flag a capability token as revoked, rejecting it on every future lookup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openToolset()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitError)
		}
		defer t.close()

		id := args[0]
		if _, found, err := t.caps.Get(context.Background(), id); err != nil {
			return fmt.Errorf("looking up token %s: %w", id, err)
		} else if !found {
			fmt.Fprintf(os.Stderr, "no such token: %s\n", id)
			os.Exit(exitError)
		}

		if err := t.caps.Revoke(context.Background(), id); err != nil {
			return fmt.Errorf("revoking token %s: %w", id, err)
		}
		fmt.Printf("revoked %s\n", id)
		return nil
	},
}
