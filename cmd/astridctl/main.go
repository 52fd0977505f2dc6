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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/unicity-astrid/astrid-sub002/internal/home"
	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/approval"
	"github.com/unicity-astrid/astrid-sub002/pkg/audit"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/session"
)

// Exit codes, spec External Interfaces §6.
const (
	exitOK       = 0
	exitError    = 1
	exitDenied   = 2
	exitDeferred = 3
)

var (
	dataDirFlag  string
	workspaceArg string
)

var rootCmd = &cobra.Command{
	Use:   "astridctl",
	Short: "Operator CLI for the Astrid security daemon's persistent state",
	Long:  `astridctl reads and mutates the same SQLite-backed stores astridd serves: capability tokens, allowances, the deferred-approval queue, the budget ledger, and the audit log. It talks to no network endpoint; both binaries are two processes sharing one data directory.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Astrid data directory (default: $ASTRID_DATA_DIR or ~/.astrid)")
	rootCmd.PersistentFlags().StringVar(&workspaceArg, "workspace", "", "workspace root to scope workspace-level commands to (default: current directory)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(listAllowancesCmd)
	rootCmd.AddCommand(revokeTokenCmd)
	rootCmd.AddCommand(resolveDeferredCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(budgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

// toolset wires the same components astridd does, against the same
// on-disk database, so an operator's view is never stale relative to the
// daemon's own reads and writes.
type toolset struct {
	store    kvstore.Store
	keys     *cryptoutil.KeyPair
	caps     *capability.Store
	allow    *allowance.Store
	auditLog *audit.Log
	deferred *deferred.Queue
	approval *approval.Manager

	workspaceRoot string
}

func openToolset() (*toolset, error) {
	dataDir := dataDirFlag
	if dataDir == "" {
		d, err := home.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		dataDir = d
	}

	dbPath := filepath.Join(dataDir, "astrid.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no Astrid database at %s (has astridd ever run?): %w", dbPath, err)
	}

	keys, err := cryptoutil.LoadOrGenerate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	store, err := kvstore.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}

	workspaceRoot := workspaceArg
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		workspaceRoot = wd
	}

	caps := capability.New(store, keys)
	allow := allowance.New(store, keys)
	auditLog := audit.New(store, keys)

	deferredQueue, err := deferred.Load(context.Background(), store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading deferred queue: %w", err)
	}

	return &toolset{
		store:         store,
		keys:          keys,
		caps:          caps,
		allow:         allow,
		auditLog:      auditLog,
		deferred:      deferredQueue,
		approval:      approval.New(allow, deferredQueue, 0),
		workspaceRoot: workspaceRoot,
	}, nil
}

func (t *toolset) close() {
	_ = t.store.Close()
}

func (t *toolset) workspaceID() string {
	return session.WorkspaceID(t.workspaceRoot)
}
