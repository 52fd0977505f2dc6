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
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unicity-astrid/astrid-sub002/internal/config"
	"github.com/unicity-astrid/astrid-sub002/internal/home"
	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"github.com/unicity-astrid/astrid-sub002/internal/pubsub"
	"github.com/unicity-astrid/astrid-sub002/pkg/allowance"
	"github.com/unicity-astrid/astrid-sub002/pkg/approval"
	"github.com/unicity-astrid/astrid-sub002/pkg/audit"
	"github.com/unicity-astrid/astrid-sub002/pkg/budget"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/cryptoutil"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
	"github.com/unicity-astrid/astrid-sub002/pkg/hooks"
	"github.com/unicity-astrid/astrid-sub002/pkg/identity"
	"github.com/unicity-astrid/astrid-sub002/pkg/interceptor"
	"github.com/unicity-astrid/astrid-sub002/pkg/kvstore"
	"github.com/unicity-astrid/astrid-sub002/pkg/maintenance"
	"github.com/unicity-astrid/astrid-sub002/pkg/sandbox"
	"github.com/unicity-astrid/astrid-sub002/pkg/session"
)

var version = "dev"

var (
	cfgFile       string
	workspaceRoot string
	sweepSchedule string
)

var rootCmd = &cobra.Command{
	Use:     "astridd",
	Short:   "Astrid security daemon - the approval and budget core behind every frontend",
	Long:    `astridd wires the persistent stores (capability tokens, allowances, budget, deferred approvals, cross-frontend identity), hot-reloads the policy file, and runs the periodic maintenance sweep. It does not open a network listener: frontends and plugin hosts embed the same packages in-process or over a transport defined elsewhere.`,
	Version: version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to policy config file (default: searches $ASTRID_DATA_DIR, ., /etc/astrid/)")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "workspace root this daemon instance serves (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&sweepSchedule, "sweep-schedule", maintenance.DefaultSchedule, "cron expression for the maintenance sweep")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon holds every long-lived component runDaemon wires together. It has
// no network-facing methods; a transport layer built on top of this package
// would hold a *daemon and drive Interceptor.Intercept per inbound action.
type daemon struct {
	store     kvstore.Store
	keys      *cryptoutil.KeyPair
	auditLog  *audit.Log
	caps      *capability.Store
	allow     *allowance.Store
	identity  identity.Registry
	deferred  *deferred.Queue
	sweeper   *maintenance.Sweeper
	workspace *budget.WorkspaceTracker
	policy    atomic.Pointer[config.Policy]

	// sandboxProfile is the default path confinement derived from the
	// policy loaded at startup (a policy reload does not rebuild it); a
	// plugin host that needs different confinement
	// builds its own sandbox.Profile instead of using this one.
	sandboxProfile sandbox.Profile

	interceptor *interceptor.Interceptor
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, err := home.EnsureDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	policy, v, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	logger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	log.Info("starting astridd", zap.String("version", version), zap.String("data_dir", home.Short(dataDir)))
	if v.ConfigFileUsed() != "" {
		log.Info("policy file loaded", zap.String("path", v.ConfigFileUsed()))
	} else {
		log.Info("no policy file found, using defaults + ASTRID_ environment overlay")
	}

	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace root: %w", err)
		}
		workspaceRoot = wd
	}

	d, err := newDaemon(dataDir, workspaceRoot, *policy)
	if err != nil {
		return err
	}
	d.policy.Store(policy)

	ctx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	if err := d.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance sweep: %w", err)
	}
	log.Info("maintenance sweep scheduled", zap.String("schedule", sweepSchedule))

	config.WatchReload(v, func(p config.Policy) {
		d.policy.Store(&p)
		log.Info("policy reloaded",
			zap.Float64("per_action_max_usd", p.PerActionMaxUSD),
			zap.Float64("session_max_usd", p.SessionMaxUSD),
			zap.Float64("workspace_max_usd", p.WorkspaceMaxUSD))
	})

	go watchDeferredQueue(ctx, d.deferred)

	log.Info("astridd ready", zap.String("workspace", home.Short(workspaceRoot)))

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	<-sigch
	log.Info("shutting down gracefully... (press Ctrl+C again to force)")

	go func() {
		<-sigch
		log.Warn("force shutdown requested")
		os.Exit(1)
	}()

	cancelSweep()
	d.sweeper.Stop()
	log.Info("maintenance sweep stopped")

	if err := d.store.Close(); err != nil {
		log.Warn("error closing persistent store", zap.Error(err))
	}
	log.Info("astridd stopped")
	return nil
}

// watchDeferredQueue logs every deferred-queue mutation as it happens, so an
// operator tailing the daemon's logs sees a resolution get queued or
// resolved in real time rather than only at the next get_pending poll. It
// exits when ctx is cancelled.
func watchDeferredQueue(ctx context.Context, q *deferred.Queue) {
	for evt := range q.Watch(ctx) {
		switch evt.Type {
		case pubsub.CreatedEvent:
			log.Info("deferred resolution queued", zap.String("id", evt.Payload.ID), zap.String("priority", string(evt.Payload.Priority)))
		case pubsub.DeletedEvent:
			log.Info("deferred resolution resolved or expired", zap.String("id", evt.Payload.ID))
		}
	}
}

// newDaemon opens the persistent store and builds every component a
// transport layer would need to construct Sessions and feed them through an
// Interceptor. The keypair lives at dataDir/astrid.pem and is created on
// first run; the SQLite store lives at dataDir/astrid.db.
func newDaemon(dataDir, workspaceRoot string, policy config.Policy) (*daemon, error) {
	keys, err := cryptoutil.LoadOrGenerate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	log.Info("signing key ready", zap.String("key_id", keys.KeyID))

	store, err := kvstore.NewSQLite(filepath.Join(dataDir, "astrid.db"))
	if err != nil {
		return nil, fmt.Errorf("opening persistent store: %w", err)
	}

	auditLog := audit.New(store, keys)
	caps := capability.New(store, keys)
	allow := allowance.New(store, keys)
	identityRegistry := identity.NewPersistentRegistry(store)

	ctx := context.Background()
	deferredQueue, err := deferred.Load(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("reloading deferred queue: %w", err)
	}
	log.Info("deferred queue reloaded", zap.Int("pending", deferredQueue.Count()))

	workspaceTracker, err := budget.LoadWorkspaceTracker(ctx, store, workspaceRoot, policy.WorkspaceMaxUSD, float64(policy.WarnThresholdPct))
	if err != nil {
		return nil, fmt.Errorf("reloading workspace budget: %w", err)
	}
	log.Info("workspace budget reloaded", zap.Float64("spent_usd", workspaceTracker.Spent()), zap.Float64("ceiling_usd", policy.WorkspaceMaxUSD))

	// The hook chain starts empty; a deployment wires plugin-provided
	// CommandHandler/HTTPHandler/WASMHandler entries onto it before the
	// first Session is built. An empty chain is a legal Chain - every event
	// simply falls through to Continue.
	hookChain := hooks.New()
	ic := interceptor.New(auditLog, hookChain)

	// The default sandbox profile mirrors the policy's path allow-lists.
	sandboxProfile := sandbox.Profile{ReadPaths: policy.SandboxReadPaths, WritePaths: policy.SandboxWritePaths}

	sweeper, err := maintenance.New(maintenance.Config{
		Caps:           caps,
		Deferred:       deferredQueue,
		Schedule:       sweepSchedule,
		DeferredMaxAge: policy.DeferredMaxAge(),
	})
	if err != nil {
		return nil, fmt.Errorf("building maintenance sweeper: %w", err)
	}

	return &daemon{
		store:          store,
		keys:           keys,
		auditLog:       auditLog,
		caps:           caps,
		allow:          allow,
		identity:       identityRegistry,
		deferred:       deferredQueue,
		sweeper:        sweeper,
		workspace:      workspaceTracker,
		sandboxProfile: sandboxProfile,
		interceptor:    ic,
	}, nil
}

// newSession builds a root Session for workspaceRoot against the daemon's
// current policy snapshot. A transport layer calls this once per incoming
// conversation and then feeds every SensitiveAction from that conversation
// through d.interceptor.Intercept with the returned Session. The Session
// shares d.deferred rather than getting its own queue, so anything it
// defers is visible to watchDeferredQueue and to the maintenance sweep
// without waiting for a restart.
func (d *daemon) newSession(modelID string, workspaceRoot string) *session.Session {
	p := d.policy.Load()
	sessionBudget := budget.New(p.PerActionMaxUSD, p.SessionMaxUSD, float64(p.WarnThresholdPct))
	sess := session.New(d.store, d.caps, d.allow, sessionBudget, d.deferred, workspaceRoot, modelID)
	sess.Approval = approval.New(d.allow, d.deferred, p.ApprovalTimeout())
	return sess
}
