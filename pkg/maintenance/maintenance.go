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
// Package maintenance runs the daemon's periodic cleanup sweep: expired
// capability tokens and stale deferred resolutions accumulate in their
// stores until something removes them, since neither store evicts an
// entry on its own at read time beyond ignoring it.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"github.com/unicity-astrid/astrid-sub002/pkg/capability"
	"github.com/unicity-astrid/astrid-sub002/pkg/deferred"
)

// DefaultSchedule runs the sweep once an hour.
const DefaultSchedule = "0 * * * *"

// DefaultDeferredMaxAge discards deferred resolutions no newer than the age
// an approval was ever honored at: deferred.MaxAge itself is the load-time
// cutoff, so a sweep using the same value just reclaims what a restart
// would have discarded anyway.
const DefaultDeferredMaxAge = deferred.MaxAge

// Config configures the sweep. Caps and Deferred are required; Schedule and
// DeferredMaxAge fall back to their Default* constants when zero.
type Config struct {
	Caps           *capability.Store
	Deferred       *deferred.Queue
	Schedule       string
	DeferredMaxAge time.Duration
}

// Sweeper drives Config's cleanup routines on a cron schedule.
type Sweeper struct {
	cfg    Config
	engine *cron.Cron
}

// New validates cfg and builds a Sweeper. The cron engine is not started
// until Start is called.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Caps == nil {
		return nil, fmt.Errorf("maintenance: capability store is required")
	}
	if cfg.Deferred == nil {
		return nil, fmt.Errorf("maintenance: deferred queue is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DeferredMaxAge <= 0 {
		cfg.DeferredMaxAge = DefaultDeferredMaxAge
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{cfg: cfg, engine: cron.New()}, nil
}

// Start registers the sweep job and starts the cron engine. It does not
// block; the job runs on the engine's own goroutine at each tick.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.engine.AddFunc(s.cfg.Schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("maintenance: scheduling sweep: %w", err)
	}
	s.engine.Start()
	return nil
}

// Stop halts the cron engine, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.engine.Stop().Done()
}

// RunNow performs one sweep immediately, outside the cron schedule. Useful
// for astridctl's maintenance-trigger path and for tests.
func (s *Sweeper) RunNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	expiredTokens, err := s.cfg.Caps.CleanupExpired(ctx)
	if err != nil {
		log.Error("maintenance sweep: capability cleanup failed", zap.Error(err))
	} else if expiredTokens > 0 {
		log.Info("maintenance sweep: removed expired capability tokens", zap.Int("count", expiredTokens))
	}

	staleResolutions := s.cfg.Deferred.CleanupOld(ctx, s.cfg.DeferredMaxAge)
	if staleResolutions > 0 {
		log.Info("maintenance sweep: removed stale deferred resolutions", zap.Int("count", staleResolutions))
	}
}
