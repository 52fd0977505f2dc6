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
// Package config loads the daemon's policy configuration: budget ceilings,
// the default approval-handler timeout, and sandbox path allow-lists.
// Priority: ASTRID_-prefixed environment variable > config file > default.
// No policy setting is bound to a CLI flag; a flag only selects the file.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/unicity-astrid/astrid-sub002/internal/home"
	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"go.uber.org/zap"
)

// DefaultConfigFileName is the base name (without extension) viper looks for.
const DefaultConfigFileName = "config"

// Policy holds the daemon-wide security policy.
type Policy struct {
	// Budget ceilings, in USD.
	PerActionMaxUSD  float64 `mapstructure:"per_action_max_usd"`
	SessionMaxUSD    float64 `mapstructure:"session_max_usd"`
	WorkspaceMaxUSD  float64 `mapstructure:"workspace_max_usd"`
	WarnThresholdPct int     `mapstructure:"warn_threshold_pct"`

	// ApprovalTimeoutSeconds bounds how long the Approval Manager waits on a
	// handler before falling through to the deferred queue.
	ApprovalTimeoutSeconds int `mapstructure:"approval_timeout_seconds"`

	// SandboxReadPaths/SandboxWritePaths are the default path allow-lists
	// applied to a Sandbox Profile when a plugin doesn't specify its own.
	SandboxReadPaths  []string `mapstructure:"sandbox_read_paths"`
	SandboxWritePaths []string `mapstructure:"sandbox_write_paths"`

	// DeferredMaxAgeHours is the age past which the periodic maintenance
	// sweep discards a deferred resolution (default: 24). The cutoff applied
	// when the queue is reloaded at startup is the fixed deferred.MaxAge.
	DeferredMaxAgeHours int `mapstructure:"deferred_max_age_hours"`
}

// ApprovalTimeout returns the configured approval timeout as a Duration.
func (p Policy) ApprovalTimeout() time.Duration {
	if p.ApprovalTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.ApprovalTimeoutSeconds) * time.Second
}

// DeferredMaxAge returns the configured staleness window as a Duration.
func (p Policy) DeferredMaxAge() time.Duration {
	if p.DeferredMaxAgeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(p.DeferredMaxAgeHours) * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("per_action_max_usd", 5.0)
	v.SetDefault("session_max_usd", 50.0)
	v.SetDefault("workspace_max_usd", 500.0)
	v.SetDefault("warn_threshold_pct", 80)
	v.SetDefault("approval_timeout_seconds", 300)
	v.SetDefault("deferred_max_age_hours", 24)
}

// Load reads the policy from cfgFile if set, else searches the Astrid data
// directory, the working directory, and /etc/astrid/, then overlays
// ASTRID_-prefixed environment variables.
func Load(cfgFile string) (*Policy, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if dataDir, err := home.Dir(); err == nil {
			v.AddConfigPath(dataDir)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/astrid/")
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ASTRID")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("reading config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling policy: %w", err)
	}
	return &p, v, nil
}

// WatchReload re-unmarshals the policy into onChange whenever the config
// file backing v changes on disk, so the daemon can pick up revised
// session budget ceilings for the sessions it builds afterwards without a
// restart.
func WatchReload(v *viper.Viper, onChange func(Policy)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var p Policy
		if err := v.Unmarshal(&p); err != nil {
			log.Warn("failed to reload policy", zap.String("event", e.String()), zap.Error(err))
			return
		}
		log.Info("policy reloaded", zap.String("file", e.Name))
		onChange(p)
	})
	v.WatchConfig()
}
