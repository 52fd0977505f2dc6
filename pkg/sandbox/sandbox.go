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
// Package sandbox implements the Sandbox Profile: a declarative read/write
// path confinement applied to plugin child processes. On Linux the
// profile's paths are turned into descriptors opened in the parent (where
// allocation is safe) and handed to the child across exec; on every other
// GOOS Command applies no confinement and logs a warning (WrapCommand's
// CommandTransform still applies on every GOOS).
package sandbox

import (
	"context"
	"errors"
	"os/exec"
)

var errEmptyArgv = errors.New("sandbox: empty argv")

// CommandTransform rewrites an argv before it is wrapped, e.g. to prepend a
// path-confinement shim binary. Optional.
type CommandTransform func(argv []string) []string

// Profile is a declarative confinement rule set for one plugin child
// process.
type Profile struct {
	ReadPaths        []string
	WritePaths       []string
	CommandTransform CommandTransform
}

// WrapCommand applies the profile's CommandTransform (if any) to argv,
// returning the argv the child process should actually be exec'd with.
func (p Profile) WrapCommand(argv []string) []string {
	if p.CommandTransform == nil {
		return argv
	}
	return p.CommandTransform(argv)
}

// Command builds an *exec.Cmd for argv (already passed through
// WrapCommand) with the profile's path confinement wired in via
// platform-specific descriptor plumbing. The returned cleanup func must be
// called once the command has been started (success or failure) to release
// any descriptors opened in the parent.
func (p Profile) Command(ctx context.Context, argv []string) (cmd *exec.Cmd, cleanup func(), err error) {
	if len(argv) == 0 {
		return nil, func() {}, errEmptyArgv
	}
	return p.command(ctx, argv)
}
