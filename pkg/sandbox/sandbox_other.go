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
//go:build !linux

package sandbox

import (
	"context"
	"os/exec"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
)

// command is a no-op on non-Linux platforms: there is no kernel-level
// confinement primitive wired here, so the child simply runs unconfined.
// The caller is warned so the gap is visible rather than silent.
func (p Profile) command(ctx context.Context, argv []string) (*exec.Cmd, func(), error) {
	log.Warn("sandbox profile has no confinement implementation on this platform; running unconfined")
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd, func() {}, nil
}
