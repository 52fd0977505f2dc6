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
//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"go.uber.org/zap"
)

// openPathDescriptors opens one read-only directory descriptor per path in
// the parent, where allocation failures can still be handled safely. The
// caller owns the returned files and must Close them once the child no
// longer needs them (on exec they are inherited via ExtraFiles; the parent
// closes its copy once Start returns).
func openPathDescriptors(paths []string) ([]*os.File, error) {
	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return nil, fmt.Errorf("opening sandbox path %q: %w", p, err)
		}
		files = append(files, os.NewFile(uintptr(fd), p))
	}
	return files, nil
}

// command builds an *exec.Cmd whose child inherits one descriptor per
// configured read/write path (via ExtraFiles, starting at fd 3) plus
// Pdeathsig so an orphaned plugin process is reaped if the daemon dies
// first. The descriptors themselves only bound *what can be opened*; the
// plugin binary is expected to confine itself to fds it was handed, the
// same contract the profile's path rules describe declaratively.
func (p Profile) command(ctx context.Context, argv []string) (*exec.Cmd, func(), error) {
	readFiles, err := openPathDescriptors(p.ReadPaths)
	if err != nil {
		return nil, func() {}, err
	}
	writeFiles, err := openPathDescriptors(p.WritePaths)
	if err != nil {
		for _, f := range readFiles {
			f.Close()
		}
		return nil, func() {}, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.ExtraFiles = append(cmd.ExtraFiles, readFiles...)
	cmd.ExtraFiles = append(cmd.ExtraFiles, writeFiles...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}

	cleanup := func() {
		for _, f := range readFiles {
			if err := f.Close(); err != nil {
				log.Warn("closing sandbox read descriptor", zap.String("path", f.Name()), zap.Error(err))
			}
		}
		for _, f := range writeFiles {
			if err := f.Close(); err != nil {
				log.Warn("closing sandbox write descriptor", zap.String("path", f.Name()), zap.Error(err))
			}
		}
	}
	return cmd, cleanup, nil
}
