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
// Package home resolves Astrid's on-disk data directory.
package home

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the default ~/.astrid location when set.
const EnvDataDir = "ASTRID_DATA_DIR"

// Dir returns Astrid's data directory: $ASTRID_DATA_DIR if set, else ~/.astrid.
func Dir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, ".astrid"), nil
}

// EnsureDir creates the data directory (0700: it holds private keys) if absent.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// SubDir returns a subdirectory of the data directory, e.g. SubDir("keys").
func SubDir(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WorkspaceDir returns the per-workspace state directory under the data
// directory, keyed by a stable workspace id (see pkg/session.WorkspaceID).
func WorkspaceDir(workspaceID string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspaces", workspaceID), nil
}

// UserHome returns the user's home directory, or "" if it cannot be resolved.
func UserHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return h
}

// Short replaces a leading home-directory prefix of path with "~".
func Short(path string) string {
	h := UserHome()
	if h != "" && len(path) > len(h) && path[:len(h)] == h {
		return "~" + path[len(h):]
	}
	return path
}
