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
// Package action defines the shared vocabulary every other security-core
// package reasons about: permissions, resource patterns, and the sensitive
// actions an agent may attempt. Resources and patterns are plain values with
// a Matches method, never a class hierarchy — every policy decision is a
// pure function of the variant.
package action

import (
	"encoding/json"
	"strings"
)

// Permission is one capability an action may require.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionInvoke  Permission = "invoke"
	PermissionNetwork Permission = "network"
	PermissionSpawn   Permission = "spawn"
)

// PermissionSet is a small set of Permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a PermissionSet from individual permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Contains reports whether p is a member of the set.
func (s PermissionSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Kind identifies which variant a SensitiveAction is.
type Kind string

const (
	KindToolCall     Kind = "tool_call"
	KindFileRead     Kind = "file_read"
	KindFileWrite    Kind = "file_write"
	KindNetworkCall  Kind = "network_call"
	KindSpawnSession Kind = "spawn_session"
)

// SensitiveAction is a tagged variant describing one side effect the agent
// wants to perform. Never a base class: every field except Kind is only
// meaningful for certain Kinds.
type SensitiveAction struct {
	Kind Kind

	// ToolCall fields.
	Server string
	Tool   string

	// File fields.
	Path string

	// Network fields.
	Host string

	// Permission required to perform this action.
	Permission Permission
}

// ToolCall builds a KindToolCall action.
func ToolCall(server, tool string) SensitiveAction {
	return SensitiveAction{Kind: KindToolCall, Server: server, Tool: tool, Permission: PermissionInvoke}
}

// FileRead builds a KindFileRead action.
func FileRead(path string) SensitiveAction {
	return SensitiveAction{Kind: KindFileRead, Path: path, Permission: PermissionRead}
}

// FileWrite builds a KindFileWrite action.
func FileWrite(path string) SensitiveAction {
	return SensitiveAction{Kind: KindFileWrite, Path: path, Permission: PermissionWrite}
}

// NetworkCall builds a KindNetworkCall action.
func NetworkCall(host string) SensitiveAction {
	return SensitiveAction{Kind: KindNetworkCall, Host: host, Permission: PermissionNetwork}
}

// SpawnSession builds a KindSpawnSession action.
func SpawnSession() SensitiveAction {
	return SensitiveAction{Kind: KindSpawnSession, Permission: PermissionSpawn}
}

// Resource renders the action as a canonical "scheme://authority:item" string
// for capability-token pattern matching.
func (a SensitiveAction) Resource() string {
	switch a.Kind {
	case KindToolCall:
		return "mcp://" + a.Server + ":" + a.Tool
	case KindFileRead, KindFileWrite:
		return "file://local:" + a.Path
	case KindNetworkCall:
		return "net://" + a.Host + ":request"
	case KindSpawnSession:
		return "session://local:spawn"
	default:
		return "unknown://unknown:unknown"
	}
}

// ResourcePattern is either an exact "scheme://authority:item" string or a
// glob with "*" wildcards on any segment, matched segment-wise.
type ResourcePattern struct {
	raw      string
	segments [3]string // scheme, authority, item
}

// NewResourcePattern parses a pattern of the form "scheme://authority:item".
// Any segment may be "*".
func NewResourcePattern(pattern string) ResourcePattern {
	p := ResourcePattern{raw: pattern}
	scheme, rest, _ := strings.Cut(pattern, "://")
	authority, item, _ := strings.Cut(rest, ":")
	p.segments = [3]string{scheme, authority, item}
	return p
}

// String returns the original pattern text.
func (p ResourcePattern) String() string { return p.raw }

// MarshalJSON encodes a ResourcePattern as its original pattern text, since
// raw and segments are unexported and segments are cheaply rederived from
// raw on unmarshal.
func (p ResourcePattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.raw)
}

// UnmarshalJSON rebuilds a ResourcePattern from its pattern text.
func (p *ResourcePattern) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = NewResourcePattern(raw)
	return nil
}

// Matches reports whether resource (itself a "scheme://authority:item"
// string) matches this pattern, segment-wise, with "*" matching any single
// segment value. A segment that is itself a glob like "a/b/*" matches any
// value sharing the "a/b/" prefix up to (and not past) the next "/".
func (p ResourcePattern) Matches(resource string) bool {
	scheme, rest, ok := strings.Cut(resource, "://")
	if !ok {
		return false
	}
	authority, item, _ := strings.Cut(rest, ":")
	resSegs := [3]string{scheme, authority, item}

	for i, want := range p.segments {
		if !matchSegment(want, resSegs[i]) {
			return false
		}
	}
	return true
}

// matchSegment implements ResourcePattern-soundness: "a/b/*" matches
// "a/b/c" but not "a/b/c/d" and not "a/c/b" — the wildcard only ever stands
// for exactly one path element, never a subtree.
func matchSegment(want, got string) bool {
	if want == "*" {
		return true
	}
	if !strings.Contains(want, "*") {
		return want == got
	}
	wantParts := strings.Split(want, "/")
	gotParts := strings.Split(got, "/")
	if len(wantParts) != len(gotParts) {
		return false
	}
	for i, wp := range wantParts {
		if wp == "*" {
			continue
		}
		if wp != gotParts[i] {
			return false
		}
	}
	return true
}
