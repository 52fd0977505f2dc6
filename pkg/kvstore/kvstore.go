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
// Package kvstore implements the Namespaced KV component (spec §4.1): a
// byte-level get/set/delete/list/clear store scoped by a caller-supplied
// namespace, with in-memory and on-disk backends sharing one Store
// interface.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/unicity-astrid/astrid-sub002/pkg/secerr"
)

// Store is the Namespaced KV contract. Every method is scoped by namespace;
// namespace and key must both be non-empty and contain no NUL bytes.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) (bool, error)
	Exists(ctx context.Context, namespace, key string) (bool, error)
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	ClearNamespace(ctx context.Context, namespace string) (int, error)
	Close() error
}

func validateKey(s string) error {
	if s == "" || strings.ContainsRune(s, 0) {
		return secerr.ErrInvalidKey
	}
	return nil
}

// Scoped binds one namespace, offering the same operations without the
// namespace argument, plus JSON convenience helpers.
type Scoped struct {
	store     Store
	namespace string
}

// NewScoped returns a Scoped handle bound to namespace.
func NewScoped(store Store, namespace string) *Scoped {
	return &Scoped{store: store, namespace: namespace}
}

func (s *Scoped) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Get(ctx, s.namespace, key)
}

func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.store.Set(ctx, s.namespace, key, value)
}

func (s *Scoped) Delete(ctx context.Context, key string) (bool, error) {
	return s.store.Delete(ctx, s.namespace, key)
}

func (s *Scoped) Exists(ctx context.Context, key string) (bool, error) {
	return s.store.Exists(ctx, s.namespace, key)
}

func (s *Scoped) ListKeys(ctx context.Context) ([]string, error) {
	return s.store.ListKeys(ctx, s.namespace)
}

func (s *Scoped) ClearNamespace(ctx context.Context) (int, error) {
	return s.store.ClearNamespace(ctx, s.namespace)
}

// GetJSON fetches key and unmarshals it into v. Returns found=false if the
// key does not exist.
func (s *Scoped) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("unmarshaling %s/%s: %w", s.namespace, key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (s *Scoped) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", s.namespace, key, err)
	}
	return s.Set(ctx, key, raw)
}
