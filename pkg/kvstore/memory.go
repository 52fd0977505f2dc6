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
package kvstore

import (
	"context"
	"sync"
)

// Memory is an in-memory Store, used for Session-scoped data and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	if err := validateKey(namespace); err != nil {
		return nil, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *Memory) Set(_ context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) (bool, error) {
	if err := validateKey(namespace); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return false, nil
	}
	_, existed := ns[key]
	delete(ns, key)
	return existed, nil
}

func (m *Memory) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, found, err := m.Get(ctx, namespace, key)
	return found, err
}

func (m *Memory) ListKeys(_ context.Context, namespace string) ([]string, error) {
	if err := validateKey(namespace); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) ClearNamespace(_ context.Context, namespace string) (int, error) {
	if err := validateKey(namespace); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return 0, nil
	}
	n := len(ns)
	delete(m.data, namespace)
	return n, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
