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
	"path/filepath"
	"testing"
)

// backends returns one fresh instance of each Store implementation, so the
// behavioral suite below runs identically against memory and sqlite.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, found, err := store.Get(ctx, "ns1", "k1"); err != nil || found {
				t.Fatalf("expected miss on empty store, got found=%v err=%v", found, err)
			}
			if err := store.Set(ctx, "ns1", "k1", []byte("v1")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, found, err := store.Get(ctx, "ns1", "k1")
			if err != nil || !found || string(v) != "v1" {
				t.Fatalf("Get after Set: v=%s found=%v err=%v", v, found, err)
			}
			if err := store.Set(ctx, "ns1", "k1", []byte("v2")); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			v, _, _ = store.Get(ctx, "ns1", "k1")
			if string(v) != "v2" {
				t.Fatalf("expected overwrite to take effect, got %s", v)
			}
			deleted, err := store.Delete(ctx, "ns1", "k1")
			if err != nil || !deleted {
				t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
			}
			if deleted, _ := store.Delete(ctx, "ns1", "k1"); deleted {
				t.Fatalf("expected second delete to report false")
			}
		})
	}
}

func TestStoreNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store.Set(ctx, "a", "k", []byte("in-a"))
			store.Set(ctx, "b", "k", []byte("in-b"))
			va, _, _ := store.Get(ctx, "a", "k")
			vb, _, _ := store.Get(ctx, "b", "k")
			if string(va) != "in-a" || string(vb) != "in-b" {
				t.Fatalf("namespace isolation broken: a=%s b=%s", va, vb)
			}
			n, err := store.ClearNamespace(ctx, "a")
			if err != nil || n != 1 {
				t.Fatalf("ClearNamespace a: n=%d err=%v", n, err)
			}
			if exists, _ := store.Exists(ctx, "a", "k"); exists {
				t.Fatalf("expected a/k gone after clear")
			}
			if exists, _ := store.Exists(ctx, "b", "k"); !exists {
				t.Fatalf("expected b/k to survive clearing namespace a")
			}
		})
	}
}

func TestStoreListKeys(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store.Set(ctx, "ns", "one", []byte("1"))
			store.Set(ctx, "ns", "two", []byte("2"))
			store.Set(ctx, "ns", "three", []byte("3"))
			keys, err := store.ListKeys(ctx, "ns")
			if err != nil {
				t.Fatalf("ListKeys: %v", err)
			}
			if len(keys) != 3 {
				t.Fatalf("expected 3 keys, got %d (%v)", len(keys), keys)
			}
		})
	}
}

func TestStoreRejectsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set(ctx, "", "k", []byte("v")); err == nil {
				t.Fatalf("expected error for empty namespace")
			}
			if err := store.Set(ctx, "ns", "", []byte("v")); err == nil {
				t.Fatalf("expected error for empty key")
			}
		})
	}
}

func TestScopedJSON(t *testing.T) {
	type record struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			scoped := NewScoped(store, "records")
			want := record{Name: "alpha", N: 7}
			if err := scoped.SetJSON(ctx, "r1", want); err != nil {
				t.Fatalf("SetJSON: %v", err)
			}
			var got record
			found, err := scoped.GetJSON(ctx, "r1", &got)
			if err != nil || !found {
				t.Fatalf("GetJSON: found=%v err=%v", found, err)
			}
			if got != want {
				t.Fatalf("GetJSON roundtrip mismatch: got %+v want %+v", got, want)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	first, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := first.Set(ctx, "ns", "k", []byte("persisted")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite (reopen): %v", err)
	}
	defer second.Close()
	v, found, err := second.Get(ctx, "ns", "k")
	if err != nil || !found || string(v) != "persisted" {
		t.Fatalf("expected persisted value after reopen, got v=%s found=%v err=%v", v, found, err)
	}
}
