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
	"database/sql"
	"fmt"

	_ "github.com/unicity-astrid/astrid-sub002/internal/sqlitedriver" // registers "sqlite3"
)

// SQLite is an on-disk Store backing Persistent-scoped data: capability
// tokens, revoked/used id sets, workspace allowances/budget/escape state,
// the deferred queue, and the identity registry.
//
// The composite on-disk key the spec describes as
// "namespace || NUL || key" is represented here as two real columns
// (namespace, key) in a single table instead of one concatenated byte
// string — range-scan isolation becomes a WHERE namespace = ? predicate,
// behaviorally identical to the spec's half-open byte range but avoiding a
// NUL-safety footgun in a TEXT primary key. Recorded as an Open Question
// resolution in DESIGN.md.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if absent) a SQLite-backed Store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening kv database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing kv schema: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if err := validateKey(namespace); err != nil {
		return nil, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning set transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", namespace, key, err)
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, namespace, key string) (bool, error) {
	if err := validateKey(namespace); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", namespace, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected for %s/%s: %w", namespace, key, err)
	}
	return n > 0, nil
}

func (s *SQLite) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, found, err := s.Get(ctx, namespace, key)
	return found, err
}

func (s *SQLite) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateKey(namespace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing keys in %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key in %s: %w", namespace, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ClearNamespace collects keys first, then deletes, avoiding an
// iterator-while-mutating hazard even though the underlying driver would
// tolerate it — this mirrors the spec's stated discipline for on-disk
// backends.
func (s *SQLite) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	keys, err := s.ListKeys(ctx, namespace)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected for clear %s: %w", namespace, err)
	}
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLite)(nil)
