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
// Package sqlitedriver registers a database/sql driver under the name
// "sqlite3" for the persistent Namespaced KV backend (pkg/kvstore). When
// built with CGO (the default on macOS/Linux) it uses go-sqlcipher, which
// additionally supports at-rest encryption of the capability-token and
// audit-chain tables via PRAGMA key. When CGO is unavailable it falls back
// to the pure-Go modernc.org/sqlite driver — functional, but without
// encryption support.
//
// Import this package for its side effects only:
//
//	import _ "github.com/unicity-astrid/astrid-sub002/internal/sqlitedriver"
package sqlitedriver
