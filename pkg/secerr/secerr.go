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
// Package secerr defines the error kinds that distinguish recovery
// strategies across the security core (spec §7). Each kind is a sentinel
// usable with errors.Is, optionally wrapped with context via fmt.Errorf("%w").
package secerr

import "errors"

var (
	// ErrStorageError is surfaced to the caller and forces denial of the
	// current action.
	ErrStorageError = errors.New("storage error")

	// ErrSignatureInvalid means a signature failed verification; the caller
	// ignores the token/allowance and falls through to ask the user.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTokenNotFound means no capability token exists with that id.
	ErrTokenNotFound = errors.New("capability token not found")

	// ErrTokenRevoked, ErrTokenExpired, and ErrTokenAlreadyUsed are local:
	// skipped during lookup, never propagated to the caller as a failure.
	ErrTokenRevoked     = errors.New("capability token revoked")
	ErrTokenExpired     = errors.New("capability token expired")
	ErrTokenAlreadyUsed = errors.New("capability token already used")

	// ErrBudgetExceeded is returned as Denied{reason} with an audit entry.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrHandlerUnavailable is local: triggers deferral, never propagated.
	ErrHandlerUnavailable = errors.New("approval handler unavailable")

	// ErrPathEscapesWorkspace is returned as Denied.
	ErrPathEscapesWorkspace = errors.New("path escapes workspace")

	// ErrInternal covers unexpected conditions such as a poisoned lock;
	// treated as ErrStorageError by callers that don't care about the
	// distinction.
	ErrInternal = errors.New("internal error")

	// ErrInvalidKey is returned by the Namespaced KV on empty or NUL-
	// containing namespace/key input.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotFound is a generic not-found condition for registry/store
	// lookups that don't need a more specific sentinel.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists signals a uniqueness violation (e.g. a platform
	// account that already resolves to a canonical identity).
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired is a generic expiry condition (link codes, escape grants).
	ErrExpired = errors.New("expired")
)
