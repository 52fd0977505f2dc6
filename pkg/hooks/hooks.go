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
// Package hooks implements the Hook Chain: an ordered list of pre/post
// callouts that may continue, modify, ask, or block a sensitive action
// before (and annotate it after) the Security Interceptor acts on it.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/unicity-astrid/astrid-sub002/internal/log"
	"go.uber.org/zap"
)

// Event identifies where in the Interceptor's sequence a hook fires.
type Event string

const (
	EventPre  Event = "pre"
	EventPost Event = "post"
)

// Context is the serialized view of the action handed to every handler
// variant.
type Context struct {
	ActionJSON string `json:"action_json"`
	SessionID  string `json:"session_id"`
	Note       string `json:"note,omitempty"`
}

// ResultKind is the tagged variant a handler's response is parsed into.
type ResultKind string

const (
	ResultContinue     ResultKind = "continue"
	ResultContinueWith ResultKind = "continue_with"
	ResultBlock        ResultKind = "block"
	ResultAsk          ResultKind = "ask"
)

// Result is a hook handler's verdict.
type Result struct {
	Kind          ResultKind
	Modifications string // ResultContinueWith: the replacement action, serialized
	Reason        string // ResultBlock
	Question      string // ResultAsk
}

// handlerPayload is the wire shape every handler variant must return,
// validated against payloadSchema before being parsed into a Result.
type handlerPayload struct {
	Kind          string `json:"kind"`
	Modifications string `json:"modifications,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Question      string `json:"question,omitempty"`
}

var payloadSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"type": "string", "enum": ["continue", "continue_with", "block", "ask"]},
		"modifications": {"type": "string"},
		"reason": {"type": "string"},
		"question": {"type": "string"}
	}
}`)

func parsePayload(raw []byte) (Result, error) {
	docLoader := gojsonschema.NewBytesLoader(raw)
	validated, err := gojsonschema.Validate(payloadSchema, docLoader)
	if err != nil {
		return Result{}, fmt.Errorf("validating hook payload: %w", err)
	}
	if !validated.Valid() {
		return Result{}, fmt.Errorf("hook payload failed schema validation: %v", validated.Errors())
	}

	var p handlerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, fmt.Errorf("decoding hook payload: %w", err)
	}
	return Result{
		Kind:          ResultKind(p.Kind),
		Modifications: p.Modifications,
		Reason:        p.Reason,
		Question:      p.Question,
	}, nil
}

// Handler is one concrete hook implementation. The Command, HTTP, and WASM
// variants produce a JSON handlerPayload, validated the same way regardless
// of transport; AgentHandler returns its Result directly, without schema
// validation.
type Handler interface {
	Run(ctx context.Context, hctx Context) (Result, error)
}

// CommandHandler spawns argv[0] with the remaining args, writes hctx as
// JSON to stdin, and parses stdout as a handlerPayload.
type CommandHandler struct {
	Argv []string
}

func (h CommandHandler) Run(ctx context.Context, hctx Context) (Result, error) {
	if len(h.Argv) == 0 {
		return Result{}, fmt.Errorf("command hook has no argv")
	}
	payload, err := json.Marshal(hctx)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling hook context: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Argv[0], h.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("running command hook %q: %w", h.Argv[0], err)
	}
	return parsePayload(out)
}

// HTTPHandler posts hctx as JSON to URL and parses the response body as a
// handlerPayload.
type HTTPHandler struct {
	URL    string
	Client *http.Client
}

func (h HTTPHandler) Run(ctx context.Context, hctx Context) (Result, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(hctx)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling hook context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("building hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("posting to hook %q: %w", h.URL, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Result{}, fmt.Errorf("reading hook response: %w", err)
	}
	return parsePayload(buf.Bytes())
}

// WASMRuntime is the minimal surface a WASM module host must implement for
// WASMHandler to dispatch to it. No concrete runtime is wired; callers
// supply their own (e.g. wazero) behind this interface.
type WASMRuntime interface {
	RunHook(ctx context.Context, module string, contextJSON []byte) ([]byte, error)
}

// WASMHandler loads a module once (by name, resolved by the supplied
// Runtime) and invokes its "run-hook" export with a serialized Context.
type WASMHandler struct {
	Runtime WASMRuntime
	Module  string
}

func (h WASMHandler) Run(ctx context.Context, hctx Context) (Result, error) {
	if h.Runtime == nil {
		return Result{}, fmt.Errorf("wasm hook %q has no runtime configured", h.Module)
	}
	payload, err := json.Marshal(hctx)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling hook context: %w", err)
	}
	out, err := h.Runtime.RunHook(ctx, h.Module, payload)
	if err != nil {
		return Result{}, fmt.Errorf("running wasm hook %q: %w", h.Module, err)
	}
	return parsePayload(out)
}

// AgentFunc delegates hook evaluation to a sub-agent, standing in for the
// out-of-scope sub-agent dispatch machinery.
type AgentFunc func(ctx context.Context, hctx Context) (Result, error)

// AgentHandler wraps an AgentFunc as a Handler.
type AgentHandler struct {
	Fn AgentFunc
}

func (h AgentHandler) Run(ctx context.Context, hctx Context) (Result, error) {
	if h.Fn == nil {
		return Result{}, fmt.Errorf("agent hook has no function configured")
	}
	return h.Fn(ctx, hctx)
}

// Hook pairs a Handler with the event it fires on and a per-hook timeout.
type Hook struct {
	Event   Event
	Handler Handler
	Timeout time.Duration
}

// DefaultTimeout is used when a Hook's Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Chain is an ordered list of hooks, dispatched in registration order.
type Chain struct {
	hooks []Hook
}

// New builds an empty Chain.
func New() *Chain {
	return &Chain{}
}

// Add appends h to the chain.
func (c *Chain) Add(h Hook) {
	c.hooks = append(c.hooks, h)
}

// Run dispatches every hook registered for event, in order, stopping early
// on the first Block or Ask (since those already determine the outcome the
// Interceptor must act on). A hook that exceeds its timeout is treated as
// Continue, with a warning logged, per spec. The returned Context carries
// whatever ActionJSON a ContinueWith left behind, even when the chain as a
// whole resolves to Continue, so the caller can act on the (possibly
// rewritten) action rather than the one it started with.
func (c *Chain) Run(ctx context.Context, event Event, hctx Context) (Result, Context) {
	for _, h := range c.hooks {
		if h.Event != event {
			continue
		}
		result := c.runOne(ctx, h, hctx)
		switch result.Kind {
		case ResultContinueWith:
			hctx.ActionJSON = result.Modifications
		case ResultBlock, ResultAsk:
			return result, hctx
		}
	}
	return Result{Kind: ResultContinue}, hctx
}

func (c *Chain) runOne(ctx context.Context, h Hook, hctx Context) Result {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := h.Handler.Run(timeoutCtx, hctx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.Warn("hook handler failed, continuing", zap.Error(o.err))
			return Result{Kind: ResultContinue}
		}
		return o.result
	case <-timeoutCtx.Done():
		log.Warn("hook handler timed out, continuing")
		return Result{Kind: ResultContinue}
	}
}
