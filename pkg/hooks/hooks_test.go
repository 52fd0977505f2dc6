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
package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAgentHandlerContinue(t *testing.T) {
	c := New()
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			return Result{Kind: ResultContinue}, nil
		}},
	})

	result, _ := c.Run(context.Background(), EventPre, Context{ActionJSON: `{"kind":"tool_call"}`})
	require.Equal(t, ResultContinue, result.Kind)
}

func TestAgentHandlerBlockStopsChain(t *testing.T) {
	c := New()
	var secondCalled bool
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			return Result{Kind: ResultBlock, Reason: "policy"}, nil
		}},
	})
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			secondCalled = true
			return Result{Kind: ResultContinue}, nil
		}},
	})

	result, _ := c.Run(context.Background(), EventPre, Context{})
	require.Equal(t, ResultBlock, result.Kind)
	require.Equal(t, "policy", result.Reason)
	require.False(t, secondCalled, "a Block must short-circuit the remaining chain")
}

func TestAgentHandlerAskStopsChain(t *testing.T) {
	c := New()
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			return Result{Kind: ResultAsk, Question: "are you sure?"}, nil
		}},
	})

	result, _ := c.Run(context.Background(), EventPre, Context{})
	require.Equal(t, ResultAsk, result.Kind)
	require.Equal(t, "are you sure?", result.Question)
}

func TestContinueWithThreadsModificationsToNextHook(t *testing.T) {
	c := New()
	var seen string
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			return Result{Kind: ResultContinueWith, Modifications: `{"kind":"file_read","path":"/tmp/x"}`}, nil
		}},
	})
	c.Add(Hook{
		Event: EventPre,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			seen = hctx.ActionJSON
			return Result{Kind: ResultContinue}, nil
		}},
	})

	result, final := c.Run(context.Background(), EventPre, Context{ActionJSON: `{"kind":"tool_call"}`})
	require.Equal(t, ResultContinue, result.Kind)
	require.Equal(t, `{"kind":"file_read","path":"/tmp/x"}`, seen)
	require.Equal(t, `{"kind":"file_read","path":"/tmp/x"}`, final.ActionJSON)
}

func TestPostEventHooksDoNotRunOnPreDispatch(t *testing.T) {
	c := New()
	var called bool
	c.Add(Hook{
		Event: EventPost,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			called = true
			return Result{Kind: ResultContinue}, nil
		}},
	})

	c.Run(context.Background(), EventPre, Context{})
	require.False(t, called)
}

func TestTimedOutHandlerTreatedAsContinue(t *testing.T) {
	c := New()
	c.Add(Hook{
		Event:   EventPre,
		Timeout: 10 * time.Millisecond,
		Handler: AgentHandler{Fn: func(ctx context.Context, hctx Context) (Result, error) {
			<-ctx.Done()
			return Result{Kind: ResultBlock, Reason: "should never surface"}, nil
		}},
	})

	result, _ := c.Run(context.Background(), EventPre, Context{})
	require.Equal(t, ResultContinue, result.Kind)
}

func TestParsePayloadRejectsUnknownKind(t *testing.T) {
	_, err := parsePayload([]byte(`{"kind":"explode"}`))
	require.Error(t, err)
}

func TestParsePayloadAcceptsBlock(t *testing.T) {
	r, err := parsePayload([]byte(`{"kind":"block","reason":"no"}`))
	require.NoError(t, err)
	require.Equal(t, ResultBlock, r.Kind)
	require.Equal(t, "no", r.Reason)
}
