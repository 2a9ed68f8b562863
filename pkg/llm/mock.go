// Copyright 2025 Shihao Yu
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
)

// Call records one Complete/Stream invocation for test assertions.
type Call struct {
	Messages []message.Message
	Tools    []ToolDefinition
	Config   Config
}

// Responder lets callers script deterministic mock behavior, e.g. to make
// the Planner return a fixed ExecutionPlan JSON or the Executor request a
// specific tool call.
type Responder func(call Call) (Response, error)

// MockClient is an in-process Client used by --mock dev-harness runs and by
// tests that need deterministic, no-network inference. With no Responder
// configured it falls back to a trivial deterministic echo, sufficient for
// smoke-testing the orchestrator's control flow.
type MockClient struct {
	mu        sync.Mutex
	Responder Responder
	Calls     []Call
}

// NewMock creates a MockClient, optionally with a scripted Responder.
func NewMock(responder Responder) *MockClient {
	return &MockClient{Responder: responder}
}

func (m *MockClient) record(call Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, messages []message.Message, tools []ToolDefinition, cfg Config) (Response, error) {
	call := Call{Messages: messages, Tools: tools, Config: cfg}
	m.record(call)

	if m.Responder != nil {
		return m.Responder(call)
	}
	return defaultResponse(messages), nil
}

// Stream implements Client by synthesizing a single-chunk stream around Complete.
func (m *MockClient) Stream(ctx context.Context, messages []message.Message, tools []ToolDefinition, cfg Config) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 2)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := m.Complete(ctx, messages, tools, cfg)
		if err != nil {
			errs <- err
			return
		}
		if resp.Content != "" {
			chunks <- Chunk{Delta: resp.Content}
		}
		chunks <- Chunk{Done: true, ToolCalls: resp.ToolCalls, Tokens: resp.Tokens}
	}()

	return chunks, errs
}

// defaultResponse produces a deterministic reply from the last user message
// when no Responder is configured, so the mock is usable out of the box.
func defaultResponse(messages []message.Message) Response {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleUser {
			last = messages[i].Text()
			break
		}
	}
	return Response{
		Content: fmt.Sprintf("Acknowledged: %s", last),
		Tokens:  estimateTokens(last),
	}
}

func estimateTokens(s string) int {
	// 4 chars/token, matching the estimator used by Blackboard.ContextForLLM
	// (spec.md §4.3) so mock token accounting stays consistent across the core.
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

var _ Client = (*MockClient)(nil)
