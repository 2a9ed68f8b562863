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

// Package llm defines the narrow inference capability the orchestration
// core consumes. The actual backend (Groq, Together, OpenRouter, a local
// Ollama endpoint, ...) is explicitly out of scope for the core (spec.md
// §1); this package only specifies the seam and ships a deterministic mock
// used by the dev harness and tests.
package llm

import (
	"context"
	"errors"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
)

// ErrUnavailable is returned by a Client when the upstream backend cannot
// be reached. Callers map this to the UPSTREAM_ERROR error kind (spec.md §7).
var ErrUnavailable = errors.New("llm: backend unavailable")

// ToolDefinition describes a callable tool for function-calling requests.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config tunes a single Complete/Stream call.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     int // seconds; 0 selects the client's default (spec.md §5: 60s)
}

// Response is the result of a non-streaming Complete call.
type Response struct {
	Content   string
	ToolCalls []message.ToolCall
	Tokens    int
}

// Chunk is one increment of a streaming response.
type Chunk struct {
	// Delta is the incremental text since the previous chunk.
	Delta string

	// ToolCalls is set on the final chunk if the model requested tool use.
	ToolCalls []message.ToolCall

	// Done marks the final chunk; Tokens is only meaningful then.
	Done   bool
	Tokens int
}

// Client is the capability the core requires of an inference backend.
type Client interface {
	// Complete performs a blocking request/response inference call.
	Complete(ctx context.Context, messages []message.Message, tools []ToolDefinition, cfg Config) (Response, error)

	// Stream performs a streaming inference call. The sub-agents in
	// pkg/agent, the Synthesizer included, call Complete; none of them
	// calls Stream.
	Stream(ctx context.Context, messages []message.Message, tools []ToolDefinition, cfg Config) (<-chan Chunk, <-chan error)
}
