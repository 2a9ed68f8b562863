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

package main

// This file wires the dev harness to a real inference endpoint
// (spec.md §6: "environment variables GROQ_API_KEY, TOGETHER_API_KEY,
// OPENROUTER_API_KEY select the remote inference endpoint; absence falls
// back to a local endpoint at http://localhost:11434/v1"). The backend
// itself is out of scope for the core (spec.md §1) and pkg/llm only
// specifies the Client seam plus a mock, so the harness owns the one
// concrete implementation it needs: an OpenAI-compatible chat-completions
// client. Groq, Together, OpenRouter, and Ollama all speak this same wire
// format for /chat/completions, unlike OpenAI's newer, OpenAI-proprietary
// Responses API, so a single client with a swappable base URL covers every
// provider config.InferLLMProvider selects between.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
)

// openAICompatClient implements llm.Client against any OpenAI-compatible
// /chat/completions endpoint.
type openAICompatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func newOpenAICompatClient(baseURL, apiKey, model string, timeout time.Duration) *openAICompatClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

type chatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall   `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
	Error   *chatCompletionError   `json:"error,omitempty"`
}

type chatCompletionError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func toChatMessages(msgs []message.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{
			Role:       string(m.Role),
			Content:    m.Text(),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatToolCallFunc{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func toChatTools(tools []llm.ToolDefinition) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		out[i] = chatTool{
			Type: "function",
			Function: chatToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func fromChatToolCalls(calls []chatToolCall) []message.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]message.ToolCall, 0, len(calls))
	for _, c := range calls {
		var args map[string]any
		if c.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil {
				slog.Warn("malformed tool call arguments from upstream", "tool", c.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		out = append(out, message.ToolCall{ID: c.ID, Name: c.Function.Name, Args: args})
	}
	return out
}

func (c *openAICompatClient) buildRequest(messages []message.Message, tools []llm.ToolDefinition, cfg llm.Config, stream bool) chatCompletionRequest {
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	req := chatCompletionRequest{
		Model:     model,
		Messages:  toChatMessages(messages),
		Tools:     toChatTools(tools),
		MaxTokens: cfg.MaxTokens,
		Stream:    stream,
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	return req
}

func (c *openAICompatClient) do(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %w", llm.ErrUnavailable, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %w", llm.ErrUnavailable, lastErr)
}

// Complete implements llm.Client.
func (c *openAICompatClient) Complete(ctx context.Context, messages []message.Message, tools []llm.ToolDefinition, cfg llm.Config) (llm.Response, error) {
	req := c.buildRequest(messages, tools, cfg, false)
	body, err := json.Marshal(req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("marshal chat completion request: %w", err)
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%w: read response: %w", llm.ErrUnavailable, err)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, fmt.Errorf("%w: decode response: %w", llm.ErrUnavailable, err)
	}
	if parsed.Error != nil {
		return llm.Response{}, fmt.Errorf("%w: %s", llm.ErrUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: no choices in response", llm.ErrUnavailable)
	}

	choice := parsed.Choices[0]
	return llm.Response{
		Content:   choice.Message.Content,
		ToolCalls: fromChatToolCalls(choice.Message.ToolCalls),
		Tokens:    parsed.Usage.TotalTokens,
	}, nil
}

// Stream implements llm.Client using server-sent-events chunks in the
// OpenAI-compatible "data: {...}\n\n" framing, terminated by "data: [DONE]".
func (c *openAICompatClient) Stream(ctx context.Context, messages []message.Message, tools []llm.ToolDefinition, cfg llm.Config) (<-chan llm.Chunk, <-chan error) {
	chunks := make(chan llm.Chunk, 16)
	errs := make(chan error, 1)

	req := c.buildRequest(messages, tools, cfg, true)
	body, err := json.Marshal(req)
	if err != nil {
		go func() {
			errs <- fmt.Errorf("marshal chat completion request: %w", err)
			close(chunks)
			close(errs)
		}()
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := c.do(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		var pendingCalls []chatToolCall
		callIndex := map[int]int{}
		totalTokens := 0

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				errs <- fmt.Errorf("%w: read stream: %w", llm.ErrUnavailable, err)
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				slog.Debug("skipping malformed stream chunk", "error", err)
				continue
			}
			if parsed.Error != nil {
				errs <- fmt.Errorf("%w: %s", llm.ErrUnavailable, parsed.Error.Message)
				return
			}
			if parsed.Usage.TotalTokens > 0 {
				totalTokens = parsed.Usage.TotalTokens
			}
			if len(parsed.Choices) == 0 {
				continue
			}

			delta := parsed.Choices[0].Delta
			if delta.Content != "" {
				chunks <- llm.Chunk{Delta: delta.Content}
			}
			for i, tc := range delta.ToolCalls {
				idx, ok := callIndex[i]
				if !ok {
					idx = len(pendingCalls)
					callIndex[i] = idx
					pendingCalls = append(pendingCalls, chatToolCall{Type: "function"})
				}
				if tc.ID != "" {
					pendingCalls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					pendingCalls[idx].Function.Name += tc.Function.Name
				}
				pendingCalls[idx].Function.Arguments += tc.Function.Arguments
			}
		}

		chunks <- llm.Chunk{Done: true, ToolCalls: fromChatToolCalls(pendingCalls), Tokens: totalTokens}
	}()

	return chunks, errs
}

var _ llm.Client = (*openAICompatClient)(nil)
