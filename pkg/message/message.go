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

// Package message defines the conversation message types shared by the LLM
// capability seam, the Blackboard's message history, and the Session Store
// (spec.md §3).
package message

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents an assistant's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one turn in a conversation. Content is nullable for
// assistant messages that only carry tool calls.
type Message struct {
	Role       Role
	Content    *string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
	CreatedAt  time.Time
}

// Text returns the message's content, or "" if it is nil (a pure
// tool-call assistant message).
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func strPtr(s string) *string { return &s }

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: strPtr(content), CreatedAt: time.Now()}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: strPtr(content), CreatedAt: time.Now()}
}

// Assistant builds an assistant message with text content and no tool calls.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: strPtr(content), CreatedAt: time.Now()}
}

// AssistantToolCalls builds an assistant message carrying only tool-call
// requests (content is nil, per spec.md §3).
func AssistantToolCalls(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls, CreatedAt: time.Now()}
}

// Tool builds a tool-result message bound to a call id.
func Tool(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    strPtr(content),
		Name:       name,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	}
}
