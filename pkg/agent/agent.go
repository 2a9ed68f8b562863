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

// Package agent implements the role-specialized sub-agents (spec.md §4.4):
// Planner, Researcher, Analyzer, Executor, and Synthesizer. Each wraps the
// LLM capability seam with a role-specific prompt and a small tuned
// {temperature, max_tokens} config, consumes the Blackboard for context,
// and emits a typed SubAgentResult.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// StatusAwaitingApproval mirrors tool.StatusAwaitingApproval; duplicated
// here (rather than imported) to keep pkg/agent independent of pkg/tool,
// since only the Executor sub-agent needs it and it imports pkg/tool
// directly for the real gating decision.
const StatusAwaitingApproval = "awaiting_approval"

// Config tunes one sub-agent's LLM calls (spec.md §4.4).
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Result is the typed output of a sub-agent invocation (spec.md §4.4
// SubAgentResult).
type Result struct {
	Success    bool
	Output     any
	TokensUsed int
	Error      string
}

// Success builds a successful Result.
func Success(output any, tokens int) Result {
	return Result{Success: true, Output: output, TokensUsed: tokens}
}

// Failure builds a failed Result.
func Failure(err string) Result {
	return Result{Success: false, Error: err}
}

// SubAgent is the shared contract every role implements (spec.md §4.4).
type SubAgent interface {
	Name() string
	Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result
}

// base holds the collaborators common to every sub-agent: an LLM client
// and an optional knowledge retriever used to ground prompts.
type base struct {
	llmClient llm.Client
	retriever *knowledge.Retriever
	config    Config
}

func newBase(client llm.Client, retriever *knowledge.Retriever, cfg Config) base {
	return base{llmClient: client, retriever: retriever, config: cfg}
}

// complete issues one non-streaming LLM call with the sub-agent's tuned
// config, optionally with a tool list (used only by the Executor).
func (b *base) complete(ctx context.Context, systemPrompt, userPrompt string, tools []llm.ToolDefinition) (llm.Response, error) {
	msgs := []message.Message{
		message.System(systemPrompt),
		message.User(userPrompt),
	}
	return b.llmClient.Complete(ctx, msgs, tools, llm.Config{
		Temperature: b.config.Temperature,
		MaxTokens:   b.config.MaxTokens,
	})
}

// knowledgeContext retrieves a planning-oriented bundle (playbooks +
// concepts) rendered as plain text, swallowing retriever errors per
// spec.md §4.1's "failures are logged but never abort the request".
func (b *base) knowledgeContext(ctx context.Context, query, tenant string) string {
	if b.retriever == nil {
		return ""
	}
	bundle := b.retriever.GetBundle(ctx, query, 5, tenant)

	var sb strings.Builder
	writeSection(&sb, "Playbooks", bundle.Playbooks)
	writeSection(&sb, "Concepts", bundle.Concepts)
	return sb.String()
}

// researchContext retrieves a research-oriented bundle (schemas + faqs),
// used by the Researcher.
func (b *base) researchContext(ctx context.Context, query, tenant string) string {
	if b.retriever == nil {
		return ""
	}
	bundle := b.retriever.GetBundle(ctx, query, 5, tenant)

	var sb strings.Builder
	writeSection(&sb, "Schemas", bundle.Schemas)
	writeSection(&sb, "FAQs", bundle.FAQs)
	return sb.String()
}

func writeSection(sb *strings.Builder, title string, nodes []knowledge.ScoredNode) {
	if len(nodes) == 0 {
		return
	}
	sb.WriteString(title)
	sb.WriteString(":\n")
	for _, sn := range nodes {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", sn.Node.Title, sn.Node.Summary))
	}
	sb.WriteString("\n")
}

// blackboardContext renders a blackboard's context for prompt inclusion at
// a generous token budget; sub-agents differ only in what else they add
// around it.
func blackboardContext(bb *blackboard.Blackboard) string {
	if bb == nil {
		return ""
	}
	return bb.ContextForLLM(2000)
}
