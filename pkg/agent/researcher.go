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

package agent

import (
	"context"
	"fmt"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// ResearcherConfig is the default tuning for the Researcher (spec.md §4.4:
// temperature ≈ 0.5).
func ResearcherConfig() Config { return Config{Temperature: 0.5, MaxTokens: 1536} }

// Researcher gathers schema and FAQ knowledge relevant to a step and
// records it as findings. Unlike Planner/Executor/Synthesizer, it has no
// standalone original-source file to port; it is modeled from the same
// base/prompt idiom generically for its described role.
type Researcher struct {
	base
}

// NewResearcher builds a Researcher.
func NewResearcher(client llm.Client, retriever *knowledge.Retriever) *Researcher {
	return &Researcher{base: newBase(client, retriever, ResearcherConfig())}
}

// Name implements SubAgent.
func (r *Researcher) Name() string { return "researcher" }

// Execute implements SubAgent: it grounds the step's instruction against
// the knowledge base and records the model's synthesis as a finding.
func (r *Researcher) Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result {
	knowledgeCtx := r.researchContext(ctx, step.Instruction, rc.User.ID)
	bbCtx := blackboardContext(bb)

	userPrompt := fmt.Sprintf(`Research task: %s

%s

Current Context:
%s

Summarize what you find, citing which knowledge source (if any) each claim
comes from. If nothing relevant is found, say so plainly.`,
		step.Instruction, knowledgeSection(knowledgeCtx), bbCtx)

	resp, err := r.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return Failure(fmt.Sprintf("researcher: llm call failed: %v", err))
	}

	evidence := knowledgeCtx
	bb.AddFinding("researcher", resp.Content, evidence, 0.7)

	return Success(resp.Content, resp.Tokens)
}

var _ SubAgent = (*Researcher)(nil)
