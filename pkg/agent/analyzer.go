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
	"strings"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// AnalyzerConfig is the default tuning for the Analyzer (spec.md §4.4:
// temperature ≈ 0.4).
func AnalyzerConfig() Config { return Config{Temperature: 0.4, MaxTokens: 1536} }

// Analyzer reasons over the blackboard's accumulated variables, findings,
// and tool results to derive conclusions; it calls no tools and has no
// standalone original-source file, so its prompt is modeled generically
// from its described role.
type Analyzer struct {
	base
}

// NewAnalyzer builds an Analyzer.
func NewAnalyzer(client llm.Client, retriever *knowledge.Retriever) *Analyzer {
	return &Analyzer{base: newBase(client, retriever, AnalyzerConfig())}
}

// Name implements SubAgent.
func (a *Analyzer) Name() string { return "analyzer" }

// Execute implements SubAgent: it reasons over what the blackboard already
// holds and records one finding plus any derived variables it names.
func (a *Analyzer) Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result {
	bbCtx := blackboardContext(bb)

	userPrompt := fmt.Sprintf(`Analysis task: %s

Current Context:
%s

Analyze the information gathered so far and draw a conclusion. If you
derive a specific named value worth remembering (e.g. a decision, a
computed total), state it on its own line as "SET <key> = <value>".`,
		step.Instruction, bbCtx)

	resp, err := a.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return Failure(fmt.Sprintf("analyzer: llm call failed: %v", err))
	}

	bb.AddFinding("analyzer", resp.Content, "", 0.75)
	for key, value := range extractSetDirectives(resp.Content) {
		bb.Set(key, value, "analyzer")
	}

	return Success(resp.Content, resp.Tokens)
}

// extractSetDirectives scans for lines of the form "SET <key> = <value>"
// in the model's output, letting the Analyzer write derived variables back
// to the blackboard without a structured tool call.
func extractSetDirectives(content string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "SET ") {
			continue
		}
		rest := strings.TrimPrefix(line, "SET ")
		parts := strings.SplitN(rest, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

var _ SubAgent = (*Analyzer)(nil)
