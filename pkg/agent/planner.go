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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// PlannerConfig is the default tuning for the Planner (spec.md §4.4:
// temperature ≈ 0.3).
func PlannerConfig() Config { return Config{Temperature: 0.3, MaxTokens: 2048} }

// Planner decomposes a user query into an ExecutionPlan, and revises plans
// on replan.
type Planner struct {
	base
}

// NewPlanner builds a Planner.
func NewPlanner(client llm.Client, retriever *knowledge.Retriever) *Planner {
	return &Planner{base: newBase(client, retriever, PlannerConfig())}
}

// Name implements SubAgent.
func (p *Planner) Name() string { return "planner" }

// Execute implements SubAgent. For the Planner, step is a meta-step that
// triggers plan creation; the produced *plan.Plan is the Output.
func (p *Planner) Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result {
	replanReason, _ := bb.Get("_replan_reason")
	reason, _ := replanReason.(string)

	newPlan, tokens, err := p.CreatePlan(ctx, rc, bb.Query(), systemPrompt, bb, reason)
	if err != nil {
		return Failure(err.Error())
	}
	return Success(newPlan, tokens)
}

// CreatePlan builds a fresh ExecutionPlan for a query (spec.md §4.4).
func (p *Planner) CreatePlan(ctx context.Context, rc reqctx.RequestContext, query, systemPrompt string, bb *blackboard.Blackboard, replanReason string) (*plan.Plan, int, error) {
	knowledgeCtx := p.knowledgeContext(ctx, query, rc.User.ID)
	bbCtx := blackboardContext(bb)

	userPrompt := buildPlanningPrompt(query, knowledgeCtx, bbCtx, replanReason)

	resp, err := p.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("planner: llm call failed: %w", err)
	}

	return parsePlan(query, resp.Content), resp.Tokens, nil
}

// Replan revises a plan given a failure reason (spec.md §4.4 Replanning):
// completed steps are retained, pending/failed steps are replaced by the
// model's revised remaining steps.
func (p *Planner) Replan(ctx context.Context, rc reqctx.RequestContext, current *plan.Plan, reason, systemPrompt string, bb *blackboard.Blackboard) (*plan.Plan, int, error) {
	knowledgeCtx := p.knowledgeContext(ctx, current.Query, rc.User.ID)

	var completed, failed strings.Builder
	for _, s := range current.Steps {
		if s.Status == plan.StepCompleted {
			fmt.Fprintf(&completed, "- %s: %s [COMPLETED] -> %v\n", s.ID, s.Description, s.Result)
		}
	}
	for _, s := range current.Steps {
		if s.Status == plan.StepFailed {
			fmt.Fprintf(&failed, "- %s: %s [FAILED] -> %s\n", s.ID, s.Description, s.Error)
		}
	}
	if completed.Len() == 0 {
		completed.WriteString("None")
	}
	if failed.Len() == 0 {
		failed.WriteString("None")
	}

	userPrompt := fmt.Sprintf(`You need to revise the execution plan.

Original Query: %s
Original Goal: %s

Reason for Replanning: %s

Completed Steps:
%s

Failed Steps:
%s

%s

Current Context:
%s

Create a revised plan with the remaining steps needed to complete the goal.
Keep completed step results and build on them.

Output as JSON:
{
    "goal": "Updated goal if needed",
    "steps": [
        {
            "id": "step_N",
            "description": "Brief description",
            "sub_agent": "researcher|analyzer|executor|synthesizer",
            "instruction": "Detailed instructions",
            "depends_on": []
        }
    ]
}`, current.Query, current.Goal, reason, completed.String(), failed.String(), knowledgeSection(knowledgeCtx), blackboardContext(bb))

	resp, err := p.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("planner: replan llm call failed: %w", err)
	}

	revised := parsePlan(current.Query, resp.Content)

	merged := mergeReplan(current, revised)
	return merged, resp.Tokens, nil
}

// mergeReplan keeps every completed/skipped step from current, and appends
// the freshly planned steps in place of anything still pending/failed.
func mergeReplan(current, revised *plan.Plan) *plan.Plan {
	var kept []*plan.Step
	for _, s := range current.Steps {
		if s.Status == plan.StepCompleted || s.Status == plan.StepSkipped {
			kept = append(kept, s)
		}
	}
	kept = append(kept, revised.Steps...)

	goal := current.Goal
	if revised.Goal != "" {
		goal = revised.Goal
	}

	return &plan.Plan{
		Query: current.Query,
		Goal:  goal,
		Steps: kept,
	}
}

func knowledgeSection(text string) string {
	if text == "" {
		return ""
	}
	return "Relevant Knowledge:\n" + text
}

func buildPlanningPrompt(query, knowledgeContext, blackboardCtx, replanReason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User Query: %s\n\n", query)
	if knowledgeContext != "" {
		fmt.Fprintf(&sb, "Relevant Knowledge:\n%s\n\n", knowledgeContext)
	}
	if blackboardCtx != "" {
		fmt.Fprintf(&sb, "Current Context:\n%s\n\n", blackboardCtx)
	}
	if replanReason != "" {
		fmt.Fprintf(&sb, "Note: this is a replan. Reason: %s\n\n", replanReason)
	}
	sb.WriteString(`Decompose this request into an execution plan.

Output as JSON:
{
    "goal": "what we are trying to accomplish",
    "steps": [
        {
            "id": "step_1",
            "description": "Brief description",
            "sub_agent": "researcher|analyzer|executor|synthesizer",
            "instruction": "Detailed instructions for this step",
            "depends_on": []
        }
    ]
}`)
	return sb.String()
}

// planJSON is the wire shape the model's JSON reply is decoded into.
type planJSON struct {
	Goal  string `json:"goal"`
	Steps []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		SubAgent    string   `json:"sub_agent"`
		Instruction string   `json:"instruction"`
		DependsOn   []string `json:"depends_on"`
	} `json:"steps"`
}

// parsePlan takes the span of content from its first '{' to its last '}'
// and decodes it into an ExecutionPlan, falling back to a two-step
// researcher→synthesizer plan on any failure (spec.md §4.4 Planner).
func parsePlan(query, content string) *plan.Plan {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fallbackPlan(query)
	}

	var data planJSON
	if err := json.Unmarshal([]byte(content[start:end+1]), &data); err != nil {
		return fallbackPlan(query)
	}

	steps := make([]*plan.Step, 0, len(data.Steps))
	for i, sd := range data.Steps {
		id := sd.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i+1)
		}
		subAgent := plan.SubAgentKind(sd.SubAgent)
		if subAgent == "" {
			subAgent = plan.SubAgentResearcher
		}
		dependsOn := sd.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		steps = append(steps, &plan.Step{
			ID:          id,
			Order:       i + 1,
			Description: sd.Description,
			SubAgent:    subAgent,
			Instruction: sd.Instruction,
			DependsOn:   dependsOn,
			Status:      plan.StepPending,
		})
	}

	goal := data.Goal
	if goal == "" {
		goal = "Complete the user's request"
	}

	p := &plan.Plan{Query: query, Goal: goal, Steps: steps}
	if err := p.Validate(); err != nil {
		return fallbackPlan(query)
	}
	return p
}

func fallbackPlan(query string) *plan.Plan {
	return &plan.Plan{
		Query: query,
		Goal:  "Answer the user's query",
		Steps: []*plan.Step{
			{
				ID:          "step_1",
				Order:       1,
				Description: "Research the query",
				SubAgent:    plan.SubAgentResearcher,
				Instruction: "Find information relevant to: " + query,
				DependsOn:   []string{},
				Status:      plan.StepPending,
			},
			{
				ID:          "step_2",
				Order:       2,
				Description: "Generate response",
				SubAgent:    plan.SubAgentSynthesizer,
				Instruction: "Generate a helpful response based on the research.",
				DependsOn:   []string{"step_1"},
				Status:      plan.StepPending,
			},
		},
	}
}

var _ SubAgent = (*Planner)(nil)
