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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
)

func testRC() reqctx.RequestContext {
	return reqctx.RequestContext{User: reqctx.User{ID: "tenant-1"}, SessionID: "s1"}
}

func TestPlanner_CreatePlanParsesWellFormedJSON(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: `Sure, here's the plan:
{
    "goal": "answer the billing question",
    "steps": [
        {"id": "step_1", "description": "look up invoice", "sub_agent": "researcher", "instruction": "find the invoice", "depends_on": []},
        {"id": "step_2", "description": "respond", "sub_agent": "synthesizer", "instruction": "write the answer", "depends_on": ["step_1"]}
    ]
}`, Tokens: 42}, nil
	})

	planner := NewPlanner(client, nil)
	bb := blackboard.New(testRC(), "why was I billed twice?")

	p, tokens, err := planner.CreatePlan(context.Background(), testRC(), bb.Query(), "system", bb, "")
	require.NoError(t, err)
	assert.Equal(t, 42, tokens)
	assert.Equal(t, "answer the billing question", p.Goal)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, plan.SubAgentResearcher, p.Steps[0].SubAgent)
	assert.Equal(t, []string{"step_1"}, p.Steps[1].DependsOn)
	require.NoError(t, p.Validate())
}

func TestPlanner_CreatePlanFallsBackOnMalformedJSON(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "I couldn't produce JSON for this.", Tokens: 5}, nil
	})

	planner := NewPlanner(client, nil)
	bb := blackboard.New(testRC(), "do something")

	p, _, err := planner.CreatePlan(context.Background(), testRC(), bb.Query(), "system", bb, "")
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, plan.SubAgentResearcher, p.Steps[0].SubAgent)
	assert.Equal(t, plan.SubAgentSynthesizer, p.Steps[1].SubAgent)
}

func TestPlanner_ReplanKeepsCompletedSteps(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: `{"goal": "", "steps": [{"id": "step_2b", "description": "retry", "sub_agent": "executor", "instruction": "retry the action", "depends_on": []}]}`}, nil
	})
	planner := NewPlanner(client, nil)

	current := &plan.Plan{
		Query: "cancel my subscription",
		Goal:  "cancel subscription",
		Steps: []*plan.Step{
			{ID: "step_1", SubAgent: plan.SubAgentResearcher, Status: plan.StepCompleted, Result: "found account"},
			{ID: "step_2", SubAgent: plan.SubAgentExecutor, Status: plan.StepFailed, Error: "timeout"},
		},
	}
	bb := blackboard.New(testRC(), current.Query)

	revised, _, err := planner.Replan(context.Background(), testRC(), current, "step_2 timed out", "system", bb)
	require.NoError(t, err)
	require.Len(t, revised.Steps, 2)
	assert.Equal(t, "step_1", revised.Steps[0].ID)
	assert.Equal(t, plan.StepCompleted, revised.Steps[0].Status)
	assert.Equal(t, "step_2b", revised.Steps[1].ID)
}

func TestResearcher_RecordsFinding(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "The refund policy allows 30 days.", Tokens: 10}, nil
	})
	researcher := NewResearcher(client, nil)
	bb := blackboard.New(testRC(), "what's the refund policy?")

	result := researcher.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "find refund policy"}, "system")
	require.True(t, result.Success)

	findings := bb.FindingsBySource("researcher")
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Content, "30 days")
}

func TestAnalyzer_ExtractsSetDirectives(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "The total comes to $42.\nSET order_total = 42\n", Tokens: 8}, nil
	})
	analyzer := NewAnalyzer(client, nil)
	bb := blackboard.New(testRC(), "what's my total?")

	result := analyzer.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "compute total"}, "system")
	require.True(t, result.Success)

	v, ok := bb.Get("order_total")
	require.True(t, ok)
	assert.Equal(t, "42", v)

	findings := bb.FindingsBySource("analyzer")
	require.Len(t, findings, 1)
}

func TestExecutorSubAgent_NoToolCallsReturnsGuidance(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "No action needed.", Tokens: 3}, nil
	})
	exec := NewExecutor(client, nil, nil, tool.NewExecutor(tool.NewRegistry(), nil))
	bb := blackboard.New(testRC(), "just checking in")

	result := exec.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "check status"}, "system")
	require.True(t, result.Success)
	assert.Equal(t, "No action needed.", result.Output)
}

func TestExecutorSubAgent_DestructiveToolPausesForApproval(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&tool.Spec{
		Name: "cancel_subscription",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"cancelled": true}, nil
		},
	}))

	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{
			Content:   "",
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "cancel_subscription", Args: map[string]any{}}},
			Tokens:    4,
		}, nil
	})

	exec := NewExecutor(client, nil, []llm.ToolDefinition{{Name: "cancel_subscription"}}, tool.NewExecutor(reg, nil))
	bb := blackboard.New(testRC(), "cancel my subscription")

	result := exec.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "cancel the subscription"}, "system")
	require.True(t, result.Success)

	outMap, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tool.StatusAwaitingApproval, outMap["status"])
	assert.True(t, bb.HasPendingInteractions())
}

func TestExecutorSubAgent_SummarizesSuccessfulCalls(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&tool.Spec{
		Name: "lookup_order",
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"status": "shipped"}, nil
		},
	}))

	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "lookup_order", Args: map[string]any{}}},
			Tokens:    4,
		}, nil
	})

	exec := NewExecutor(client, nil, []llm.ToolDefinition{{Name: "lookup_order"}}, tool.NewExecutor(reg, nil))
	bb := blackboard.New(testRC(), "where's my order?")

	result := exec.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "look up the order"}, "system")
	require.True(t, result.Success)

	summary, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, summary["successful"])
	assert.Equal(t, 0, summary["failed"])
}

func TestSynthesizer_WritesFinalResultToPlan(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "Here's your answer.", Tokens: 6}, nil
	})
	synth := NewSynthesizer(client, nil)
	bb := blackboard.New(testRC(), "what happened?")
	p := &plan.Plan{Query: bb.Query()}
	bb.SetPlan(p)

	result := synth.Execute(context.Background(), testRC(), bb, &plan.Step{Instruction: "write the response"}, "system")
	require.True(t, result.Success)
	assert.Equal(t, "Here's your answer.", p.FinalResult)
}

func TestSynthesizer_GenerateSuggestionsParsesJSONArray(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: `Sure: ["check your order status", "contact support"]`}, nil
	})
	synth := NewSynthesizer(client, nil)

	suggestions, err := synth.GenerateSuggestions(context.Background(), "where's my order", "it's on the way", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"check your order status", "contact support"}, suggestions)
}

func TestSynthesizer_GenerateSuggestionsReturnsEmptyOnMalformed(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "no brackets here"}, nil
	})
	synth := NewSynthesizer(client, nil)

	suggestions, err := synth.GenerateSuggestions(context.Background(), "q", "r", 3)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestSynthesizer_SummarizeEnforcesMaxLength(t *testing.T) {
	client := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: "this is a much longer summary than what was asked for here"}, nil
	})
	synth := NewSynthesizer(client, nil)

	summary, err := synth.Summarize(context.Background(), "long content", 10, "")
	require.NoError(t, err)
	assert.Len(t, summary, 10)
	assert.True(t, len(summary) <= 10)
}
