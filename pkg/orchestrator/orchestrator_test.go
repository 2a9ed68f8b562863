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

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/agent"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/session"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/transport"
)

// --- fixtures -------------------------------------------------------------

// singleStepPlan builds a single-step plan response for the planner's mock.
func singleStepPlan(subAgentKind, toolHint string) string {
	return fmt.Sprintf(`{
		"goal": "handle the request",
		"steps": [
			{"id": "step_1", "description": "%s", "sub_agent": "%s", "instruction": "%s", "depends_on": []}
		]
	}`, toolHint, subAgentKind, toolHint)
}

func isPlanningPrompt(call llm.Call) bool {
	for _, m := range call.Messages {
		if strings.Contains(m.Text(), "Decompose this request") {
			return true
		}
	}
	return false
}

func isReplanPrompt(call llm.Call) bool {
	for _, m := range call.Messages {
		if strings.Contains(m.Text(), "revise the execution plan") {
			return true
		}
	}
	return false
}

func isSuggestionsPrompt(call llm.Call) bool {
	for _, m := range call.Messages {
		if strings.Contains(m.Text(), "follow-up questions") {
			return true
		}
	}
	return false
}

// newTestRegistry registers a tiny, test-speed tool set mirroring
// builtintool's shapes but with millisecond-scale timeouts.
func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()

	require.NoError(t, reg.Register(&tool.Spec{
		Name:        "search_purchase_orders",
		Description: "Look up a purchase order.",
		Timeout:     time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"order_id": "PO-12345", "status": "in_transit"}, nil
		},
	}))

	require.NoError(t, reg.Register(&tool.Spec{
		Name:               "cancel_order",
		Description:        "Cancel an order.",
		ConfirmationPrompt: "Confirm: run cancel_order?",
		Timeout:            time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"order_id": args["order_id"], "status": "cancelled"}, nil
		},
	}))

	require.NoError(t, reg.Register(&tool.Spec{
		Name:        "slow_lookup",
		Description: "A lookup that is slower than its own timeout.",
		Timeout:     20 * time.Millisecond,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return map[string]any{"result": "too slow"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	require.NoError(t, reg.Register(&tool.Spec{
		Name:        "fast_lookup",
		Description: "A fast equivalent of slow_lookup.",
		Timeout:     time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"result": "ok"}, nil
		},
	}))

	require.NoError(t, reg.Register(&tool.Spec{
		Name:        "create_po",
		Description: "Create a purchase order.",
		Permissions: []string{"BUYER"},
		Timeout:     time.Second,
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"order_id": "PO-NEW", "status": "created"}, nil
		},
	}))

	return reg
}

// testHarness bundles everything one orchestrator test needs: a scripted
// planner/synthesizer LLM, a real Executor sub-agent wired to the test
// registry, and a transport.Manager to drive frames through.
type testHarness struct {
	orc     *Orchestrator
	manager *transport.Manager
	sent    []any
}

func newHarness(t *testing.T, plannerResp, synthResp llm.Responder, toolDefs []llm.ToolDefinition) *testHarness {
	t.Helper()

	plannerClient := llm.NewMock(plannerResp)
	synthClient := llm.NewMock(synthResp)
	execClient := llm.NewMock(nil) // overridden per-test via closures capturing toolDefs

	planner := agent.NewPlanner(plannerClient, nil)
	synth := agent.NewSynthesizer(synthClient, nil)
	researcher := agent.NewResearcher(execClient, nil)
	analyzer := agent.NewAnalyzer(execClient, nil)

	reg := newTestRegistry(t)
	toolExec := tool.NewExecutor(reg, nil)
	execAgent := agent.NewExecutor(execClient, nil, toolDefs, toolExec)

	subAgents := map[plan.SubAgentKind]agent.SubAgent{
		plan.SubAgentPlanner:     planner,
		plan.SubAgentSynthesizer: synth,
		plan.SubAgentResearcher:  researcher,
		plan.SubAgentAnalyzer:    analyzer,
		plan.SubAgentExecutor:    execAgent,
	}

	sessions := session.NewInMemoryService(100)

	h := &testHarness{}
	var orc *Orchestrator
	var manager *transport.Manager
	orc = New(subAgents, execAgent, sessions, nil /* set below */, nil, nil, Config{}, nil)
	manager = transport.NewManager(nil, orc, 0, 0, 0)
	orc.store = manager
	h.orc = orc
	h.manager = manager
	return h
}

func (h *testHarness) connect(t *testing.T, id string) *transport.Conn {
	t.Helper()
	conn, err := h.manager.Accept(id, func(frame any) error {
		h.sent = append(h.sent, frame)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, &transport.Inbound{Auth: &transport.AuthFrame{}}))
	return conn
}

func (h *testHarness) framesOfType(sample any) []any {
	var out []any
	for _, f := range h.sent {
		switch sample.(type) {
		case transport.MarkdownFrame:
			if _, ok := f.(transport.MarkdownFrame); ok {
				out = append(out, f)
			}
		case transport.ProgressFrame:
			if _, ok := f.(transport.ProgressFrame); ok {
				out = append(out, f)
			}
		case transport.UIInteractionFrame:
			if _, ok := f.(transport.UIInteractionFrame); ok {
				out = append(out, f)
			}
		case transport.SuggestionsFrame:
			if _, ok := f.(transport.SuggestionsFrame); ok {
				out = append(out, f)
			}
		case transport.ErrorFrame:
			if _, ok := f.(transport.ErrorFrame); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// --- scenario 1: lookup with no HIL ---------------------------------------

func TestHandleQuery_LookupWithoutHIL(t *testing.T) {
	planner := func(call llm.Call) (llm.Response, error) {
		if isPlanningPrompt(call) {
			return llm.Response{Content: singleStepPlan("executor", "look up PO-12345")}, nil
		}
		return llm.Response{Content: "{}"}, nil
	}
	synth := func(call llm.Call) (llm.Response, error) {
		if isSuggestionsPrompt(call) {
			return llm.Response{Content: `["Track another order", "Cancel an order"]`}, nil
		}
		return llm.Response{Content: "PO-12345 is currently in transit."}, nil
	}

	toolDefs := []llm.ToolDefinition{{Name: "search_purchase_orders"}}
	h := newHarness(t, planner, synth, toolDefs)

	// Swap the executor sub-agent's client for one that requests the tool call.
	execClient := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{
			Content:   "",
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "search_purchase_orders", Args: map[string]any{"order_id": "12345"}}},
		}, nil
	})
	reg := newTestRegistry(t)
	toolExec := tool.NewExecutor(reg, nil)
	h.orc.subAgents[plan.SubAgentExecutor] = agent.NewExecutor(execClient, nil, toolDefs, toolExec)
	h.orc.executor = h.orc.subAgents[plan.SubAgentExecutor].(*agent.Executor)

	conn := h.connect(t, "c1")
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, &transport.Inbound{
		Query: &transport.QueryFrame{Query: "Find PO 12345", SessionID: "s1"},
	}))

	progress := h.framesOfType(transport.ProgressFrame{})
	require.NotEmpty(t, progress)
	first := progress[0].(transport.ProgressFrame)
	assert.Equal(t, transport.ProgressThinking, first.Payload.Data.Status)

	markdown := h.framesOfType(transport.MarkdownFrame{})
	require.Len(t, markdown, 1)
	assert.Contains(t, markdown[0].(transport.MarkdownFrame).Payload, "PO-12345")

	suggestions := h.framesOfType(transport.SuggestionsFrame{})
	require.Len(t, suggestions, 1)
	assert.LessOrEqual(t, len(suggestions[0].(transport.SuggestionsFrame).Payload.Options), 3)

	last := progress[len(progress)-1]
	assert.Equal(t, transport.ProgressSynthesisComplete, last.(transport.ProgressFrame).Payload.Data.Status)
}

// --- scenario 2: HIL confirm and approve ----------------------------------

func TestHandleQuery_HILConfirmThenApprove(t *testing.T) {
	planner := func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: singleStepPlan("executor", "cancel order 42")}, nil
	}
	synth := func(call llm.Call) (llm.Response, error) {
		if isSuggestionsPrompt(call) {
			return llm.Response{Content: `[]`}, nil
		}
		return llm.Response{Content: "Order 42 has been cancelled."}, nil
	}

	toolDefs := []llm.ToolDefinition{{Name: "cancel_order"}}
	h := newHarness(t, planner, synth, toolDefs)

	execClient := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{
			ToolCalls: []message.ToolCall{{ID: "c1", Name: "cancel_order", Args: map[string]any{"order_id": "42"}}},
		}, nil
	})
	reg := newTestRegistry(t)
	toolExec := tool.NewExecutor(reg, nil)
	execAgent := agent.NewExecutor(execClient, nil, toolDefs, toolExec)
	h.orc.subAgents[plan.SubAgentExecutor] = execAgent
	h.orc.executor = execAgent

	conn := h.connect(t, "c1")
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, &transport.Inbound{
		Query: &transport.QueryFrame{Query: "Cancel order 42", SessionID: "s2"},
	}))

	ui := h.framesOfType(transport.UIInteractionFrame{})
	require.Len(t, ui, 1)
	interaction := ui[0].(transport.UIInteractionFrame)
	assert.Contains(t, interaction.Payload.Data.Form.Fields[0].Label, "cancel_order")
	assert.Empty(t, h.framesOfType(transport.MarkdownFrame{}), "must not terminate before approval")

	h.sent = nil
	in := &transport.Inbound{HumanInput: &transport.HumanInputFrame{Payload: transport.HumanInputPayload{
		InteractionID: interaction.Payload.Data.InteractionID,
		SessionID:     "s2",
		Values:        map[string]any{"confirm": "Approve"},
	}}}
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, in))

	markdown := h.framesOfType(transport.MarkdownFrame{})
	require.Len(t, markdown, 1)
	assert.Contains(t, markdown[0].(transport.MarkdownFrame).Payload, "cancelled")
}

// --- scenario 3: tool timeout, replan recovers ----------------------------

func TestHandleQuery_TimeoutThenReplanRecovers(t *testing.T) {
	callCount := 0
	planner := func(call llm.Call) (llm.Response, error) {
		if isReplanPrompt(call) {
			return llm.Response{Content: singleStepPlan("executor", "use fast_lookup instead")}, nil
		}
		return llm.Response{Content: singleStepPlan("executor", "use slow_lookup")}, nil
	}
	synth := func(call llm.Call) (llm.Response, error) {
		if isSuggestionsPrompt(call) {
			return llm.Response{Content: `[]`}, nil
		}
		return llm.Response{Content: "Lookup recovered via the faster tool."}, nil
	}

	toolDefs := []llm.ToolDefinition{{Name: "slow_lookup"}, {Name: "fast_lookup"}}
	h := newHarness(t, planner, synth, toolDefs)

	execClient := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		callCount++
		if callCount == 1 {
			return llm.Response{ToolCalls: []message.ToolCall{{ID: "c1", Name: "slow_lookup", Args: map[string]any{}}}}, nil
		}
		return llm.Response{ToolCalls: []message.ToolCall{{ID: "c2", Name: "fast_lookup", Args: map[string]any{}}}}, nil
	})
	reg := newTestRegistry(t)
	toolExec := tool.NewExecutor(reg, nil)
	execAgent := agent.NewExecutor(execClient, nil, toolDefs, toolExec)
	h.orc.subAgents[plan.SubAgentExecutor] = execAgent
	h.orc.executor = execAgent
	h.orc.maxReplans = 2

	conn := h.connect(t, "c1")
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, &transport.Inbound{
		Query: &transport.QueryFrame{Query: "Look this up quickly", SessionID: "s3"},
	}))

	markdown := h.framesOfType(transport.MarkdownFrame{})
	require.Len(t, markdown, 1)
	assert.Contains(t, markdown[0].(transport.MarkdownFrame).Payload, "recovered")
	assert.Empty(t, h.framesOfType(transport.ErrorFrame{}))
}

// --- scenario 4: permission denial ----------------------------------------

func TestHandleQuery_PermissionDenialExplainsLimitation(t *testing.T) {
	planner := func(call llm.Call) (llm.Response, error) {
		return llm.Response{Content: singleStepPlan("executor", "create a purchase order")}, nil
	}
	synth := func(call llm.Call) (llm.Response, error) {
		if isSuggestionsPrompt(call) {
			return llm.Response{Content: `[]`}, nil
		}
		return llm.Response{Content: "I was not able to create the order: you lack the BUYER permission."}, nil
	}

	toolDefs := []llm.ToolDefinition{{Name: "create_po"}}
	h := newHarness(t, planner, synth, toolDefs)
	h.orc.maxReplans = 0 // no read-only alternative to fall back to in this test

	execClient := llm.NewMock(func(call llm.Call) (llm.Response, error) {
		return llm.Response{ToolCalls: []message.ToolCall{{ID: "c1", Name: "create_po", Args: map[string]any{"vendor": "Acme", "amount": 100.0}}}}, nil
	})
	reg := newTestRegistry(t)
	toolExec := tool.NewExecutor(reg, nil)
	execAgent := agent.NewExecutor(execClient, nil, toolDefs, toolExec)
	h.orc.subAgents[plan.SubAgentExecutor] = execAgent
	h.orc.executor = execAgent

	conn := h.connect(t, "c1")
	require.NoError(t, h.manager.HandleFrame(context.Background(), conn, &transport.Inbound{
		Query: &transport.QueryFrame{Query: "Create a PO for Acme", SessionID: "s4", UserID: "u1"},
	}))

	assert.Empty(t, h.framesOfType(transport.ErrorFrame{}), "a fully-failed plan still ends with an explanatory markdown, not an error frame")
	markdown := h.framesOfType(transport.MarkdownFrame{})
	require.Len(t, markdown, 1)
	assert.Contains(t, markdown[0].(transport.MarkdownFrame).Payload, "BUYER")
}

// --- approved() helper ------------------------------------------------------

func TestApproved_AcceptsStringAndBoolConfirmations(t *testing.T) {
	assert.True(t, approved(map[string]any{"confirm": "Approve"}))
	assert.True(t, approved(map[string]any{"confirm": "yes"}))
	assert.True(t, approved(map[string]any{"approved": true}))
	assert.False(t, approved(map[string]any{"confirm": "no"}))
	assert.False(t, approved(map[string]any{}))
}
