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
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
)

// ExecutorConfig is the default tuning for the Executor sub-agent (spec.md
// §4.4: temperature ≈ 0.2, low for consistent action selection).
func ExecutorConfig() Config { return Config{Temperature: 0.2, MaxTokens: 1024} }

// Executor is the action-taking sub-agent: it selects tool calls via the
// LLM's function-calling interface and runs them through a tool.Executor,
// which owns the actual permission/HIL/timeout/compaction logic (spec.md
// §4.2). This sub-agent only decides WHAT to call.
type Executor struct {
	base
	tools    []llm.ToolDefinition
	toolExec *tool.Executor
}

// NewExecutor builds an Executor sub-agent over a shared tool.Executor.
func NewExecutor(client llm.Client, retriever *knowledge.Retriever, tools []llm.ToolDefinition, toolExec *tool.Executor) *Executor {
	return &Executor{
		base:     newBase(client, retriever, ExecutorConfig()),
		tools:    tools,
		toolExec: toolExec,
	}
}

// Name implements SubAgent.
func (e *Executor) Name() string { return "executor" }

// Execute implements SubAgent (spec.md §4.4 Executor).
func (e *Executor) Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result {
	userPrompt := e.buildExecutionPrompt(step.Instruction, bb.Query(), blackboardContext(bb))

	resp, err := e.complete(ctx, systemPrompt, userPrompt, e.tools)
	if err != nil {
		return Failure(fmt.Sprintf("executor: llm call failed: %v", err))
	}

	if len(resp.ToolCalls) == 0 {
		return Success(resp.Content, resp.Tokens)
	}

	calls := make([]tool.Call, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		calls[i] = tool.Call{ID: tc.ID, Name: tc.Name, Args: tc.Args}
	}

	// Run sequentially, in the order the LLM requested them. A HIL-gated
	// call is parked without running; later calls in the batch still run.
	results := e.toolExec.ExecuteMany(ctx, rc, calls, bb, false)

	anySucceeded := false
	for _, r := range results {
		if r.Success {
			anySucceeded = true
			if resMap, ok := r.Result.(map[string]any); ok {
				if status, ok := resMap["status"].(string); ok && status == tool.StatusAwaitingApproval {
					return Success(resMap, resp.Tokens)
				}
			}
		}
	}

	summary := summarizeToolResults(results)
	if !anySucceeded {
		// Every requested call failed (timeout, permission denial, ...): the
		// step itself failed, which is what lets the orchestrator's replan
		// logic (spec.md §4.5 step 4) see it.
		return Result{Success: false, Output: summary, TokensUsed: resp.Tokens, Error: firstToolError(results)}
	}
	return Success(summary, resp.Tokens)
}

// ExecuteApprovedAction resumes a HIL-gated call once a human has approved
// it (spec.md §4.2 "HIL resumption").
func (e *Executor) ExecuteApprovedAction(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, interactionID string, call tool.Call) Result {
	result := e.toolExec.ExecuteApproved(ctx, rc, bb, interactionID, call)
	if !result.Success {
		return Failure(result.Error)
	}
	return Success(result.Result, 0)
}

func (e *Executor) buildExecutionPrompt(instruction, query, blackboardCtx string) string {
	var toolsDesc strings.Builder
	if len(e.tools) > 0 {
		toolsDesc.WriteString("Available tools:\n")
		for _, t := range e.tools {
			fmt.Fprintf(&toolsDesc, "- %s: %s\n", t.Name, t.Description)
		}
	}

	return fmt.Sprintf(`Action Task: %s

Original User Query: %s

%s

Current Context:
%s

Instructions:
1. Determine which action(s) to take based on the task
2. Use the appropriate tool(s) to execute the action
3. Handle any errors gracefully
4. Report the results

Select and call the appropriate tool(s) to complete this action.`,
		instruction, query, toolsDesc.String(), blackboardCtx)
}

// summarizeToolResults mirrors the original executor's result rollup
// (spec.md §4.4): counts plus a per-call detail list, preferring each
// result's compacted form for LLM-facing context.
func summarizeToolResults(results []blackboard.ToolResult) map[string]any {
	successful, failed := 0, 0
	details := make([]map[string]any, 0, len(results))

	for _, r := range results {
		if r.Success {
			successful++
		} else {
			failed++
		}

		detail := map[string]any{
			"tool":    r.ToolName,
			"success": r.Success,
		}
		if r.Success {
			val := r.Result
			if r.CompactResult != nil {
				val = r.CompactResult
			}
			detail["result"] = val
		} else {
			detail["error"] = r.Error
		}
		details = append(details, detail)
	}

	return map[string]any{
		"total_actions": len(results),
		"successful":    successful,
		"failed":        failed,
		"results":       details,
	}
}

// firstToolError returns the first failed call's error message, for a
// step-level Result.Error when every requested tool call failed.
func firstToolError(results []blackboard.ToolResult) string {
	for _, r := range results {
		if !r.Success {
			return fmt.Sprintf("%s: %s", r.ToolName, r.Error)
		}
	}
	return "all tool calls failed"
}

var _ SubAgent = (*Executor)(nil)
