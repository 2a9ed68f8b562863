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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/logger"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// StatusAwaitingApproval is the sentinel ToolResult.Result status when
// execution is parked behind a HIL confirmation (spec.md §4.2 step 3).
const StatusAwaitingApproval = "awaiting_approval"

// Call is one requested tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Executor runs tool calls against a Registry, enforcing permissions,
// timeouts, HIL gating, and result compaction (spec.md §4.2).
type Executor struct {
	registry *Registry
	log      *slog.Logger
}

// NewExecutor builds an Executor over a Registry.
func NewExecutor(registry *Registry, log *slog.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{registry: registry, log: log}
}

// Execute runs one tool call (spec.md §4.2 algorithm steps 1-6).
func (e *Executor) Execute(ctx context.Context, rc reqctx.RequestContext, call Call, bb *blackboard.Blackboard) blackboard.ToolResult {
	start := time.Now()

	spec, ok := e.registry.Get(call.Name)
	if !ok {
		return e.fail(bb, call, "tool not found", start)
	}

	if ok, msg := e.registry.ValidatePermission(call.Name, rc); !ok {
		e.log.Warn("permission denied for tool", "tool", call.Name)
		return e.fail(bb, call, msg, start)
	}

	if spec.RequiresHIL(call.Args) {
		interactionID := ""
		if bb != nil {
			interactionID = bb.AddPendingInteraction(blackboard.InteractionConfirm, spec.Prompt(), nil, nil, 300*time.Second)
		}
		return blackboard.ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Success:  true,
			Result: map[string]any{
				"status":         StatusAwaitingApproval,
				"interaction_id": interactionID,
				"tool_name":      call.Name,
				"call_id":        call.ID,
				"args":           call.Args,
			},
			DurationMS: float64(time.Since(start).Milliseconds()),
			Ts:         time.Now(),
		}
	}

	return e.invoke(ctx, rc, spec, call, bb, start)
}

// invoke performs the deadline-bounded function call and records the
// outcome to the blackboard.
func (e *Executor) invoke(ctx context.Context, rc reqctx.RequestContext, spec *Spec, call Call, bb *blackboard.Blackboard, start time.Time) blackboard.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := spec.Fn(callCtx, call.Args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		duration := time.Since(start)
		errMsg := fmt.Sprintf("%s timed out after %ds", call.Name, int(spec.timeout().Seconds()))
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			errMsg = "cancelled"
		}
		e.log.Error("tool execution failed", "tool", call.Name, "error", errMsg)
		return e.failWithDuration(bb, call, errMsg, duration)

	case o := <-done:
		duration := time.Since(start)
		if o.err != nil {
			e.log.Error("tool execution failed", "tool", call.Name, "error", o.err)
			return e.failWithDuration(bb, call, o.err.Error(), duration)
		}

		compact, hasCompact := spec.compact(o.result)

		if bb != nil {
			var compactForBoard any
			if hasCompact {
				compactForBoard = compact
			}
			bb.AddToolResult(call.ID, call.Name, o.result, compactForBoard, float64(duration.Milliseconds()))
		}

		e.log.Debug("tool executed successfully", "tool", call.Name, "duration_ms", duration.Milliseconds())

		tr := blackboard.ToolResult{
			CallID:     call.ID,
			ToolName:   call.Name,
			Success:    true,
			Result:     o.result,
			DurationMS: float64(duration.Milliseconds()),
			Ts:         time.Now(),
		}
		if hasCompact {
			tr.CompactResult = compact
		}
		return tr
	}
}

func (e *Executor) fail(bb *blackboard.Blackboard, call Call, msg string, start time.Time) blackboard.ToolResult {
	return e.failWithDuration(bb, call, msg, time.Since(start))
}

func (e *Executor) failWithDuration(bb *blackboard.Blackboard, call Call, msg string, duration time.Duration) blackboard.ToolResult {
	if bb != nil {
		bb.AddToolError(call.ID, call.Name, msg, float64(duration.Milliseconds()))
	}
	return blackboard.ToolResult{
		CallID:     call.ID,
		ToolName:   call.Name,
		Success:    false,
		Error:      msg,
		DurationMS: float64(duration.Milliseconds()),
		Ts:         time.Now(),
	}
}

// ExecuteMany runs all calls concurrently unless parallel is false, matching
// the ordering and semantics of spec.md §4.2's ExecuteMany.
func (e *Executor) ExecuteMany(ctx context.Context, rc reqctx.RequestContext, calls []Call, bb *blackboard.Blackboard, parallel bool) []blackboard.ToolResult {
	results := make([]blackboard.ToolResult, len(calls))

	if !parallel {
		for i, call := range calls {
			results[i] = e.Execute(ctx, rc, call, bb)
		}
		return results
	}

	var g errgroup.Group
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.Execute(ctx, rc, call, bb)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteApproved resolves a HIL interaction as approved and executes the
// underlying tool call (spec.md §4.2 "HIL resumption").
func (e *Executor) ExecuteApproved(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, interactionID string, call Call) blackboard.ToolResult {
	if bb != nil {
		bb.ResolveInteraction(interactionID, map[string]any{"approved": true})
	}

	spec, ok := e.registry.Get(call.Name)
	if !ok {
		return e.fail(bb, call, "tool not found", time.Now())
	}
	return e.invoke(ctx, rc, spec, call, bb, time.Now())
}
