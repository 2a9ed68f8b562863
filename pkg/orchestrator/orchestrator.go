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

// Package orchestrator drives one request's Orchestrator/Agent loop
// (spec.md §4.5): planning, bounded-parallel step dispatch, replanning on
// failure, HIL suspend/resume, cancellation, and final synthesis. It is
// the one piece of this core that owns a Blackboard's only mutating
// reference (spec.md §9 "the blackboard has no back-reference to
// sub-agents; the orchestrator holds the only owning reference") and the
// one place that decides when to emit a frame on the outbound channel.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/agent"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/checkpoint"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/logger"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/session"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tracing"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/transport"
)

// DefaultSystemPrompt is used when no per-query instruction is supplied.
const DefaultSystemPrompt = "You are a helpful AI assistant operating as part of a multi-step planning and execution system."

// pendingCallKey/pendingStepKey are blackboard variable-key prefixes used
// to carry a parked tool call and its owning step id across a HIL
// suspension — the Blackboard itself is the only state that survives a
// channel close, so this is where resumption data must live.
const (
	pendingCallKeyPrefix = "_pending_call:"
	pendingStepKeyPrefix = "_pending_step:"
	replansUsedKey       = "_replans_used"
)

// BlackboardStore parks a Blackboard by session id across a channel
// suspension. transport.Manager satisfies this.
type BlackboardStore interface {
	StoreBlackboard(sessionID string, bb *blackboard.Blackboard)
}

// Orchestrator wires the sub-agent roster, session store, tracer, and
// metrics together to drive plans to completion (spec.md §4.5).
type Orchestrator struct {
	subAgents map[plan.SubAgentKind]agent.SubAgent
	executor  *agent.Executor // resolved separately: HIL resumption needs its concrete ExecuteApprovedAction

	sessions    session.Service
	store       BlackboardStore
	tracer      *tracing.Tracer
	metrics     *tracing.Metrics
	checkpoints *checkpoint.Hooks
	log         *slog.Logger

	maxParallelism int
	maxReplans     int
	systemPrompt   string
}

// SetCheckpointHooks wires checkpoint save points into the dispatch loop.
// A nil argument (or never calling this at all) leaves checkpointing off.
func (o *Orchestrator) SetCheckpointHooks(h *checkpoint.Hooks) { o.checkpoints = h }

// SetStore wires the BlackboardStore used to park suspended blackboards
// across HIL suspension. Exists as a post-construction setter because the
// natural implementation, transport.Manager, itself requires an
// already-built Orchestrator as its Handler — the two can't be constructed
// in either order without one.
func (o *Orchestrator) SetStore(store BlackboardStore) { o.store = store }

// Config tunes an Orchestrator (spec.md §4.5/§5).
type Config struct {
	MaxStepParallelism int
	MaxReplans         int
	SystemPrompt       string
}

// New builds an Orchestrator. subAgents must contain an entry for every
// plan.SubAgentKind a Planner may emit; executor is the same *agent.Executor
// instance registered under plan.SubAgentExecutor, kept separately typed so
// HIL resumption can call its ExecuteApprovedAction.
func New(subAgents map[plan.SubAgentKind]agent.SubAgent, executor *agent.Executor, sessions session.Service, store BlackboardStore, tracer *tracing.Tracer, metrics *tracing.Metrics, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxStepParallelism <= 0 {
		cfg.MaxStepParallelism = 4
	}
	if cfg.MaxReplans <= 0 {
		cfg.MaxReplans = 2
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		subAgents:      subAgents,
		executor:       executor,
		sessions:       sessions,
		store:          store,
		tracer:         tracer,
		metrics:        metrics,
		log:            log,
		maxParallelism: cfg.MaxStepParallelism,
		maxReplans:     cfg.MaxReplans,
		systemPrompt:   cfg.SystemPrompt,
	}
}

var _ transport.Handler = (*Orchestrator)(nil)

// HandleQuery implements transport.Handler: admits a new request, plans it,
// and drives it to completion or HIL suspension (spec.md §4.5 steps 1-2).
func (o *Orchestrator) HandleQuery(ctx context.Context, conn *transport.Conn, q transport.QueryFrame) error {
	user := reqctx.User{ID: q.UserID, Username: q.UserName}
	if u := conn.User(); u != nil {
		user = *u
	}
	rc := reqctx.RequestContext{
		User:      user,
		SessionID: q.SessionID,
		RequestID: q.QuestionAnswerUUID,
		Locale:    reqctx.Locale{Location: q.Locale.Location, Language: q.Locale.Language},
	}

	bb := blackboard.New(rc, q.Query)
	if o.sessions != nil {
		if _, err := o.sessions.GetOrCreate(ctx, q.SessionID, q.UserID, "agentcore", 0); err != nil {
			o.log.Warn("session store unavailable, continuing without persistence", "error", err)
		}
	}

	ctx, tc := o.startTrace(ctx, rc, q.SessionID)
	defer func() { o.tracer.EndTrace(tc, "", false) }()

	if err := conn.Send(transport.NewProgress(transport.ProgressThinking)); err != nil {
		return err
	}

	planner, ok := o.subAgents[plan.SubAgentPlanner].(*agent.Planner)
	if !ok {
		return o.terminalError(conn, transport.ErrInternal, "no planner configured")
	}

	o.checkpoints.BeforePlanning(ctx, rc, bb)

	newPlan, _, err := planner.CreatePlan(ctx, rc, q.Query, o.systemPrompt, bb, "")
	if err != nil {
		return o.terminalError(conn, transport.ErrUpstream, fmt.Sprintf("planning failed: %v", err))
	}
	bb.SetPlan(newPlan)
	if err := conn.Send(transport.NewProgress("Planning complete")); err != nil {
		return err
	}

	return o.dispatchLoop(ctx, conn, rc, bb, tc)
}

// HandleHumanInput implements transport.Handler: resolves a parked HIL
// interaction and resumes the dispatch loop (spec.md §4.5 "HIL
// suspension/resumption").
func (o *Orchestrator) HandleHumanInput(ctx context.Context, conn *transport.Conn, bb *blackboard.Blackboard, in transport.HumanInputFrame) error {
	rc := bb.Context()
	interactionID := in.Payload.InteractionID
	values := in.Payload.Values

	if !bb.ResolveInteraction(interactionID, values) {
		return o.terminalError(conn, transport.ErrNotFound, "no matching pending interaction")
	}

	p := bb.Plan()
	if p == nil {
		return o.terminalError(conn, transport.ErrInternal, "no plan associated with this session")
	}

	stepIDVal, _ := bb.Get(pendingStepKeyPrefix + interactionID)
	stepID, _ := stepIDVal.(string)
	step := p.StepByID(stepID)
	if step == nil {
		return o.terminalError(conn, transport.ErrInternal, "parked step no longer exists")
	}

	if !approved(values) {
		step.Status = plan.StepFailed
		step.Error = "user rejected"
	} else {
		callVal, _ := bb.Get(pendingCallKeyPrefix + interactionID)
		call, _ := callVal.(tool.Call)
		result := o.executor.ExecuteApprovedAction(ctx, rc, bb, interactionID, call)
		now := time.Now()
		step.CompletedAt = &now
		if result.Success {
			step.Status = plan.StepCompleted
			step.Result = result.Output
			bb.Set("step."+step.ID, result.Output, string(step.SubAgent))
		} else {
			step.Status = plan.StepFailed
			step.Error = result.Error
		}
	}

	ctx, tc := o.startTrace(ctx, rc, rc.SessionID)
	defer func() { o.tracer.EndTrace(tc, "", false) }()

	return o.dispatchLoop(ctx, conn, rc, bb, tc)
}

// approved inspects a human_input payload's values for an explicit
// approval signal. The default HIL confirm form (NewConfirm) uses the
// field key "confirm"; callers may also send "approved" directly.
func approved(values map[string]any) bool {
	for _, key := range []string{"approved", "confirm"} {
		v, ok := values[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "approve", "approved", "yes", "true", "confirm", "confirmed":
				return true
			}
			return false
		}
	}
	return false
}

func (o *Orchestrator) startTrace(ctx context.Context, rc reqctx.RequestContext, sessionID string) (context.Context, *tracing.TraceContext) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.StartTrace(ctx, rc, "handle_message", "", map[string]any{"session_id": sessionID})
}

// dispatchLoop runs plan waves until the plan is all-terminal, it parks for
// HIL, or the request is cancelled (spec.md §4.5 steps 3-6).
func (o *Orchestrator) dispatchLoop(ctx context.Context, conn *transport.Conn, rc reqctx.RequestContext, bb *blackboard.Blackboard, tc *tracing.TraceContext) error {
	replansUsed, _ := bb.GetOr(replansUsedKey, 0).(int)
	wave := 0

	for {
		if ctx.Err() != nil {
			o.checkpoints.OnCancelled(ctx, rc.SessionID, rc.RequestID)
			return o.cancelled(conn, bb)
		}

		p := bb.Plan()
		if p.AllTerminal() {
			break
		}

		runnable := p.RunnableSteps()
		if len(runnable) == 0 {
			// A validated DAG only reaches this with all-terminal already
			// true, but guard against a malformed replan deadlocking.
			break
		}

		if err := conn.Send(transport.NewProgress(transport.ProgressProcessing)); err != nil {
			return err
		}

		parkedInteraction, err := o.dispatchWave(ctx, rc, bb, runnable, tc)
		if err != nil {
			return err
		}
		wave++
		if parkedInteraction != "" {
			o.checkpoints.OnHILRequired(ctx, rc, bb, parkedInteraction, replansUsed)
			return o.suspendForHIL(conn, bb, rc.SessionID)
		}
		o.checkpoints.AfterDispatchWave(ctx, rc, bb, wave, replansUsed)

		if ctx.Err() != nil {
			o.checkpoints.OnCancelled(ctx, rc.SessionID, rc.RequestID)
			return o.cancelled(conn, bb)
		}

		if failed := p.FailedSteps(); len(failed) > 0 && replansUsed < o.maxReplans {
			reason := replanReason(failed)
			planner, ok := o.subAgents[plan.SubAgentPlanner].(*agent.Planner)
			if ok {
				revised, _, err := planner.Replan(ctx, rc, p, reason, o.systemPrompt, bb)
				if err == nil {
					bb.SetPlan(revised)
					replansUsed++
					bb.Set(replansUsedKey, replansUsed, "orchestrator")
					if o.metrics != nil {
						o.metrics.IncReplan()
					}
					o.checkpoints.OnReplan(ctx, rc, bb, replansUsed)
					continue
				}
				o.log.Warn("replan failed, continuing with current plan", "error", err)
			}
		}
	}

	return o.synthesize(ctx, conn, rc, bb)
}

// dispatchWave runs every runnable step concurrently (bounded by
// maxParallelism) and returns the interaction id of a step parked for HIL
// approval, if any (spec.md §4.5 step 3, §5 concurrency model).
func (o *Orchestrator) dispatchWave(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, runnable []*plan.Step, tc *tracing.TraceContext) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallelism)

	var parked stringBox

	for _, step := range runnable {
		step := step
		now := time.Now()
		step.Status = plan.StepRunning
		step.StartedAt = &now

		g.Go(func() error {
			o.runStep(gctx, rc, bb, step, tc, &parked)
			return nil
		})
	}

	_ = g.Wait()
	return parked.get(), nil
}

// stringBox is a tiny concurrency-safe first-write-wins string holder used
// to surface a parked interaction id out of a dispatchWave's goroutines.
type stringBox struct {
	mu    sync.Mutex
	value string
}

func (b *stringBox) set(v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.value == "" {
		b.value = v
	}
}

func (b *stringBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// runStep executes one step's sub-agent and folds the result back onto the
// step and blackboard (spec.md §4.5 step 3).
func (o *Orchestrator) runStep(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, tc *tracing.TraceContext, parked *stringBox) {
	start := time.Now()
	sub, ok := o.subAgents[step.SubAgent]
	if !ok {
		o.finishStep(step, agent.Failure(fmt.Sprintf("no sub-agent registered for %q", step.SubAgent)), start)
		return
	}

	var result agent.Result
	if o.tracer != nil {
		_ = o.tracer.WithSpan(ctx, tc, "agent:"+string(step.SubAgent), step.Instruction, func(ctx context.Context, span *tracing.Span) error {
			result = sub.Execute(ctx, rc, bb, step, o.systemPrompt)
			if !result.Success {
				span.SetError(fmt.Errorf("%s", result.Error))
			}
			return nil
		})
	} else {
		result = sub.Execute(ctx, rc, bb, step, o.systemPrompt)
	}

	if interactionID, call, ok := hilParked(result); ok {
		bb.Set(pendingStepKeyPrefix+interactionID, step.ID, "orchestrator")
		bb.Set(pendingCallKeyPrefix+interactionID, call, "orchestrator")
		parked.set(interactionID)
		if o.metrics != nil {
			o.metrics.IncHILPause()
		}
		return // leave step.Status == running; it resumes via HandleHumanInput
	}

	o.finishStep(step, result, start)
}

func (o *Orchestrator) finishStep(step *plan.Step, result agent.Result, start time.Time) {
	now := time.Now()
	step.CompletedAt = &now
	if result.Success {
		step.Status = plan.StepCompleted
		step.Result = result.Output
	} else {
		step.Status = plan.StepFailed
		step.Error = result.Error
	}
	if o.metrics != nil {
		status := "completed"
		if !result.Success {
			status = "failed"
		}
		o.metrics.IncStep(string(step.SubAgent), status)
		o.metrics.ObserveStepDuration(string(step.SubAgent), time.Since(start))
	}
}

// hilParked detects the Executor sub-agent's awaiting_approval sentinel
// (spec.md §4.2 step 3) and reconstructs the tool.Call that must be
// re-issued on resumption.
func hilParked(result agent.Result) (interactionID string, call tool.Call, ok bool) {
	resMap, isMap := result.Output.(map[string]any)
	if !isMap {
		return "", tool.Call{}, false
	}
	status, _ := resMap["status"].(string)
	if status != tool.StatusAwaitingApproval {
		return "", tool.Call{}, false
	}
	interactionID, _ = resMap["interaction_id"].(string)
	toolName, _ := resMap["tool_name"].(string)
	callID, _ := resMap["call_id"].(string)
	args, _ := resMap["args"].(map[string]any)
	return interactionID, tool.Call{ID: callID, Name: toolName, Args: args}, true
}

func replanReason(failed []*plan.Step) string {
	var sb strings.Builder
	for i, s := range failed {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %s", s.ID, s.Error)
	}
	return sb.String()
}

// suspendForHIL persists the blackboard and surfaces every unresolved
// pending interaction as a ui_interaction frame (spec.md §4.5 "HIL
// suspension/resumption" (a) and (b)).
func (o *Orchestrator) suspendForHIL(conn *transport.Conn, bb *blackboard.Blackboard, sessionID string) error {
	for _, pi := range bb.PendingInteractions() {
		if pi.Response != nil {
			continue
		}
		frame := transport.NewConfirm(pi.ID, pi.Prompt)
		if err := conn.Send(frame); err != nil {
			return err
		}
	}
	if o.store != nil {
		o.store.StoreBlackboard(sessionID, bb)
	}
	o.persistSession(sessionID, bb)
	return nil
}

// persistSession saves the blackboard's variables into the session store
// as the durable resumption record (spec.md §4.6, §4.5 "(b) persists the
// blackboard into the session store").
func (o *Orchestrator) persistSession(sessionID string, bb *blackboard.Blackboard) {
	if o.sessions == nil {
		return
	}
	ctx := context.Background()
	sess, ok := o.sessions.Get(ctx, sessionID)
	if !ok {
		return
	}
	sess.BlackboardData = bb.AllVariables()
	_ = o.sessions.Save(ctx, sess)
}

// cancelled emits the terminal CANCELLED frame and persists nothing
// (spec.md §8 scenario 6: "persists no partial result").
func (o *Orchestrator) cancelled(conn *transport.Conn, bb *blackboard.Blackboard) error {
	if p := bb.Plan(); p != nil {
		for _, s := range p.Steps {
			if s.Status == plan.StepRunning || s.Status == plan.StepPending {
				s.Status = plan.StepSkipped
			}
		}
	}
	return conn.Send(transport.NewError(transport.ErrCancelled, "request cancelled"))
}

// terminalError emits a single error frame (spec.md §7: "a failed request
// always ends with exactly one terminal frame").
func (o *Orchestrator) terminalError(conn *transport.Conn, code, message string) error {
	return conn.Send(transport.NewError(code, message))
}

// synthesize invokes the Synthesizer once every step is terminal, then
// streams the result as markdown followed by a suggestions frame (spec.md
// §4.5 steps 5-6). It runs even when every step failed, so the Synthesizer
// can explain the limitation directly to the user rather than the
// orchestrator emitting a bare error (spec.md §8 scenario 4).
func (o *Orchestrator) synthesize(ctx context.Context, conn *transport.Conn, rc reqctx.RequestContext, bb *blackboard.Blackboard) error {
	if ctx.Err() != nil {
		return o.cancelled(conn, bb)
	}

	synth, ok := o.subAgents[plan.SubAgentSynthesizer].(*agent.Synthesizer)
	if !ok {
		return o.terminalError(conn, transport.ErrInternal, "no synthesizer configured")
	}

	p := bb.Plan()
	step := p.StepByID("synthesis")
	if step == nil {
		for _, s := range p.Steps {
			if s.SubAgent == plan.SubAgentSynthesizer {
				step = s
				break
			}
		}
	}
	if step == nil {
		step = &plan.Step{
			ID:          "synthesis",
			SubAgent:    plan.SubAgentSynthesizer,
			Instruction: "Produce the final response for the user based on everything gathered so far.",
		}
	}

	replansUsed, _ := bb.GetOr(replansUsedKey, 0).(int)
	o.checkpoints.OnSynthesizing(ctx, rc, bb, replansUsed)

	result := synth.Execute(ctx, rc, bb, step, o.systemPrompt)
	if err := conn.Send(transport.NewProgress(transport.ProgressSynthesisComplete)); err != nil {
		return err
	}
	if !result.Success {
		o.checkpoints.OnError(ctx, rc, bb, fmt.Errorf("synthesis failed: %s", result.Error))
		return o.terminalError(conn, transport.ErrUpstream, fmt.Sprintf("synthesis failed: %s", result.Error))
	}

	content, _ := result.Output.(string)
	if err := conn.Send(transport.NewMarkdown(content)); err != nil {
		return err
	}
	o.checkpoints.OnComplete(ctx, rc.SessionID, rc.RequestID)

	suggestions, err := synth.GenerateSuggestions(ctx, bb.Query(), content, 3)
	if err != nil {
		o.log.Warn("suggestion generation failed, omitting suggestions frame", "error", err)
		return nil
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	if len(suggestions) == 0 {
		return nil
	}
	return conn.Send(transport.NewSuggestions(suggestions))
}
