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

package checkpoint

import (
	"context"
	"log/slog"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/session"
)

// Manager is the Orchestrator's entry point into checkpointing: saving,
// loading, clearing, and recovering session state.
type Manager struct {
	config   *Config
	storage  *Storage
	recovery *RecoveryManager
}

// NewManager builds a Manager. A nil cfg disables checkpointing.
func NewManager(cfg *Config, sessions session.Service) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()

	storage := NewStorage(sessions)
	return &Manager{
		config:   cfg,
		storage:  storage,
		recovery: NewRecoveryManager(cfg, storage),
	}
}

// IsEnabled reports whether checkpointing is on.
func (m *Manager) IsEnabled() bool { return m.config.IsEnabled() }

// Config returns the checkpoint configuration.
func (m *Manager) Config() *Config { return m.config }

// SetResumeCallback installs the callback RecoverOnStartup and ResumeSession
// use to re-enter the Orchestrator's dispatch loop.
func (m *Manager) SetResumeCallback(cb ResumeCallback) { m.recovery.SetResumeCallback(cb) }

// SaveCheckpoint persists state, a no-op when checkpointing is disabled.
func (m *Manager) SaveCheckpoint(ctx context.Context, state *State) error {
	if !m.IsEnabled() {
		return nil
	}
	return m.storage.Save(ctx, state)
}

// LoadCheckpoint retrieves a session's most recent checkpoint.
func (m *Manager) LoadCheckpoint(ctx context.Context, sessionID string) (*State, error) {
	return m.storage.Load(ctx, sessionID)
}

// ClearCheckpoint appends a terminal marker to a session's checkpoint chain.
func (m *Manager) ClearCheckpoint(ctx context.Context, sessionID, requestID string, phase Phase) error {
	if !m.IsEnabled() {
		return nil
	}
	return m.storage.Clear(ctx, sessionID, requestID, phase)
}

// RecoverOnStartup resumes every recoverable checkpoint for the given
// user/agent type filter (empty strings match all).
func (m *Manager) RecoverOnStartup(ctx context.Context, userID, agentType string) error {
	return m.recovery.RecoverPendingTasks(ctx, userID, agentType)
}

// ResumeSession manually resumes a single session's checkpoint.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) error {
	return m.recovery.ResumeTask(ctx, sessionID)
}

// GetPendingCheckpoints lists recoverable checkpoints.
func (m *Manager) GetPendingCheckpoints(ctx context.Context, userID, agentType string) ([]*State, error) {
	return m.recovery.GetPendingCheckpoints(ctx, userID, agentType)
}

// GetStats summarizes pending checkpoints.
func (m *Manager) GetStats(ctx context.Context, userID, agentType string) (*Stats, error) {
	return m.recovery.GetStats(ctx, userID, agentType)
}

func (m *Manager) ShouldCheckpointAfterSteps() bool      { return m.config.ShouldCheckpointAfterSteps() }
func (m *Manager) ShouldCheckpointBeforePlanning() bool  { return m.config.ShouldCheckpointBeforePlanning() }
func (m *Manager) ShouldCheckpointAtWave(wave int) bool  { return m.config.ShouldCheckpointAtWave(wave) }

// Hooks wraps a Manager with nil-receiver-safe, phase-triggered checkpoint
// points for the Orchestrator to call into without every call site needing
// its own IsEnabled/error-handling boilerplate (spec.md §4.5). A nil *Hooks
// behaves as checkpointing-disabled, so wiring it is optional at every
// call site: `orc.SetCheckpointHooks(nil)` is equivalent to never calling
// SetCheckpointHooks at all.
type Hooks struct {
	manager *Manager
}

// NewHooks wraps manager. Returns nil if manager is nil, so callers can
// write `orc.SetCheckpointHooks(checkpoint.NewHooks(mgr))` regardless of
// whether mgr itself is configured.
func NewHooks(manager *Manager) *Hooks {
	if manager == nil {
		return nil
	}
	return &Hooks{manager: manager}
}

func stateFrom(rc reqctx.RequestContext, bb *blackboard.Blackboard, replansUsed int) *State {
	return NewState(rc, bb.Query()).
		WithPlan(bb.Plan()).
		WithVariables(bb.AllVariables()).
		WithReplansUsed(replansUsed)
}

// BeforePlanning checkpoints before the Planner runs.
func (h *Hooks) BeforePlanning(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard) {
	if h == nil || !h.manager.ShouldCheckpointBeforePlanning() {
		return
	}
	state := stateFrom(rc, bb, 0).WithPhase(PhasePlanning)
	h.save(ctx, state, "before-planning")
}

// AfterDispatchWave checkpoints after a dispatch wave completes, either
// because AfterSteps is configured or because wave lands on the configured
// interval.
func (h *Hooks) AfterDispatchWave(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, wave, replansUsed int) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if !h.manager.ShouldCheckpointAfterSteps() && !h.manager.config.ShouldCheckpointAtWave(wave) {
		return
	}
	typ := TypeEvent
	if !h.manager.ShouldCheckpointAfterSteps() {
		typ = TypeInterval
	}
	state := stateFrom(rc, bb, replansUsed).WithPhase(PhaseDispatching).WithType(typ)
	h.save(ctx, state, "after-dispatch-wave")
}

// OnHILRequired always checkpoints: a HIL suspension may outlive the
// process, so this one is unconditional on IsEnabled's finer sub-toggles.
func (h *Hooks) OnHILRequired(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, interactionID string, replansUsed int) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	state := stateFrom(rc, bb, replansUsed).WithPhase(PhaseAwaitingHIL).WithPendingInteraction(interactionID)
	h.save(ctx, state, "hil-required")
}

// OnReplan checkpoints a revised plan after a successful replan.
func (h *Hooks) OnReplan(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, replansUsed int) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	state := stateFrom(rc, bb, replansUsed).WithPhase(PhaseDispatching)
	h.save(ctx, state, "replan")
}

// OnSynthesizing checkpoints just before the Synthesizer runs.
func (h *Hooks) OnSynthesizing(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, replansUsed int) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	state := stateFrom(rc, bb, replansUsed).WithPhase(PhaseSynthesizing)
	h.save(ctx, state, "synthesizing")
}

// OnError checkpoints a terminal failure.
func (h *Hooks) OnError(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, err error) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	state := stateFrom(rc, bb, 0).WithError(err)
	h.save(ctx, state, "error")
}

// OnComplete clears a session's checkpoint chain once a request reaches a
// terminal, non-suspended outcome.
func (h *Hooks) OnComplete(ctx context.Context, sessionID, requestID string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.ClearCheckpoint(ctx, sessionID, requestID, PhaseComplete); err != nil {
		slog.Warn("failed to clear checkpoint on completion", "session_id", sessionID, "error", err)
	}
}

// OnCancelled clears a session's checkpoint chain after cancellation.
func (h *Hooks) OnCancelled(ctx context.Context, sessionID, requestID string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.ClearCheckpoint(ctx, sessionID, requestID, PhaseCancelled); err != nil {
		slog.Warn("failed to clear checkpoint on cancellation", "session_id", sessionID, "error", err)
	}
}

func (h *Hooks) save(ctx context.Context, state *State, point string) {
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save checkpoint", "point", point, "session_id", state.SessionID, "error", err)
	}
}
