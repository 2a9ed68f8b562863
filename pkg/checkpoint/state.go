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

// Package checkpoint captures and recovers Orchestrator execution state
// across process restarts and human-in-the-loop suspensions (spec.md §4.5,
// §4.6). A checkpoint is a point-in-time snapshot of one session's
// blackboard and plan, layered on top of the Session Store's parent-linked
// checkpoint chain (pkg/session's CreateCheckpoint/GetLatestCheckpoint):
// this package decides *when* to snapshot and *what* a snapshot means,
// pkg/session decides how it is durably stored.
//
// Unlike a per-LLM-iteration checkpoint of a single agent's reasoning loop,
// a checkpoint here always captures the orchestrator-level view: the full
// plan DAG and every blackboard variable, since any step in the DAG might
// be the one a human resumes into.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// Phase records which stage of the Orchestrator/Agent loop (spec.md §4.5)
// a checkpoint was taken in.
type Phase string

const (
	PhaseAdmitted     Phase = "admitted"
	PhasePlanning     Phase = "planning"
	PhaseDispatching  Phase = "dispatching"
	PhaseAwaitingHIL  Phase = "awaiting_hil"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// terminal phases can never be resumed from; Clear writes one of these
// rather than deleting, since the underlying store is an append-only chain.
func (p Phase) terminal() bool {
	switch p {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// Type records why a checkpoint was created.
type Type string

const (
	TypeEvent    Type = "event"    // HIL suspension, replan, or terminal outcome
	TypeInterval Type = "interval" // periodic, every N dispatch waves
	TypeManual   Type = "manual"
)

// StepSnapshot is the resumable subset of a plan.Step.
type StepSnapshot struct {
	ID          string         `json:"id"`
	SubAgent    plan.SubAgentKind `json:"sub_agent"`
	Instruction string         `json:"instruction"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      plan.StepStatus `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// PlanSnapshot is the resumable subset of a plan.Plan.
type PlanSnapshot struct {
	Goal  string         `json:"goal"`
	Steps []StepSnapshot `json:"steps"`
}

// snapshotPlan converts a live plan.Plan into its resumable form.
func snapshotPlan(p *plan.Plan) *PlanSnapshot {
	if p == nil {
		return nil
	}
	steps := make([]StepSnapshot, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StepSnapshot{
			ID:          s.ID,
			SubAgent:    s.SubAgent,
			Instruction: s.Instruction,
			DependsOn:   s.DependsOn,
			Status:      s.Status,
			Result:      s.Result,
			Error:       s.Error,
		}
	}
	return &PlanSnapshot{Goal: p.Goal, Steps: steps}
}

// Restore rebuilds a plan.Plan from the snapshot, re-associating the
// original query (plans don't serialize their query separately from the
// State that owns them).
func (ps *PlanSnapshot) Restore(query string) *plan.Plan {
	if ps == nil {
		return nil
	}
	steps := make([]*plan.Step, len(ps.Steps))
	for i, s := range ps.Steps {
		steps[i] = &plan.Step{
			ID:          s.ID,
			Order:       i,
			SubAgent:    s.SubAgent,
			Instruction: s.Instruction,
			DependsOn:   s.DependsOn,
			Status:      s.Status,
			Result:      s.Result,
			Error:       s.Error,
		}
	}
	return &plan.Plan{Query: query, Goal: ps.Goal, Steps: steps}
}

// State is the full snapshot needed to resume one session's in-flight
// request.
type State struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`

	Query string `json:"query"`

	Plan      *PlanSnapshot  `json:"plan,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`

	// PendingInteractionID is set when the checkpoint was taken while
	// parked for human input (Phase == PhaseAwaitingHIL).
	PendingInteractionID string `json:"pending_interaction_id,omitempty"`
	ReplansUsed           int    `json:"replans_used"`

	Phase          Phase     `json:"phase"`
	CheckpointType Type      `json:"checkpoint_type"`
	CheckpointTime time.Time `json:"checkpoint_time"`

	Error string `json:"error,omitempty"`
}

// NewState creates a State with its required identifiers set, ready for
// the With* builders.
func NewState(rc reqctx.RequestContext, query string) *State {
	return &State{
		SessionID:      rc.SessionID,
		RequestID:      rc.RequestID,
		UserID:         rc.User.ID,
		Query:          query,
		Phase:          PhaseAdmitted,
		CheckpointType: TypeEvent,
		CheckpointTime: time.Now(),
	}
}

// WithPhase sets the checkpoint phase and refreshes its timestamp.
func (s *State) WithPhase(phase Phase) *State {
	s.Phase = phase
	s.CheckpointTime = time.Now()
	return s
}

// WithType sets the checkpoint type.
func (s *State) WithType(t Type) *State {
	s.CheckpointType = t
	return s
}

// WithPlan captures the current plan.
func (s *State) WithPlan(p *plan.Plan) *State {
	s.Plan = snapshotPlan(p)
	return s
}

// WithVariables captures the blackboard's current variable snapshot.
func (s *State) WithVariables(vars map[string]any) *State {
	s.Variables = vars
	return s
}

// WithPendingInteraction records the interaction a HIL suspension is
// waiting on.
func (s *State) WithPendingInteraction(interactionID string) *State {
	s.PendingInteractionID = interactionID
	return s
}

// WithReplansUsed records the replan budget consumed so far.
func (s *State) WithReplansUsed(n int) *State {
	s.ReplansUsed = n
	return s
}

// WithError marks the checkpoint as an error snapshot.
func (s *State) WithError(err error) *State {
	if err != nil {
		s.Error = err.Error()
		s.Phase = PhaseFailed
	}
	return s
}

// Serialize converts the State to JSON.
func (s *State) Serialize() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("checkpoint: cannot serialize nil state")
	}
	return json.Marshal(s)
}

// Deserialize reconstructs a State from JSON.
func Deserialize(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("checkpoint: cannot deserialize empty data")
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal state: %w", err)
	}
	return &s, nil
}

// IsExpired reports whether the checkpoint is older than timeout.
func (s *State) IsExpired(timeout time.Duration) bool {
	if s.CheckpointTime.IsZero() || timeout <= 0 {
		return false
	}
	return time.Since(s.CheckpointTime) > timeout
}

// IsRecoverable reports whether the checkpoint can still be resumed from.
func (s *State) IsRecoverable() bool {
	return s != nil && !s.Phase.terminal()
}

// NeedsUserInput reports whether the checkpoint is parked awaiting a human
// response.
func (s *State) NeedsUserInput() bool {
	return s.Phase == PhaseAwaitingHIL && s.PendingInteractionID != ""
}
