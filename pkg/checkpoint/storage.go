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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/session"
)

// Storage persists checkpoint State onto a session.Service's built-in
// parent-linked checkpoint chain (spec.md §4.6). Each session runs at most
// one active plan at a time, so a session's checkpoint "thread" is keyed by
// its own session id — there is no separate per-task thread identifier to
// track, unlike a system that lets one session host several concurrent
// agent trees.
type Storage struct {
	sessions session.Service
}

// NewStorage builds a Storage backed by sessions.
func NewStorage(sessions session.Service) *Storage {
	return &Storage{sessions: sessions}
}

func thread(sessionID string) string { return sessionID }

// Save appends state onto its session's checkpoint chain, parented to the
// chain's current tip if one exists.
func (s *Storage) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("checkpoint: cannot save nil state")
	}
	if state.SessionID == "" {
		return fmt.Errorf("checkpoint: session_id is required")
	}

	stateJSON, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("checkpoint: serialize state: %w", err)
	}
	var stateMap map[string]any
	if err := json.Unmarshal(stateJSON, &stateMap); err != nil {
		return fmt.Errorf("checkpoint: unmarshal state to map: %w", err)
	}

	var parent *string
	if tip, ok := s.sessions.GetLatestCheckpoint(ctx, state.SessionID, thread(state.SessionID)); ok {
		id := tip.CheckpointID
		parent = &id
	}

	metadata := map[string]any{"phase": string(state.Phase), "checkpoint_type": string(state.CheckpointType)}
	if _, err := s.sessions.CreateCheckpoint(ctx, state.SessionID, thread(state.SessionID), stateMap, metadata, parent); err != nil {
		return fmt.Errorf("checkpoint: create checkpoint: %w", err)
	}

	slog.Debug("saved checkpoint", "session_id", state.SessionID, "request_id", state.RequestID, "phase", state.Phase)
	return nil
}

// Load retrieves the most recent checkpoint for a session, if any.
func (s *Storage) Load(ctx context.Context, sessionID string) (*State, error) {
	cp, ok := s.sessions.GetLatestCheckpoint(ctx, sessionID, thread(sessionID))
	if !ok {
		return nil, session.ErrNotFound
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal stored state: %w", err)
	}
	state, err := Deserialize(stateJSON)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: deserialize stored state: %w", err)
	}
	return state, nil
}

// Clear marks a session's checkpoint chain as finished by appending a
// terminal marker. The chain itself is append-only — there is nothing to
// delete — so "clearing" means the next Load sees a non-recoverable state.
func (s *Storage) Clear(ctx context.Context, sessionID, requestID string, phase Phase) error {
	state := &State{
		SessionID:      sessionID,
		RequestID:      requestID,
		Phase:          phase,
		CheckpointType: TypeEvent,
	}
	return s.Save(ctx, state)
}

// ListPending returns every session's latest checkpoint, filtered to those
// still recoverable, across the given user/agent type (empty strings match
// all).
func (s *Storage) ListPending(ctx context.Context, userID, agentType string, limit int) ([]*State, error) {
	sessions := s.sessions.ListSessions(ctx, userID, agentType, limit)

	var out []*State
	for _, sess := range sessions {
		state, err := s.Load(ctx, sess.ID)
		if err != nil {
			continue
		}
		if !state.IsRecoverable() {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}
