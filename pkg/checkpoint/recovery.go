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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ResumeCallback resumes an Orchestrator's dispatch loop from a recovered
// State. The orchestrator package supplies this; checkpoint never imports
// orchestrator (it would cycle back), so the callback is typed loosely
// around State instead of a concrete Orchestrator method value.
type ResumeCallback func(ctx context.Context, state *State) error

// RecoveryManager finds sessions with a recoverable checkpoint and either
// auto-resumes them or leaves them for an explicit reconnect, depending on
// Config (spec.md §4.6 "a crashed orchestrator process can recover
// in-flight sessions from their last checkpoint").
type RecoveryManager struct {
	config  *Config
	storage *Storage

	mu             sync.RWMutex
	resumeCallback ResumeCallback
}

// NewRecoveryManager builds a RecoveryManager.
func NewRecoveryManager(cfg *Config, storage *Storage) *RecoveryManager {
	return &RecoveryManager{config: cfg, storage: storage}
}

// SetResumeCallback installs the callback used to resume a recovered session.
func (m *RecoveryManager) SetResumeCallback(cb ResumeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCallback = cb
}

// RecoverPendingTasks scans for sessions with a recoverable checkpoint and
// resumes each via the configured callback. Intended to run once at
// process startup.
func (m *RecoveryManager) RecoverPendingTasks(ctx context.Context, userID, agentType string) error {
	if !m.config.ShouldAutoResume() {
		slog.Debug("checkpoint recovery disabled")
		return nil
	}

	states, err := m.storage.ListPending(ctx, userID, agentType, 0)
	if err != nil {
		return fmt.Errorf("checkpoint: list pending checkpoints: %w", err)
	}
	if len(states) == 0 {
		slog.Debug("no pending checkpoints to recover")
		return nil
	}

	slog.Info("recovering pending checkpoints", "count", len(states))
	recovered, failed := 0, 0
	for _, state := range states {
		if err := m.recoverOne(ctx, state); err != nil {
			slog.Error("failed to recover checkpoint", "session_id", state.SessionID, "error", err)
			failed++
			continue
		}
		recovered++
	}
	slog.Info("checkpoint recovery complete", "recovered", recovered, "failed", failed)
	return nil
}

func (m *RecoveryManager) recoverOne(ctx context.Context, state *State) error {
	if !state.IsRecoverable() {
		return fmt.Errorf("checkpoint not recoverable (phase=%s)", state.Phase)
	}

	timeout := m.config.GetRecoveryTimeout()
	if state.IsExpired(timeout) {
		slog.Warn("checkpoint expired", "session_id", state.SessionID, "checkpoint_time", state.CheckpointTime)
		if err := m.storage.Clear(ctx, state.SessionID, state.RequestID, PhaseFailed); err != nil {
			slog.Warn("failed to clear expired checkpoint", "error", err)
		}
		return fmt.Errorf("checkpoint expired")
	}

	if state.NeedsUserInput() && !m.config.ShouldAutoResumeHITL() {
		slog.Info("checkpoint awaiting human input, not auto-resuming", "session_id", state.SessionID)
		return nil
	}

	m.mu.RLock()
	callback := m.resumeCallback
	m.mu.RUnlock()
	if callback == nil {
		slog.Warn("no resume callback configured, leaving checkpoint for next reconnect", "session_id", state.SessionID)
		return nil
	}

	slog.Info("resuming session from checkpoint", "session_id", state.SessionID, "phase", state.Phase)
	go func() {
		if err := callback(ctx, state); err != nil {
			slog.Error("resume from checkpoint failed", "session_id", state.SessionID, "error", err)
		}
	}()
	return nil
}

// ResumeTask manually resumes a single session's checkpoint, e.g. in
// response to an explicit reconnect rather than startup recovery.
func (m *RecoveryManager) ResumeTask(ctx context.Context, sessionID string) error {
	state, err := m.storage.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: load checkpoint: %w", err)
	}
	if !state.IsRecoverable() {
		return fmt.Errorf("checkpoint: not recoverable")
	}
	if state.IsExpired(m.config.GetRecoveryTimeout()) {
		_ = m.storage.Clear(ctx, sessionID, state.RequestID, PhaseFailed)
		return fmt.Errorf("checkpoint: expired")
	}

	m.mu.RLock()
	callback := m.resumeCallback
	m.mu.RUnlock()
	if callback == nil {
		return fmt.Errorf("checkpoint: no resume callback configured")
	}
	return callback(ctx, state)
}

// GetPendingCheckpoints returns recoverable checkpoints for the given
// user/agent type.
func (m *RecoveryManager) GetPendingCheckpoints(ctx context.Context, userID, agentType string) ([]*State, error) {
	return m.storage.ListPending(ctx, userID, agentType, 0)
}

// Stats summarizes pending checkpoints for operational visibility.
type Stats struct {
	Total       int
	Dispatching int
	AwaitingHIL int
	Expired     int
	OldestAge   time.Duration
	AverageAge  time.Duration
}

// GetStats computes Stats over every recoverable checkpoint.
func (m *RecoveryManager) GetStats(ctx context.Context, userID, agentType string) (*Stats, error) {
	states, err := m.storage.ListPending(ctx, userID, agentType, 0)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(states)}
	if len(states) == 0 {
		return stats, nil
	}

	var totalAge time.Duration
	timeout := m.config.GetRecoveryTimeout()
	for _, state := range states {
		age := time.Since(state.CheckpointTime)
		totalAge += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		switch {
		case state.IsExpired(timeout):
			stats.Expired++
		case state.NeedsUserInput():
			stats.AwaitingHIL++
		default:
			stats.Dispatching++
		}
	}
	stats.AverageAge = totalAge / time.Duration(len(states))
	return stats, nil
}
