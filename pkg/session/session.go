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

// Package session implements the durable, KV-shaped Session Store (spec.md
// §4.6): sessions, their message history, and checkpoints, with TTL-based
// expiry. A single in-memory implementation (Service) backs both the dev
// harness and tests; a durable backend can satisfy the same interface
// without the rest of the core noticing.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
)

// ErrNotFound is returned when a session or checkpoint lookup misses.
var ErrNotFound = errors.New("session: not found")

// ErrMessageLimitReached is returned by AddMessage once a session holds
// max_messages_per_session messages (spec.md §4.6).
var ErrMessageLimitReached = errors.New("session: message limit reached")

// StoredMessage is a Message plus the session-scoped id AddMessage assigns.
type StoredMessage struct {
	ID      string
	Message message.Message
}

// Session is the durable per-conversation record (spec.md §3).
type Session struct {
	ID             string
	UserID         string
	AgentType      string
	State          map[string]any
	BlackboardData map[string]any
	Messages       []StoredMessage
	Created        time.Time
	Updated        time.Time
	ExpiresAt      *time.Time
}

// expired reports whether the session's TTL has elapsed as of now.
func (s *Session) expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Checkpoint is a point-in-time snapshot of execution state within a
// session's thread, forming a parent-linked chain (spec.md §3).
type Checkpoint struct {
	ID                 string
	SessionID          string
	ThreadID           string
	CheckpointID        string
	ParentCheckpointID *string
	State              map[string]any
	Metadata           map[string]any
	Created            time.Time
}

// Service is the KV-shaped session/message/checkpoint store (spec.md §4.6).
type Service interface {
	Get(ctx context.Context, sessionID string) (*Session, bool)
	GetOrCreate(ctx context.Context, sessionID, userID, agentType string, ttlHours int) (*Session, error)
	Save(ctx context.Context, s *Session) error
	AddMessage(ctx context.Context, sessionID string, msg message.Message) (string, error)
	GetMessages(ctx context.Context, sessionID string, limit int, since *time.Time) ([]StoredMessage, error)
	Delete(ctx context.Context, sessionID string) bool
	CleanupExpired(ctx context.Context) int
	CreateCheckpoint(ctx context.Context, sessionID, threadID string, state, metadata map[string]any, parent *string) (*Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, sessionID, threadID string) (*Checkpoint, bool)
	ListSessions(ctx context.Context, userID, agentType string, limit int) []*Session
}

// InMemoryService is a mock in-process Service with identical semantics to
// a durable backend (spec.md §4.6 "a mock in-process implementation with
// identical semantics is used in tests").
type InMemoryService struct {
	mu                    sync.Mutex
	sessions              map[string]*Session
	checkpoints           map[string][]*Checkpoint // keyed by sessionID+"/"+threadID, append order
	maxMessagesPerSession int
}

// NewInMemoryService builds an InMemoryService. maxMessagesPerSession <= 0
// disables the message-count limit.
func NewInMemoryService(maxMessagesPerSession int) *InMemoryService {
	return &InMemoryService{
		sessions:              make(map[string]*Session),
		checkpoints:           make(map[string][]*Checkpoint),
		maxMessagesPerSession: maxMessagesPerSession,
	}
}

// Get retrieves a session by id, nil if absent or expired.
func (s *InMemoryService) Get(ctx context.Context, sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.expired(time.Now()) {
		return nil, false
	}
	return sess, true
}

// GetOrCreate fetches an existing session or creates a new one with the
// given TTL (spec.md §4.6).
func (s *InMemoryService) GetOrCreate(ctx context.Context, sessionID, userID, agentType string, ttlHours int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if sess, ok := s.sessions[sessionID]; ok && !sess.expired(time.Now()) {
			return sess, nil
		}
	}

	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	var expiresAt *time.Time
	if ttlHours > 0 {
		t := now.Add(time.Duration(ttlHours) * time.Hour)
		expiresAt = &t
	}

	sess := &Session{
		ID:             id,
		UserID:         userID,
		AgentType:      agentType,
		State:          make(map[string]any),
		BlackboardData: make(map[string]any),
		Created:        now,
		Updated:        now,
		ExpiresAt:      expiresAt,
	}
	s.sessions[id] = sess
	return sess, nil
}

// Save upserts a session, bumping Updated.
func (s *InMemoryService) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Updated = time.Now()
	s.sessions[sess.ID] = sess
	return nil
}

// AddMessage appends a message to a session's history, rejecting once the
// session doesn't exist or has reached max_messages_per_session (spec.md
// §4.6).
func (s *InMemoryService) AddMessage(ctx context.Context, sessionID string, msg message.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.expired(time.Now()) {
		return "", ErrNotFound
	}
	if s.maxMessagesPerSession > 0 && len(sess.Messages) >= s.maxMessagesPerSession {
		return "", ErrMessageLimitReached
	}

	id := uuid.NewString()
	sess.Messages = append(sess.Messages, StoredMessage{ID: id, Message: msg})
	sess.Updated = time.Now()
	return id, nil
}

// GetMessages returns a session's messages in ascending creation order,
// optionally filtered to those created at or after since, and capped to
// the most recent limit entries (spec.md §4.6).
func (s *InMemoryService) GetMessages(ctx context.Context, sessionID string, limit int, since *time.Time) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	var filtered []StoredMessage
	for _, m := range sess.Messages {
		if since != nil && m.Message.CreatedAt.Before(*since) {
			continue
		}
		filtered = append(filtered, m)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]StoredMessage, len(filtered))
	copy(out, filtered)
	return out, nil
}

// Delete removes a session, reporting whether it existed.
func (s *InMemoryService) Delete(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok
}

// CleanupExpired deletes every session whose TTL has elapsed, returning the
// count removed (spec.md §4.6).
func (s *InMemoryService) CleanupExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func checkpointKey(sessionID, threadID string) string { return sessionID + "/" + threadID }

// CreateCheckpoint appends a new checkpoint to a session's thread chain.
func (s *InMemoryService) CreateCheckpoint(ctx context.Context, sessionID, threadID string, state, metadata map[string]any, parent *string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	cp := &Checkpoint{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		ThreadID:           threadID,
		CheckpointID:       uuid.NewString(),
		ParentCheckpointID: parent,
		State:              state,
		Metadata:           metadata,
		Created:            time.Now(),
	}

	key := checkpointKey(sessionID, threadID)
	s.checkpoints[key] = append(s.checkpoints[key], cp)
	return cp, nil
}

// GetLatestCheckpoint returns the most recently created checkpoint for a
// session's thread, if any.
func (s *InMemoryService) GetLatestCheckpoint(ctx context.Context, sessionID, threadID string) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.checkpoints[checkpointKey(sessionID, threadID)]
	if len(chain) == 0 {
		return nil, false
	}
	return chain[len(chain)-1], true
}

// ListSessions returns sessions matching the optional userID/agentType
// filters, most-recently-updated first, capped to limit (spec.md §4.6).
func (s *InMemoryService) ListSessions(ctx context.Context, userID, agentType string, limit int) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Session
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.expired(now) {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		if agentType != "" && sess.AgentType != agentType {
			continue
		}
		out = append(out, sess)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Service = (*InMemoryService)(nil)
