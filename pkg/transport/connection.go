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

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// Authenticator resolves an inbound auth frame's token to a user, or
// returns an error if the token is invalid. A nil Authenticator makes
// every connection an anonymous user, mirroring the original's
// "no auth_provider configured" fallback.
type Authenticator interface {
	Authenticate(ctx context.Context, token, language string) (reqctx.User, error)
}

// Handler reacts to an authenticated query or human_input frame. It is
// expected to write frames back via Conn.Send as it produces them and
// return once the request reaches a terminal frame (spec.md §7: "a failed
// request always ends with exactly one terminal frame").
type Handler interface {
	HandleQuery(ctx context.Context, conn *Conn, q QueryFrame) error
	HandleHumanInput(ctx context.Context, conn *Conn, bb *blackboard.Blackboard, in HumanInputFrame) error
}

// connState is the per-connection auth lifecycle.
type connState int

const (
	stateNew connState = iota
	stateAuthenticated
	stateClosed
)

// Conn wraps one framed channel: an inbound frame source and an outbound
// frame sink, gated by the auth state machine described in spec.md §6.
type Conn struct {
	id      string
	send    func(frame any) error
	manager *Manager

	mu    sync.Mutex
	state connState
	user  *reqctx.User

	lastActivity time.Time
}

// Send writes one outbound frame through the connection's send function; it
// adds no locking of its own.
func (c *Conn) Send(frame any) error {
	return c.send(frame)
}

// User returns the authenticated user, or nil if the connection has not
// completed auth yet.
func (c *Conn) User() *reqctx.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Manager applies the channel-level rules in spec.md §6: Accept enforces
// max_connections and HandleFrame requires auth before query/human_input.
// It does not close connections itself; IdleExpired and AuthDeadlineExceeded
// report the idle_timeout and auth_timeout conditions to the caller.
// It also holds the session-id-keyed blackboard map that lets a human_input
// frame resume a Blackboard parked by an earlier, now-closed connection —
// the same role the original's `_session_blackboards` dict plays.
type Manager struct {
	auth    Authenticator
	handler Handler

	idleTimeout    time.Duration
	authTimeout    time.Duration
	maxConnections int

	mu          sync.Mutex
	open        map[string]*Conn
	blackboards map[string]*blackboard.Blackboard
}

// NewManager builds a connection Manager. auth may be nil (anonymous-only).
func NewManager(auth Authenticator, handler Handler, idleTimeout, authTimeout time.Duration, maxConnections int) *Manager {
	return &Manager{
		auth:           auth,
		handler:        handler,
		idleTimeout:    idleTimeout,
		authTimeout:    authTimeout,
		maxConnections: maxConnections,
		open:           make(map[string]*Conn),
		blackboards:    make(map[string]*blackboard.Blackboard),
	}
}

// StoreBlackboard parks bb under sessionID so a later reconnect's
// human_input frame can find it.
func (m *Manager) StoreBlackboard(sessionID string, bb *blackboard.Blackboard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blackboards[sessionID] = bb
}

// TakeBlackboard retrieves and removes the blackboard parked for sessionID,
// if any.
func (m *Manager) TakeBlackboard(sessionID string) (*blackboard.Blackboard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bb, ok := m.blackboards[sessionID]
	if ok {
		delete(m.blackboards, sessionID)
	}
	return bb, ok
}

// ErrTooManyConnections is returned by Accept once max_connections open
// connections are already tracked.
type ErrTooManyConnections struct{}

func (ErrTooManyConnections) Error() string { return "transport: max_connections exceeded" }

// Accept registers a new connection id, enforcing max_connections.
func (m *Manager) Accept(id string, send func(frame any) error) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConnections > 0 && len(m.open) >= m.maxConnections {
		return nil, ErrTooManyConnections{}
	}

	c := &Conn{id: id, send: send, manager: m, state: stateNew, lastActivity: time.Now()}
	m.open[id] = c
	return c, nil
}

// Close removes a connection from tracking. Safe to call more than once.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, id)
}

// Len reports the number of currently tracked connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// HandleFrame dispatches one decoded inbound frame against conn's current
// auth state, implementing spec.md §6's framing rules:
//   - auth must be the first frame; subsequent auth frames are accepted and
//     re-authenticate the connection (the original tolerates re-auth).
//   - query/human_input before a successful auth produce AUTH_ERROR and the
//     connection remains open (spec.md §7: "transport parse errors ... keep
//     channel open", auth failures specifically close after the error frame
//     per the same section — signalled to the caller by a returned
//     *FatalError).
func (m *Manager) HandleFrame(ctx context.Context, conn *Conn, in *Inbound) error {
	conn.touch()

	switch {
	case in.Auth != nil:
		return m.handleAuth(ctx, conn, *in.Auth)
	case in.Query != nil:
		if conn.User() == nil {
			return conn.Send(NewError(ErrAuth, "authentication required before query"))
		}
		return m.handler.HandleQuery(ctx, conn, *in.Query)
	case in.HumanInput != nil:
		if conn.User() == nil {
			return conn.Send(NewError(ErrAuth, "authentication required before human_input"))
		}
		bb, ok := m.TakeBlackboard(in.HumanInput.Payload.SessionID)
		if !ok {
			return conn.Send(NewError(ErrNotFound, "no pending interaction for this session"))
		}
		return m.handler.HandleHumanInput(ctx, conn, bb, *in.HumanInput)
	default:
		return conn.Send(NewError(ErrValidation, "empty frame"))
	}
}

func (m *Manager) handleAuth(ctx context.Context, conn *Conn, f AuthFrame) error {
	if m.auth == nil {
		conn.mu.Lock()
		conn.state = stateAuthenticated
		conn.user = &reqctx.User{ID: "anonymous"}
		conn.mu.Unlock()
		return conn.Send(AuthSuccess(
			UserInfo{UPN: "anonymous", Name: "Anonymous"},
			EnrichedUserInfo{UserID: "anonymous", DisplayName: "Anonymous"},
		))
	}

	user, err := m.auth.Authenticate(ctx, f.Token, f.Language)
	if err != nil {
		_ = conn.Send(AuthFailure(err.Error()))
		return &FatalError{Frame: NewError(ErrAuth, err.Error())}
	}

	conn.mu.Lock()
	conn.state = stateAuthenticated
	conn.user = &user
	conn.mu.Unlock()

	return conn.Send(AuthSuccess(
		UserInfo{UPN: user.ID, Name: user.Username, Email: user.Email},
		EnrichedUserInfo{UserID: user.ID, DisplayName: user.Username, Email: user.Email, Permissions: user.Permissions},
	))
}

// FatalError signals that, after Frame has been sent, the channel must be
// closed (spec.md §7: "auth failures close channel after error frame").
type FatalError struct {
	Frame ErrorFrame
}

func (e *FatalError) Error() string { return e.Frame.Payload.Data.Message }

// IdleExpired reports whether conn has been idle past idle_timeout.
func (m *Manager) IdleExpired(conn *Conn, now time.Time) bool {
	if m.idleTimeout <= 0 {
		return false
	}
	return conn.idleFor(now) > m.idleTimeout
}

// AuthDeadlineExceeded reports whether conn is still unauthenticated past
// auth_timeout from connectedAt.
func (m *Manager) AuthDeadlineExceeded(conn *Conn, connectedAt, now time.Time) bool {
	if m.authTimeout <= 0 {
		return false
	}
	if conn.User() != nil {
		return false
	}
	return now.Sub(connectedAt) > m.authTimeout
}
