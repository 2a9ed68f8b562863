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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

type recordingHandler struct {
	queries     []QueryFrame
	humanInputs []HumanInputFrame
}

func (h *recordingHandler) HandleQuery(ctx context.Context, conn *Conn, q QueryFrame) error {
	h.queries = append(h.queries, q)
	return conn.Send(NewMarkdown("ok"))
}

func (h *recordingHandler) HandleHumanInput(ctx context.Context, conn *Conn, bb *blackboard.Blackboard, in HumanInputFrame) error {
	h.humanInputs = append(h.humanInputs, in)
	return conn.Send(NewMarkdown("resumed"))
}

type stubAuth struct {
	err error
}

func (s stubAuth) Authenticate(ctx context.Context, token, language string) (reqctx.User, error) {
	if s.err != nil {
		return reqctx.User{}, s.err
	}
	return reqctx.User{ID: "u1", Username: "Alice"}, nil
}

func collectingSend(out *[]any) func(frame any) error {
	return func(frame any) error {
		*out = append(*out, frame)
		return nil
	}
}

func TestHandleFrame_QueryBeforeAuthIsRejected(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(nil, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)

	// Manually bypass anonymous-auth fallback: force m.auth non-nil but conn unauthenticated.
	m.auth = stubAuth{}

	in := &Inbound{Query: &QueryFrame{Query: "hi", SessionID: "s1"}}
	require.NoError(t, m.HandleFrame(context.Background(), conn, in))

	require.Len(t, sent, 1)
	errFrame, ok := sent[0].(ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, ErrAuth, errFrame.Payload.Data.Code)
	assert.Empty(t, h.queries)
}

func TestHandleFrame_AnonymousFallbackAuthenticatesImmediately(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(nil, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)

	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: ""}}))
	require.Len(t, sent, 1)
	resp, ok := sent[0].(AuthResponseFrame)
	require.True(t, ok)
	assert.Equal(t, "success", resp.Payload.Status)
	assert.NotNil(t, conn.User())
}

func TestHandleFrame_AuthFailureIsFatal(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(stubAuth{err: errors.New("bad token")}, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)

	err = m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: "bad"}})
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, ErrAuth, fatal.Frame.Payload.Data.Code)
	assert.Nil(t, conn.User())
}

func TestHandleFrame_QueryAfterAuthDispatchesToHandler(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(stubAuth{}, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)

	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: "good"}}))
	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Query: &QueryFrame{Query: "where is PO-1", SessionID: "s1"}}))

	require.Len(t, h.queries, 1)
	assert.Equal(t, "where is PO-1", h.queries[0].Query)
}

func TestHandleFrame_HumanInputResumesStoredBlackboard(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(stubAuth{}, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)
	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: "good"}}))

	bb := blackboard.New(reqctx.RequestContext{SessionID: "s1"}, "resume me")
	m.StoreBlackboard("s1", bb)

	in := &Inbound{HumanInput: &HumanInputFrame{Payload: HumanInputPayload{InteractionID: "i1", SessionID: "s1", Values: map[string]any{"confirm": true}}}}
	require.NoError(t, m.HandleFrame(context.Background(), conn, in))

	require.Len(t, h.humanInputs, 1)
	_, stillThere := m.TakeBlackboard("s1")
	assert.False(t, stillThere, "blackboard should be consumed on resume")
}

func TestHandleFrame_HumanInputWithNoStoredSessionErrors(t *testing.T) {
	h := &recordingHandler{}
	m := NewManager(stubAuth{}, h, 0, 0, 0)
	var sent []any
	conn, err := m.Accept("c1", collectingSend(&sent))
	require.NoError(t, err)
	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: "good"}}))

	sent = nil
	in := &Inbound{HumanInput: &HumanInputFrame{Payload: HumanInputPayload{InteractionID: "i1", SessionID: "unknown"}}}
	require.NoError(t, m.HandleFrame(context.Background(), conn, in))

	require.Len(t, sent, 1)
	errFrame, ok := sent[0].(ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, errFrame.Payload.Data.Code)
}

func TestAccept_RejectsBeyondMaxConnections(t *testing.T) {
	m := NewManager(nil, &recordingHandler{}, 0, 0, 1)
	_, err := m.Accept("c1", func(any) error { return nil })
	require.NoError(t, err)

	_, err = m.Accept("c2", func(any) error { return nil })
	require.Error(t, err)
	assert.IsType(t, ErrTooManyConnections{}, err)
}

func TestClose_FreesConnectionSlot(t *testing.T) {
	m := NewManager(nil, &recordingHandler{}, 0, 0, 1)
	_, err := m.Accept("c1", func(any) error { return nil })
	require.NoError(t, err)
	m.Close("c1")
	assert.Equal(t, 0, m.Len())

	_, err = m.Accept("c2", func(any) error { return nil })
	require.NoError(t, err)
}

func TestIdleExpired(t *testing.T) {
	m := NewManager(nil, &recordingHandler{}, 10*time.Millisecond, 0, 0)
	conn, err := m.Accept("c1", func(any) error { return nil })
	require.NoError(t, err)

	assert.False(t, m.IdleExpired(conn, time.Now()))
	assert.True(t, m.IdleExpired(conn, time.Now().Add(100*time.Millisecond)))
}

func TestAuthDeadlineExceeded(t *testing.T) {
	m := NewManager(stubAuth{}, &recordingHandler{}, 0, 10*time.Millisecond, 0)
	conn, err := m.Accept("c1", func(any) error { return nil })
	require.NoError(t, err)
	connectedAt := time.Now()

	assert.False(t, m.AuthDeadlineExceeded(conn, connectedAt, connectedAt))
	assert.True(t, m.AuthDeadlineExceeded(conn, connectedAt, connectedAt.Add(100*time.Millisecond)))

	require.NoError(t, m.HandleFrame(context.Background(), conn, &Inbound{Auth: &AuthFrame{Token: "good"}}))
	assert.False(t, m.AuthDeadlineExceeded(conn, connectedAt, connectedAt.Add(time.Second)))
}
