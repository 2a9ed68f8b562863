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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_Auth(t *testing.T) {
	raw := []byte(`{"type":"auth","token":"abc123","language":"en"}`)
	in, err := DecodeInbound(raw)
	require.NoError(t, err)
	require.NotNil(t, in.Auth)
	assert.Equal(t, "abc123", in.Auth.Token)
	assert.Equal(t, "en", in.Auth.Language)
}

func TestDecodeInbound_Query(t *testing.T) {
	raw := []byte(`{
		"type": "query",
		"query": "where is PO-12345",
		"session_id": "s1",
		"question_answer_uuid": "qa1",
		"locale": {"location": "US", "language": "en"},
		"user_id": "u1",
		"user_name": "Alice",
		"user_agent": {"type": "web"}
	}`)
	in, err := DecodeInbound(raw)
	require.NoError(t, err)
	require.NotNil(t, in.Query)
	assert.Equal(t, "where is PO-12345", in.Query.Query)
	assert.Equal(t, "s1", in.Query.SessionID)
	assert.Equal(t, "en", in.Query.Locale.Language)
}

func TestDecodeInbound_HumanInput(t *testing.T) {
	raw := []byte(`{
		"type": "human_input",
		"payload": {
			"interaction_id": "i1",
			"form_id": "f1",
			"values": {"confirm": true},
			"session_id": "s1"
		}
	}`)
	in, err := DecodeInbound(raw)
	require.NoError(t, err)
	require.NotNil(t, in.HumanInput)
	assert.Equal(t, "i1", in.HumanInput.Payload.InteractionID)
	assert.Equal(t, true, in.HumanInput.Payload.Values["confirm"])
}

func TestDecodeInbound_UnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
}

func TestDecodeInbound_Malformed(t *testing.T) {
	_, err := DecodeInbound([]byte(`not json`))
	assert.Error(t, err)
}

// roundTrip verifies parse(serialize(frame)) == frame for every outbound
// frame shape (spec.md §8).
func roundTrip[T any](t *testing.T, frame T) {
	t.Helper()
	raw, err := Encode(frame)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, frame, out)
}

func TestRoundTrip_AuthSuccess(t *testing.T) {
	roundTrip(t, AuthSuccess(
		UserInfo{UPN: "u1", Name: "Alice", Email: "a@example.com"},
		EnrichedUserInfo{UserID: "u1", DisplayName: "Alice", Permissions: []string{"BUYER"}},
	))
}

func TestRoundTrip_Suggestions(t *testing.T) {
	roundTrip(t, NewSuggestions([]string{"Track another order", "Cancel an order"}))
}

func TestRoundTrip_Progress(t *testing.T) {
	roundTrip(t, NewProgress(ProgressThinking))
}

func TestRoundTrip_Confirm(t *testing.T) {
	roundTrip(t, NewConfirm("i1", "cancel_order for PO-12345?"))
}

func TestRoundTrip_Markdown(t *testing.T) {
	roundTrip(t, NewMarkdown("Order **PO-12345** is in transit."))
}

func TestRoundTrip_Error(t *testing.T) {
	roundTrip(t, NewError(ErrValidation, "query must not be empty"))
}

func TestRoundTrip_FieldError(t *testing.T) {
	roundTrip(t, NewFieldError("amount must be positive", "amount"))
}

func TestNewConfirm_MentionsPrompt(t *testing.T) {
	f := NewConfirm("i1", "confirm cancel_order for PO-12345?")
	require.Len(t, f.Payload.Data.Form.Fields, 1)
	assert.Contains(t, f.Payload.Data.Form.Fields[0].Label, "cancel_order")
	assert.Equal(t, "form", f.Payload.Data.ComponentType)
	assert.Equal(t, "confirm", f.Payload.Data.Form.Fields[0].Type)
}
