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

// Package transport implements the framed channel (spec.md §4.7, §6): the
// JSON frame types exchanged over a long-lived bidirectional channel, and
// the connection state machine that gates them on authentication and
// enforces idle/auth timeouts and a connection cap. It deliberately stops
// at the channel abstraction — no HTTP/WebSocket listener is wired here,
// per spec.md's scope ("any REST/WebSocket server glue beyond the framing
// rules in §6" is out of scope).
package transport

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants (spec.md §6).
const (
	TypeAuth           = "auth"
	TypeQuery          = "query"
	TypeHumanInput     = "human_input"
	TypeComponent      = "component"
	TypeSuggestions    = "suggestions"
	TypeUIFieldOptions = "ui_field_options"
	TypeMarkdown       = "markdown"
)

// Component discriminants carried inside a "component" frame's payload.
const (
	ComponentProgress     = "progress"
	ComponentUIInteraction = "ui_interaction"
	ComponentError        = "error"
)

// Error codes (spec.md §7).
const (
	ErrAuth           = "AUTH_ERROR"
	ErrValidation     = "VALIDATION_ERROR"
	ErrPermission     = "PERMISSION_DENIED"
	ErrNotFound       = "NOT_FOUND"
	ErrTimeout        = "TIMEOUT"
	ErrUpstream       = "UPSTREAM_ERROR"
	ErrCancelled      = "CANCELLED"
	ErrInternal       = "INTERNAL"
)

// envelope is used only to sniff an inbound frame's type before decoding
// its payload into a concrete struct.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// --- Inbound frames (spec.md §6) ---

// Locale carries the caller's timezone and language preference.
type Locale struct {
	Location string `json:"location"`
	Language string `json:"language"`
}

// UserAgent identifies the calling application/module.
type UserAgent struct {
	Type string `json:"type"`
}

// Attachment describes a file attached to a query.
type Attachment struct {
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// AuthFrame is the first inbound frame a channel must send.
type AuthFrame struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	Language     string `json:"language,omitempty"`
	LoadBotIntro bool   `json:"loadBotIntro,omitempty"`
}

// QueryFrame carries a user query and its full context.
type QueryFrame struct {
	Type               string       `json:"type"`
	Query              string       `json:"query"`
	SessionID          string       `json:"session_id"`
	QuestionAnswerUUID string       `json:"question_answer_uuid"`
	Locale             Locale       `json:"locale"`
	UserID             string       `json:"user_id"`
	UserName           string       `json:"user_name"`
	UserAgent          UserAgent    `json:"user_agent"`
	SelectedDocs       []string     `json:"selected_docs,omitempty"`
	Attachments        []Attachment `json:"attachments,omitempty"`
	Context            string       `json:"context,omitempty"`
}

// HumanInputPayload is the body of an inbound human_input frame.
type HumanInputPayload struct {
	InteractionID         string         `json:"interaction_id"`
	FormID                string         `json:"form_id"`
	Values                map[string]any `json:"values"`
	SessionID             string         `json:"session_id"`
	ClearPreviousMessage  bool           `json:"clear_previous_message,omitempty"`
}

// HumanInputFrame resumes a parked HIL interaction.
type HumanInputFrame struct {
	Type    string            `json:"type"`
	Payload HumanInputPayload `json:"payload"`
}

// Inbound is the decoded union of inbound frames; exactly one of the
// pointer fields is non-nil.
type Inbound struct {
	Auth       *AuthFrame
	Query      *QueryFrame
	HumanInput *HumanInputFrame
}

// DecodeInbound parses one UTF-8 JSON frame, dispatching on its "type"
// field (spec.md §6 framing rules).
func DecodeInbound(raw []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("transport: malformed frame: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var f AuthFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("transport: malformed auth frame: %w", err)
		}
		return &Inbound{Auth: &f}, nil
	case TypeQuery:
		var f QueryFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("transport: malformed query frame: %w", err)
		}
		return &Inbound{Query: &f}, nil
	case TypeHumanInput:
		var f HumanInputFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("transport: malformed human_input frame: %w", err)
		}
		return &Inbound{HumanInput: &f}, nil
	default:
		return nil, fmt.Errorf("transport: unknown frame type %q", env.Type)
	}
}

// --- Outbound frames (spec.md §6) ---

// UserInfo is the raw identity surfaced back to the caller on successful auth.
type UserInfo struct {
	UPN    string   `json:"upn"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Groups []string `json:"groups,omitempty"`
}

// EnrichedUserInfo is the extended profile surfaced alongside UserInfo.
type EnrichedUserInfo struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions,omitempty"`
}

// AuthResponsePayload is the body of an outbound auth frame.
type AuthResponsePayload struct {
	Status   string            `json:"status"`
	Message  string            `json:"message"`
	User     *UserInfo         `json:"user,omitempty"`
	Enriched *EnrichedUserInfo `json:"enriched,omitempty"`
}

// AuthResponseFrame acknowledges (or rejects) an auth frame.
type AuthResponseFrame struct {
	Type    string              `json:"type"`
	Payload AuthResponsePayload `json:"payload"`
}

// AuthSuccess builds a successful auth response.
func AuthSuccess(user UserInfo, enriched EnrichedUserInfo) AuthResponseFrame {
	return AuthResponseFrame{
		Type: TypeAuth,
		Payload: AuthResponsePayload{
			Status:   "success",
			Message:  "authenticated",
			User:     &user,
			Enriched: &enriched,
		},
	}
}

// AuthFailure builds a rejected auth response.
func AuthFailure(message string) AuthResponseFrame {
	return AuthResponseFrame{Type: TypeAuth, Payload: AuthResponsePayload{Status: "error", Message: message}}
}

// SuggestionOption is one clickable follow-up suggestion.
type SuggestionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// SuggestionsPayload is the body of an outbound suggestions frame.
type SuggestionsPayload struct {
	Field   string             `json:"field"`
	Options []SuggestionOption `json:"options"`
}

// SuggestionsFrame offers up to a handful of follow-up suggestions.
type SuggestionsFrame struct {
	Type    string             `json:"type"`
	Payload SuggestionsPayload `json:"payload"`
}

// NewSuggestions builds a SuggestionsFrame from plain suggestion strings.
func NewSuggestions(suggestions []string) SuggestionsFrame {
	options := make([]SuggestionOption, len(suggestions))
	for i, s := range suggestions {
		options[i] = SuggestionOption{Label: s, Value: s}
	}
	return SuggestionsFrame{Type: TypeSuggestions, Payload: SuggestionsPayload{Field: "suggestions", Options: options}}
}

// ProgressData carries a single status string.
type ProgressData struct {
	Status string `json:"status"`
}

// ProgressPayload is the body of an outbound progress component frame.
type ProgressPayload struct {
	Component string       `json:"component"`
	Data      ProgressData `json:"data"`
}

// ProgressFrame reports orchestrator progress (spec.md §4.5).
type ProgressFrame struct {
	Type    string          `json:"type"`
	Payload ProgressPayload `json:"payload"`
}

// NewProgress builds a progress frame with the given status string.
func NewProgress(status string) ProgressFrame {
	return ProgressFrame{Type: TypeComponent, Payload: ProgressPayload{Component: ComponentProgress, Data: ProgressData{Status: status}}}
}

// Well-known progress statuses (spec.md §4.5, §6).
const (
	ProgressThinking          = "Thinking"
	ProgressRetrieving        = "Retrieving information"
	ProgressProcessing        = "Processing"
	ProgressPlanningComplete  = "Planning complete"
	ProgressSynthesisComplete = "_synthesis_complete"
)

// DataSource configures an async-populated form field.
type DataSource struct {
	Provider    string         `json:"provider"`
	MinChars    int            `json:"minChars,omitempty"`
	DebounceMS  int            `json:"debounceMs,omitempty"`
	PageSize    int            `json:"pageSize,omitempty"`
	ExtraParams map[string]any `json:"extraParams,omitempty"`
}

// FormField is a single field in a FormDefinition.
type FormField struct {
	Key          string      `json:"key"`
	Label        string      `json:"label"`
	Type         string      `json:"type"`
	Required     bool        `json:"required,omitempty"`
	HelpText     string      `json:"helpText,omitempty"`
	Placeholder  string      `json:"placeholder,omitempty"`
	Searchable   bool        `json:"searchable,omitempty"`
	Async        bool        `json:"async,omitempty"`
	DataSource   *DataSource `json:"dataSource,omitempty"`
	Options      []FormFieldOption `json:"options,omitempty"`
	DefaultValue any         `json:"defaultValue,omitempty"`
}

// FormFieldOption is one selectable value for a field with fixed choices.
type FormFieldOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FormDefinition groups the fields of one HIL prompt.
type FormDefinition struct {
	ID     string      `json:"id"`
	Fields []FormField `json:"fields"`
}

// UIInteractionData is the body of a ui_interaction component frame.
type UIInteractionData struct {
	InteractionID string          `json:"interaction_id"`
	ComponentType string          `json:"component_type"`
	Required      bool            `json:"required"`
	Form          *FormDefinition `json:"form,omitempty"`
}

// UIInteractionPayload wraps UIInteractionData under the "ui_interaction" component tag.
type UIInteractionPayload struct {
	Component string            `json:"component"`
	Data      UIInteractionData `json:"data"`
}

// UIInteractionFrame asks the caller to confirm or fill in a form before a
// gated tool runs (spec.md §4.2, §6).
type UIInteractionFrame struct {
	Type    string                `json:"type"`
	Payload UIInteractionPayload `json:"payload"`
}

// NewConfirm builds the single-field "confirm" form the default HIL policy uses.
func NewConfirm(interactionID, prompt string) UIInteractionFrame {
	form := FormDefinition{
		ID: interactionID,
		Fields: []FormField{
			{Key: "confirm", Label: prompt, Type: "confirm", Required: true},
		},
	}
	return NewForm(interactionID, form, true)
}

// NewForm builds a ui_interaction frame from an arbitrary form definition.
func NewForm(interactionID string, form FormDefinition, required bool) UIInteractionFrame {
	return UIInteractionFrame{
		Type: TypeComponent,
		Payload: UIInteractionPayload{
			Component: ComponentUIInteraction,
			Data: UIInteractionData{
				InteractionID: interactionID,
				ComponentType: "form",
				Required:      required,
				Form:          &form,
			},
		},
	}
}

// UIFieldOptionsPayload carries async-resolved options for one form field.
type UIFieldOptionsPayload struct {
	InteractionID string            `json:"interaction_id"`
	FormID        string            `json:"form_id"`
	FieldKey      string            `json:"field_key"`
	Options       []FormFieldOption `json:"options"`
}

// UIFieldOptionsFrame delivers options requested by a form's dataSource.
type UIFieldOptionsFrame struct {
	Type    string                `json:"type"`
	Payload UIFieldOptionsPayload `json:"payload"`
}

// MarkdownFrame carries rendered Markdown content, typically the
// Synthesizer's final answer.
type MarkdownFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// NewMarkdown builds a markdown frame.
func NewMarkdown(content string) MarkdownFrame {
	return MarkdownFrame{Type: TypeMarkdown, Payload: content}
}

// ErrorData is the body of an error component frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorPayload wraps ErrorData under the "error" component tag.
type ErrorPayload struct {
	Component string    `json:"component"`
	Data      ErrorData `json:"data"`
}

// ErrorFrame reports a terminal or non-terminal failure (spec.md §7).
type ErrorFrame struct {
	Type    string       `json:"type"`
	Payload ErrorPayload `json:"payload"`
}

// NewError builds an error frame with the given stable error code.
func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeComponent, Payload: ErrorPayload{Component: ComponentError, Data: ErrorData{Code: code, Message: message}}}
}

// NewFieldError builds a VALIDATION_ERROR frame scoped to one field.
func NewFieldError(message, field string) ErrorFrame {
	return ErrorFrame{Type: TypeComponent, Payload: ErrorPayload{Component: ComponentError, Data: ErrorData{Code: ErrValidation, Message: message, Field: field}}}
}

// Encode marshals any outbound frame struct to its wire JSON.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
