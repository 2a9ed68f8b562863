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

// Package blackboard implements the per-request shared state container
// (spec.md §3, §4.3). The Orchestrator exclusively owns a Blackboard for
// the life of a request; sub-agents receive it by reference and may only
// mutate it through the typed methods here, which serialise writes behind
// a mutex the same way the teacher's in-memory session state guards
// concurrent access (pkg/session/session.go's memoryState/memoryEvents).
package blackboard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// VariableEntry is one append to the variable history (spec.md §3).
type VariableEntry struct {
	Key    string
	Value  any
	Source string
	Ts     time.Time
}

// Finding is an insight recorded by a sub-agent.
type Finding struct {
	Source     string
	Content    string
	Evidence   string
	Confidence float64
	Ts         time.Time
}

// ToolResult mirrors the Tool Executor's result shape (spec.md §3). Exactly
// one of Result or Error is set.
type ToolResult struct {
	CallID        string
	ToolName      string
	Success       bool
	Result        any
	CompactResult any
	Error         string
	DurationMS    float64
	Ts            time.Time
}

// InteractionType enumerates the kinds of human-in-the-loop prompts.
type InteractionType string

const (
	InteractionConfirm InteractionType = "confirm"
	InteractionInput   InteractionType = "input"
	InteractionForm    InteractionType = "form"
)

// PendingInteraction is a HIL prompt awaiting (or having received) a
// response (spec.md §3). Unresolved iff Response is nil.
type PendingInteraction struct {
	ID         string
	Type       InteractionType
	Prompt     string
	Options    []string
	FormSchema map[string]any
	Timeout    time.Duration
	CreatedAt  time.Time
	Response   map[string]any
	ResolvedAt *time.Time
}

// Message is a lightweight role/content pair recorded for prompt assembly
// (spec.md's `message_history`); the richer message.Message type is used
// on the LLM-facing seam.
type Message struct {
	Role    string
	Content string
}

// Blackboard is the single-writer, typed shared-state container for one
// request. All exported methods lock internally and are safe to call from
// the Orchestrator's control goroutine; concurrent sub-agent goroutines
// must route mutations back through the Orchestrator (spec.md §5).
type Blackboard struct {
	mu sync.Mutex

	ctx  reqctx.RequestContext
	qry  string
	pln  *plan.Plan

	variables       map[string]VariableEntry
	variableHistory []VariableEntry

	toolResults []ToolResult

	findings []Finding

	pendingInteractions []*PendingInteraction

	messages []Message
}

// New creates a Blackboard for a request, matching Blackboard.create in the
// original implementation (agentcore.core.blackboard).
func New(ctx reqctx.RequestContext, query string) *Blackboard {
	return &Blackboard{
		ctx:       ctx,
		qry:       query,
		variables: make(map[string]VariableEntry),
	}
}

// Context returns the request context this blackboard belongs to.
func (b *Blackboard) Context() reqctx.RequestContext { return b.ctx }

// Query returns the original user query.
func (b *Blackboard) Query() string { return b.qry }

// Plan returns the current execution plan, or nil if none has been set.
func (b *Blackboard) Plan() *plan.Plan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pln
}

// SetPlan stores the current execution plan.
func (b *Blackboard) SetPlan(p *plan.Plan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pln = p
}

// Set writes a variable, appending to history (append-on-write, spec.md §4.3 invariant).
func (b *Blackboard) Set(key string, value any, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := VariableEntry{Key: key, Value: value, Source: source, Ts: time.Now()}
	b.variables[key] = entry
	b.variableHistory = append(b.variableHistory, entry)
}

// Get returns a variable's current value and whether it exists.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.variables[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetOr returns a variable's current value, or def if unset.
func (b *Blackboard) GetOr(key string, def any) any {
	if v, ok := b.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether a variable has ever been set.
func (b *Blackboard) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.variables[key]
	return ok
}

// AllVariables returns a snapshot of the current variable map.
func (b *Blackboard) AllVariables() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any, len(b.variables))
	for k, v := range b.variables {
		out[k] = v.Value
	}
	return out
}

// VariableHistory returns the append log, optionally filtered by key. The
// returned slice never aliases internal storage.
func (b *Blackboard) VariableHistory(key string) []VariableEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key == "" {
		out := make([]VariableEntry, len(b.variableHistory))
		copy(out, b.variableHistory)
		return out
	}
	var out []VariableEntry
	for _, e := range b.variableHistory {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// AddToolResult records a successful tool execution. call_id values must be
// unique across the blackboard's lifetime (spec.md §8 tool-result-uniqueness
// invariant); callers are expected to generate ids from the Tool Executor,
// which guarantees this.
func (b *Blackboard) AddToolResult(callID, toolName string, result, compactResult any, durationMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toolResults = append(b.toolResults, ToolResult{
		CallID:        callID,
		ToolName:      toolName,
		Success:       true,
		Result:        result,
		CompactResult: compactResult,
		DurationMS:    durationMS,
		Ts:            time.Now(),
	})
}

// AddToolError records a failed tool execution.
func (b *Blackboard) AddToolError(callID, toolName, errMsg string, durationMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.toolResults = append(b.toolResults, ToolResult{
		CallID:     callID,
		ToolName:   toolName,
		Success:    false,
		Error:      errMsg,
		DurationMS: durationMS,
		Ts:         time.Now(),
	})
}

// GetToolResult looks up a tool result by call id.
func (b *Blackboard) GetToolResult(callID string) (ToolResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.toolResults {
		if r.CallID == callID {
			return r, true
		}
	}
	return ToolResult{}, false
}

// ToolResults returns a snapshot of all recorded tool results, in append order.
func (b *Blackboard) ToolResults() []ToolResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ToolResult, len(b.toolResults))
	copy(out, b.toolResults)
	return out
}

// AddFinding records an insight from a sub-agent.
func (b *Blackboard) AddFinding(source, content, evidence string, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.findings = append(b.findings, Finding{
		Source:     source,
		Content:    content,
		Evidence:   evidence,
		Confidence: confidence,
		Ts:         time.Now(),
	})
}

// FindingsBySource returns findings recorded by a particular source, in
// append order.
func (b *Blackboard) FindingsBySource(source string) []Finding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Finding
	for _, f := range b.findings {
		if f.Source == source {
			out = append(out, f)
		}
	}
	return out
}

// Findings returns a snapshot of all findings, in append order.
func (b *Blackboard) Findings() []Finding {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Finding, len(b.findings))
	copy(out, b.findings)
	return out
}

// AddPendingInteraction records a HIL prompt and returns its id.
func (b *Blackboard) AddPendingInteraction(typ InteractionType, prompt string, options []string, formSchema map[string]any, timeout time.Duration) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.pendingInteractions = append(b.pendingInteractions, &PendingInteraction{
		ID:         id,
		Type:       typ,
		Prompt:     prompt,
		Options:    options,
		FormSchema: formSchema,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
	})
	return id
}

// ResolveInteraction attaches a user response to a pending interaction.
// Returns false if no matching unresolved interaction exists.
func (b *Blackboard) ResolveInteraction(id string, response map[string]any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pi := range b.pendingInteractions {
		if pi.ID == id {
			if pi.Response != nil {
				return false
			}
			pi.Response = response
			now := time.Now()
			pi.ResolvedAt = &now
			return true
		}
	}
	return false
}

// HasPendingInteractions reports whether any interaction remains unresolved.
func (b *Blackboard) HasPendingInteractions() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pi := range b.pendingInteractions {
		if pi.Response == nil {
			return true
		}
	}
	return false
}

// PendingInteractions returns a snapshot of all interactions, resolved or not.
func (b *Blackboard) PendingInteractions() []*PendingInteraction {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*PendingInteraction, len(b.pendingInteractions))
	copy(out, b.pendingInteractions)
	return out
}

// GetInteraction looks up a single pending interaction by id.
func (b *Blackboard) GetInteraction(id string) (*PendingInteraction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pi := range b.pendingInteractions {
		if pi.ID == id {
			return pi, true
		}
	}
	return nil, false
}

// AddMessage appends to the conversational history.
func (b *Blackboard) AddMessage(role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{Role: role, Content: content})
}

// Messages returns a snapshot of the message history.
func (b *Blackboard) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

const truncatedSentinel = "\n\n[Context truncated]"

// charsPerToken is the rough token estimator used throughout the core
// (spec.md §4.3): 4 characters per token.
const charsPerToken = 4

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ContextForLLM assembles a compact prompt-ready view of the blackboard:
// current variables, the last 10 findings, and the last 5 tool results
// (preferring compact forms), each length-capped, then truncated as a
// whole to the max_tokens budget with a truncation sentinel if needed
// (spec.md §4.3).
func (b *Blackboard) ContextForLLM(maxTokens int) string {
	b.mu.Lock()
	vars := make(map[string]VariableEntry, len(b.variables))
	for k, v := range b.variables {
		vars[k] = v
	}
	findings := make([]Finding, len(b.findings))
	copy(findings, b.findings)
	results := make([]ToolResult, len(b.toolResults))
	copy(results, b.toolResults)
	b.mu.Unlock()

	maxChars := maxTokens * charsPerToken

	var parts []string

	if len(vars) > 0 {
		section := []string{"## Current Variables"}
		for key, entry := range vars {
			section = append(section, truncate(fmt.Sprintf("- %s: %v", key, entry.Value), 200))
		}
		parts = append(parts, strings.Join(section, "\n"))
	}

	if len(findings) > 0 {
		recent := findings
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		section := []string{"## Findings"}
		for _, f := range recent {
			section = append(section, truncate(fmt.Sprintf("- [%s] %s", f.Source, f.Content), 300))
		}
		parts = append(parts, strings.Join(section, "\n"))
	}

	if len(results) > 0 {
		recent := results
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		section := []string{"## Recent Tool Results"}
		for _, r := range recent {
			var line string
			if r.Success {
				val := r.Result
				if r.CompactResult != nil {
					val = r.CompactResult
				}
				line = fmt.Sprintf("- %s: %s", r.ToolName, truncate(fmt.Sprintf("%v", val), 500))
			} else {
				line = fmt.Sprintf("- %s: ERROR: %s", r.ToolName, r.Error)
			}
			section = append(section, line)
		}
		parts = append(parts, strings.Join(section, "\n"))
	}

	context := strings.Join(parts, "\n\n")
	if len(context) > maxChars {
		cut := maxChars
		if cut < 0 {
			cut = 0
		}
		context = context[:cut] + truncatedSentinel
	}
	return context
}

// Summary is a logging-friendly snapshot (spec.md §4.3).
type Summary struct {
	Query                   string
	HasPlan                 bool
	PlanProgress            float64
	VariablesCount          int
	ToolResultsCount        int
	FindingsCount           int
	PendingInteractionCount int
}

// Summary builds a Summary for structured logging.
func (b *Blackboard) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := 0
	for _, pi := range b.pendingInteractions {
		if pi.Response == nil {
			pending++
		}
	}

	progress := 0.0
	if b.pln != nil {
		progress = b.pln.ProgressPercent()
	}

	return Summary{
		Query:                   b.qry,
		HasPlan:                 b.pln != nil,
		PlanProgress:            progress,
		VariablesCount:          len(b.variables),
		ToolResultsCount:        len(b.toolResults),
		FindingsCount:           len(b.findings),
		PendingInteractionCount: pending,
	}
}
