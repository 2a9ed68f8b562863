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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/blackboard"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// SynthesizerConfig is the default tuning for the Synthesizer (spec.md
// §4.4: temperature ≈ 0.7, longer max_tokens for comprehensive responses).
func SynthesizerConfig() Config { return Config{Temperature: 0.7, MaxTokens: 4096} }

// Synthesizer produces the final user-facing response from everything the
// blackboard has accumulated, and offers standalone helpers (suggestions,
// summarization, reformatting) usable outside the plan-driven flow.
type Synthesizer struct {
	base
}

// NewSynthesizer builds a Synthesizer.
func NewSynthesizer(client llm.Client, retriever *knowledge.Retriever) *Synthesizer {
	return &Synthesizer{base: newBase(client, retriever, SynthesizerConfig())}
}

// Name implements SubAgent.
func (s *Synthesizer) Name() string { return "synthesizer" }

// Execute implements SubAgent (spec.md §4.4 Synthesizer): it writes the
// final response into the plan's FinalResult field.
func (s *Synthesizer) Execute(ctx context.Context, rc reqctx.RequestContext, bb *blackboard.Blackboard, step *plan.Step, systemPrompt string) Result {
	userPrompt := s.buildSynthesisPrompt(step.Instruction, bb.Query(), bb.Findings(), bb.ToolResults(), blackboardContext(bb))

	resp, err := s.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return Failure(fmt.Sprintf("synthesizer: llm call failed: %v", err))
	}

	if p := bb.Plan(); p != nil {
		p.FinalResult = resp.Content
	}

	return Success(resp.Content, resp.Tokens)
}

// Synthesize is a convenience entry point for generating a response from a
// findings list outside the plan-driven flow.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, findings []blackboard.Finding, systemPrompt, formatType string) (string, error) {
	var findingsText strings.Builder
	for i, f := range findings {
		if i > 0 {
			findingsText.WriteString("\n")
		}
		fmt.Fprintf(&findingsText, "- [%s] %s", f.Source, f.Content)
	}

	userPrompt := fmt.Sprintf(`Generate a response for the user.

Original Query: %s

Findings:
%s

%s

Generate a comprehensive, helpful response.`, query, findingsText.String(), formatInstructions(formatType))

	resp, err := s.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", fmt.Errorf("synthesizer: synthesize failed: %w", err)
	}
	return resp.Content, nil
}

// GenerateSuggestions produces follow-up suggestions for the user, parsed
// from a JSON array the model is asked to emit (spec.md §4.4).
func (s *Synthesizer) GenerateSuggestions(ctx context.Context, query, response string, numSuggestions int) ([]string, error) {
	summary := response
	if len(summary) > 500 {
		summary = summary[:500]
	}

	userPrompt := fmt.Sprintf(`Based on this conversation, suggest %d follow-up questions or actions the user might want to take.

Original Query: %s

Response Summary: %s

Output as a JSON array of strings, e.g.:
["suggestion 1", "suggestion 2", "suggestion 3"]

Keep suggestions:
- Specific and actionable
- Related to the original query
- Helpful for the user's next steps`, numSuggestions, query, summary)

	resp, err := s.complete(ctx, "Generate helpful follow-up suggestions.", userPrompt, nil)
	if err != nil {
		return nil, fmt.Errorf("synthesizer: generate suggestions failed: %w", err)
	}

	start := strings.Index(resp.Content, "[")
	end := strings.LastIndex(resp.Content, "]")
	if start < 0 || end < start {
		return []string{}, nil
	}

	var suggestions []string
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &suggestions); err != nil {
		return []string{}, nil
	}
	return suggestions, nil
}

// Summarize condenses content to at most maxLength characters.
func (s *Synthesizer) Summarize(ctx context.Context, content string, maxLength int, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	userPrompt := fmt.Sprintf(`Summarize the following content in %d characters or less:

%s

Provide a concise summary that captures the key points.`, maxLength, content)

	resp, err := s.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", fmt.Errorf("synthesizer: summarize failed: %w", err)
	}

	summary := resp.Content
	if len(summary) > maxLength {
		cut := maxLength - 3
		if cut < 0 {
			cut = 0
		}
		summary = summary[:cut] + "..."
	}
	return summary, nil
}

// FormatResponse reformats content into a target presentation style.
func (s *Synthesizer) FormatResponse(ctx context.Context, content, formatType, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	userPrompt := fmt.Sprintf(`Reformat the following content:

%s

%s`, content, formatInstructions(formatType))

	resp, err := s.complete(ctx, systemPrompt, userPrompt, nil)
	if err != nil {
		return "", fmt.Errorf("synthesizer: format response failed: %w", err)
	}
	return resp.Content, nil
}

func (s *Synthesizer) buildSynthesisPrompt(instruction, query string, findings []blackboard.Finding, toolResults []blackboard.ToolResult, blackboardCtx string) string {
	findingsText := "No specific findings recorded."
	if len(findings) > 0 {
		recent := findings
		if len(recent) > 15 {
			recent = recent[len(recent)-15:]
		}
		var sb strings.Builder
		for i, f := range recent {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "- [%s] %s", f.Source, f.Content)
		}
		findingsText = sb.String()
	}

	var resultsText strings.Builder
	if len(toolResults) > 0 {
		recent := toolResults
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		for _, r := range recent {
			if r.Success {
				val := r.Result
				if r.CompactResult != nil {
					val = r.CompactResult
				}
				fmt.Fprintf(&resultsText, "\n- %s: %s", r.ToolName, truncateDisplay(fmt.Sprintf("%v", val), 300))
			} else {
				fmt.Fprintf(&resultsText, "\n- %s: FAILED - %s", r.ToolName, r.Error)
			}
		}
	}

	return fmt.Sprintf(`Synthesis Task: %s

Original User Query: %s

Findings:
%s

Tool Results:%s

Current Context:
%s

Synthesize the above into a clear, helpful response for the user.`,
		instruction, query, findingsText, resultsText.String(), blackboardCtx)
}

func truncateDisplay(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatInstructions(formatType string) string {
	switch formatType {
	case "json":
		return `Format your response as JSON:
{
    "summary": "brief summary",
    "details": ["detail 1", "detail 2"],
    "recommendations": ["recommendation 1"]
}`
	case "plain":
		return "Format your response as plain text without special formatting."
	case "structured":
		return `Format your response with clear sections:
SUMMARY:
[Brief summary]

DETAILS:
[Detailed information]

RECOMMENDATIONS:
[Any recommendations or next steps]`
	default:
		return `Format your response in Markdown:
- Use headers (##) for sections
- Use bullet points for lists
- Use **bold** for emphasis
- Use code blocks for technical content`
	}
}

var _ SubAgent = (*Synthesizer)(nil)
