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

// Package tool defines the Tool Registry & Executor (spec.md §4.2): a
// process-wide, immutable-after-registration map of callable tools, and an
// executor that enforces permissions, timeouts, HIL gating, and result
// compaction around each invocation.
package tool

import (
	"context"
	"time"
)

// Func is the callable body of a tool. ctx is injected only if the
// function declares it is needed (mirrored here simply by always passing
// it — Go has no reflection-based "accepts ctx" ambiguity the way the
// original Python registry does).
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// HILPolicy decides whether a call requires human confirmation before
// executing. A nil policy falls back to DefaultHILPolicy.
type HILPolicy func(toolName string, args map[string]any) bool

// CompactFunc shrinks a tool's result for inclusion in LLM context. A nil
// CompactFunc means no compaction; the executor leaves CompactResult unset
// and consumers fall back to the full result.
type CompactFunc func(result map[string]any) map[string]any

// Spec describes one registered tool (spec.md §3 ToolSpec).
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
	Permissions []string       // required_permissions, subset of the caller's permission set

	Timeout time.Duration // default 30s, applied by the Executor

	HIL                 HILPolicy
	ConfirmationPrompt  string
	HILThreshold        float64 // amount threshold for the default policy

	Compact CompactFunc

	Fn Func
}

// RequiresHIL evaluates the tool's HIL policy, or the default destructive/
// threshold heuristic if none is configured (spec.md §4.2 step 3).
func (s *Spec) RequiresHIL(args map[string]any) bool {
	if s.HIL != nil {
		return s.HIL(s.Name, args)
	}
	return DefaultHILPolicy(s.HILThreshold)(s.Name, args)
}

// Prompt returns the confirmation prompt to surface for a HIL-gated call.
func (s *Spec) Prompt() string {
	if s.ConfirmationPrompt != "" {
		return s.ConfirmationPrompt
	}
	return "Confirm execution of " + s.Name + "?"
}

func (s *Spec) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return s.Timeout
}

func (s *Spec) compact(result map[string]any) (map[string]any, bool) {
	if s.Compact == nil {
		return nil, false
	}
	compacted := s.Compact(result)
	return compacted, true
}
