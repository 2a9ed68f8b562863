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

package tool

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// defaultDestructiveVerbs are substrings checked against a lowercased tool
// name by DefaultHILPolicy (spec.md §4.2 step 3).
var defaultDestructiveVerbs = []string{"delete", "remove", "cancel", "terminate", "destroy"}

// DefaultHILThreshold is used when a Spec does not set HILThreshold.
const DefaultHILThreshold = 10000.0

// DefaultHILPolicy builds the default HIL gating heuristic: the tool name
// contains a destructive verb, or a numeric "amount" argument exceeds
// threshold.
func DefaultHILPolicy(threshold float64) HILPolicy {
	if threshold <= 0 {
		threshold = DefaultHILThreshold
	}
	return func(toolName string, args map[string]any) bool {
		lower := strings.ToLower(toolName)
		for _, verb := range defaultDestructiveVerbs {
			if strings.Contains(lower, verb) {
				return true
			}
		}
		if amount, ok := numericArg(args, "amount"); ok && amount > threshold {
			return true
		}
		return false
	}
}

func numericArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Registry is a process-wide, immutable-after-registration map of tools.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a tool. Duplicate registration fails fast (spec.md §4.2).
func (r *Registry) Register(spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name == "" {
		return fmt.Errorf("tool: spec has empty name")
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool: %q is already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// All returns every registered spec, in no particular order.
func (r *Registry) All() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// ValidatePermission checks the caller's permission set against the spec's
// required permissions, returning a human-readable error on denial.
func (r *Registry) ValidatePermission(name string, ctx reqctx.RequestContext) (bool, string) {
	spec, ok := r.Get(name)
	if !ok {
		return false, fmt.Sprintf("tool %q not found", name)
	}
	if !ctx.User.HasAllPermissions(spec.Permissions...) {
		return false, fmt.Sprintf("permission denied for tool %q", name)
	}
	return true, ""
}
