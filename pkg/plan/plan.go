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

// Package plan defines the ExecutionPlan/PlanStep data model (spec.md §3)
// shared by the Planner sub-agent, the Orchestrator, and the Blackboard.
// It is a standalone package (rather than living in pkg/agent or
// pkg/orchestrator) specifically to avoid an import cycle between those
// two packages, both of which need to read and mutate plans.
package plan

import "time"

// SubAgentKind names the role a PlanStep is dispatched to.
type SubAgentKind string

const (
	SubAgentPlanner     SubAgentKind = "planner"
	SubAgentResearcher  SubAgentKind = "researcher"
	SubAgentAnalyzer    SubAgentKind = "analyzer"
	SubAgentExecutor    SubAgentKind = "executor"
	SubAgentSynthesizer SubAgentKind = "synthesizer"
)

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one node of an ExecutionPlan's dependency DAG.
type Step struct {
	ID          string
	Order       int
	Description string
	SubAgent    SubAgentKind
	Instruction string
	DependsOn   []string

	Status StepStatus
	Result any
	Error  string

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Plan is the DAG of sub-agent invocations produced by the Planner and
// driven to completion by the Orchestrator.
type Plan struct {
	Query       string
	Goal        string
	Steps       []*Step
	FinalResult string
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepIDs returns the set of all step ids in the plan.
func (p *Plan) StepIDs() map[string]bool {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		ids[s.ID] = true
	}
	return ids
}

// Validate checks the two structural invariants of spec.md §3 and §8: step
// ids are unique, and depends_on references an acyclic subset of the plan's
// own step ids.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.ID] {
			return &ValidationError{Reason: "duplicate step id: " + s.ID}
		}
		seen[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{Reason: "step " + s.ID + " depends on unknown step " + dep}
			}
		}
	}

	if p.hasCycle() {
		return &ValidationError{Reason: "plan dependency graph contains a cycle"}
	}
	return nil
}

// hasCycle runs a standard three-colour DFS over the depends_on graph.
func (p *Plan) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	byID := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		byID[s.ID] = s
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range p.Steps {
		if color[s.ID] == white {
			if visit(s.ID) {
				return true
			}
		}
	}
	return false
}

// RunnableSteps returns steps whose dependencies are all completed and
// which are themselves still pending.
func (p *Plan) RunnableSteps() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status != StepPending {
			continue
		}
		if p.dependenciesSatisfied(s) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Plan) dependenciesSatisfied(s *Step) bool {
	for _, dep := range s.DependsOn {
		d := p.StepByID(dep)
		if d == nil || d.Status != StepCompleted {
			return false
		}
	}
	return true
}

// AllTerminal reports whether every step has reached a terminal status.
func (p *Plan) AllTerminal() bool {
	for _, s := range p.Steps {
		switch s.Status {
		case StepCompleted, StepFailed, StepSkipped:
		default:
			return false
		}
	}
	return true
}

// AnySucceeded reports whether at least one step completed successfully.
func (p *Plan) AnySucceeded() bool {
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			return true
		}
	}
	return false
}

// FailedSteps returns all steps currently in the failed state.
func (p *Plan) FailedSteps() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// ProgressPercent is completed/total, matching spec.md §3.
func (p *Plan) ProgressPercent() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(p.Steps))
}

// ValidationError reports a structural problem with a Plan.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "plan: " + e.Reason }
