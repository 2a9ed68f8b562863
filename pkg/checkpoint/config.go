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

package checkpoint

import (
	"fmt"
	"time"
)

// Strategy determines when checkpoints are created.
type Strategy string

const (
	// StrategyEvent checkpoints only on specific events: HIL suspension,
	// replanning, and terminal outcomes.
	StrategyEvent Strategy = "event"

	// StrategyInterval checkpoints every N dispatch waves, in addition to
	// the event-driven points.
	StrategyInterval Strategy = "interval"

	// StrategyHybrid is both.
	StrategyHybrid Strategy = "hybrid"
)

// Config configures checkpoint behavior for an Orchestrator.
type Config struct {
	// Enabled turns checkpointing on. Default: false.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Strategy determines when checkpoints are created beyond the
	// always-on HIL/replan/terminal events. Default: "event".
	Strategy Strategy `yaml:"strategy,omitempty"`

	// Interval checkpoints every N dispatch waves. Only used when Strategy
	// is "interval" or "hybrid". Default: 0 (disabled).
	Interval int `yaml:"interval,omitempty"`

	// AfterSteps checkpoints after every dispatch wave completes, not just
	// on HIL/replan/terminal events. Default: false.
	AfterSteps *bool `yaml:"after_steps,omitempty"`

	// BeforePlanning checkpoints before the Planner builds the initial plan
	// at admission; a replan is checkpointed by OnReplan instead. Default: false.
	BeforePlanning *bool `yaml:"before_planning,omitempty"`

	Recovery *RecoveryConfig `yaml:"recovery,omitempty"`
}

// RecoveryConfig configures checkpoint recovery behavior.
type RecoveryConfig struct {
	// AutoResume enables automatic recovery on startup. Default: false.
	AutoResume *bool `yaml:"auto_resume,omitempty"`

	// AutoResumeHITL also auto-resumes sessions parked awaiting human
	// input, rather than waiting for the human to reconnect. Default:
	// false — most deployments want a human to actually show up.
	AutoResumeHITL *bool `yaml:"auto_resume_hitl,omitempty"`

	// Timeout is the maximum checkpoint age, in seconds, that is still
	// considered recoverable. Default: 3600.
	Timeout int `yaml:"timeout,omitempty"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(false)
	}
	if c.Strategy == "" {
		c.Strategy = StrategyEvent
	}
	if c.AfterSteps == nil {
		c.AfterSteps = boolPtr(false)
	}
	if c.BeforePlanning == nil {
		c.BeforePlanning = boolPtr(false)
	}
	if c.Recovery == nil {
		c.Recovery = &RecoveryConfig{}
	}
	c.Recovery.SetDefaults()
}

// SetDefaults fills in zero-valued fields.
func (c *RecoveryConfig) SetDefaults() {
	if c.AutoResume == nil {
		c.AutoResume = boolPtr(false)
	}
	if c.AutoResumeHITL == nil {
		c.AutoResumeHITL = boolPtr(false)
	}
	if c.Timeout == 0 {
		c.Timeout = 3600
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Strategy {
	case "", StrategyEvent, StrategyInterval, StrategyHybrid:
	default:
		return fmt.Errorf("checkpoint: invalid strategy %q (valid: event, interval, hybrid)", c.Strategy)
	}
	if c.Interval < 0 {
		return fmt.Errorf("checkpoint: interval must be non-negative")
	}
	if c.Recovery != nil {
		if err := c.Recovery.Validate(); err != nil {
			return fmt.Errorf("checkpoint: recovery config: %w", err)
		}
	}
	return nil
}

// Validate checks the recovery configuration.
func (c *RecoveryConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("checkpoint: recovery timeout must be non-negative")
	}
	return nil
}

// IsEnabled reports whether checkpointing is on.
func (c *Config) IsEnabled() bool { return c != nil && c.Enabled != nil && *c.Enabled }

// ShouldCheckpointAfterSteps reports whether to checkpoint after every
// dispatch wave.
func (c *Config) ShouldCheckpointAfterSteps() bool {
	return c.IsEnabled() && c.AfterSteps != nil && *c.AfterSteps
}

// ShouldCheckpointBeforePlanning reports whether to checkpoint before the
// Planner runs.
func (c *Config) ShouldCheckpointBeforePlanning() bool {
	return c.IsEnabled() && c.BeforePlanning != nil && *c.BeforePlanning
}

// ShouldCheckpointInterval reports whether interval checkpointing is active.
func (c *Config) ShouldCheckpointInterval() bool {
	return c.IsEnabled() &&
		(c.Strategy == StrategyInterval || c.Strategy == StrategyHybrid) &&
		c.Interval > 0
}

// ShouldCheckpointAtWave reports whether wave should trigger an interval
// checkpoint.
func (c *Config) ShouldCheckpointAtWave(wave int) bool {
	if !c.ShouldCheckpointInterval() {
		return false
	}
	return wave > 0 && wave%c.Interval == 0
}

// GetRecoveryTimeout returns the configured recovery timeout, defaulting to
// one hour.
func (c *Config) GetRecoveryTimeout() time.Duration {
	if c == nil || c.Recovery == nil || c.Recovery.Timeout <= 0 {
		return time.Hour
	}
	return time.Duration(c.Recovery.Timeout) * time.Second
}

// ShouldAutoResume reports whether to resume parked sessions on startup.
func (c *Config) ShouldAutoResume() bool {
	return c.IsEnabled() && c.Recovery != nil && c.Recovery.AutoResume != nil && *c.Recovery.AutoResume
}

// ShouldAutoResumeHITL reports whether to also auto-resume sessions parked
// awaiting human input.
func (c *Config) ShouldAutoResumeHITL() bool {
	return c.IsEnabled() && c.Recovery != nil && c.Recovery.AutoResumeHITL != nil && *c.Recovery.AutoResumeHITL
}

func boolPtr(b bool) *bool { return &b }
