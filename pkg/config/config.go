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

// Package config provides configuration loading for the orchestration
// runtime. The runtime is zero-config by default: with no file present it
// boots against an in-memory session store and mock LLM/embedder backends,
// suitable for the dev harness in cmd/agentcore.
package config

import (
	"time"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/checkpoint"
)

// Config is the root configuration structure.
type Config struct {
	// Name identifies this deployment, used in logs and trace metadata.
	Name string `yaml:"name,omitempty" mapstructure:"name"`

	LLM        LLMConfig        `yaml:"llm,omitempty" mapstructure:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding,omitempty" mapstructure:"embedding"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge,omitempty" mapstructure:"knowledge"`
	Session    SessionConfig    `yaml:"session,omitempty" mapstructure:"session"`
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty" mapstructure:"checkpoint"`
	Transport  TransportConfig  `yaml:"transport,omitempty" mapstructure:"transport"`
	Tracing    TracingConfig    `yaml:"tracing,omitempty" mapstructure:"tracing"`
	Logging    LoggingConfig    `yaml:"logging,omitempty" mapstructure:"logging"`

	// MaxStepParallelism bounds concurrent sub-agent step dispatch (spec.md §4.5/§5).
	MaxStepParallelism int `yaml:"max_step_parallelism,omitempty" mapstructure:"max_step_parallelism"`

	// MaxReplans bounds how many times the Orchestrator may replan per request.
	MaxReplans int `yaml:"max_replans,omitempty" mapstructure:"max_replans"`
}

// LLMConfig selects and configures the inference backend.
type LLMConfig struct {
	// Provider selects a named client: "mock", "groq", "together",
	// "openrouter", or "ollama" (falls back to http://localhost:11434/v1
	// with model llama3.2 per spec.md §6).
	Provider string        `yaml:"provider,omitempty" mapstructure:"provider"`
	Model    string        `yaml:"model,omitempty" mapstructure:"model"`
	APIKey   string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL  string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout  time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider,omitempty" mapstructure:"provider"`
	Model    string `yaml:"model,omitempty" mapstructure:"model"`
	APIKey   string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL  string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// KnowledgeConfig configures the hybrid retriever (C1).
type KnowledgeConfig struct {
	// VectorStore selects a backend: "memory" (default), "qdrant", "pinecone".
	VectorStore string `yaml:"vector_store,omitempty" mapstructure:"vector_store"`

	QdrantHost       string `yaml:"qdrant_host,omitempty" mapstructure:"qdrant_host"`
	QdrantPort       int    `yaml:"qdrant_port,omitempty" mapstructure:"qdrant_port"`
	QdrantAPIKey     string `yaml:"qdrant_api_key,omitempty" mapstructure:"qdrant_api_key"`
	QdrantUseTLS     bool   `yaml:"qdrant_use_tls,omitempty" mapstructure:"qdrant_use_tls"`
	QdrantCollection string `yaml:"qdrant_collection,omitempty" mapstructure:"qdrant_collection"`

	PineconeKey   string `yaml:"pinecone_api_key,omitempty" mapstructure:"pinecone_api_key"`
	PineconeEnv   string `yaml:"pinecone_environment,omitempty" mapstructure:"pinecone_environment"`
	PineconeIndex string `yaml:"pinecone_index,omitempty" mapstructure:"pinecone_index"`

	BM25Weight float64 `yaml:"bm25_weight,omitempty" mapstructure:"bm25_weight"`
	VecWeight  float64 `yaml:"vector_weight,omitempty" mapstructure:"vector_weight"`
	RRFK       int     `yaml:"rrf_k,omitempty" mapstructure:"rrf_k"`
}

// SessionConfig configures the session store (C6).
type SessionConfig struct {
	Backend               string `yaml:"backend,omitempty" mapstructure:"backend"` // "memory"
	MaxMessagesPerSession int    `yaml:"max_messages_per_session,omitempty" mapstructure:"max_messages_per_session"`
	DefaultTTLHours        int    `yaml:"default_ttl_hours,omitempty" mapstructure:"default_ttl_hours"`
}

// CheckpointConfig configures checkpoint cadence and recovery, mirroring
// pkg/checkpoint.Config's shape (plain bools here since this struct is the
// YAML-facing one; ToCheckpointConfig does the *bool conversion that
// package's nil-means-unset defaulting needs).
type CheckpointConfig struct {
	Enabled bool `yaml:"enabled,omitempty" mapstructure:"enabled"`

	// Strategy is "event", "interval", or "hybrid".
	Strategy       string `yaml:"strategy,omitempty" mapstructure:"strategy"`
	Interval       int    `yaml:"interval,omitempty" mapstructure:"interval"`
	AfterSteps     bool   `yaml:"after_steps,omitempty" mapstructure:"after_steps"`
	BeforePlanning bool   `yaml:"before_planning,omitempty" mapstructure:"before_planning"`

	AutoResume      bool `yaml:"auto_resume,omitempty" mapstructure:"auto_resume"`
	AutoResumeHITL  bool `yaml:"auto_resume_hitl,omitempty" mapstructure:"auto_resume_hitl"`
	RecoveryTimeout int  `yaml:"recovery_timeout,omitempty" mapstructure:"recovery_timeout"` // seconds
}

// ToCheckpointConfig converts the YAML-facing CheckpointConfig into the
// pkg/checkpoint.Config the Manager actually consumes.
func (c CheckpointConfig) ToCheckpointConfig() *checkpoint.Config {
	enabled, afterSteps, beforePlanning := c.Enabled, c.AfterSteps, c.BeforePlanning
	autoResume, autoResumeHITL := c.AutoResume, c.AutoResumeHITL
	return &checkpoint.Config{
		Enabled:        &enabled,
		Strategy:       checkpoint.Strategy(c.Strategy),
		Interval:       c.Interval,
		AfterSteps:     &afterSteps,
		BeforePlanning: &beforePlanning,
		Recovery: &checkpoint.RecoveryConfig{
			AutoResume:     &autoResume,
			AutoResumeHITL: &autoResumeHITL,
			Timeout:        c.RecoveryTimeout,
		},
	}
}

// TransportConfig configures the framed channel (C7).
type TransportConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty" mapstructure:"idle_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout,omitempty" mapstructure:"auth_timeout"`
	MaxConnections int           `yaml:"max_connections,omitempty" mapstructure:"max_connections"`
}

// TracingConfig configures sampling and sinks (C8).
type TracingConfig struct {
	SampleRate float64 `yaml:"sample_rate,omitempty" mapstructure:"sample_rate"`
	OTLPTarget string  `yaml:"otlp_target,omitempty" mapstructure:"otlp_target"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" mapstructure:"level"`
	Format string `yaml:"format,omitempty" mapstructure:"format"`
}

// Default returns a fully-populated zero-config Config, mirroring the
// teacher's config-first-but-zero-config-capable philosophy.
func Default() *Config {
	return &Config{
		Name: "agentcore",
		LLM: LLMConfig{
			Provider: "mock",
			Model:    "llama3.2",
			BaseURL:  "http://localhost:11434/v1",
			Timeout:  60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider: "mock",
		},
		Knowledge: KnowledgeConfig{
			VectorStore: "memory",
			BM25Weight:  0.4,
			VecWeight:   0.6,
			RRFK:        60,
		},
		Session: SessionConfig{
			Backend:               "memory",
			MaxMessagesPerSession: 1000,
			DefaultTTLHours:       24,
		},
		Checkpoint: CheckpointConfig{
			Enabled:         true,
			Strategy:        "hybrid",
			Interval:        5,
			AfterSteps:      false,
			BeforePlanning:  false,
			AutoResume:      false,
			AutoResumeHITL:  false,
			RecoveryTimeout: 3600,
		},
		Transport: TransportConfig{
			IdleTimeout:    300 * time.Second,
			AuthTimeout:    30 * time.Second,
			MaxConnections: 1000,
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MaxStepParallelism: 4,
		MaxReplans:         2,
	}
}

// ApplyDefaults fills zero-valued fields with Default()'s values, allowing a
// partially-specified user config to be merged against the zero-config
// baseline instead of requiring every field to be set.
func (c *Config) ApplyDefaults() {
	d := Default()

	if c.Name == "" {
		c.Name = d.Name
	}
	if c.LLM.Provider == "" {
		c.LLM = d.LLM
	}
	if c.Embedding.Provider == "" {
		c.Embedding = d.Embedding
	}
	if c.Knowledge.VectorStore == "" {
		c.Knowledge.VectorStore = d.Knowledge.VectorStore
	}
	if c.Knowledge.BM25Weight == 0 && c.Knowledge.VecWeight == 0 {
		c.Knowledge.BM25Weight = d.Knowledge.BM25Weight
		c.Knowledge.VecWeight = d.Knowledge.VecWeight
	}
	if c.Knowledge.RRFK == 0 {
		c.Knowledge.RRFK = d.Knowledge.RRFK
	}
	if c.Session.Backend == "" {
		c.Session.Backend = d.Session.Backend
	}
	if c.Session.MaxMessagesPerSession == 0 {
		c.Session.MaxMessagesPerSession = d.Session.MaxMessagesPerSession
	}
	if c.Session.DefaultTTLHours == 0 {
		c.Session.DefaultTTLHours = d.Session.DefaultTTLHours
	}
	if c.Transport.IdleTimeout == 0 {
		c.Transport.IdleTimeout = d.Transport.IdleTimeout
	}
	if c.Transport.AuthTimeout == 0 {
		c.Transport.AuthTimeout = d.Transport.AuthTimeout
	}
	if c.Transport.MaxConnections == 0 {
		c.Transport.MaxConnections = d.Transport.MaxConnections
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.MaxStepParallelism == 0 {
		c.MaxStepParallelism = d.MaxStepParallelism
	}
	if c.MaxReplans == 0 {
		c.MaxReplans = d.MaxReplans
	}
	if c.Checkpoint.Strategy == "" {
		c.Checkpoint.Strategy = d.Checkpoint.Strategy
	}
	if c.Checkpoint.RecoveryTimeout == 0 {
		c.Checkpoint.RecoveryTimeout = d.Checkpoint.RecoveryTimeout
	}
}
