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

package tracing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets spans sub-second tool calls through multi-second LLM
// generations.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the Prometheus instruments this core's components record
// against, scoped to the request/step/generation/tool/knowledge lifecycle
// (spec.md §4.8) — no HTTP-server or RAG-ingestion metrics, since neither
// is part of this core's surface. Every method is nil-safe so a disabled
// Metrics (nil pointer) can be threaded through unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  prometheus.Histogram

	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	replansTotal    prometheus.Counter
	hilPausesTotal  prometheus.Counter
	activeSteps     prometheus.Gauge

	llmTokensTotal    *prometheus.CounterVec
	llmCallDuration   *prometheus.HistogramVec

	toolExecutionsTotal *prometheus.CounterVec
	toolDuration        *prometheus.HistogramVec

	knowledgeRetrievalDuration prometheus.Histogram
	knowledgeResultCount       prometheus.Histogram

	activeSessions prometheus.Gauge
}

// NewMetrics registers the orchestration runtime's metrics against registry.
// Pass prometheus.NewRegistry() for an isolated registry, or nil to use the
// default global one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	reg := prometheus.Registerer(prometheus.DefaultRegisterer)
	if registry != nil {
		reg = registry
	}

	factory := func(name string) string { return "agentcore_" + name }

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: factory("requests_total"),
			Help: "Total orchestrator requests handled, by terminal outcome.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    factory("request_duration_seconds"),
			Help:    "End-to-end duration of a handled request.",
			Buckets: durationBuckets,
		}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: factory("plan_steps_total"),
			Help: "Plan steps dispatched, by sub-agent and terminal status.",
		}, []string{"sub_agent", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    factory("plan_step_duration_seconds"),
			Help:    "Duration of a single plan step's execution.",
			Buckets: durationBuckets,
		}, []string{"sub_agent"}),
		replansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: factory("replans_total"),
			Help: "Number of times the orchestrator invoked Planner.Replan.",
		}),
		hilPausesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: factory("hil_pauses_total"),
			Help: "Number of steps parked awaiting human approval.",
		}),
		activeSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: factory("active_steps"),
			Help: "Plan steps currently dispatched and running.",
		}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: factory("llm_tokens_total"),
			Help: "LLM tokens consumed, by direction (input/output).",
		}, []string{"direction"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    factory("llm_call_duration_seconds"),
			Help:    "Duration of a single LLM completion call, by model.",
			Buckets: durationBuckets,
		}, []string{"model"}),
		toolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: factory("tool_executions_total"),
			Help: "Tool invocations, by tool name and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    factory("tool_duration_seconds"),
			Help:    "Duration of a single tool invocation, by tool name.",
			Buckets: durationBuckets,
		}, []string{"tool"}),
		knowledgeRetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    factory("knowledge_retrieval_duration_seconds"),
			Help:    "Duration of a hybrid knowledge retrieval call.",
			Buckets: durationBuckets,
		}),
		knowledgeResultCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    factory("knowledge_retrieval_results"),
			Help:    "Number of fused results a knowledge retrieval call returned.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: factory("active_sessions"),
			Help: "Sessions currently held by the session store.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requestsTotal, m.requestDuration, m.stepsTotal, m.stepDuration,
		m.replansTotal, m.hilPausesTotal, m.activeSteps,
		m.llmTokensTotal, m.llmCallDuration,
		m.toolExecutionsTotal, m.toolDuration,
		m.knowledgeRetrievalDuration, m.knowledgeResultCount,
		m.activeSessions,
	} {
		_ = reg.Register(c)
	}

	return m
}

// Handler exposes the metrics registry for scraping. When m is nil or was
// built with a nil registry (i.e. registered against the default one), it
// returns promhttp.Handler(), which serves the default registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequest(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRequestDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) IncStep(subAgent, status string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(subAgent, status).Inc()
}

func (m *Metrics) ObserveStepDuration(subAgent string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(subAgent).Observe(d.Seconds())
}

func (m *Metrics) IncReplan() {
	if m == nil {
		return
	}
	m.replansTotal.Inc()
}

func (m *Metrics) IncHILPause() {
	if m == nil {
		return
	}
	m.hilPausesTotal.Inc()
}

func (m *Metrics) SetActiveSteps(n float64) {
	if m == nil {
		return
	}
	m.activeSteps.Set(n)
}

func (m *Metrics) AddLLMTokens(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.llmTokensTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ObserveLLMDuration(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmCallDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) IncToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.toolExecutionsTotal.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) ObserveToolDuration(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveKnowledgeRetrieval(d time.Duration, resultCount int) {
	if m == nil {
		return
	}
	m.knowledgeRetrievalDuration.Observe(d.Seconds())
	m.knowledgeResultCount.Observe(float64(resultCount))
}

func (m *Metrics) SetActiveSessions(n float64) {
	if m == nil {
		return
	}
	m.activeSessions.Set(n)
}
