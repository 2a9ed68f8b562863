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

// Package tracing implements the trace/span/generation lifecycle (spec.md
// §4.8): a request starts a trace, StartSpan/WithSpan open nested spans, and
// StartGeneration records an LLM call as a generation with model, input,
// parameters, output and token usage. The orchestrator opens one span per
// sub-agent step; no caller in this repository opens tool spans or records
// generations. Spans form a stack on the trace
// context, sampling is probabilistic, and tracing never raises to the
// caller — failures are logged at warn and swallowed.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/message"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

// ProviderConfig controls the underlying OTel tracer provider.
type ProviderConfig struct {
	Enabled bool

	// SampleRate is the fraction of traces the SDK sampler keeps, and
	// also the probability StartTrace opens a span at all (spec.md §4.8
	// "sampling is probabilistic, default 1.0").
	SampleRate float64

	// OTLPTarget is an OTLP/HTTP collector endpoint. Empty disables
	// export: spans are still created and can drive in-process metrics,
	// they just aren't shipped anywhere.
	OTLPTarget string

	ServiceName string
}

// InitProvider builds the process-wide tracer provider. Disabled
// configurations get a no-op provider so every call site can use the
// tracer unconditionally.
func InitProvider(ctx context.Context, cfg ProviderConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	if cfg.OTLPTarget != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPTarget),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentcore"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
	}
	opts = append(opts, sdktrace.WithResource(res))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Counters tallies the categories of work a trace performed (spec.md §3
// TraceContext.counters: inference, knowledge, tool).
type Counters struct {
	Inference    int
	Knowledge    int
	Tool         int
	InputTokens  int
	OutputTokens int
}

// TraceContext is the request-scoped tracing handle (spec.md §3): identity,
// accumulated metadata, the open-span stack, and per-category counters.
type TraceContext struct {
	TraceID   string
	SessionID string
	UserID    string
	AgentID   string
	Metadata  map[string]any

	mu        sync.Mutex
	stack     []trace.Span
	counters  Counters
	sampled   bool
	startedAt time.Time
}

func (tc *TraceContext) pushSpan(s trace.Span) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.stack = append(tc.stack, s)
}

func (tc *TraceContext) popSpan() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.stack) == 0 {
		return
	}
	tc.stack = tc.stack[:len(tc.stack)-1]
}

func (tc *TraceContext) currentSpan() trace.Span {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.stack) == 0 {
		return nil
	}
	return tc.stack[len(tc.stack)-1]
}

func (tc *TraceContext) recordInference(inputTokens, outputTokens int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.counters.Inference++
	tc.counters.InputTokens += inputTokens
	tc.counters.OutputTokens += outputTokens
}

func (tc *TraceContext) recordTool() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.counters.Tool++
}

func (tc *TraceContext) recordKnowledge() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.counters.Knowledge++
}

// Counters returns a snapshot of the trace's accumulated call counts.
func (tc *TraceContext) Counters() Counters {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.counters
}

// Sampled reports whether this trace actually opened spans, or is a
// no-op placeholder for an unsampled request.
func (tc *TraceContext) Sampled() bool { return tc.sampled }

// Summary renders a compact end-of-trace record suitable for a final span's
// metadata or a structured log line.
func (tc *TraceContext) Summary() map[string]any {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return map[string]any{
		"trace_id":        tc.TraceID,
		"duration_ms":      time.Since(tc.startedAt).Milliseconds(),
		"inference_calls":  tc.counters.Inference,
		"knowledge_calls":  tc.counters.Knowledge,
		"tool_calls":       tc.counters.Tool,
		"input_tokens":     tc.counters.InputTokens,
		"output_tokens":    tc.counters.OutputTokens,
	}
}

// Tracer opens traces, spans, and generations against an OTel provider,
// recording Prometheus metrics alongside when configured. Every method is
// nil-tolerant on its *Span/*Generation receiver so a caller can thread an
// unsampled (nil-span) trace through the same code path as a sampled one.
type Tracer struct {
	tracer     trace.Tracer
	sampleRate float64
	metrics    *Metrics
	log        *slog.Logger
}

// New builds a Tracer. metrics may be nil to disable metric recording.
func New(provider trace.TracerProvider, name string, sampleRate float64, metrics *Metrics, log *slog.Logger) *Tracer {
	if log == nil {
		log = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	return &Tracer{
		tracer:     provider.Tracer(name),
		sampleRate: sampleRate,
		metrics:    metrics,
		log:        log,
	}
}

func (t *Tracer) shouldSample() bool { return rand.Float64() < t.sampleRate }

// StartTrace begins a request-scoped trace (spec.md §4.5 "create ...
// trace span handle_message"). Unsampled requests still get a usable
// TraceContext with counters; they simply don't open OTel spans.
func (t *Tracer) StartTrace(ctx context.Context, rc reqctx.RequestContext, name, agentID string, metadata map[string]any) (context.Context, *TraceContext) {
	md := map[string]any{
		"user_id":    rc.User.ID,
		"session_id": rc.SessionID,
		"request_id": rc.RequestID,
	}
	for k, v := range metadata {
		md[k] = v
	}

	tc := &TraceContext{
		TraceID:   rc.RequestID,
		SessionID: rc.SessionID,
		UserID:    rc.User.ID,
		AgentID:   agentID,
		Metadata:  md,
		startedAt: time.Now(),
	}

	if !t.shouldSample() {
		return ctx, tc
	}
	tc.sampled = true

	spanCtx, span := t.safeStart(ctx, name, attribute.String("session.id", rc.SessionID), attribute.String("user.id", rc.User.ID))
	if span == nil {
		return ctx, tc
	}
	tc.pushSpan(span)
	return spanCtx, tc
}

// EndTrace closes the root span, raising its level to ERROR on failure, and
// records the final request-outcome metric.
func (t *Tracer) EndTrace(tc *TraceContext, output string, failed bool) {
	if tc == nil {
		return
	}
	if t.metrics != nil {
		status := "success"
		if failed {
			status = "error"
		}
		t.metrics.IncRequest(status)
		t.metrics.ObserveRequestDuration(time.Since(tc.startedAt))
	}

	span := tc.currentSpan()
	if span == nil {
		return
	}
	defer tc.popSpan()
	t.safeDo("end trace", func() {
		if failed {
			span.SetStatus(codes.Error, output)
		} else if output != "" {
			span.SetAttributes(attribute.String("output", truncateForSpan(output)))
		}
		span.End()
	})
}

// Span is a single open span on a trace's stack.
type Span struct {
	tc    *TraceContext
	span  trace.Span
	start time.Time
}

// StartSpan opens a child span nested under the trace's current top of
// stack (the original's "parent = current_span or trace" rule, expressed
// here via OTel's context-carried parent instead of a manual field).
func (t *Tracer) StartSpan(ctx context.Context, tc *TraceContext, name string, input any, metadata map[string]any) (context.Context, *Span) {
	if tc == nil || !tc.sampled {
		return ctx, nil
	}

	attrs := attributesFromMetadata(metadata)
	if input != nil {
		attrs = append(attrs, attribute.String("input", truncateForSpan(fmt.Sprintf("%v", input))))
	}

	spanCtx, span := t.safeStart(ctx, name, attrs...)
	if span == nil {
		return ctx, nil
	}
	tc.pushSpan(span)
	return spanCtx, &Span{tc: tc, span: span, start: time.Now()}
}

// WithSpan runs fn inside a span, recording a returned error onto the span
// (raising its level to ERROR) and always popping the span stack — the
// defer-based stand-in for the original's `with client.span(...)` block.
func (t *Tracer) WithSpan(ctx context.Context, tc *TraceContext, name string, input any, fn func(ctx context.Context, span *Span) error) error {
	spanCtx, span := t.StartSpan(ctx, tc, name, input, nil)
	defer span.End()
	err := fn(spanCtx, span)
	if err != nil {
		span.SetError(err)
	}
	return err
}

// SetOutput records a span's result.
func (s *Span) SetOutput(output any) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String("output", truncateForSpan(fmt.Sprintf("%v", output))))
}

// SetError raises the span's level to ERROR (spec.md §4.8).
func (s *Span) SetError(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// AddMetadata attaches one more attribute to the span.
func (s *Span) AddMetadata(key string, value any) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

// End closes the span and pops it off the trace's stack.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.start).Milliseconds()))
	s.span.End()
	s.tc.popSpan()
}

// Usage is the token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Generation is one LLM call traced with model, input, parameters, output
// and token usage (spec.md §4.8).
type Generation struct {
	tc    *TraceContext
	span  trace.Span
	model string
	start time.Time
}

// StartGeneration opens a generation span for one LLM call.
func (t *Tracer) StartGeneration(ctx context.Context, tc *TraceContext, name, model string, inputMessages []message.Message, modelParams map[string]any) (context.Context, *Generation) {
	if tc == nil || !tc.sampled {
		return ctx, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("llm.model", model),
		attribute.Int("llm.input_messages", len(inputMessages)),
	}
	for k, v := range modelParams {
		attrs = append(attrs, attribute.String("llm.param."+k, fmt.Sprintf("%v", v)))
	}

	spanCtx, span := t.safeStart(ctx, name, attrs...)
	if span == nil {
		return ctx, nil
	}
	tc.pushSpan(span)
	return spanCtx, &Generation{tc: tc, span: span, model: model, start: time.Now()}
}

// End closes a generation, recording output, usage, and inference counters.
// On an unsampled trace StartGeneration returns a nil Generation and End
// records nothing; RecordInferenceCounters covers that case.
func (g *Generation) End(output string, usage *Usage, callErr error) {
	if g == nil {
		return
	}
	defer g.tc.popSpan()

	inputTokens, outputTokens := 0, 0
	if usage != nil {
		inputTokens, outputTokens = usage.InputTokens, usage.OutputTokens
	}
	g.tc.recordInference(inputTokens, outputTokens)

	if callErr != nil {
		g.span.RecordError(callErr)
		g.span.SetStatus(codes.Error, callErr.Error())
	} else {
		g.span.SetAttributes(attribute.String("llm.output", truncateForSpan(output)))
	}
	if usage != nil {
		g.span.SetAttributes(
			attribute.Int("llm.input_tokens", usage.InputTokens),
			attribute.Int("llm.output_tokens", usage.OutputTokens),
		)
	}
	g.span.SetAttributes(attribute.Int64("duration_ms", time.Since(g.start).Milliseconds()))
	g.span.End()
}

// RecordInferenceCounters bumps a trace's inference counters without
// opening a generation span, for callers on an unsampled trace that still
// want the final Summary to reflect real call volume.
func (t *Tracer) RecordInferenceCounters(tc *TraceContext, usage *Usage) {
	if tc == nil {
		return
	}
	if usage == nil {
		tc.recordInference(0, 0)
		return
	}
	tc.recordInference(usage.InputTokens, usage.OutputTokens)
}

// RecordToolCall bumps a trace's tool-call counter and the tool metric.
func (t *Tracer) RecordToolCall(tc *TraceContext, toolName string, d time.Duration, success bool) {
	if tc != nil {
		tc.recordTool()
	}
	if t.metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	t.metrics.IncToolExecution(toolName, status)
	t.metrics.ObserveToolDuration(toolName, d)
}

// RecordKnowledgeRetrieval bumps a trace's knowledge counter and the
// retrieval latency/result-count metrics.
func (t *Tracer) RecordKnowledgeRetrieval(tc *TraceContext, d time.Duration, resultCount int) {
	if tc != nil {
		tc.recordKnowledge()
	}
	if t.metrics == nil {
		return
	}
	t.metrics.ObserveKnowledgeRetrieval(d, resultCount)
}

// LogEvent attaches a point-in-time event to the current span, e.g. a
// replan decision or an HIL pause (spec.md §4.8 decision log).
func (t *Tracer) LogEvent(tc *TraceContext, name string, metadata map[string]any) {
	if tc == nil || !tc.sampled {
		return
	}
	span := tc.currentSpan()
	if span == nil {
		return
	}
	t.safeDo("log event", func() {
		span.AddEvent(name, trace.WithAttributes(attributesFromMetadata(metadata)...))
	})
}

// safeStart wraps tracer.Start so a failure to instrument never surfaces to
// the caller (spec.md §4.8 "tracing failures are logged at warn and never
// raise").
func (t *Tracer) safeStart(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var spanCtx context.Context
	var span trace.Span
	ok := t.safeDo("start span "+name, func() {
		spanCtx, span = t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	})
	if !ok {
		return ctx, nil
	}
	return spanCtx, span
}

// safeDo runs fn, recovering from any panic and logging it at warn instead
// of propagating — tracing is best-effort instrumentation, never a cause of
// request failure.
func (t *Tracer) safeDo(op string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("tracing operation failed", "op", op, "panic", r)
			ok = false
		}
	}()
	fn()
	return true
}

func attributesFromMetadata(metadata map[string]any) []attribute.KeyValue {
	if len(metadata) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(metadata))
	for k, v := range metadata {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	return attrs
}

func truncateForSpan(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
