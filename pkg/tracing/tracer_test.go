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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/reqctx"
)

func testTracer(t *testing.T, sampleRate float64) *Tracer {
	t.Helper()
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(provider, "test", sampleRate, metrics, nil)
}

func testRC() reqctx.RequestContext {
	return reqctx.RequestContext{User: reqctx.User{ID: "u1"}, SessionID: "s1", RequestID: "r1"}
}

func TestStartTrace_FullySampledOpensRootSpan(t *testing.T) {
	tr := testTracer(t, 1.0)
	_, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)

	assert.True(t, tc.Sampled())
	assert.Equal(t, "r1", tc.TraceID)
	assert.Equal(t, "s1", tc.Metadata["session_id"])
}

func TestStartTrace_ZeroSampleRateNeverOpensSpans(t *testing.T) {
	tr := testTracer(t, 0.0001)
	tr.sampleRate = 0 // force "never" deterministically; rand.Float64() < 0 is always false
	_, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)

	assert.False(t, tc.Sampled())

	// Unsampled spans must still be safe no-ops.
	ctx, span := tr.StartSpan(context.Background(), tc, "child", nil, nil)
	assert.Nil(t, span)
	span.End() // nil-receiver methods must not panic
	_ = ctx
}

func TestSpanStack_PushAndPopOnEnd(t *testing.T) {
	tr := testTracer(t, 1.0)
	ctx, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)

	_, span := tr.StartSpan(ctx, tc, "agent:researcher", "find invoice", nil)
	require.NotNil(t, span)
	assert.Same(t, span.span, tc.currentSpan())

	span.SetOutput("found it")
	span.End()

	assert.Len(t, tc.stack, 1) // back down to just the root span
}

func TestWithSpan_RecordsErrorWithoutPanicking(t *testing.T) {
	tr := testTracer(t, 1.0)
	ctx, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)

	boom := errors.New("tool exploded")
	err := tr.WithSpan(ctx, tc, "tool:cancel_subscription", nil, func(ctx context.Context, span *Span) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestGeneration_RecordsInferenceCounters(t *testing.T) {
	tr := testTracer(t, 1.0)
	ctx, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)

	_, gen := tr.StartGeneration(ctx, tc, "inference", "gpt-test", nil, map[string]any{"temperature": 0.3})
	require.NotNil(t, gen)
	gen.End("the answer", &Usage{InputTokens: 100, OutputTokens: 20}, nil)

	counters := tc.Counters()
	assert.Equal(t, 1, counters.Inference)
	assert.Equal(t, 100, counters.InputTokens)
	assert.Equal(t, 20, counters.OutputTokens)
}

func TestRecordToolCall_UpdatesTraceCounterEvenUnsampled(t *testing.T) {
	tr := testTracer(t, 0)
	tr.sampleRate = 0
	_, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)
	require.False(t, tc.Sampled())

	tr.RecordToolCall(tc, "lookup_order", 10*time.Millisecond, true)
	assert.Equal(t, 1, tc.Counters().Tool)
}

func TestEndTrace_NilTraceContextIsNoOp(t *testing.T) {
	tr := testTracer(t, 1.0)
	assert.NotPanics(t, func() { tr.EndTrace(nil, "", false) })
}

func TestSummary_ReportsAccumulatedCounts(t *testing.T) {
	tr := testTracer(t, 1.0)
	ctx, tc := tr.StartTrace(context.Background(), testRC(), "handle_message", "", nil)
	tr.RecordKnowledgeRetrieval(tc, 5*time.Millisecond, 3)
	_, gen := tr.StartGeneration(ctx, tc, "inference", "gpt-test", nil, nil)
	gen.End("ok", &Usage{InputTokens: 5, OutputTokens: 5}, nil)

	summary := tc.Summary()
	assert.Equal(t, 1, summary["knowledge_calls"])
	assert.Equal(t, 1, summary["inference_calls"])
}
