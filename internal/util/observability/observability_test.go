// Copyright 2021 FerretDB Inc.
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

package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestSetupOtel(t *testing.T) {
	// not parallel: replaces the global tracer provider

	t.Run("Disabled", func(t *testing.T) {
		prev := otel.GetTracerProvider()

		shutdown, err := SetupOtel(context.Background(), &OtelParams{Service: "test", L: zap.NewNop()})
		require.NoError(t, err)
		assert.Equal(t, prev, otel.GetTracerProvider())
		require.NoError(t, shutdown(context.Background()))
	})

	t.Run("Enabled", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		t.Cleanup(func() { otel.SetTracerProvider(prev) })

		shutdown, err := SetupOtel(context.Background(), &OtelParams{
			Service:     "test",
			Version:     "v0.0.1",
			Endpoint:    "127.0.0.1:4318",
			SampleRatio: 0.5,
			L:           zap.NewNop(),
		})
		require.NoError(t, err)

		tp, ok := otel.GetTracerProvider().(*otelsdktrace.TracerProvider)
		require.True(t, ok)
		assert.NotSame(t, prev, tp)

		// nothing was recorded, so nothing is sent
		require.NoError(t, shutdown(context.Background()))
	})
}

func TestSampler(t *testing.T) {
	t.Parallel()

	for ratio, expected := range map[float64]string{
		0:   "AlwaysOnSampler",
		1:   "AlwaysOnSampler",
		2:   "AlwaysOnSampler",
		0.5: "TraceIDRatioBased{0.5}",
	} {
		d := sampler(ratio).Description()
		assert.Contains(t, d, "ParentBased")
		assert.Contains(t, d, "root:"+expected, "ratio %v", ratio)
	}
}

func TestStartSpan(t *testing.T) {
	// not parallel: replaces the global tracer provider

	rec := tracetest.NewSpanRecorder()
	tp := otelsdktrace.NewTracerProvider(otelsdktrace.WithSpanProcessor(rec))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "ok", attribute.Int("n", 1))
	span.SetAttributes(attribute.String("s", "v"))
	span.End(nil)

	_, span = StartSpan(context.Background(), "failed")
	span.End(errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "ok", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.Int("n", 1))
	assert.Contains(t, ended[0].Attributes(), attribute.String("s", "v"))
	assert.Equal(t, otelcodes.Unset, ended[0].Status().Code)

	assert.Equal(t, "failed", ended[1].Name())
	assert.Equal(t, otelcodes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)
}

func TestFuncCall(t *testing.T) {
	t.Parallel()

	// does nothing when the execution tracer is not running
	FuncCall(context.Background())()
}
