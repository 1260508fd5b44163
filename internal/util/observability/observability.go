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

// Package observability provides tracing helpers.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelsdkresource "go.opentelemetry.io/otel/sdk/resource"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelsemconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/FerretDB/sqlitekit/internal/util/lazyerrors"
)

// ShutdownFunc flushes pending spans and shuts down the tracer provider.
type ShutdownFunc func(context.Context) error

// OtelParams represents the parameters of [SetupOtel].
//
//nolint:vet // for readability
type OtelParams struct {
	Service string
	Version string

	// Endpoint is the host:port of OTLP/HTTP traces receiver.
	// If empty, spans are not exported.
	Endpoint string

	// SampleRatio is the fraction of root spans (write submissions, graph loads) to record.
	// Values outside (0, 1) record all of them.
	SampleRatio float64

	L *zap.Logger
}

// SetupOtel sets up the global tracer provider with OTLP/HTTP exporter.
//
// Exporter errors are logged instead of being printed to stderr.
// If params.Endpoint is empty, the global provider is left untouched
// and the returned function does nothing.
func SetupOtel(ctx context.Context, params *OtelParams) (ShutdownFunc, error) {
	l := params.L

	if params.Endpoint == "" {
		l.Debug("Traces export is disabled.")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(params.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	s := sampler(params.SampleRatio)

	tp := otelsdktrace.NewTracerProvider(
		otelsdktrace.WithBatcher(exporter, otelsdktrace.WithBatchTimeout(time.Second)),
		otelsdktrace.WithSampler(s),
		otelsdktrace.WithResource(otelsdkresource.NewSchemaless(
			otelsemconv.ServiceNameKey.String(params.Service),
			otelsemconv.ServiceVersionKey.String(params.Version),
		)),
	)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		l.Warn("OpenTelemetry error.", zap.Error(err))
	}))
	otel.SetTracerProvider(tp)

	l.Info("Traces export is enabled.", zap.String("endpoint", params.Endpoint), zap.String("sampler", s.Description()))

	return func(ctx context.Context) error {
		// spans of the last operations are still in the batcher
		if err := tp.ForceFlush(ctx); err != nil {
			l.Warn("Failed to flush spans.", zap.Error(err))
		}

		return tp.Shutdown(ctx)
	}, nil
}

// sampler returns a sampler that follows the parent's decision
// and records the given fraction of root spans.
func sampler(ratio float64) otelsdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return otelsdktrace.ParentBased(otelsdktrace.AlwaysSample())
	}

	return otelsdktrace.ParentBased(otelsdktrace.TraceIDRatioBased(ratio))
}
