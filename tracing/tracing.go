// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	commoncfg "github.com/prometheus/common/config"
	"github.com/prometheus/common/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const serviceName = "amtriage"

// New installs a global OTLP tracer provider built from cfg and returns a
// shutdown function. A nil cfg installs a no-op provider.
func New(ctx context.Context, logger *slog.Logger, cfg *TracingConfig) (func(context.Context) error, error) {
	if cfg == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	client, err := getClient(cfg)
	if err != nil {
		return nil, err
	}

	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Version),
		),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SamplingFraction))),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(errHandler(func(err error) {
		logger.Error("OpenTelemetry handler returned an error", "err", err)
	}))

	logger.Info("Tracer provider initialized", "endpoint", cfg.Endpoint, "client_type", cfg.ClientType)
	return tp.Shutdown, nil
}

type errHandler func(err error)

func (h errHandler) Handle(err error) { h(err) }

// getClient returns an appropriate OTLP client (either gRPC or HTTP), based
// on the given tracing configuration.
func getClient(cfg *TracingConfig) (otlptrace.Client, error) {
	switch cfg.ClientType {
	case TracingClientGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.Compression != "" {
			opts = append(opts, otlptracegrpc.WithCompressor(cfg.Compression))
		}
		if len(cfg.Headers) != 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Timeout != 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(time.Duration(cfg.Timeout)))
		}
		if cfg.TLSConfig != nil {
			tlsConf, err := commoncfg.NewTLSConfig(cfg.TLSConfig)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsConf)))
		}
		return otlptracegrpc.NewClient(opts...), nil

	case TracingClientHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.Compression == GzipCompression {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		if len(cfg.Headers) != 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Timeout != 0 {
			opts = append(opts, otlptracehttp.WithTimeout(time.Duration(cfg.Timeout)))
		}
		if cfg.TLSConfig != nil {
			tlsConf, err := commoncfg.NewTLSConfig(cfg.TLSConfig)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConf))
		}
		return otlptracehttp.NewClient(opts...), nil

	default:
		return nil, fmt.Errorf("unknown tracing client type %q", cfg.ClientType)
	}
}
