// Copyright 2025 Tom Barlow
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

// Package tracing sets up the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names.
const (
	ExporterNone     = ""
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config selects how spans are exported.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string

	// Exporter is one of the Exporter names. ExporterNone records spans
	// only for processors passed to New.
	Exporter string

	// Writer receives stdout spans (os.Stdout when nil).
	Writer io.Writer

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string

	// Insecure disables TLS for OTLP.
	Insecure bool

	// Headers are sent with every OTLP export.
	Headers map[string]string
}

// Provider owns the tracer provider for the process lifetime.
type Provider struct {
	tp   *sdktrace.TracerProvider
	noop trace.TracerProvider
}

// New builds a Provider and installs it as the global tracer provider.
// With tracing disabled it returns a no-op provider.
func New(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{noop: noop.NewTracerProvider()}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "mcpgateway"
	}
	// An empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	all := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exp, err := newExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		all = append(all, sdktrace.WithBatcher(exp))
	}
	all = append(all, opts...)

	tp := sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exp, nil

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return p.noop.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
