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

package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tombee/tickflow/pkg/errors"
)

// Trace exporter kinds.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// ExporterConfig configures NewSpanExporter.
type ExporterConfig struct {
	Kind     string
	Endpoint string
	Insecure bool
	Writer   io.Writer
	Headers  map[string]string
}

// NewSpanExporter builds the exporter named by cfg.Kind. It returns nil for
// none.
func NewSpanExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case "", ExporterNone:
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
	case ExporterOTLP:
		return newGRPCExporter(ctx, cfg)
	case ExporterOTLPHTTP:
		return newHTTPExporter(ctx, cfg)
	default:
		return nil, &errors.ConfigError{
			Key:    "telemetry.trace_exporter",
			Reason: fmt.Sprintf("unknown exporter %q (want none, stdout, otlp or otlp-http)", cfg.Kind),
		}
	}
}

func newGRPCExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, &errors.ConfigError{Key: "telemetry.trace_endpoint", Reason: "otlp exporter needs an endpoint"}
	}
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exp, nil
}

func newHTTPExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, &errors.ConfigError{Key: "telemetry.trace_endpoint", Reason: "otlp-http exporter needs an endpoint"}
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exp, nil
}
