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
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/tickflow/pkg/errors"
)

// InstrumentationName scopes tracers and meters.
const InstrumentationName = "github.com/tombee/tickflow"

// Config selects exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is one of none, stdout, otlp, otlp-http.
	TraceExporter string
	TraceEndpoint string
	Insecure      bool

	// SampleRate is the fraction of workflow traces kept. Zero keeps none.
	SampleRate float64

	// Writer receives stdout spans (default os.Stdout).
	Writer io.Writer
}

// Provider owns the meter and tracer providers.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *Metrics
	spans    *Spans
}

// New creates a provider. Metrics are exported through a private Prometheus
// registry served by MetricsHandler together with the default registry.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tickflow"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := NewSpanExporter(ctx, ExporterConfig{
		Kind:     cfg.TraceExporter,
		Endpoint: cfg.TraceEndpoint,
		Insecure: cfg.Insecure,
		Writer:   cfg.Writer,
	})
	if err != nil {
		return nil, err
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRate)),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	metrics, err := NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Provider{
		tp:       tp,
		mp:       mp,
		registry: registry,
		metrics:  metrics,
		spans:    NewSpans(tp.Tracer(InstrumentationName)),
	}, nil
}

// Metrics returns the scheduler metrics listener.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// Spans returns the scheduler span listener.
func (p *Provider) Spans() *Spans { return p.spans }

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tp.Tracer(InstrumentationName) }

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// MetricsHandler serves the OTel metrics and the default Prometheus
// registry on one endpoint.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{p.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
