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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/tickflow/pkg/workflow"
)

// ticksTotal lives on the default registry so it is scraped even when
// the OTel pipeline is disabled.
var ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tickflow_ticks_total",
	Help: "Total number of scheduler ticks completed",
})

// Metrics records scheduler events as OTel instruments.
type Metrics struct {
	workflows metric.Int64Counter
	stages    metric.Int64Counter
	polls     metric.Int64Counter
	ticks     metric.Int64Histogram

	mu       sync.RWMutex
	live     int64
	buffered map[workflow.Kind]int64
}

// NewMetrics registers instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(InstrumentationName)
	m := &Metrics{buffered: make(map[workflow.Kind]int64)}

	var err error
	m.workflows, err = meter.Int64Counter(
		"tickflow_workflows_total",
		metric.WithDescription("Total number of finished workflow instances"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	m.stages, err = meter.Int64Counter(
		"tickflow_stages_total",
		metric.WithDescription("Total number of finished stages"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return nil, err
	}

	m.polls, err = meter.Int64Counter(
		"tickflow_stage_polls_total",
		metric.WithDescription("Total number of polls performed by while stages"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, err
	}

	m.ticks, err = meter.Int64Histogram(
		"tickflow_workflow_ticks",
		metric.WithDescription("Ticks from request to finish per workflow instance"),
		metric.WithUnit("{tick}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 20, 50, 100, 250, 1000),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"tickflow_live_instances",
		metric.WithDescription("Number of live workflow instances"),
		metric.WithUnit("{instance}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			observer.Observe(m.live)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"tickflow_buffer_depth",
		metric.WithDescription("Number of stages buffered per kind"),
		metric.WithUnit("{stage}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for _, k := range workflow.Kinds() {
				observer.Observe(m.buffered[k], metric.WithAttributes(attribute.String("kind", k.String())))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Attach subscribes m to every event on emitter.
func (m *Metrics) Attach(emitter *workflow.EventEmitter) {
	emitter.OnAny(m.Handle)
}

// Handle records a single event.
func (m *Metrics) Handle(ctx context.Context, ev *workflow.Event) error {
	switch ev.Type {
	case workflow.EventStageCompleted:
		kind := attribute.String("kind", ev.Kind.String())
		m.stages.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("status", "completed")))
		if ev.Kind.Polls() {
			if n, ok := ev.Data["polls"].(int); ok && n > 0 {
				m.polls.Add(ctx, int64(n), metric.WithAttributes(kind))
			}
		}
	case workflow.EventStageFailed:
		m.stages.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ev.Kind.String()),
			attribute.String("status", "failed"),
		))
	case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
		if ev.Result == nil {
			return nil
		}
		attrs := metric.WithAttributes(
			attribute.String("module", ev.Key.Module),
			attribute.String("workflow", ev.Key.Workflow),
			attribute.String("status", string(ev.Result.Status)),
		)
		m.workflows.Add(ctx, 1, attrs)
		m.ticks.Record(ctx, int64(ev.Result.Ticks()), attrs)
	case workflow.EventTickCompleted:
		ticksTotal.Inc()
		if ev.Stats != nil {
			m.observe(*ev.Stats)
		}
	}
	return nil
}

func (m *Metrics) observe(stats workflow.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = int64(stats.Live)
	for _, k := range workflow.Kinds() {
		m.buffered[k] = int64(stats.Buffered[k])
	}
}
