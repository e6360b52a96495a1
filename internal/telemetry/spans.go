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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/tickflow/pkg/workflow"
)

// Spans traces each workflow instance as a root span with one child span
// per stage.
type Spans struct {
	tracer trace.Tracer

	mu        sync.Mutex
	instances map[string]*instanceSpan
}

type instanceSpan struct {
	ctx   context.Context
	root  trace.Span
	stage trace.Span
}

// NewSpans creates a span listener.
func NewSpans(tracer trace.Tracer) *Spans {
	return &Spans{
		tracer:    tracer,
		instances: make(map[string]*instanceSpan),
	}
}

// Attach subscribes s to every event on emitter.
func (s *Spans) Attach(emitter *workflow.EventEmitter) {
	emitter.OnAny(s.Handle)
}

// Open returns the number of instances with an open span.
func (s *Spans) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// Handle updates spans for a single event.
func (s *Spans) Handle(ctx context.Context, ev *workflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case workflow.EventWorkflowRequested:
		spanCtx, root := s.tracer.Start(context.WithoutCancel(ctx), "workflow: "+ev.Key.String(),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("tickflow.module", ev.Key.Module),
				attribute.String("tickflow.workflow", ev.Key.Workflow),
				attribute.String("tickflow.instance_id", ev.InstanceID),
				attribute.Int64("tickflow.requested_tick", int64(ev.Tick)),
			),
		)
		s.instances[ev.InstanceID] = &instanceSpan{ctx: spanCtx, root: root}

	case workflow.EventStageStarted:
		inst, ok := s.instances[ev.InstanceID]
		if !ok {
			return nil
		}
		_, inst.stage = s.tracer.Start(inst.ctx, "stage: "+ev.StageName,
			trace.WithAttributes(
				attribute.String("tickflow.stage", ev.StageName),
				attribute.Int("tickflow.stage_index", ev.Stage),
				attribute.String("tickflow.kind", ev.Kind.String()),
				attribute.Int64("tickflow.tick", int64(ev.Tick)),
			),
		)

	case workflow.EventStageWaiting:
		if inst, ok := s.instances[ev.InstanceID]; ok && inst.stage != nil {
			polls, _ := ev.Data["polls"].(int)
			inst.stage.AddEvent("wait", trace.WithAttributes(
				attribute.Int("tickflow.poll", polls),
				attribute.Int64("tickflow.tick", int64(ev.Tick)),
			))
		}

	case workflow.EventStageCompleted, workflow.EventStageFailed:
		inst, ok := s.instances[ev.InstanceID]
		if !ok || inst.stage == nil {
			return nil
		}
		if polls, ok := ev.Data["polls"].(int); ok {
			inst.stage.SetAttributes(attribute.Int("tickflow.polls", polls))
		}
		if ev.Type == workflow.EventStageFailed {
			msg, _ := ev.Data["error"].(string)
			inst.stage.SetStatus(codes.Error, msg)
		} else {
			inst.stage.SetStatus(codes.Ok, "")
		}
		inst.stage.End()
		inst.stage = nil

	case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
		inst, ok := s.instances[ev.InstanceID]
		if !ok {
			return nil
		}
		delete(s.instances, ev.InstanceID)
		if inst.stage != nil {
			inst.stage.SetStatus(codes.Error, "abandoned")
			inst.stage.End()
		}
		if res := ev.Result; res != nil {
			inst.root.SetAttributes(
				attribute.String("tickflow.status", string(res.Status)),
				attribute.Int64("tickflow.ticks", int64(res.Ticks())),
			)
			if res.Err != nil {
				inst.root.RecordError(res.Err)
				inst.root.SetStatus(codes.Error, res.Err.Error())
			} else {
				inst.root.SetStatus(codes.Ok, "")
			}
		}
		inst.root.End()
	}
	return nil
}
