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

// Package timeline renders per-instance stage timelines, measured in ticks,
// from scheduler events.
package timeline

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/tickflow/pkg/workflow"
)

// Span is one stage of a traced instance.
type Span struct {
	Name      string
	Kind      workflow.Kind
	StartTick uint64
	EndTick   uint64
	Polls     int
	Failed    bool
	Done      bool
}

// Ticks returns how many ticks the stage spanned, counting both ends.
func (s Span) Ticks() uint64 { return s.EndTick - s.StartTick + 1 }

// Trace is the recorded history of one instance.
type Trace struct {
	InstanceID string
	Key        workflow.Key
	StartTick  uint64
	EndTick    uint64
	Status     workflow.Status
	Spans      []Span

	seq int
}

// Recorder collects traces from scheduler events.
type Recorder struct {
	mu     sync.Mutex
	traces map[string]*Trace
	seq    int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{traces: make(map[string]*Trace)}
}

// Attach subscribes the recorder to every scheduler event.
func (r *Recorder) Attach(emitter *workflow.EventEmitter) {
	emitter.OnAny(r.Handle)
}

// Handle records one event.
func (r *Recorder) Handle(ctx context.Context, ev *workflow.Event) error {
	if ev.InstanceID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Type == workflow.EventWorkflowRequested {
		r.traces[ev.InstanceID] = &Trace{
			InstanceID: ev.InstanceID,
			Key:        ev.Key,
			StartTick:  ev.Tick,
			EndTick:    ev.Tick,
			seq:        r.seq,
		}
		r.seq++
		return nil
	}

	tr, ok := r.traces[ev.InstanceID]
	if !ok {
		return nil
	}
	tr.EndTick = ev.Tick

	switch {
	case ev.Type == workflow.EventStageStarted:
		tr.Spans = append(tr.Spans, Span{Name: ev.StageName, Kind: ev.Kind, StartTick: ev.Tick, EndTick: ev.Tick})
	case ev.Type == workflow.EventStageWaiting, ev.Type == workflow.EventStageCompleted, ev.Type == workflow.EventStageFailed:
		if len(tr.Spans) == 0 {
			return nil
		}
		span := &tr.Spans[len(tr.Spans)-1]
		span.EndTick = ev.Tick
		if polls, ok := ev.Data["polls"].(int); ok {
			span.Polls = polls
		}
		span.Failed = ev.Type == workflow.EventStageFailed
		span.Done = ev.Type != workflow.EventStageWaiting
	case ev.Type.Terminal():
		if ev.Result != nil {
			tr.Status = ev.Result.Status
		}
	}
	return nil
}

// Traces returns copies of the recorded traces in request order.
func (r *Recorder) Traces() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Trace, 0, len(r.traces))
	for _, tr := range r.traces {
		c := *tr
		c.Spans = append([]Span(nil), tr.Spans...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
