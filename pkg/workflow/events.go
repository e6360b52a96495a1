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

package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/tickflow/pkg/errors"
)

// EventType identifies a scheduler event.
type EventType string

const (
	// EventWorkflowRequested is emitted when Request accepts an instance.
	EventWorkflowRequested EventType = "workflow_requested"

	// EventStageStarted is emitted when a stage first runs (or is spawned,
	// for async stages).
	EventStageStarted EventType = "stage_started"

	// EventStageWaiting is emitted when a while stage polls Wait.
	EventStageWaiting EventType = "stage_waiting"

	// EventStageCompleted is emitted when the router accepts a completion.
	EventStageCompleted EventType = "stage_completed"

	// EventStageFailed is emitted when the router accepts a failure.
	EventStageFailed EventType = "stage_failed"

	// EventWorkflowCompleted, EventWorkflowFailed and
	// EventWorkflowCancelled are terminal; their Result is set.
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	// EventTickCompleted is emitted by EndTick; its Stats is set.
	EventTickCompleted EventType = "tick_completed"

	// EventSchedulerFault is emitted once, when a protocol violation
	// poisons the scheduler.
	EventSchedulerFault EventType = "scheduler_fault"
)

// Terminal reports whether the event ends an instance.
func (t EventType) Terminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed || t == EventWorkflowCancelled
}

// Event is a scheduler event.
type Event struct {
	Type       EventType      `json:"type"`
	Key        Key            `json:"key"`
	InstanceID string         `json:"instance_id,omitempty"`
	Stage      int            `json:"stage"`
	StageName  string         `json:"stage_name,omitempty"`
	Kind       Kind           `json:"kind"`
	Tick       uint64         `json:"tick"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`

	Result *Result `json:"result,omitempty"`
	Stats  *Stats  `json:"stats,omitempty"`
}

// EventListener handles scheduler events.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter dispatches events to listeners registered per type or for
// every type.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	any       []EventListener
	async     bool
}

// NewEventEmitter creates an emitter. With async set, listeners of one
// event run concurrently and Emit waits for all of them.
func NewEventEmitter(async bool) *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
		async:     async,
	}
}

// On registers a listener for eventType.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// OnAny registers a listener for every event type.
func (e *EventEmitter) OnAny(listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.any = append(e.any, listener)
}

// Off removes all listeners for eventType.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, eventType)
}

// Emit dispatches event. Every listener is called; their errors are joined.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, 0, len(e.listeners[event.Type])+len(e.any))
	listeners = append(listeners, e.listeners[event.Type]...)
	listeners = append(listeners, e.any...)
	e.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}
	if e.async {
		return e.emitAsync(ctx, event, listeners)
	}
	return e.emitSync(ctx, event, listeners)
}

func (e *EventEmitter) emitSync(ctx context.Context, event *Event, listeners []EventListener) error {
	var errs []error
	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *EventEmitter) emitAsync(ctx context.Context, event *Event, listeners []EventListener) error {
	var wg sync.WaitGroup
	errs := make([]error, len(listeners))
	for i, listener := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = listener(ctx, event)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ListenerCount returns the number of listeners that receive eventType.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType]) + len(e.any)
}

// RemoveAllListeners removes every listener.
func (e *EventEmitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = make(map[EventType][]EventListener)
	e.any = nil
}
