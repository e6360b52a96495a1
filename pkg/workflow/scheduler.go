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
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/errors"
)

// Scheduler drives workflow instances through their stages, one tick at a
// time. Every method except the async stage goroutines it spawns must be
// called from a single goroutine: the host's tick loop.
type Scheduler struct {
	logger   *slog.Logger
	registry *Registry
	emitter  *EventEmitter

	stageTimeout uint64
	tickInterval time.Duration
	asyncWorkers int
	resultBuffer int
	limiter      *rate.Limiter
	newID        func() string
	baseCtx      context.Context

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	tick      uint64
	instances *Instances
	requested []*Instance
	buffers   [kindCount]*Buffer
	pending   []stageEvent
	results   chan stageEvent

	// asyncInFlight holds instances with a spawned async stage whose result
	// has not been routed. cancelled holds terminated instances that may
	// still have events on their way, or entries in a drain in progress.
	asyncInFlight map[string]struct{}
	cancelled     map[string]struct{}
	routing       bool
	draining      bool

	fault  *InternalError
	closed bool
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Tick          uint64       `json:"tick"`
	Live          int          `json:"live"`
	Requested     int          `json:"requested"`
	Buffered      map[Kind]int `json:"buffered"`
	PendingEvents int          `json:"pending_events"`
	AsyncInFlight int          `json:"async_in_flight"`
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:        slog.Default(),
		registry:      NewRegistry(),
		emitter:       NewEventEmitter(false),
		asyncWorkers:  DefaultAsyncWorkers,
		resultBuffer:  DefaultResultBuffer,
		newID:         uuid.NewString,
		baseCtx:       context.Background(),
		instances:     NewInstances(),
		asyncInFlight: make(map[string]struct{}),
		cancelled:     make(map[string]struct{}),
	}
	for _, k := range Kinds() {
		s.buffers[k] = NewBuffer(k)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = log.WithComponent(s.logger, "scheduler")
	s.ctx, s.cancel = context.WithCancel(s.baseCtx)
	s.sem = semaphore.NewWeighted(int64(s.asyncWorkers))
	s.results = make(chan stageEvent, s.resultBuffer)
	return s
}

// Registry returns the type registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Events returns the emitter listeners subscribe to.
func (s *Scheduler) Events() *EventEmitter { return s.emitter }

// CurrentTick returns the tick counter. It advances in EndTick.
func (s *Scheduler) CurrentTick() uint64 { return s.tick }

// Register adds a workflow type.
func (s *Scheduler) Register(def *Definition) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.registry.Register(def); err != nil {
		return err
	}
	s.logger.Debug("workflow type registered",
		slog.String(log.ModuleKey, def.Module),
		slog.String(log.WorkflowKey, def.Name),
		slog.Int("stages", len(def.Stages)))
	return nil
}

// Request starts an instance of module/name with input. The first stage is
// buffered on the next driver call. cb, if non-nil, is invoked exactly once
// with the terminal result.
func (s *Scheduler) Request(ctx context.Context, module, name string, input any, cb Callback) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	key := Key{Module: module, Workflow: name}
	def, ok := s.registry.Lookup(key)
	if !ok {
		return "", &errors.NotFoundError{Resource: "workflow type", ID: key.String()}
	}
	payload, ok := def.Stages[0].accepts(input)
	if !ok {
		return "", &errors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("%s takes %s, got %T", key, def.InputType(), input),
		}
	}

	instCtx, cancel := context.WithCancel(s.ctx)
	inst := &Instance{
		ID:            s.newID(),
		Key:           key,
		StageCount:    len(def.Stages),
		Phase:         PhaseRequested,
		RequestedTick: s.tick,
		def:           def,
		payload:       payload,
		callback:      cb,
		ctx:           instCtx,
		cancel:        cancel,
	}
	if s.stageTimeout > 0 {
		inst.Budget = uint64(inst.StageCount) * s.stageTimeout
		inst.Deadline = inst.RequestedTick + inst.Budget
	}
	if err := s.instances.Insert(inst); err != nil {
		cancel()
		return "", err
	}
	s.requested = append(s.requested, inst)

	log.WithInstance(s.logger, module, name, inst.ID).Debug("workflow requested", log.Tick(s.tick))
	s.emit(ctx, &Event{Type: EventWorkflowRequested, Key: key, InstanceID: inst.ID})
	return inst.ID, nil
}

// RequestFunc is a typed Request. The output type is checked against the
// workflow type before the instance is created.
func RequestFunc[I, O any](ctx context.Context, s *Scheduler, module, name string, input I, done func(O, error)) (string, error) {
	key := Key{Module: module, Workflow: name}
	def, ok := s.registry.Lookup(key)
	if !ok {
		return "", &errors.NotFoundError{Resource: "workflow type", ID: key.String()}
	}
	if want := reflect.TypeFor[O](); !def.OutputType().AssignableTo(want) {
		return "", &errors.ValidationError{
			Field:   "output",
			Message: fmt.Sprintf("%s produces %s, not %s", key, def.OutputType(), want),
		}
	}
	return s.Request(ctx, module, name, input, func(r Result) {
		var out O
		if r.Err != nil {
			done(out, r.Err)
			return
		}
		out, _ = cast[O](r.Output)
		done(out, nil)
	})
}

// Cancel terminates the live instance of module/name. Its callback sees
// StatusCancelled and ErrCancelled.
func (s *Scheduler) Cancel(ctx context.Context, module, name string) error {
	if err := s.usable(); err != nil {
		return err
	}
	key := Key{Module: module, Workflow: name}
	inst, ok := s.instances.Get(key)
	if !ok {
		return &errors.NotFoundError{Resource: "instance", ID: key.String()}
	}
	s.terminate(ctx, inst, fmt.Errorf("%w: %s", ErrCancelled, key))
	return nil
}

// Live returns a snapshot of the live instance of key.
func (s *Scheduler) Live(key Key) (Instance, bool) {
	inst, ok := s.instances.Get(key)
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// Stats returns current load figures.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Tick:          s.tick,
		Live:          s.instances.Len(),
		Requested:     len(s.requested),
		Buffered:      make(map[Kind]int, kindCount),
		PendingEvents: len(s.pending) + len(s.results),
		AsyncInFlight: len(s.asyncInFlight),
	}
	for _, k := range Kinds() {
		st.Buffered[k] = s.buffers[k].Len()
	}
	return st
}

// Err returns the protocol violation that poisoned the scheduler, if any.
func (s *Scheduler) Err() error {
	if s.fault == nil {
		return nil
	}
	return s.fault
}

// Tick runs one full host tick: every kind in driver order, then Route,
// then EndTick.
func (s *Scheduler) Tick(ctx context.Context, host Host) error {
	var world, renderer any
	if host != nil {
		world = host.World()
		renderer = host.Renderer()
	}
	steps := []func() error{
		func() error { return s.RunImmediate(ctx, world) },
		func() error { return s.RunImmediateWhile(ctx, world) },
		func() error { return s.RunAsync(ctx) },
		func() error { return s.RunDeferred(ctx, renderer) },
		func() error { return s.RunDeferredWhile(ctx, renderer) },
		func() error { return s.Route(ctx) },
		func() error { return s.EndTick(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// EndTick advances the tick counter and cancels instances whose budget is
// spent. Hosts that call the entry points individually call it last.
func (s *Scheduler) EndTick(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.tick++
	s.expire(ctx)

	stats := s.Stats()
	s.emit(ctx, &Event{Type: EventTickCompleted, Stats: &stats})
	return nil
}

// Close terminates every live instance with ErrSchedulerClosed, cancels
// running async stages and waits for their goroutines, or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, inst := range s.instances.Sorted() {
		s.terminate(ctx, inst, ErrSchedulerClosed)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Debug("scheduler closed", log.Tick(s.tick))
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for async stages")
	}
}

func (s *Scheduler) usable() error {
	if s.fault != nil {
		return s.fault
	}
	if s.closed {
		return ErrSchedulerClosed
	}
	return nil
}

// fail records the first protocol violation and returns it.
func (s *Scheduler) fail(ctx context.Context, ie *InternalError) error {
	if s.fault != nil {
		return s.fault
	}
	s.fault = ie
	s.logger.Error("scheduler protocol violation",
		slog.String("op", ie.Op),
		slog.String(log.InstanceKey, ie.InstanceID),
		slog.String("key", ie.Key.String()),
		slog.Int(log.StageKey, ie.Stage),
		slog.String("reason", ie.Reason),
		log.Tick(s.tick))
	s.emit(ctx, &Event{
		Type:       EventSchedulerFault,
		Key:        ie.Key,
		InstanceID: ie.InstanceID,
		Stage:      ie.Stage,
		Data:       map[string]any{"reason": ie.Reason, "op": ie.Op},
	})
	return s.fault
}

func (s *Scheduler) emit(ctx context.Context, ev *Event) {
	ev.Tick = s.tick
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Warn("event listener failed",
			slog.String(log.EventKey, string(ev.Type)),
			log.Error(err))
	}
}
