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
	"log/slog"

	"github.com/tombee/tickflow/internal/log"
)

// strategy is how a kind executes. All five kinds share one execution path
// parameterized by these three properties.
type strategy struct {
	kind    Kind
	async   bool
	poll    bool
	context ContextKind
}

func strategyFor(k Kind) strategy {
	return strategy{kind: k, async: k.Async(), poll: k.Polls(), context: k.Context()}
}

// RunImmediate drains and runs Immediate stages against world.
func (s *Scheduler) RunImmediate(ctx context.Context, world any) error {
	return s.run(ctx, KindImmediate, world)
}

// RunDeferred drains and runs Deferred stages against renderer.
func (s *Scheduler) RunDeferred(ctx context.Context, renderer any) error {
	return s.run(ctx, KindDeferred, renderer)
}

// RunAsync drains Async stages and spawns each on a goroutine. It never
// waits for them.
func (s *Scheduler) RunAsync(ctx context.Context) error {
	return s.run(ctx, KindAsync, nil)
}

// RunImmediateWhile drains and polls ImmediateWhile stages against world.
func (s *Scheduler) RunImmediateWhile(ctx context.Context, world any) error {
	return s.run(ctx, KindImmediateWhile, world)
}

// RunDeferredWhile drains and polls DeferredWhile stages against renderer.
func (s *Scheduler) RunDeferredWhile(ctx context.Context, renderer any) error {
	return s.run(ctx, KindDeferredWhile, renderer)
}

func (s *Scheduler) run(ctx context.Context, kind Kind, hostCtx any) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.admit()

	entries := s.buffers[kind].Drain()
	if len(entries) == 0 {
		return nil
	}
	log.Trace(s.logger, "draining stage buffer",
		slog.String(log.KindKey, kind.String()),
		slog.Int("entries", len(entries)),
		log.Tick(s.tick))

	s.draining = true
	defer func() {
		s.draining = false
		s.sweepCancelled()
	}()

	st := strategyFor(kind)
	for _, e := range entries {
		if s.terminated(e.InstanceID) {
			continue
		}
		inst, ok := s.instances.Get(e.Key)
		if !ok || inst.ID != e.InstanceID {
			return s.fail(ctx, &InternalError{
				Op: "drain", Key: e.Key, InstanceID: e.InstanceID, Stage: e.Stage,
				Reason: "buffered stage has no live instance",
			})
		}
		if inst.Phase != PhaseProcessing || inst.Stage != e.Stage || inst.Completed {
			return s.fail(ctx, &InternalError{
				Op: "drain", Key: e.Key, InstanceID: e.InstanceID, Stage: e.Stage,
				Reason: "buffered stage does not match instance state",
			})
		}
		if err := s.execute(ctx, st, inst, e, hostCtx); err != nil {
			return err
		}
	}
	return nil
}

// admit moves requested instances to Processing{0, false} and buffers their
// first stage.
func (s *Scheduler) admit() {
	if len(s.requested) == 0 {
		return
	}
	for _, inst := range s.requested {
		inst.Phase = PhaseProcessing
		inst.Stage = 0
		inst.Completed = false
		s.bufferStage(inst)
	}
	s.requested = nil
}

func (s *Scheduler) bufferStage(inst *Instance) {
	stage := inst.def.Stages[inst.Stage]
	s.buffers[stage.kind].Push(Entry{
		Key:        inst.Key,
		InstanceID: inst.ID,
		Stage:      inst.Stage,
		Descriptor: stage,
		Input:      inst.payload,
	})
}

func (s *Scheduler) execute(ctx context.Context, st strategy, inst *Instance, e Entry, hostCtx any) error {
	env := s.newEnv(ctx, st, inst, e, hostCtx)
	if st.async {
		s.spawn(ctx, env, e)
		return nil
	}

	var r stageResult
	if st.poll {
		if !e.Primed {
			s.emitStage(ctx, EventStageStarted, e, nil)
			if s.terminated(e.InstanceID) {
				return nil
			}
			r = e.Descriptor.setup(env, e.Input)
			if r.fault != nil {
				return s.fail(ctx, r.fault)
			}
			if s.terminated(e.InstanceID) {
				return nil
			}
			if r.err != nil {
				s.publish(stageEvent{key: e.Key, instanceID: e.InstanceID, stage: e.Stage, kind: st.kind, err: r.err})
				return nil
			}
			e.State, e.Primed = r.state, true
		}
		e.Polls++
		env.Poll = e.Polls
		r = e.Descriptor.poll(env, e.State)
	} else {
		s.emitStage(ctx, EventStageStarted, e, nil)
		if s.terminated(e.InstanceID) {
			return nil
		}
		r = e.Descriptor.call(env, e.Input)
	}
	if r.fault != nil {
		return s.fail(ctx, r.fault)
	}
	if s.terminated(e.InstanceID) {
		// Cancelled or closed from inside the stage.
		return nil
	}

	switch {
	case r.err != nil:
		s.publish(stageEvent{key: e.Key, instanceID: e.InstanceID, stage: e.Stage, kind: st.kind, err: r.err, polls: e.Polls})
	case !r.done:
		e.State = r.state
		s.buffers[st.kind].Push(e)
		s.emitStage(ctx, EventStageWaiting, e, map[string]any{"polls": e.Polls})
	default:
		s.publish(stageEvent{key: e.Key, instanceID: e.InstanceID, stage: e.Stage, kind: st.kind, output: r.output, polls: e.Polls})
	}
	return nil
}

// spawn runs an async stage on its own goroutine. The goroutine waits for a
// worker slot and the rate limiter, then delivers its result to the router
// channel. It only touches immutable scheduler fields.
func (s *Scheduler) spawn(ctx context.Context, env *Env, e Entry) {
	s.asyncInFlight[e.InstanceID] = struct{}{}
	s.emitStage(ctx, EventStageStarted, e, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ev := stageEvent{key: e.Key, instanceID: e.InstanceID, stage: e.Stage, kind: KindAsync}
		if err := s.acquire(env); err != nil {
			// The stage never ran. If its context ended while it waited
			// the instance is cancelled rather than failed.
			ev.err, ev.aborted = err, env.Err() != nil
			s.deliver(ev)
			return
		}
		defer s.sem.Release(1)

		r := e.Descriptor.call(env, e.Input)
		ev.output, ev.err, ev.fault = r.output, r.err, r.fault
		s.deliver(ev)
	}()
}

func (s *Scheduler) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.sem.Release(1)
			return err
		}
	}
	return nil
}

func (s *Scheduler) deliver(ev stageEvent) {
	select {
	case s.results <- ev:
		return
	default:
	}
	select {
	case s.results <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) newEnv(ctx context.Context, st strategy, inst *Instance, e Entry, hostCtx any) *Env {
	stage := e.Descriptor
	env := &Env{
		Context:    ctx,
		Tick:       s.tick,
		Key:        inst.Key,
		InstanceID: inst.ID,
		Stage:      e.Stage,
		StageName:  stage.name,
		Kind:       st.kind,
		Poll:       e.Polls,
		Logger: log.WithStage(
			log.WithInstance(s.logger, inst.Key.Module, inst.Key.Workflow, inst.ID),
			e.Stage, stage.name, st.kind.String()),
	}
	if st.async {
		env.Context = inst.ctx
	} else if st.context != ContextNone {
		env.Host = hostCtx
	}
	return env
}

func (s *Scheduler) emitStage(ctx context.Context, t EventType, e Entry, data map[string]any) {
	s.emit(ctx, &Event{
		Type:       t,
		Key:        e.Key,
		InstanceID: e.InstanceID,
		Stage:      e.Stage,
		StageName:  e.Descriptor.name,
		Kind:       e.Descriptor.kind,
		Data:       data,
	})
}
