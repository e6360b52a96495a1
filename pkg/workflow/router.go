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
	"time"

	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/errors"
)

// stageEvent is a completion (err == nil) or failure of one stage.
type stageEvent struct {
	key        Key
	instanceID string
	stage      int
	kind       Kind
	output     any
	err        error
	fault      *InternalError
	polls      int

	// aborted marks an async stage whose context ended before it ran.
	aborted bool
}

func (s *Scheduler) publish(ev stageEvent) {
	s.pending = append(s.pending, ev)
}

// Route collects finished async results without blocking and applies every
// pending completion and failure in arrival order.
func (s *Scheduler) Route(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.collect()

	events := s.pending
	s.pending = nil
	s.routing = true
	defer func() {
		s.routing = false
		s.sweepCancelled()
	}()

	for _, ev := range events {
		if err := s.route(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// terminated reports whether instanceID was cancelled during the current
// drain or route.
func (s *Scheduler) terminated(instanceID string) bool {
	_, ok := s.cancelled[instanceID]
	return ok
}

// sweepCancelled forgets terminated instances that have nothing left in
// flight.
func (s *Scheduler) sweepCancelled() {
	if s.draining || s.routing {
		return
	}
	for id := range s.cancelled {
		if _, waiting := s.asyncInFlight[id]; !waiting {
			delete(s.cancelled, id)
		}
	}
}

func (s *Scheduler) collect() {
	for {
		select {
		case ev := <-s.results:
			s.pending = append(s.pending, ev)
		default:
			return
		}
	}
}

func (s *Scheduler) route(ctx context.Context, ev stageEvent) error {
	if ev.kind == KindAsync {
		if _, stale := s.cancelled[ev.instanceID]; stale {
			delete(s.cancelled, ev.instanceID)
			delete(s.asyncInFlight, ev.instanceID)
			s.logger.Debug("discarding async result of terminated instance",
				slog.String(log.InstanceKey, ev.instanceID),
				slog.String("key", ev.key.String()),
				slog.Int(log.StageKey, ev.stage))
			return nil
		}
		delete(s.asyncInFlight, ev.instanceID)
	}
	if ev.fault != nil {
		return s.fail(ctx, ev.fault)
	}

	inst, ok := s.instances.Get(ev.key)
	if !ok || inst.ID != ev.instanceID {
		if _, stale := s.cancelled[ev.instanceID]; stale {
			return nil
		}
		return s.fail(ctx, &InternalError{
			Op: "route", Key: ev.key, InstanceID: ev.instanceID, Stage: ev.stage,
			Reason: "stage event for an instance that is not live",
		})
	}
	if inst.Phase != PhaseProcessing || inst.Stage != ev.stage || inst.Completed {
		return s.fail(ctx, &InternalError{
			Op: "route", Key: ev.key, InstanceID: ev.instanceID, Stage: ev.stage,
			Reason: fmt.Sprintf("instance is %s at stage %d (completed=%t)", inst.Phase, inst.Stage, inst.Completed),
		})
	}

	if ev.aborted {
		s.terminate(ctx, inst, fmt.Errorf("%w: %s: %w", ErrCancelled, inst.Key, ev.err))
		return nil
	}

	stage := inst.def.Stages[ev.stage]
	base := &Event{
		Key:        inst.Key,
		InstanceID: inst.ID,
		Stage:      ev.stage,
		StageName:  stage.name,
		Kind:       stage.kind,
	}

	if ev.err != nil {
		serr := &StageError{Key: inst.Key, Stage: ev.stage, StageName: stage.name, Kind: stage.kind, Err: ev.err}
		failed := *base
		failed.Type = EventStageFailed
		failed.Data = map[string]any{"error": ev.err.Error()}
		s.emit(ctx, &failed)
		s.finish(ctx, inst, StatusFailed, nil, serr)
		return nil
	}

	inst.Completed = true
	completed := *base
	completed.Type = EventStageCompleted
	if stage.kind.Polls() {
		completed.Data = map[string]any{"polls": ev.polls}
	}
	s.emit(ctx, &completed)

	if inst.Stage+1 < inst.StageCount {
		inst.Stage++
		inst.Completed = false
		inst.payload = ev.output
		s.bufferStage(inst)
		return nil
	}
	s.finish(ctx, inst, StatusSucceeded, ev.output, nil)
	return nil
}

// finish removes inst and delivers its result. Removal happens first so a
// callback may request the same key again.
func (s *Scheduler) finish(ctx context.Context, inst *Instance, status Status, output any, err error) {
	s.instances.Remove(inst.Key)
	inst.cancel()

	res := Result{
		InstanceID:    inst.ID,
		Key:           inst.Key,
		Status:        status,
		Output:        output,
		Err:           err,
		Stages:        inst.StageCount,
		Stage:         inst.Stage,
		RequestedTick: inst.RequestedTick,
		FinishedTick:  s.tick,
	}

	logger := log.WithInstance(s.logger, inst.Key.Module, inst.Key.Workflow, inst.ID)
	evType := EventWorkflowCompleted
	switch status {
	case StatusSucceeded:
		logger.Info("workflow completed", slog.Uint64("ticks", res.Ticks()), log.Tick(s.tick))
	case StatusFailed:
		evType = EventWorkflowFailed
		logger.Warn("workflow failed", slog.Int(log.StageKey, inst.Stage), log.Error(err), log.Tick(s.tick))
	case StatusCancelled:
		evType = EventWorkflowCancelled
		logger.Info("workflow cancelled", slog.Int(log.StageKey, inst.Stage), log.Error(err), log.Tick(s.tick))
	}
	s.emit(ctx, &Event{Type: evType, Key: inst.Key, InstanceID: inst.ID, Stage: inst.Stage, Result: &res})

	if inst.callback != nil {
		inst.callback(res)
	}
}

// terminate cancels inst: its buffered entries and pending events are
// purged and any result still in flight is discarded on arrival.
func (s *Scheduler) terminate(ctx context.Context, inst *Instance, err error) {
	match := func(e Entry) bool { return e.InstanceID == inst.ID }
	for _, b := range s.buffers {
		b.Remove(match)
	}

	kept := s.pending[:0]
	for _, ev := range s.pending {
		if ev.instanceID != inst.ID {
			kept = append(kept, ev)
		}
	}
	s.pending = kept

	for i, r := range s.requested {
		if r == inst {
			s.requested = append(s.requested[:i], s.requested[i+1:]...)
			break
		}
	}

	if _, waiting := s.asyncInFlight[inst.ID]; waiting || s.routing || s.draining {
		s.cancelled[inst.ID] = struct{}{}
	}
	s.finish(ctx, inst, StatusCancelled, nil, err)
}

// expire cancels instances whose tick budget is spent.
func (s *Scheduler) expire(ctx context.Context) {
	for _, inst := range s.instances.Sorted() {
		if inst.Budget == 0 || s.tick < inst.Deadline {
			continue
		}
		s.terminate(ctx, inst, &errors.TimeoutError{
			Operation: "workflow " + inst.Key.String(),
			Ticks:     inst.Budget,
			Duration:  time.Duration(inst.Budget) * s.tickInterval,
			Cause:     ErrCancelled,
		})
	}
}
