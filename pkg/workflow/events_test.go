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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterOn(t *testing.T) {
	t.Run("register multiple listeners", func(t *testing.T) {
		emitter := NewEventEmitter(false)
		emitter.On(EventStageStarted, func(ctx context.Context, event *Event) error { return nil })
		emitter.On(EventStageStarted, func(ctx context.Context, event *Event) error { return nil })
		emitter.On(EventWorkflowCompleted, func(ctx context.Context, event *Event) error { return nil })

		assert.Equal(t, 2, emitter.ListenerCount(EventStageStarted))
		assert.Equal(t, 1, emitter.ListenerCount(EventWorkflowCompleted))
	})

	t.Run("wildcard listeners count for every type", func(t *testing.T) {
		emitter := NewEventEmitter(false)
		emitter.OnAny(func(ctx context.Context, event *Event) error { return nil })

		assert.Equal(t, 1, emitter.ListenerCount(EventTickCompleted))
		assert.Equal(t, 1, emitter.ListenerCount(EventStageFailed))
	})

	t.Run("off and remove all", func(t *testing.T) {
		emitter := NewEventEmitter(false)
		emitter.On(EventStageStarted, func(ctx context.Context, event *Event) error { return nil })
		emitter.OnAny(func(ctx context.Context, event *Event) error { return nil })

		emitter.Off(EventStageStarted)
		assert.Equal(t, 1, emitter.ListenerCount(EventStageStarted))

		emitter.RemoveAllListeners()
		assert.Equal(t, 0, emitter.ListenerCount(EventStageStarted))
	})
}

func TestEventEmitterEmit(t *testing.T) {
	ctx := context.Background()

	for _, async := range []bool{false, true} {
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name, func(t *testing.T) {
			emitter := NewEventEmitter(async)
			var typed, wildcard atomic.Int32
			errA := errors.New("listener a")
			errB := errors.New("listener b")

			emitter.On(EventStageCompleted, func(ctx context.Context, event *Event) error {
				typed.Add(1)
				return errA
			})
			emitter.On(EventStageCompleted, func(ctx context.Context, event *Event) error {
				typed.Add(1)
				return nil
			})
			emitter.OnAny(func(ctx context.Context, event *Event) error {
				wildcard.Add(1)
				assert.False(t, event.Timestamp.IsZero())
				return errB
			})

			err := emitter.Emit(ctx, &Event{Type: EventStageCompleted})
			assert.ErrorIs(t, err, errA)
			assert.ErrorIs(t, err, errB)
			assert.Equal(t, int32(2), typed.Load())
			assert.Equal(t, int32(1), wildcard.Load())

			require.Error(t, emitter.Emit(ctx, &Event{Type: EventStageWaiting}))
			assert.Equal(t, int32(2), typed.Load())
			assert.Equal(t, int32(2), wildcard.Load())
		})
	}

	t.Run("nil event", func(t *testing.T) {
		assert.Error(t, NewEventEmitter(false).Emit(ctx, nil))
	})

	t.Run("no listeners", func(t *testing.T) {
		assert.NoError(t, NewEventEmitter(false).Emit(ctx, &Event{Type: EventTickCompleted}))
	})
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventWorkflowCompleted.Terminal())
	assert.True(t, EventWorkflowFailed.Terminal())
	assert.True(t, EventWorkflowCancelled.Terminal())
	assert.False(t, EventStageCompleted.Terminal())
	assert.False(t, EventTickCompleted.Terminal())
}
