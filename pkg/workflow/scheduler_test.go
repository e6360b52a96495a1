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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/log"
	tferrors "github.com/tombee/tickflow/pkg/errors"
)

type countIn struct{ N int }

type countOut struct{ Result int }

// results collects callback invocations.
type results struct {
	got []Result
}

func (r *results) callback(res Result) { r.got = append(r.got, res) }

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(append([]Option{WithLogger(log.Discard())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func countdownWorkflow(polls *int) *Definition {
	return MustDefine("demo", "countdown",
		Immediate("double", func(_ *Env, in countIn) (countIn, error) {
			return countIn{N: in.N * 2}, nil
		}, Infallible()),
		ImmediateWhile("countdown",
			func(_ *Env, in countIn) (int, error) { return in.N, nil },
			func(_ *Env, n int) (Outcome[int, countOut], error) {
				*polls++
				next := n - 1
				if next > 0 {
					return Wait[int, countOut](next), nil
				}
				return Done[int](countOut{Result: next}), nil
			},
		),
	)
}

func tickN(t *testing.T, s *Scheduler, host Host, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Tick(ctx, host))
	}
}

func TestCountdownScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	polls := 0
	require.NoError(t, s.Register(countdownWorkflow(&polls)))

	var r results
	_, err := s.Request(ctx, "demo", "countdown", countIn{N: 5}, r.callback)
	require.NoError(t, err)

	// Tick 0 runs the doubling stage, ticks 1 to 10 poll.
	tickN(t, s, nil, 10)
	assert.Empty(t, r.got)
	assert.Equal(t, 9, polls)

	tickN(t, s, nil, 1)
	require.Len(t, r.got, 1)
	assert.Equal(t, 10, polls)

	res := r.got[0]
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, countOut{Result: 0}, res.Output)
	assert.Equal(t, 2, res.Stages)
	assert.Equal(t, uint64(0), res.RequestedTick)
	assert.Equal(t, uint64(10), res.FinishedTick)

	tickN(t, s, nil, 3)
	assert.Len(t, r.got, 1)
	assert.Equal(t, 10, polls)
	assert.Equal(t, 0, s.Stats().Live)
}

func TestStageFailureScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	boom := errors.New("boom")
	require.NoError(t, s.Register(MustDefine("demo", "fail",
		Immediate("explode", func(*Env, Unit) (Unit, error) { return Unit{}, boom }),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "fail", nil, r.callback)
	require.NoError(t, err)
	tickN(t, s, nil, 1)

	require.Len(t, r.got, 1)
	res := r.got[0]
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, boom)

	var serr *StageError
	require.ErrorAs(t, res.Err, &serr)
	assert.Equal(t, 0, serr.Stage)
	assert.Equal(t, "explode", serr.StageName)
	assert.Equal(t, "stage", tferrors.Classify(res.Err))

	stats := s.Stats()
	assert.Equal(t, 0, stats.Live)
	assert.Equal(t, 0, stats.PendingEvents)
	for _, k := range Kinds() {
		assert.Zero(t, stats.Buffered[k], k.String())
	}
}

func TestDuplicateRequestScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	polls := 0
	require.NoError(t, s.Register(countdownWorkflow(&polls)))

	var r results
	first, err := s.Request(ctx, "demo", "countdown", countIn{N: 1}, r.callback)
	require.NoError(t, err)

	_, err = s.Request(ctx, "demo", "countdown", countIn{N: 1}, r.callback)
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	var inflight *InFlightError
	require.ErrorAs(t, err, &inflight)
	assert.Equal(t, first, inflight.InstanceID)

	tickN(t, s, nil, 2)
	_, err = s.Request(ctx, "demo", "countdown", countIn{N: 1}, r.callback)
	assert.ErrorIs(t, err, ErrAlreadyInFlight, "still polling")

	tickN(t, s, nil, 10)
	require.Len(t, r.got, 1)
	assert.Equal(t, first, r.got[0].InstanceID)

	_, err = s.Request(ctx, "demo", "countdown", countIn{N: 1}, r.callback)
	assert.NoError(t, err, "key is free once the instance finishes")
}

func TestIdleTicksScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, s.Register(MustDefine("demo", "three",
		Async("wait", func(env *Env, _ Unit) (Unit, error) {
			select {
			case <-release:
			case <-env.Done():
			}
			return Unit{}, nil
		}),
		Immediate("b", func(*Env, Unit) (Unit, error) { return Unit{}, nil }),
		Immediate("c", func(*Env, Unit) (Unit, error) { return Unit{}, nil }),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "three", nil, r.callback)
	require.NoError(t, err)
	tickN(t, s, nil, 1)

	var events []EventType
	s.Events().OnAny(func(_ context.Context, ev *Event) error {
		if ev.Type != EventTickCompleted {
			events = append(events, ev.Type)
		}
		return nil
	})

	before, ok := s.Live(Key{Module: "demo", Workflow: "three"})
	require.True(t, ok)

	tickN(t, s, nil, 3)

	assert.Empty(t, events)
	assert.Empty(t, r.got)
	after, ok := s.Live(Key{Module: "demo", Workflow: "three"})
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, 0, after.Stage)
	assert.False(t, after.Completed)
	assert.Equal(t, PhaseProcessing, after.Phase)
}

func TestSequencing(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	var trace []string
	step := func(name string) *Stage {
		return Immediate(name, func(env *Env, n int) (int, error) {
			trace = append(trace, name)
			assert.Equal(t, uint64(n), env.Tick, "stage %s runs one tick after its predecessor", name)
			return n + 1, nil
		})
	}
	require.NoError(t, s.Register(MustDefine("demo", "seq", step("a"), step("b"), step("c"))))

	var r results
	_, err := s.Request(ctx, "demo", "seq", 0, r.callback)
	require.NoError(t, err)

	tickN(t, s, nil, 1)
	assert.Equal(t, []string{"a"}, trace)
	live, _ := s.Live(Key{Module: "demo", Workflow: "seq"})
	assert.Equal(t, 1, live.Stage)
	assert.Equal(t, 1, live.Payload())

	tickN(t, s, nil, 2)
	assert.Equal(t, []string{"a", "b", "c"}, trace)
	require.Len(t, r.got, 1)
	assert.Equal(t, 3, r.got[0].Output)
}

func TestManualDriverOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	ran := 0
	require.NoError(t, s.Register(MustDefine("demo", "two",
		Immediate("a", func(*Env, Unit) (Unit, error) { ran++; return Unit{}, nil }),
		Immediate("b", func(*Env, Unit) (Unit, error) { ran++; return Unit{}, nil }),
	)))
	_, err := s.Request(ctx, "demo", "two", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.RunImmediate(ctx, nil))
	require.NoError(t, s.RunImmediate(ctx, nil))
	assert.Equal(t, 1, ran, "the second stage is not buffered until routed")

	require.NoError(t, s.Route(ctx))
	require.NoError(t, s.RunImmediate(ctx, nil))
	assert.Equal(t, 2, ran)
}

func TestWhileConvergence(t *testing.T) {
	for _, kind := range []Kind{KindImmediateWhile, KindDeferredWhile} {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(t)

			setups, polls := 0, 0
			var pollNumbers []int
			setup := func(_ *Env, waits int) (int, error) { setups++; return waits, nil }
			run := func(env *Env, left int) (Outcome[int, string], error) {
				polls++
				pollNumbers = append(pollNumbers, env.Poll)
				if left > 0 {
					return Wait[int, string](left - 1), nil
				}
				return Done[int]("done"), nil
			}
			stage := ImmediateWhile("poll", setup, run)
			if kind == KindDeferredWhile {
				stage = DeferredWhile("poll", setup, run)
			}
			require.NoError(t, s.Register(MustDefine("demo", "while", stage)))

			completions := 0
			s.Events().On(EventStageCompleted, func(context.Context, *Event) error {
				completions++
				return nil
			})

			var r results
			_, err := s.Request(ctx, "demo", "while", 4, r.callback)
			require.NoError(t, err)
			tickN(t, s, nil, 8)

			assert.Equal(t, 1, setups)
			assert.Equal(t, 5, polls)
			assert.Equal(t, []int{1, 2, 3, 4, 5}, pollNumbers)
			assert.Equal(t, 1, completions)
			require.Len(t, r.got, 1)
			assert.Equal(t, "done", r.got[0].Output)
		})
	}
}

func TestFailureShortCircuit(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	later := 0
	errSetup := errors.New("setup failed")

	require.NoError(t, s.Register(MustDefine("demo", "short",
		Deferred("first", func(*Env, Unit) (int, error) { return 1, nil }),
		DeferredWhile("second",
			func(*Env, int) (int, error) { return 0, errSetup },
			func(*Env, int) (Outcome[int, int], error) { later++; return Done[int](0), nil },
		),
		Immediate("third", func(*Env, int) (Unit, error) { later++; return Unit{}, nil }),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "short", nil, r.callback)
	require.NoError(t, err)
	tickN(t, s, nil, 5)

	require.Len(t, r.got, 1)
	assert.Equal(t, StatusFailed, r.got[0].Status)
	assert.Equal(t, 1, r.got[0].Stage)
	var serr *StageError
	require.ErrorAs(t, r.got[0].Err, &serr)
	assert.Equal(t, "second", serr.StageName)
	assert.Equal(t, KindDeferredWhile, serr.Kind)
	assert.ErrorIs(t, r.got[0].Err, errSetup)
	assert.Zero(t, later)
}

func TestAsyncDoesNotBlockTick(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, s.Register(MustDefine("demo", "async",
		Async("slow", func(env *Env, in string) (string, error) {
			assert.Nil(t, env.Host)
			close(started)
			<-release
			return in + "!", nil
		}),
		Immediate("finish", func(_ *Env, in string) (string, error) { return in + "?", nil }),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "async", "hi", r.callback)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Tick(ctx, nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on async stage")
	}
	<-started

	tickN(t, s, nil, 2)
	assert.Empty(t, r.got)
	assert.Equal(t, 1, s.Stats().AsyncInFlight)

	close(release)
	for i := 0; i < 500 && len(r.got) == 0; i++ {
		tickN(t, s, nil, 1)
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, r.got, 1)
	assert.Equal(t, "hi!?", r.got[0].Output)
	assert.Equal(t, 0, s.Stats().AsyncInFlight)
}

func TestHostContexts(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	host := StaticHost{WorldContext: "world", RendererContext: "renderer"}

	var seen []any
	record := func(env *Env, _ Unit) (Unit, error) {
		seen = append(seen, env.Host)
		return Unit{}, nil
	}
	require.NoError(t, s.Register(MustDefine("demo", "hosts",
		Immediate("imm", record),
		Deferred("def", record),
		ImmediateWhile("iw",
			func(env *Env, _ Unit) (Unit, error) { return Unit{}, nil },
			func(env *Env, _ Unit) (Outcome[Unit, Unit], error) {
				w, ok := HostAs[string](env)
				assert.True(t, ok)
				seen = append(seen, w)
				return Done[Unit](Unit{}), nil
			},
		),
		DeferredWhile("dw",
			func(env *Env, _ Unit) (Unit, error) { return Unit{}, nil },
			func(env *Env, _ Unit) (Outcome[Unit, Unit], error) {
				seen = append(seen, env.Host)
				return Done[Unit](Unit{}), nil
			},
		),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "hosts", nil, r.callback)
	require.NoError(t, err)
	tickN(t, s, host, 4)

	require.Len(t, r.got, 1)
	assert.Equal(t, []any{"world", "renderer", "world", "renderer"}, seen)
}

func TestRequestErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	require.NoError(t, s.Register(MustDefine("demo", "typed",
		Immediate("s", func(_ *Env, n int) (int, error) { return n, nil }),
	)))

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := s.Request(ctx, "demo", "missing", nil, nil)
		var nf *tferrors.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "demo/missing", nf.ID)
	})

	t.Run("wrong input type", func(t *testing.T) {
		_, err := s.Request(ctx, "demo", "typed", "seven", nil)
		var verr *tferrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "input", verr.Field)
		_, live := s.Live(Key{Module: "demo", Workflow: "typed"})
		assert.False(t, live)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		err := s.Register(MustDefine("demo", "typed",
			Immediate("s", func(_ *Env, n int) (int, error) { return n, nil }),
		))
		assert.ErrorIs(t, err, ErrDuplicateWorkflow)
	})
}

func TestRequestFunc(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	require.NoError(t, s.Register(MustDefine("demo", "len",
		Async("len", func(_ *Env, in string) (int, error) { return len(in), nil }),
	)))

	_, err := RequestFunc(ctx, s, "demo", "len", "abc", func(string, error) {})
	var verr *tferrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "output", verr.Field)

	got, calls := 0, 0
	_, err = RequestFunc(ctx, s, "demo", "len", "abcd", func(n int, err error) {
		calls++
		assert.NoError(t, err)
		got = n
	})
	require.NoError(t, err)

	for i := 0; i < 500 && calls == 0; i++ {
		tickN(t, s, nil, 1)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 4, got)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel polling instance", func(t *testing.T) {
		s := newTestScheduler(t)
		polls := 0
		require.NoError(t, s.Register(countdownWorkflow(&polls)))

		var r results
		_, err := s.Request(ctx, "demo", "countdown", countIn{N: 50}, r.callback)
		require.NoError(t, err)
		tickN(t, s, nil, 3)

		require.NoError(t, s.Cancel(ctx, "demo", "countdown"))
		require.Len(t, r.got, 1)
		assert.Equal(t, StatusCancelled, r.got[0].Status)
		assert.ErrorIs(t, r.got[0].Err, ErrCancelled)

		p := polls
		tickN(t, s, nil, 3)
		assert.Equal(t, p, polls, "purged entries are not polled")
		assert.Len(t, r.got, 1)
		assert.Zero(t, s.Stats().Buffered[KindImmediateWhile])
	})

	t.Run("cancel before first tick", func(t *testing.T) {
		s := newTestScheduler(t)
		polls := 0
		require.NoError(t, s.Register(countdownWorkflow(&polls)))

		var r results
		_, err := s.Request(ctx, "demo", "countdown", countIn{N: 1}, r.callback)
		require.NoError(t, err)
		require.NoError(t, s.Cancel(ctx, "demo", "countdown"))
		tickN(t, s, nil, 3)

		require.Len(t, r.got, 1)
		assert.Equal(t, StatusCancelled, r.got[0].Status)
		assert.Zero(t, polls)
	})

	t.Run("cancel unknown", func(t *testing.T) {
		s := newTestScheduler(t)
		err := s.Cancel(ctx, "demo", "nothing")
		var nf *tferrors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("late async result is discarded", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "hang",
			Async("hang", func(env *Env, _ Unit) (Unit, error) {
				<-env.Done()
				return Unit{}, env.Err()
			}),
			Immediate("after", func(*Env, Unit) (Unit, error) {
				t.Error("stage after a cancelled async stage must not run")
				return Unit{}, nil
			}),
		)))

		var r results
		_, err := s.Request(ctx, "demo", "hang", nil, r.callback)
		require.NoError(t, err)
		tickN(t, s, nil, 1)
		require.NoError(t, s.Cancel(ctx, "demo", "hang"))

		for i := 0; i < 500 && s.Stats().AsyncInFlight > 0; i++ {
			tickN(t, s, nil, 1)
			time.Sleep(time.Millisecond)
		}
		assert.Zero(t, s.Stats().AsyncInFlight)
		assert.NoError(t, s.Err())
		assert.Len(t, r.got, 1)
	})
}

func TestStageTimeout(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, WithStageTimeout(2), WithTickInterval(16*time.Millisecond))
	polls := 0
	require.NoError(t, s.Register(MustDefine("demo", "forever",
		ImmediateWhile("spin",
			func(*Env, Unit) (int, error) { return 0, nil },
			func(_ *Env, n int) (Outcome[int, Unit], error) {
				polls++
				return Wait[int, Unit](n + 1), nil
			},
		),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "forever", nil, r.callback)
	require.NoError(t, err)

	live, ok := s.Live(Key{Module: "demo", Workflow: "forever"})
	require.True(t, ok)
	assert.Equal(t, uint64(2), live.Budget)
	assert.Equal(t, uint64(2), live.Deadline)

	tickN(t, s, nil, 2)
	require.Len(t, r.got, 1)
	assert.Equal(t, 2, polls)

	res := r.got[0]
	assert.Equal(t, StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	var terr *tferrors.TimeoutError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, uint64(2), terr.Ticks)
	assert.Equal(t, 32*time.Millisecond, terr.Duration)

	tickN(t, s, nil, 2)
	assert.Equal(t, 2, polls)
}

func TestProtocolViolations(t *testing.T) {
	ctx := context.Background()

	t.Run("second completion for a finished instance", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "once",
			Immediate("s", func(*Env, Unit) (Unit, error) { return Unit{}, nil }),
		)))
		var r results
		id, err := s.Request(ctx, "demo", "once", nil, r.callback)
		require.NoError(t, err)
		tickN(t, s, nil, 1)
		require.Len(t, r.got, 1)

		s.publish(stageEvent{key: Key{Module: "demo", Workflow: "once"}, instanceID: id, kind: KindImmediate})
		err = s.Route(ctx)
		var ierr *InternalError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "route", ierr.Op)
		assert.Equal(t, id, ierr.InstanceID)
		assert.Equal(t, "internal", tferrors.Classify(err))

		assert.Same(t, ierr, s.Err())
		assert.ErrorAs(t, s.Tick(ctx, nil), &ierr)
		_, err = s.Request(ctx, "demo", "once", nil, nil)
		assert.ErrorAs(t, err, &ierr)
		assert.Len(t, r.got, 1)
	})

	t.Run("duplicate completion after the instance advanced", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "pair",
			Immediate("a", func(*Env, Unit) (Unit, error) { return Unit{}, nil }),
			Immediate("b", func(*Env, Unit) (Unit, error) { return Unit{}, nil }),
		)))
		id, err := s.Request(ctx, "demo", "pair", nil, nil)
		require.NoError(t, err)
		require.NoError(t, s.RunImmediate(ctx, nil))

		s.publish(stageEvent{key: Key{Module: "demo", Workflow: "pair"}, instanceID: id, stage: 0, kind: KindImmediate})
		var ierr *InternalError
		require.ErrorAs(t, s.Route(ctx), &ierr)
		assert.Contains(t, ierr.Reason, "at stage 1")
	})

	t.Run("infallible stage returns error", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "liar",
			Immediate("s", func(*Env, Unit) (Unit, error) { return Unit{}, errors.New("oops") }, Infallible()),
		)))
		_, err := s.Request(ctx, "demo", "liar", nil, nil)
		require.NoError(t, err)

		err = s.RunImmediate(ctx, nil)
		var ierr *InternalError
		require.ErrorAs(t, err, &ierr)
		assert.Contains(t, ierr.Reason, "infallible")
	})

	t.Run("fault event is emitted once", func(t *testing.T) {
		s := newTestScheduler(t)
		faults := 0
		s.Events().On(EventSchedulerFault, func(context.Context, *Event) error { faults++; return nil })
		require.Error(t, s.fail(ctx, &InternalError{Op: "test", Reason: "x"}))
		require.Error(t, s.fail(ctx, &InternalError{Op: "test", Reason: "y"}))
		assert.Equal(t, 1, faults)
		assert.Equal(t, "x", s.fault.Reason)
	})
}

func TestCallbackMayRerequest(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	require.NoError(t, s.Register(MustDefine("demo", "loop",
		Immediate("s", func(_ *Env, n int) (int, error) { return n + 1, nil }),
	)))

	var outputs []int
	var cb Callback
	cb = func(r Result) {
		outputs = append(outputs, r.Output.(int))
		if len(outputs) < 3 {
			_, err := s.Request(ctx, "demo", "loop", r.Output, cb)
			assert.NoError(t, err)
		}
	}
	_, err := s.Request(ctx, "demo", "loop", 0, cb)
	require.NoError(t, err)
	tickN(t, s, nil, 5)

	assert.Equal(t, []int{1, 2, 3}, outputs)
}

func TestCancelFromCallbackDropsPendingEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	stage := func(*Env, Unit) (Unit, error) { return Unit{}, nil }
	require.NoError(t, s.Register(MustDefine("demo", "a", Immediate("s", stage))))
	require.NoError(t, s.Register(MustDefine("demo", "b", Immediate("s", stage), Immediate("t", stage))))

	var b results
	_, err := s.Request(ctx, "demo", "a", nil, func(Result) {
		assert.NoError(t, s.Cancel(ctx, "demo", "b"))
	})
	require.NoError(t, err)
	_, err = s.Request(ctx, "demo", "b", nil, b.callback)
	require.NoError(t, err)

	tickN(t, s, nil, 3)
	assert.NoError(t, s.Err())
	require.Len(t, b.got, 1)
	assert.Equal(t, StatusCancelled, b.got[0].Status)
}

func TestCancelDuringDrain(t *testing.T) {
	ctx := context.Background()
	mustNotRun := func(t *testing.T) func(*Env, Unit) (Unit, error) {
		return func(*Env, Unit) (Unit, error) {
			t.Error("stage of a cancelled instance ran")
			return Unit{}, nil
		}
	}

	t.Run("stage cancels an instance later in the same drain", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "a",
			Immediate("cancel-b", func(*Env, Unit) (Unit, error) {
				assert.NoError(t, s.Cancel(ctx, "demo", "b"))
				return Unit{}, nil
			}),
		)))
		require.NoError(t, s.Register(MustDefine("demo", "b", Immediate("s", mustNotRun(t)))))

		var a, b results
		_, err := s.Request(ctx, "demo", "a", nil, a.callback)
		require.NoError(t, err)
		_, err = s.Request(ctx, "demo", "b", nil, b.callback)
		require.NoError(t, err)

		tickN(t, s, nil, 3)
		require.NoError(t, s.Err())
		require.Len(t, a.got, 1)
		assert.Equal(t, StatusSucceeded, a.got[0].Status)
		require.Len(t, b.got, 1)
		assert.Equal(t, StatusCancelled, b.got[0].Status)
		assert.ErrorIs(t, b.got[0].Err, ErrCancelled)
	})

	t.Run("stage cancels its own instance", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "self",
			Immediate("cancel-self", func(*Env, Unit) (Unit, error) {
				assert.NoError(t, s.Cancel(ctx, "demo", "self"))
				return Unit{}, nil
			}),
			Immediate("next", mustNotRun(t)),
		)))

		var r results
		_, err := s.Request(ctx, "demo", "self", nil, r.callback)
		require.NoError(t, err)

		tickN(t, s, nil, 3)
		require.NoError(t, s.Err())
		require.Len(t, r.got, 1)
		assert.Equal(t, StatusCancelled, r.got[0].Status)
		assert.Zero(t, s.Stats().PendingEvents)
	})

	t.Run("poll cancels its own instance", func(t *testing.T) {
		s := newTestScheduler(t)
		polls := 0
		require.NoError(t, s.Register(MustDefine("demo", "spin",
			ImmediateWhile("spin",
				func(*Env, Unit) (int, error) { return 0, nil },
				func(_ *Env, n int) (Outcome[int, Unit], error) {
					polls++
					assert.NoError(t, s.Cancel(ctx, "demo", "spin"))
					return Wait[int, Unit](n + 1), nil
				},
			),
		)))

		var r results
		_, err := s.Request(ctx, "demo", "spin", nil, r.callback)
		require.NoError(t, err)

		tickN(t, s, nil, 3)
		require.NoError(t, s.Err())
		assert.Equal(t, 1, polls)
		require.Len(t, r.got, 1)
		assert.Equal(t, StatusCancelled, r.got[0].Status)
		assert.Zero(t, s.Stats().Buffered[KindImmediateWhile])
	})

	t.Run("stage_started listener cancels before the stage runs", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "b", Immediate("s", mustNotRun(t)))))
		s.Events().On(EventStageStarted, func(ctx context.Context, ev *Event) error {
			return s.Cancel(ctx, ev.Key.Module, ev.Key.Workflow)
		})

		var r results
		_, err := s.Request(ctx, "demo", "b", nil, r.callback)
		require.NoError(t, err)

		tickN(t, s, nil, 2)
		require.NoError(t, s.Err())
		require.Len(t, r.got, 1)
		assert.Equal(t, StatusCancelled, r.got[0].Status)
	})

	t.Run("stage closes the scheduler", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.Register(MustDefine("demo", "closer",
			Immediate("close", func(env *Env, _ Unit) (Unit, error) {
				assert.NoError(t, s.Close(env))
				return Unit{}, nil
			}),
		)))
		require.NoError(t, s.Register(MustDefine("demo", "other", Immediate("s", mustNotRun(t)))))

		var closer, other results
		_, err := s.Request(ctx, "demo", "closer", nil, closer.callback)
		require.NoError(t, err)
		_, err = s.Request(ctx, "demo", "other", nil, other.callback)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Tick(ctx, nil), ErrSchedulerClosed)
		assert.NoError(t, s.Err())
		require.Len(t, closer.got, 1)
		assert.ErrorIs(t, closer.got[0].Err, ErrSchedulerClosed)
		require.Len(t, other.got, 1)
		assert.Equal(t, StatusCancelled, other.got[0].Status)
	})
}

func TestAsyncStageAbortedByBaseContext(t *testing.T) {
	ctx := context.Background()
	base, cancel := context.WithCancel(ctx)
	cancel()

	s := newTestScheduler(t, WithBaseContext(base))
	var ran atomic.Bool
	require.NoError(t, s.Register(MustDefine("demo", "bg",
		Async("work", func(*Env, Unit) (Unit, error) {
			ran.Store(true)
			return Unit{}, nil
		}, Infallible()),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "bg", nil, r.callback)
	require.NoError(t, err)
	for i := 0; i < 500 && len(r.got) == 0; i++ {
		tickN(t, s, nil, 1)
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, s.Err())
	assert.False(t, ran.Load())
	require.Len(t, r.got, 1)
	assert.Equal(t, StatusCancelled, r.got[0].Status)
	assert.ErrorIs(t, r.got[0].Err, ErrCancelled)
	assert.ErrorIs(t, r.got[0].Err, context.Canceled)
	var serr *StageError
	assert.False(t, errors.As(r.got[0].Err, &serr))
	assert.Zero(t, s.Stats().AsyncInFlight)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := New(WithLogger(log.Discard()))
	require.NoError(t, s.Register(MustDefine("demo", "hang",
		Async("hang", func(env *Env, _ Unit) (Unit, error) {
			<-env.Done()
			return Unit{}, env.Err()
		}),
	)))

	var r results
	_, err := s.Request(ctx, "demo", "hang", nil, r.callback)
	require.NoError(t, err)
	tickN(t, s, nil, 1)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(closeCtx))

	require.Len(t, r.got, 1)
	assert.ErrorIs(t, r.got[0].Err, ErrSchedulerClosed)
	assert.ErrorIs(t, s.Tick(ctx, nil), ErrSchedulerClosed)
	_, err = s.Request(ctx, "demo", "hang", nil, nil)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.NoError(t, s.Close(closeCtx))
}

func TestEventSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	require.NoError(t, s.Register(MustDefine("demo", "events",
		Immediate("a", func(*Env, Unit) (int, error) { return 1, nil }),
		ImmediateWhile("b",
			func(_ *Env, n int) (int, error) { return n, nil },
			func(_ *Env, n int) (Outcome[int, Unit], error) {
				if n > 0 {
					return Wait[int, Unit](n - 1), nil
				}
				return Done[int](Unit{}), nil
			},
		),
	)))

	var got []EventType
	s.Events().OnAny(func(_ context.Context, ev *Event) error {
		if ev.Type != EventTickCompleted {
			got = append(got, ev.Type)
		}
		if ev.Type.Terminal() {
			require.NotNil(t, ev.Result)
			assert.Equal(t, StatusSucceeded, ev.Result.Status)
		}
		return nil
	})

	_, err := s.Request(ctx, "demo", "events", nil, nil)
	require.NoError(t, err)
	tickN(t, s, nil, 4)

	assert.Equal(t, []EventType{
		EventWorkflowRequested,
		EventStageStarted, EventStageCompleted,
		EventStageStarted, EventStageWaiting,
		EventStageCompleted, EventWorkflowCompleted,
	}, got)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)
	polls := 0
	require.NoError(t, s.Register(countdownWorkflow(&polls)))

	var last *Stats
	s.Events().On(EventTickCompleted, func(_ context.Context, ev *Event) error {
		last = ev.Stats
		return nil
	})

	_, err := s.Request(ctx, "demo", "countdown", countIn{N: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Requested)

	tickN(t, s, nil, 2)
	require.NotNil(t, last)
	assert.Equal(t, uint64(2), last.Tick)
	assert.Equal(t, 1, last.Live)
	assert.Equal(t, 0, last.Requested)
	assert.Equal(t, 1, last.Buffered[KindImmediateWhile])
	assert.Equal(t, uint64(2), s.CurrentTick())
}
