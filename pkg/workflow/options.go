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
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAsyncWorkers bounds concurrently running async stages.
	DefaultAsyncWorkers = 16

	// DefaultResultBuffer is the capacity of the async result channel.
	DefaultResultBuffer = 256
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry shares a type registry between schedulers or with a loader.
func WithRegistry(r *Registry) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithEmitter sets the event emitter listeners subscribe to.
func WithEmitter(e *EventEmitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithStageTimeout gives each instance a budget of ticks per stage,
// measured from the request tick. Zero disables timeouts.
func WithStageTimeout(ticks uint64) Option {
	return func(s *Scheduler) { s.stageTimeout = ticks }
}

// WithTickInterval records the host's nominal tick period, used to report
// timeouts in wall-clock terms.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithAsyncWorkers bounds how many async stages run at once.
func WithAsyncWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.asyncWorkers = n
		}
	}
}

// WithAsyncRate limits how fast async stages start.
func WithAsyncRate(limit rate.Limit, burst int) Option {
	return func(s *Scheduler) {
		if limit > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithResultBuffer sets the async result channel capacity. Async stages
// that finish while the channel is full wait for the next Route.
func WithResultBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.resultBuffer = n
		}
	}
}

// WithIDGenerator replaces the instance ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithBaseContext sets the parent of every instance context.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}
