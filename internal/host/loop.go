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

package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/workflow"
)

// Advancer is implemented by hosts whose state moves on after each tick.
type Advancer interface {
	Advance()
}

// Loop drives a scheduler with a host, one Tick per step.
type Loop struct {
	scheduler *workflow.Scheduler
	host      workflow.Host
	interval  time.Duration
	logger    *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithInterval paces steps at d. Zero runs steps back to back.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.interval = d }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a loop.
func NewLoop(s *workflow.Scheduler, h workflow.Host, opts ...LoopOption) *Loop {
	l := &Loop{
		scheduler: s,
		host:      h,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = log.WithComponent(l.logger, "loop")
	return l
}

// Step runs one scheduler tick and then advances the host.
func (l *Loop) Step(ctx context.Context) error {
	if err := l.scheduler.Tick(ctx, l.host); err != nil {
		return err
	}
	if a, ok := l.host.(Advancer); ok {
		a.Advance()
	}
	return nil
}

// RunTicks runs exactly n steps, paced by the interval.
func (l *Loop) RunTicks(ctx context.Context, n int) error {
	return l.loop(ctx, func(step int) bool { return step < n })
}

// RunUntilIdle steps until no instance is live or limit steps have run, and
// returns the number of steps taken. limit <= 0 means no limit.
func (l *Loop) RunUntilIdle(ctx context.Context, limit int) (int, error) {
	steps := 0
	err := l.loop(ctx, func(step int) bool {
		steps = step
		if limit > 0 && step >= limit {
			return false
		}
		return l.scheduler.Stats().Live > 0
	})
	return steps, err
}

// Run steps until ctx is done. A cancelled context is a clean stop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("tick loop started", slog.Duration("interval", l.interval))
	err := l.loop(ctx, func(int) bool { return true })
	if ctx.Err() != nil {
		l.logger.Info("tick loop stopped", log.Tick(l.scheduler.CurrentTick()))
		return nil
	}
	return err
}

func (l *Loop) loop(ctx context.Context, more func(step int) bool) error {
	var ticker *time.Ticker
	if l.interval > 0 {
		ticker = time.NewTicker(l.interval)
		defer ticker.Stop()
	}

	for step := 0; more(step); step++ {
		if ticker != nil && step > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Step(ctx); err != nil {
			l.logger.Error("tick failed", log.Tick(l.scheduler.CurrentTick()), log.Error(err))
			return err
		}
	}
	return nil
}
