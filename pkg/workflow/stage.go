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
	"fmt"
	"reflect"
	"strings"
)

// Unit stands in for an Input or Output a stage does not declare.
type Unit struct{}

var unitType = reflect.TypeFor[Unit]()

// Signature records which parts a stage declares.
type Signature struct {
	Input  bool
	State  bool
	Output bool
	Error  bool
}

// String renders the signature as one of none, E, O, OE, I, IE, IO, IOE.
// State is not part of the rendering; see Stage.StateType.
func (s Signature) String() string {
	var b strings.Builder
	if s.Input {
		b.WriteByte('I')
	}
	if s.Output {
		b.WriteByte('O')
	}
	if s.Error {
		b.WriteByte('E')
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

type stageConfig struct {
	infallible  bool
	description string
}

// StageOption configures a stage at construction.
type StageOption func(*stageConfig)

// Infallible declares that the stage has no Error type. A non-nil error
// returned by an infallible stage is treated as a protocol violation.
func Infallible() StageOption {
	return func(c *stageConfig) { c.infallible = true }
}

// WithDescription attaches a human description shown by Describe.
func WithDescription(text string) StageOption {
	return func(c *stageConfig) { c.description = text }
}

// stageResult is the erased result of one stage invocation.
type stageResult struct {
	output any
	state  any
	done   bool
	err    error
	fault  *InternalError
}

// Stage is a type-erased stage descriptor. Build one with Immediate,
// Deferred, Async, ImmediateWhile or DeferredWhile.
type Stage struct {
	name        string
	kind        Kind
	description string
	infallible  bool

	inType    reflect.Type
	stateType reflect.Type
	outType   reflect.Type

	accepts func(any) (any, bool)
	call    func(*Env, any) stageResult
	setup   func(*Env, any) stageResult
	poll    func(*Env, any) stageResult
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Kind returns the stage's execution kind.
func (s *Stage) Kind() Kind { return s.kind }

// Description returns the optional description.
func (s *Stage) Description() string { return s.description }

// InputType returns the declared input type.
func (s *Stage) InputType() reflect.Type { return s.inType }

// OutputType returns the declared output type.
func (s *Stage) OutputType() reflect.Type { return s.outType }

// StateType returns the continuation state type of a while stage, or nil.
func (s *Stage) StateType() reflect.Type { return s.stateType }

// Signature reports which parts the stage declares.
func (s *Stage) Signature() Signature {
	return Signature{
		Input:  s.inType != unitType,
		State:  s.stateType != nil,
		Output: s.outType != unitType,
		Error:  !s.infallible,
	}
}

func (s *Stage) String() string {
	sig := s.Signature().String()
	if s.stateType != nil {
		sig += fmt.Sprintf(" state=%s", s.stateType)
	}
	return fmt.Sprintf("%s (%s, %s)", s.name, s.kind, sig)
}

func (s *Stage) valid() bool {
	if s.kind.Polls() {
		return s.setup != nil && s.poll != nil
	}
	return s.call != nil
}

// Immediate builds a one-shot stage that runs in the primary pass with
// the host world as its context.
func Immediate[I, O any](name string, fn func(*Env, I) (O, error), opts ...StageOption) *Stage {
	return newOneShot(KindImmediate, name, fn, opts)
}

// Deferred builds a one-shot stage that runs in the secondary pass with
// the host renderer as its context.
func Deferred[I, O any](name string, fn func(*Env, I) (O, error), opts ...StageOption) *Stage {
	return newOneShot(KindDeferred, name, fn, opts)
}

// Async builds a one-shot stage that runs on a background goroutine. Its
// Env carries no host context and is cancelled with the instance.
func Async[I, O any](name string, fn func(*Env, I) (O, error), opts ...StageOption) *Stage {
	return newOneShot(KindAsync, name, fn, opts)
}

// ImmediateWhile builds a setup-then-poll stage on the primary pass. setup
// runs once on the first eligible tick; run is polled on that and every
// later eligible tick until it returns Done.
func ImmediateWhile[I, S, O any](name string, setup func(*Env, I) (S, error), run func(*Env, S) (Outcome[S, O], error), opts ...StageOption) *Stage {
	return newWhile(KindImmediateWhile, name, setup, run, opts)
}

// DeferredWhile builds a setup-then-poll stage on the secondary pass.
func DeferredWhile[I, S, O any](name string, setup func(*Env, I) (S, error), run func(*Env, S) (Outcome[S, O], error), opts ...StageOption) *Stage {
	return newWhile(KindDeferredWhile, name, setup, run, opts)
}

func newStage[I, O any](kind Kind, name string, opts []StageOption) *Stage {
	var cfg stageConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Stage{
		name:        name,
		kind:        kind,
		description: cfg.description,
		infallible:  cfg.infallible,
		inType:      reflect.TypeFor[I](),
		outType:     reflect.TypeFor[O](),
		accepts: func(v any) (any, bool) {
			in, ok := cast[I](v)
			return in, ok
		},
	}
}

func newOneShot[I, O any](kind Kind, name string, fn func(*Env, I) (O, error), opts []StageOption) *Stage {
	s := newStage[I, O](kind, name, opts)
	if fn == nil {
		return s
	}
	s.call = func(env *Env, v any) stageResult {
		in, ok := cast[I](v)
		if !ok {
			return stageResult{fault: s.mismatch(env, "input", s.inType, v)}
		}
		out, err := fn(env, in)
		if err != nil {
			if s.infallible {
				return stageResult{fault: s.undeclared(env, err)}
			}
			return stageResult{err: err}
		}
		return stageResult{output: out, done: true}
	}
	return s
}

func newWhile[I, S, O any](kind Kind, name string, setup func(*Env, I) (S, error), run func(*Env, S) (Outcome[S, O], error), opts []StageOption) *Stage {
	s := newStage[I, O](kind, name, opts)
	s.stateType = reflect.TypeFor[S]()
	if setup == nil || run == nil {
		return s
	}
	s.setup = func(env *Env, v any) stageResult {
		in, ok := cast[I](v)
		if !ok {
			return stageResult{fault: s.mismatch(env, "input", s.inType, v)}
		}
		state, err := setup(env, in)
		if err != nil {
			if s.infallible {
				return stageResult{fault: s.undeclared(env, err)}
			}
			return stageResult{err: err}
		}
		return stageResult{state: state}
	}
	s.poll = func(env *Env, v any) stageResult {
		state, ok := cast[S](v)
		if !ok {
			return stageResult{fault: s.mismatch(env, "state", s.stateType, v)}
		}
		outcome, err := run(env, state)
		if err != nil {
			if s.infallible {
				return stageResult{fault: s.undeclared(env, err)}
			}
			return stageResult{err: err}
		}
		if outcome.IsDone() {
			return stageResult{output: outcome.Output(), done: true}
		}
		return stageResult{state: outcome.State()}
	}
	return s
}

func (s *Stage) mismatch(env *Env, what string, want reflect.Type, got any) *InternalError {
	return &InternalError{
		Op:         "execute",
		Key:        env.Key,
		InstanceID: env.InstanceID,
		Stage:      env.Stage,
		Reason:     fmt.Sprintf("stage %q expects %s %s, got %T", s.name, what, want, got),
	}
}

func (s *Stage) undeclared(env *Env, err error) *InternalError {
	return &InternalError{
		Op:         "execute",
		Key:        env.Key,
		InstanceID: env.InstanceID,
		Stage:      env.Stage,
		Reason:     fmt.Sprintf("infallible stage %q returned error: %v", s.name, err),
	}
}

// cast asserts an erased payload to T. A nil payload is accepted for Unit
// and for types whose zero value is nil.
func cast[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var zero T
	if v != nil {
		return zero, false
	}
	if _, ok := any(zero).(Unit); ok {
		return zero, true
	}
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return zero, true
	}
	return zero, false
}
