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

package script

import (
	"fmt"
	"time"

	tferrors "github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

// Failure is the declared error of a scripted stage whose fail_when
// matched.
type Failure struct {
	Key     workflow.Key
	Stage   string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s stage %s: %s", f.Key, f.Stage, f.Message)
}

// ErrorType implements errors.ErrorClassifier.
func (f *Failure) ErrorType() string { return "script" }

// IsRetryable implements errors.ErrorClassifier.
func (f *Failure) IsRetryable() bool { return false }

type compiledStage struct {
	key  workflow.Key
	spec StageSpec

	value    *program
	jq       *query
	setup    *program
	step     *program
	until    *program
	output   *program
	failWhen *program
}

// Build compiles doc into a workflow type whose payloads are untyped.
func Build(doc *Document) (*workflow.Definition, error) {
	key := workflow.Key{Module: doc.Module, Workflow: doc.Name}
	stages := make([]*workflow.Stage, 0, len(doc.Stages))
	for i, spec := range doc.Stages {
		stage, err := buildStage(key, i, spec)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	def, err := workflow.Define(doc.Module, doc.Name, stages...)
	if err != nil {
		return nil, tferrors.Wrapf(err, "%s", sourceOf(doc))
	}
	return def, nil
}

func sourceOf(doc *Document) string {
	if doc.Source == "" {
		return doc.Module + "/" + doc.Name
	}
	return doc.Source
}

func buildStage(key workflow.Key, index int, spec StageSpec) (*workflow.Stage, error) {
	fieldErr := func(field, format string, args ...any) error {
		return &tferrors.ValidationError{
			Field:   fmt.Sprintf("%s stages[%d].%s", key, index, field),
			Message: fmt.Sprintf(format, args...),
		}
	}

	kind := workflow.KindImmediate
	if spec.Kind != "" {
		parsed, err := workflow.ParseKind(spec.Kind)
		if err != nil {
			return nil, fieldErr("kind", "%v", err)
		}
		kind = parsed
	}

	if kind.Polls() {
		if spec.Expr != "" || spec.JQ != "" {
			return nil, fieldErr("expr", "%s stages use setup, step, until and output", kind)
		}
		if spec.Until == "" {
			return nil, fieldErr("until", "%s stages need an until condition", kind)
		}
	} else {
		if spec.Setup != "" || spec.Step != "" || spec.Until != "" || spec.Output != "" {
			return nil, fieldErr("step", "setup, step, until and output are only valid on while stages")
		}
		if spec.Expr != "" && spec.JQ != "" {
			return nil, fieldErr("jq", "expr and jq are mutually exclusive")
		}
	}
	if spec.Delay != 0 && kind != workflow.KindAsync {
		return nil, fieldErr("delay", "delay is only valid on async stages")
	}
	if spec.Infallible && spec.FailWhen != "" {
		return nil, fieldErr("fail_when", "an infallible stage cannot declare fail_when")
	}

	c := &compiledStage{key: key, spec: spec}
	values := []struct {
		field   string
		src     string
		dst     **program
		boolean bool
	}{
		{"expr", spec.Expr, &c.value, false},
		{"setup", spec.Setup, &c.setup, false},
		{"step", spec.Step, &c.step, false},
		{"until", spec.Until, &c.until, true},
		{"output", spec.Output, &c.output, false},
		{"fail_when", spec.FailWhen, &c.failWhen, true},
	}
	for _, v := range values {
		compileFn := compileValue
		if v.boolean {
			compileFn = compileBool
		}
		p, err := compileFn(v.src)
		if err != nil {
			return nil, fieldErr(v.field, "%v", err)
		}
		*v.dst = p
	}
	q, err := compileQuery(spec.JQ)
	if err != nil {
		return nil, fieldErr("jq", "%v", err)
	}
	c.jq = q

	var opts []workflow.StageOption
	if spec.Infallible {
		opts = append(opts, workflow.Infallible())
	}
	if spec.Description != "" {
		opts = append(opts, workflow.WithDescription(spec.Description))
	}

	switch kind {
	case workflow.KindImmediate:
		return workflow.Immediate(spec.Name, c.oneShot, opts...), nil
	case workflow.KindDeferred:
		return workflow.Deferred(spec.Name, c.oneShot, opts...), nil
	case workflow.KindAsync:
		return workflow.Async(spec.Name, c.oneShot, opts...), nil
	case workflow.KindImmediateWhile:
		return workflow.ImmediateWhile(spec.Name, c.begin, c.poll, opts...), nil
	default:
		return workflow.DeferredWhile(spec.Name, c.begin, c.poll, opts...), nil
	}
}

func vars(env *workflow.Env, input, state any) map[string]any {
	return map[string]any{
		"input": input,
		"state": state,
		"tick":  int(env.Tick),
		"poll":  env.Poll,
		"stage": env.StageName,
		"host":  env.Host,
	}
}

func (c *compiledStage) checkFailure(v map[string]any) error {
	if c.failWhen == nil {
		return nil
	}
	failed, err := c.failWhen.evalBool(v)
	if err != nil {
		return err
	}
	if !failed {
		return nil
	}
	msg := c.spec.FailMessage
	if msg == "" {
		msg = "fail_when matched"
	}
	return &Failure{Key: c.key, Stage: c.spec.Name, Message: msg}
}

func (c *compiledStage) oneShot(env *workflow.Env, input any) (any, error) {
	v := vars(env, input, nil)
	if err := c.checkFailure(v); err != nil {
		return nil, err
	}
	if c.spec.Delay > 0 {
		timer := time.NewTimer(c.spec.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-env.Done():
			return nil, env.Err()
		}
	}

	switch {
	case c.value != nil:
		return c.value.eval(v)
	case c.jq != nil:
		return c.jq.run(env, input, env.Tick, env.Poll)
	default:
		return input, nil
	}
}

func (c *compiledStage) begin(env *workflow.Env, input any) (any, error) {
	if c.setup == nil {
		return input, nil
	}
	return c.setup.eval(vars(env, input, nil))
}

func (c *compiledStage) poll(env *workflow.Env, state any) (workflow.Outcome[any, any], error) {
	v := vars(env, nil, state)
	if err := c.checkFailure(v); err != nil {
		return workflow.Outcome[any, any]{}, err
	}
	if c.step != nil {
		next, err := c.step.eval(v)
		if err != nil {
			return workflow.Outcome[any, any]{}, err
		}
		state = next
		v["state"] = next
	}

	done, err := c.until.evalBool(v)
	if err != nil {
		return workflow.Outcome[any, any]{}, err
	}
	if !done {
		return workflow.Wait[any, any](state), nil
	}
	if c.output == nil {
		return workflow.Done[any](state), nil
	}
	out, err := c.output.eval(v)
	if err != nil {
		return workflow.Outcome[any, any]{}, err
	}
	return workflow.Done[any](out), nil
}
