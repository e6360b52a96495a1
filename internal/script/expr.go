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
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// functions are available to every expression. "contains" is reserved by
// expr, so membership is spelled has.
var functions = map[string]any{
	"has":    hasFunc,
	"length": lengthFunc,
}

// program is a compiled expr-lang expression.
type program struct {
	source string
	prog   *vm.Program
}

func compileValue(source string) (*program, error) {
	return compile(source)
}

func compileBool(source string) (*program, error) {
	return compile(source, expr.AsBool())
}

func compile(source string, opts ...expr.Option) (*program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	base := []expr.Option{
		expr.Env(functions),
		expr.AllowUndefinedVariables(),
	}
	prog, err := expr.Compile(source, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &program{source: source, prog: prog}, nil
}

func (p *program) eval(vars map[string]any) (any, error) {
	env := make(map[string]any, len(vars)+len(functions))
	for k, v := range functions {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = v
	}
	out, err := expr.Run(p.prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", p.source, err)
	}
	return out, nil
}

func (p *program) evalBool(vars map[string]any) (bool, error) {
	out, err := p.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%q returned %T, want bool", p.source, out)
	}
	return b, nil
}

// hasFunc reports whether a slice or array holds an element, a map holds a
// key, or a string holds a substring.
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		key := reflect.ValueOf(target)
		if !key.IsValid() || !key.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(key).IsValid(), nil
	case reflect.String:
		sub, ok := target.(string)
		return ok && sub != "" && strings.Contains(v.String(), sub), nil
	default:
		return false, nil
	}
}

// lengthFunc returns the length of a collection or string, 0 for nil.
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String, reflect.Chan:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
