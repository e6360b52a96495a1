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
	"sort"
	"strings"

	"github.com/tombee/tickflow/pkg/errors"
)

// Definition is a registered workflow type: an ordered list of stages.
type Definition struct {
	Module string
	Name   string
	Stages []*Stage
}

// Define builds a Definition and checks that stage outputs chain into the
// next stage's inputs.
func Define(module, name string, stages ...*Stage) (*Definition, error) {
	if module == "" || strings.Contains(module, "/") {
		return nil, &errors.ValidationError{Field: "module", Message: fmt.Sprintf("invalid module name %q", module)}
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, &errors.ValidationError{Field: "name", Message: fmt.Sprintf("invalid workflow name %q", name)}
	}
	if len(stages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "stages",
			Message:    fmt.Sprintf("workflow %s/%s has no stages", module, name),
			Suggestion: "a workflow needs at least one stage",
		}
	}

	seen := make(map[string]int, len(stages))
	for i, s := range stages {
		field := fmt.Sprintf("stages[%d]", i)
		if s == nil {
			return nil, &errors.ValidationError{Field: field, Message: "nil stage"}
		}
		if s.name == "" {
			return nil, &errors.ValidationError{Field: field, Message: "stage name is required"}
		}
		if prev, dup := seen[s.name]; dup {
			return nil, &errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("stage name %q already used by stage %d", s.name, prev),
			}
		}
		seen[s.name] = i
		if !s.valid() {
			return nil, &errors.ValidationError{Field: field, Message: fmt.Sprintf("stage %q has no function", s.name)}
		}
		if i == 0 {
			continue
		}
		prev := stages[i-1]
		if !prev.outType.AssignableTo(s.inType) {
			return nil, &errors.ValidationError{
				Field: field,
				Message: fmt.Sprintf("stage %q outputs %s but stage %q takes %s",
					prev.name, prev.outType, s.name, s.inType),
				Suggestion: "make each stage's output type match the next stage's input type",
			}
		}
	}

	return &Definition{Module: module, Name: name, Stages: stages}, nil
}

// MustDefine is like Define but panics on error.
func MustDefine(module, name string, stages ...*Stage) *Definition {
	def, err := Define(module, name, stages...)
	if err != nil {
		panic(err)
	}
	return def
}

// Key returns the workflow type key.
func (d *Definition) Key() Key { return Key{Module: d.Module, Workflow: d.Name} }

// InputType returns the first stage's input type.
func (d *Definition) InputType() reflect.Type { return d.Stages[0].inType }

// OutputType returns the last stage's output type.
func (d *Definition) OutputType() reflect.Type { return d.Stages[len(d.Stages)-1].outType }

// Describe returns a multi-line human summary.
func (d *Definition) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s -> %s\n", d.Key(), d.InputType(), d.OutputType())
	for i, s := range d.Stages {
		fmt.Fprintf(&b, "  %d. %s", i, s)
		if s.description != "" {
			fmt.Fprintf(&b, ": %s", s.description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Registry holds workflow types by key.
type Registry struct {
	defs map[Key]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Key]*Definition)}
}

// Register adds def. A key can only be registered once.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "nil definition"}
	}
	key := def.Key()
	if _, ok := r.defs[key]; ok {
		return &DuplicateError{Key: key}
	}
	r.defs[key] = def
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for key.
func (r *Registry) Lookup(key Key) (*Definition, bool) {
	def, ok := r.defs[key]
	return def, ok
}

// Definitions returns all definitions sorted by key.
func (r *Registry) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}
