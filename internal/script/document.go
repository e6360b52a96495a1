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

// Package script defines workflow types in YAML. Stage logic is written in
// expr-lang expressions or jq queries and compiled when the document loads.
//
// A document looks like:
//
//	kind: workflow
//	module: demo
//	name: countdown
//	example: {n: 5}
//	stages:
//	  - name: double
//	    kind: immediate
//	    expr: '{"n": input.n * 2}'
//	  - name: countdown
//	    kind: immediate_while
//	    setup: input.n
//	    step: state - 1
//	    until: state <= 0
//	    output: '{"result": state}'
//
// Expressions see input, state, tick, poll, stage and host. jq queries run
// against the stage input with $tick and $poll bound.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tferrors "github.com/tombee/tickflow/pkg/errors"
)

// DocumentKind is the only accepted value of the kind field.
const DocumentKind = "workflow"

// Document is one workflow type definition.
type Document struct {
	Kind        string      `yaml:"kind"`
	Module      string      `yaml:"module"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Example     any         `yaml:"example,omitempty"`
	Stages      []StageSpec `yaml:"stages"`

	// Source is the file the document was read from.
	Source string `yaml:"-"`
}

// StageSpec is one stage of a Document.
type StageSpec struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`

	// One-shot kinds: Expr or JQ transforms the input. Neither passes it
	// through.
	Expr string `yaml:"expr,omitempty"`
	JQ   string `yaml:"jq,omitempty"`

	// While kinds: Setup builds the initial state, Step
	// advances it each poll, Until ends the stage and Output shapes the
	// result (default state). Setup defaults to the input.
	Setup  string `yaml:"setup,omitempty"`
	Step   string `yaml:"step,omitempty"`
	Until  string `yaml:"until,omitempty"`
	Output string `yaml:"output,omitempty"`

	// FailWhen is a boolean expression that fails the stage with
	// FailMessage.
	FailWhen    string `yaml:"fail_when,omitempty"`
	FailMessage string `yaml:"fail_message,omitempty"`

	// Delay makes an async stage wait before evaluating.
	Delay time.Duration `yaml:"delay,omitempty"`

	// Infallible declares the stage cannot fail.
	Infallible bool `yaml:"infallible,omitempty"`
}

// Parse decodes every YAML document in data. source names data in errors.
func Parse(data []byte, source string) ([]*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var docs []*Document
	for i := 0; ; i++ {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &tferrors.ValidationError{
				Field:   fmt.Sprintf("%s[%d]", source, i),
				Message: fmt.Sprintf("invalid workflow document: %v", err),
			}
		}
		if doc.Kind != DocumentKind {
			return nil, &tferrors.ValidationError{
				Field:      fmt.Sprintf("%s[%d].kind", source, i),
				Message:    fmt.Sprintf("unsupported document kind %q", doc.Kind),
				Suggestion: "set kind: workflow",
			}
		}
		doc.Source = source
		docs = append(docs, &doc)
	}
	return docs, nil
}

// Load reads and parses a workflow file.
func Load(path string) ([]*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tferrors.Wrapf(err, "reading workflow file %s", path)
	}
	return Parse(data, path)
}
