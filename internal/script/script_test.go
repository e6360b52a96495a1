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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/log"
	tferrors "github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

const countdownYAML = `
kind: workflow
module: demo
name: countdown
example: {n: 5}
stages:
  - name: double
    kind: immediate
    expr: '{"n": input.n * 2}'
  - name: countdown
    kind: immediate_while
    setup: input.n
    step: state - 1
    until: state <= 0
    output: '{"result": state}'
`

func buildOne(t *testing.T, src string) *workflow.Definition {
	t.Helper()
	docs, err := Parse([]byte(src), "test.yaml")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	def, err := Build(docs[0])
	require.NoError(t, err)
	return def
}

// drive runs def to completion and returns its result and tick count.
func drive(t *testing.T, def *workflow.Definition, input any, host workflow.Host) (workflow.Result, int) {
	t.Helper()
	ctx := context.Background()
	s := workflow.New(workflow.WithLogger(log.Discard()))
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, s.Register(def))

	var got []workflow.Result
	_, err := s.Request(ctx, def.Module, def.Name, input, func(r workflow.Result) { got = append(got, r) })
	require.NoError(t, err)

	ticks := 0
	for ; ticks < 1000 && len(got) == 0; ticks++ {
		require.NoError(t, s.Tick(ctx, host))
		if s.Stats().AsyncInFlight > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.Len(t, got, 1)
	return got[0], ticks
}

func TestCountdownScript(t *testing.T) {
	def := buildOne(t, countdownYAML)
	assert.Equal(t, "demo/countdown", def.Key().String())
	require.Len(t, def.Stages, 2)
	assert.Equal(t, workflow.KindImmediateWhile, def.Stages[1].Kind())

	polls := 0
	ctx := context.Background()
	s := workflow.New(workflow.WithLogger(log.Discard()))
	defer s.Close(ctx)
	require.NoError(t, s.Register(def))
	s.Events().On(workflow.EventStageWaiting, func(context.Context, *workflow.Event) error {
		polls++
		return nil
	})

	var res *workflow.Result
	_, err := s.Request(ctx, "demo", "countdown", map[string]any{"n": 5}, func(r workflow.Result) { res = &r })
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		require.NoError(t, s.Tick(ctx, nil))
	}

	require.NotNil(t, res)
	assert.Equal(t, workflow.StatusSucceeded, res.Status)
	assert.Equal(t, map[string]any{"result": 0}, res.Output)
	assert.Equal(t, 9, polls, "nine waits before the tenth poll finishes")
}

func TestOneShotStages(t *testing.T) {
	t.Run("jq transform", func(t *testing.T) {
		def := buildOne(t, `
kind: workflow
module: demo
name: sum
stages:
  - name: total
    kind: deferred
    jq: '{total: (.items | add), tick: $tick}'
`)
		res, _ := drive(t, def, map[string]any{"items": []any{1, 2, 3}}, nil)
		require.Equal(t, workflow.StatusSucceeded, res.Status)
		out, ok := res.Output.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 6, out["total"])
		assert.EqualValues(t, 0, out["tick"])
	})

	t.Run("pass through", func(t *testing.T) {
		def := buildOne(t, `
kind: workflow
module: demo
name: echo
stages:
  - name: echo
`)
		res, _ := drive(t, def, "hello", nil)
		assert.Equal(t, "hello", res.Output)
	})

	t.Run("async with delay", func(t *testing.T) {
		def := buildOne(t, `
kind: workflow
module: demo
name: fetch
stages:
  - name: fetch
    kind: async
    delay: 5ms
    expr: 'input + 1'
`)
		res, ticks := drive(t, def, 41, nil)
		assert.Equal(t, 42, res.Output)
		assert.GreaterOrEqual(t, ticks, 2)
	})

	t.Run("host is visible", func(t *testing.T) {
		def := buildOne(t, `
kind: workflow
module: demo
name: frame
stages:
  - name: read
    kind: immediate
    expr: 'host.frame'
`)
		host := workflow.StaticHost{WorldContext: map[string]any{"frame": 7}}
		res, _ := drive(t, def, nil, host)
		assert.Equal(t, 7, res.Output)
	})

	t.Run("has and length", func(t *testing.T) {
		def := buildOne(t, `
kind: workflow
module: demo
name: funcs
stages:
  - name: check
    expr: 'has(input, "b") && length(input) == 3'
`)
		res, _ := drive(t, def, []any{"a", "b", "c"}, nil)
		assert.Equal(t, true, res.Output)
	})
}

func TestFailWhen(t *testing.T) {
	def := buildOne(t, `
kind: workflow
module: demo
name: guard
stages:
  - name: guard
    kind: immediate
    fail_when: input < 0
    fail_message: negative input
    expr: input * 2
  - name: drain
    kind: deferred_while
    step: state - 1
    until: state == 0
    fail_when: state > 100
    fail_message: too large
`)

	t.Run("passes", func(t *testing.T) {
		res, _ := drive(t, def, 3, nil)
		assert.Equal(t, workflow.StatusSucceeded, res.Status)
		assert.Equal(t, 0, res.Output)
	})

	t.Run("one-shot failure", func(t *testing.T) {
		res, _ := drive(t, def, -1, nil)
		assert.Equal(t, workflow.StatusFailed, res.Status)
		var f *Failure
		require.ErrorAs(t, res.Err, &f)
		assert.Equal(t, "guard", f.Stage)
		assert.Equal(t, "negative input", f.Message)
		assert.Equal(t, 0, res.Stage)
	})

	t.Run("while failure", func(t *testing.T) {
		res, _ := drive(t, def, 60, nil)
		var f *Failure
		require.ErrorAs(t, res.Err, &f)
		assert.Equal(t, "too large", f.Message)
		assert.Equal(t, 1, res.Stage)
		assert.Equal(t, "script", tferrors.Classify(f))
	})

	t.Run("evaluation error fails the stage", func(t *testing.T) {
		res, _ := drive(t, def, "text", nil)
		assert.Equal(t, workflow.StatusFailed, res.Status)
		var serr *workflow.StageError
		assert.ErrorAs(t, res.Err, &serr)
	})
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		stage string
		field string
	}{
		{"unknown kind", "kind: sometimes", "kind"},
		{"while without until", "kind: immediate_while\n    step: state", "until"},
		{"while with expr", "kind: deferred_while\n    until: true\n    expr: input", "expr"},
		{"one-shot with step", "kind: immediate\n    step: state", "step"},
		{"expr and jq", "expr: input\n    jq: .", "jq"},
		{"delay on sync stage", "kind: deferred\n    delay: 1s", "delay"},
		{"infallible with fail_when", "infallible: true\n    fail_when: input", "fail_when"},
		{"bad expr", "expr: '1 +'", "expr"},
		{"bad jq", "jq: '.['", "jq"},
		{"non-bool until", "kind: immediate_while\n    until: '\"yes\"'", "until"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "kind: workflow\nmodule: demo\nname: bad\nstages:\n  - name: s\n    " + tt.stage + "\n"
			docs, err := Parse([]byte(src), "bad.yaml")
			require.NoError(t, err)
			_, err = Build(docs[0])
			var verr *tferrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "demo/bad stages[0]."+tt.field, verr.Field)
		})
	}

	t.Run("no stages", func(t *testing.T) {
		docs, err := Parse([]byte("kind: workflow\nmodule: demo\nname: empty\n"), "empty.yaml")
		require.NoError(t, err)
		_, err = Build(docs[0])
		var verr *tferrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "empty.yaml")
	})
}

func TestParse(t *testing.T) {
	t.Run("multiple documents", func(t *testing.T) {
		src := countdownYAML + "---\nkind: workflow\nmodule: demo\nname: echo\nstages:\n  - name: echo\n"
		docs, err := Parse([]byte(src), "multi.yaml")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "countdown", docs[0].Name)
		assert.Equal(t, map[string]any{"n": 5}, docs[0].Example)
		assert.Equal(t, "echo", docs[1].Name)
		assert.Equal(t, "multi.yaml", docs[1].Source)
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := Parse([]byte("kind: pipeline\nmodule: demo\nname: x\n"), "x.yaml")
		var verr *tferrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "x.yaml[0].kind", verr.Field)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte("kind: workflow\nmodule: demo\nname: x\nstagez: []\n"), "x.yaml")
		assert.Error(t, err)
	})
}

func TestLoadGlob(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested", "deeper")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "countdown.yaml"), []byte(countdownYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "echo.yaml"),
		[]byte("kind: workflow\nmodule: demo\nname: echo\nstages:\n  - name: echo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	docs, err := LoadGlob(filepath.Join(dir, "**", "*.yaml"), filepath.Join(dir, "*.yaml"))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	cat, err := BuildAll(docs)
	require.NoError(t, err)
	require.Len(t, cat.Definitions(), 2)

	doc, ok := cat.Document(workflow.Key{Module: "demo", Workflow: "echo"})
	require.True(t, ok)
	assert.Equal(t, filepath.Join(nested, "echo.yaml"), doc.Source)

	reg := workflow.NewRegistry()
	require.NoError(t, cat.Register(reg))
	assert.Len(t, reg.Definitions(), 2)

	t.Run("duplicate key across files", func(t *testing.T) {
		_, err := BuildAll(append(docs, docs[0]))
		var verr *tferrors.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}
