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

package run

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TICKFLOW_LOG_LEVEL", "error")
	defer shared.SetJSONForTest(false)

	root := &cobra.Command{Use: "tickflow", SilenceUsage: true, SilenceErrors: true}
	shared.BindGlobalFlags(root.PersistentFlags())
	root.AddCommand(NewCommand())

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"run"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string) runResponse {
	t.Helper()
	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestRunCountdown(t *testing.T) {
	out, err := execute(t, "demo/countdown", "--interval", "0", "--json")
	require.NoError(t, err)

	resp := decode(t, out)
	assert.True(t, resp.Success)
	assert.Equal(t, "run", resp.Command)
	require.Len(t, resp.Results, 1)

	res := resp.Results[0]
	assert.Equal(t, "demo/countdown", res.Key)
	assert.Equal(t, workflow.StatusSucceeded, res.Status)
	assert.Equal(t, map[string]any{"result": float64(0)}, res.Output)
	assert.Greater(t, res.Ticks, uint64(1))
}

func TestRunPlainOutput(t *testing.T) {
	out, err := execute(t, "demo/countdown", "--interval", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "demo/countdown")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "1/1 succeeded")
}

func TestRunTimeline(t *testing.T) {
	out, err := execute(t, "demo/pipeline", "--interval", "0", "--timeline")
	require.NoError(t, err)
	assert.Contains(t, out, "demo/pipeline (")
	assert.Contains(t, out, "deferred_while")
	assert.Contains(t, out, "█")

	out, err = execute(t, "demo/countdown", "--interval", "0", "--timeline", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "█", "timelines are not mixed into JSON")
}

func TestRunDeclaredFailure(t *testing.T) {
	out, err := execute(t, "demo/guarded", "--interval", "0", "--json")
	assert.Equal(t, shared.ExitWorkflowFailed, shared.ExitCode(err))

	resp := decode(t, out)
	assert.False(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, workflow.StatusFailed, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].Error)
	assert.Equal(t, "stage", resp.Results[0].Error.Type)
	assert.Contains(t, resp.Results[0].Error.Message, "cost exceeds frame budget")
}

func TestRunWithInputAndWorld(t *testing.T) {
	t.Run("input overrides example", func(t *testing.T) {
		out, err := execute(t, "demo/guarded", "--interval", "0", "--json", "--input", `{"cost": 2, "budget": 10}`)
		require.NoError(t, err)
		resp := decode(t, out)
		assert.Equal(t, map[string]any{"remaining": float64(8)}, resp.Results[0].Output)
	})

	t.Run("world values reach host expressions", func(t *testing.T) {
		out, err := execute(t, "demo/snapshot", "--interval", "0", "--json", "--set", "entities=12")
		require.NoError(t, err)
		resp := decode(t, out)
		output := resp.Results[0].Output.(map[string]any)
		assert.Equal(t, float64(12), output["entities"])
		assert.Equal(t, float64(0), output["sampled_at"])
		assert.Equal(t, float64(1), output["frame"])
	})
}

func TestRunTickLimitCancels(t *testing.T) {
	out, err := execute(t, "demo/pipeline", "--interval", "0", "--ticks", "1", "--json")
	assert.Equal(t, shared.ExitWorkflowFailed, shared.ExitCode(err))

	resp := decode(t, out)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, workflow.StatusCancelled, resp.Results[0].Status)
	assert.Equal(t, 1, resp.Ticks)
}

func TestRunAll(t *testing.T) {
	out, err := execute(t, "--all", "--interval", "0", "--json")
	assert.Equal(t, shared.ExitWorkflowFailed, shared.ExitCode(err), "guarded example fails by design")

	resp := decode(t, out)
	assert.Len(t, resp.Results, 4)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no workflow", nil},
		{"bad key", []string{"countdown"}},
		{"unknown workflow", []string{"demo/missing"}},
		{"bad input", []string{"demo/countdown", "--input", "{"}},
		{"bad set", []string{"demo/countdown", "--set", "novalue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
		})
	}

	_, err := execute(t)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Suggestion)
}
