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

package examples

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defer shared.SetJSONForTest(false)

	root := &cobra.Command{Use: "tickflow", SilenceUsage: true, SilenceErrors: true}
	shared.BindGlobalFlags(root.PersistentFlags())
	root.AddCommand(NewCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"examples"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		out, err := execute(t)
		require.NoError(t, err)
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "countdown")
		assert.Contains(t, out, "tickflow run demo/<name>")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "list", "--json")
		require.NoError(t, err)

		var resp struct {
			Command  string        `json:"command"`
			Examples []exampleJSON `json:"examples"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
		assert.Equal(t, "examples", resp.Command)

		var names []string
		for _, ex := range resp.Examples {
			names = append(names, ex.Name)
		}
		assert.Equal(t, []string{"countdown", "guarded", "pipeline", "snapshot"}, names)
	})
}

func TestShow(t *testing.T) {
	t.Run("prints yaml", func(t *testing.T) {
		out, err := execute(t, "show", "pipeline")
		require.NoError(t, err)
		assert.Contains(t, out, "name: pipeline")
		assert.Contains(t, out, "kind: deferred_while")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := execute(t, "show", "nope")
		var nf *errors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestCopy(t *testing.T) {
	t.Run("into directory", func(t *testing.T) {
		dir := t.TempDir()
		_, err := execute(t, "copy", "countdown", dir)
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, "countdown.yaml"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "name: countdown")
	})

	t.Run("existing file needs force", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "mine.yaml")
		require.NoError(t, os.WriteFile(dest, []byte("keep"), 0o644))

		_, err := execute(t, "copy", "guarded", dest)
		var verr *errors.ValidationError
		require.ErrorAs(t, err, &verr)

		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(data))

		out, err := execute(t, "copy", "guarded", dest, "--force")
		require.NoError(t, err)
		assert.Contains(t, out, "Copied example")

		data, err = os.ReadFile(dest)
		require.NoError(t, err)
		assert.Contains(t, string(data), "name: guarded")
	})

	t.Run("quiet", func(t *testing.T) {
		out, err := execute(t, "copy", "snapshot", t.TempDir(), "--quiet")
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
