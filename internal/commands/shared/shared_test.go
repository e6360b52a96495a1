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

package shared

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/config"
	"github.com/tombee/tickflow/internal/journal"
	pkgerrors "github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitExecutionFailed},
		{"invalid workflow", NewInvalidWorkflowError("bad script", nil), ExitInvalidWorkflow},
		{"config", NewConfigError("bad config", nil), ExitConfigError},
		{"wrapped failed", pkgerrors.Wrap(NewWorkflowFailedError("failed", nil), "run"), ExitWorkflowFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}

	err := NewExecutionError("tick failed", errors.New("cause"))
	assert.Equal(t, "tick failed: cause", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "cause")
}

func TestRenderTablePlain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderTable(&buf, []string{"KEY", "STAGES"}, [][]string{
		{"demo/countdown", "2"},
		{"demo/pipeline", "3"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "KEY"))
	assert.Contains(t, lines[1], "demo/countdown")
	assert.False(t, IsTerminal(&buf))
}

func TestFormattersPassThroughWithoutTTY(t *testing.T) {
	assert.Equal(t, "# title", FormatMarkdown("# title", false, 80))
	assert.Equal(t, "a: 1\n", HighlightYAML("a: 1\n", false))
	assert.Equal(t, 80, TerminalWidth(&bytes.Buffer{}, 80))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer SetConfigPathForTest("")

	path := filepath.Join(t.TempDir(), "tickflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  async_workers: 2\n"), 0o644))
	SetConfigPathForTest(path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.AsyncWorkers)

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  async_workers: -1\n"), 0o644))
	_, err = LoadConfig()
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestOpenJournal(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, err := OpenJournal(config.JournalConfig{Driver: config.JournalMemory})
		require.NoError(t, err)
		assert.IsType(t, &journal.MemoryStore{}, store)
		assert.NoError(t, store.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := OpenJournal(config.JournalConfig{
			Driver: config.JournalSQLite,
			Path:   filepath.Join(t.TempDir(), "journal.db"),
		})
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := OpenJournal(config.JournalConfig{Driver: "etcd"})
		var cfgErr *pkgerrors.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(`
kind: workflow
module: local
name: echo
stages:
  - name: echo
    kind: immediate
`), 0o644))

	cat, err := LoadCatalog([]string{filepath.Join(dir, "*.yaml")}, true)
	require.NoError(t, err)

	var keys []string
	for _, def := range cat.Definitions() {
		keys = append(keys, def.Key().String())
	}
	assert.Contains(t, keys, "demo/countdown")
	assert.Contains(t, keys, "local/echo")

	_, err = LoadCatalog([]string{filepath.Join(dir, "*.yaml"), filepath.Join(dir, "echo.yaml")}, false)
	require.NoError(t, err, "a file matched twice is loaded once")
}

func TestRuntime(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{Examples: true, LogOutput: &bytes.Buffer{}})
	require.NoError(t, err)

	var got workflow.Result
	_, err = rt.Scheduler.Request(ctx, "demo", "guarded", map[string]any{"cost": 1, "budget": 10}, func(res workflow.Result) {
		got = res
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, rt.Scheduler.Tick(ctx, workflow.StaticHost{}))
	}
	assert.Equal(t, workflow.StatusSucceeded, got.Status)

	records, err := rt.Journal.List(ctx, journal.Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "guarded", records[0].Workflow)

	assert.NoError(t, rt.Close(ctx))
}

func TestParseSet(t *testing.T) {
	values, err := ParseSet([]string{"n=3", "g=-9.5", "name=forest", "flags=[1,2]", "empty="})
	require.NoError(t, err)
	assert.Equal(t, 3, values["n"])
	assert.Equal(t, -9.5, values["g"])
	assert.Equal(t, "forest", values["name"])
	assert.Equal(t, []any{float64(1), float64(2)}, values["flags"])
	assert.Equal(t, "", values["empty"])

	_, err = ParseSet([]string{"novalue"})
	assert.Error(t, err)
}

func TestParseInput(t *testing.T) {
	input, err := ParseInput(`{"n": 3}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(3)}, input)

	_, err = ParseInput(`{n: 3`)
	var verr *pkgerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBindGlobalFlags(t *testing.T) {
	defer func() { globals = GlobalFlags{} }()

	fs := pflag.NewFlagSet("tickflow", pflag.ContinueOnError)
	BindGlobalFlags(fs)
	require.NoError(t, fs.Parse([]string{"-q", "--json", "--config", "/tmp/tf.yaml"}))

	assert.Equal(t, GlobalFlags{Quiet: true, JSON: true, ConfigPath: "/tmp/tf.yaml"}, Globals())
	assert.True(t, GetJSON())
	assert.True(t, LogLevelPinned())

	t.Run("rebinding resets", func(t *testing.T) {
		BindGlobalFlags(pflag.NewFlagSet("again", pflag.ContinueOnError))
		assert.Equal(t, GlobalFlags{}, Globals())
		assert.False(t, LogLevelPinned())
	})
}

func TestBuild(t *testing.T) {
	defer SetVersion("dev", "unknown", "unknown")

	SetVersion("1.2.3", "abc123", "2026-10-19")
	assert.Equal(t, BuildInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2026-10-19"}, Build())
	v, c, d := GetVersion()
	assert.Equal(t, []string{"1.2.3", "abc123", "2026-10-19"}, []string{v, c, d})
}
