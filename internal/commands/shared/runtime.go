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
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/tombee/tickflow/internal/config"
	"github.com/tombee/tickflow/internal/examples"
	"github.com/tombee/tickflow/internal/journal"
	"github.com/tombee/tickflow/internal/journal/sqlite"
	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/internal/script"
	"github.com/tombee/tickflow/internal/telemetry"
	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

// LoadConfig loads the file named by --config, or the default config file
// when one exists.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the command logger. --verbose forces debug and --quiet
// forces error level. The returned LevelVar can be changed on reload.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	if w == nil {
		w = os.Stderr
	}
	level := cfg.Level
	switch {
	case GetVerbose():
		level = "debug"
	case GetQuiet():
		level = "error"
	}
	lv := new(slog.LevelVar)
	handler := log.NewHandler(&log.Config{
		Level:     level,
		Format:    log.Format(cfg.Format),
		Output:    w,
		AddSource: cfg.AddSource,
	}, lv)
	return slog.New(handler), lv
}

// SchedulerOptions translates scheduler config into scheduler options.
func SchedulerOptions(cfg config.SchedulerConfig, logger *slog.Logger) []workflow.Option {
	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithStageTimeout(cfg.StageTimeoutTicks),
		workflow.WithTickInterval(cfg.TickInterval),
		workflow.WithAsyncWorkers(cfg.AsyncWorkers),
		workflow.WithResultBuffer(cfg.ResultBuffer),
	}
	if cfg.AsyncRate > 0 {
		opts = append(opts, workflow.WithAsyncRate(rate.Limit(cfg.AsyncRate), cfg.AsyncBurst))
	}
	return opts
}

// OpenJournal opens the configured journal store.
func OpenJournal(cfg config.JournalConfig) (journal.Store, error) {
	switch cfg.Driver {
	case config.JournalSQLite:
		path, err := config.ExpandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.New(sqlite.Config{Path: path, WAL: cfg.WAL})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.JournalMemory, "":
		return journal.NewMemoryStore(), nil
	default:
		return nil, &errors.ConfigError{Key: "journal.driver", Reason: "unknown driver " + cfg.Driver}
	}
}

// LoadCatalog builds the workflow scripts matched by patterns, optionally
// preceded by the embedded examples.
func LoadCatalog(patterns []string, withExamples bool) (*script.Catalog, error) {
	var docs []*script.Document
	if withExamples {
		embedded, err := examples.Documents()
		if err != nil {
			return nil, err
		}
		docs = append(docs, embedded...)
	}
	if len(patterns) > 0 {
		loaded, err := script.LoadGlob(patterns...)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return script.BuildAll(docs)
}

// RuntimeOptions selects the optional parts of a Runtime.
type RuntimeOptions struct {
	// Scripts are globs loaded in addition to the configured paths.
	Scripts []string

	// Examples registers the embedded example workflows.
	Examples bool

	// Telemetry starts the metrics and trace pipeline.
	Telemetry bool

	// LogOutput receives log lines (default os.Stderr).
	LogOutput io.Writer
}

// Runtime is a scheduler wired to its scripts, journal and telemetry.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Level     *slog.LevelVar
	Catalog   *script.Catalog
	Scheduler *workflow.Scheduler
	Journal   journal.Store
	Telemetry *telemetry.Provider
}

// NewRuntime builds a Runtime from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	logger, level := NewLogger(cfg.Log, opts.LogOutput)

	patterns := append(append([]string{}, cfg.Scripts.Paths...), opts.Scripts...)
	catalog, err := LoadCatalog(patterns, opts.Examples)
	if err != nil {
		return nil, NewInvalidWorkflowError("failed to load workflow scripts", err)
	}

	store, err := OpenJournal(cfg.Journal)
	if err != nil {
		return nil, NewConfigError("failed to open journal", err)
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Level:     level,
		Catalog:   catalog,
		Scheduler: workflow.New(SchedulerOptions(cfg.Scheduler, logger)...),
		Journal:   store,
	}
	if err := catalog.Register(rt.Scheduler); err != nil {
		_ = rt.Close(ctx)
		return nil, NewInvalidWorkflowError("failed to register workflows", err)
	}
	journal.NewRecorder(store, logger).Attach(rt.Scheduler.Events())

	if opts.Telemetry {
		v, _, _ := GetVersion()
		provider, err := telemetry.New(ctx, telemetry.Config{
			ServiceName:    "tickflow",
			ServiceVersion: v,
			TraceExporter:  cfg.Telemetry.TraceExporter,
			TraceEndpoint:  cfg.Telemetry.TraceEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.TraceSampleRate,
		})
		if err != nil {
			_ = rt.Close(ctx)
			return nil, NewConfigError("failed to start telemetry", err)
		}
		provider.Metrics().Attach(rt.Scheduler.Events())
		provider.Spans().Attach(rt.Scheduler.Events())
		rt.Telemetry = provider
	}

	logger.Debug("runtime ready",
		slog.Int("workflows", len(catalog.Definitions())),
		slog.String("journal", cfg.Journal.Driver))
	return rt, nil
}

// Close stops the scheduler, then the journal and telemetry. Instances
// still live are journaled as cancelled.
func (r *Runtime) Close(ctx context.Context) error {
	errs := []error{r.Scheduler.Close(ctx), r.Journal.Close()}
	if r.Telemetry != nil {
		errs = append(errs, r.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
