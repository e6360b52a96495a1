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

// Package log configures structured logging for tickflow.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug. The scheduler logs every buffer
// drain and poll at this level.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
const (
	// ModuleKey is the field key for workflow module names.
	ModuleKey = "module"
	// WorkflowKey is the field key for workflow names.
	WorkflowKey = "workflow"
	// InstanceKey is the field key for workflow instance identifiers.
	InstanceKey = "instance_id"
	// StageKey is the field key for stage indexes.
	StageKey = "stage"
	// StageNameKey is the field key for stage names.
	StageNameKey = "stage_name"
	// KindKey is the field key for stage execution kinds.
	KindKey = "kind"
	// TickKey is the field key for the scheduler tick counter.
	TickKey = "tick"
	// EventKey is the field key for event types.
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - TICKFLOW_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - TICKFLOW_LOG_LEVEL: trace, debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("TICKFLOW_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("TICKFLOW_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	return slog.New(NewHandler(cfg, nil))
}

// NewHandler builds the slog handler for cfg. A non-nil level overrides the
// configured one so callers can change verbosity at runtime.
func NewHandler(cfg *Config, level *slog.LevelVar) slog.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var leveler slog.Leveler = ParseLevel(cfg.Level)
	if level != nil {
		level.Set(ParseLevel(cfg.Level))
		leveler = level
	}

	opts := &slog.HandlerOptions{
		Level:     leveler,
		AddSource: cfg.AddSource,
	}

	switch cfg.Format {
	case FormatText:
		return slog.NewTextHandler(out, opts)
	default:
		return slog.NewJSONHandler(out, opts)
	}
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithInstance returns a logger carrying the workflow key and instance ID.
func WithInstance(logger *slog.Logger, module, workflow, instanceID string) *slog.Logger {
	return logger.With(
		slog.String(ModuleKey, module),
		slog.String(WorkflowKey, workflow),
		slog.String(InstanceKey, instanceID),
	)
}

// WithStage returns a logger carrying stage context on top of an instance logger.
func WithStage(logger *slog.Logger, stage int, name, kind string) *slog.Logger {
	return logger.With(
		slog.Int(StageKey, stage),
		slog.String(StageNameKey, name),
		slog.String(KindKey, kind),
	)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Tick creates a tick attribute.
func Tick(tick uint64) slog.Attr {
	return slog.Uint64(TickKey, tick)
}

// Trace logs a message at trace level with optional attributes.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
