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

// Package config loads tickflow configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/tickflow/pkg/errors"
)

// Config represents the complete tickflow configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: TICKFLOW_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: TICKFLOW_LOG_FORMAT
	// Default: text
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// SchedulerConfig configures the tick scheduler.
type SchedulerConfig struct {
	// TickInterval is the wall-clock period between ticks in serve mode.
	// Environment: TICKFLOW_TICK_INTERVAL
	// Default: 16ms
	TickInterval time.Duration `yaml:"tick_interval"`

	// StageTimeoutTicks bounds each instance to stages x this many ticks.
	// Zero disables timeouts.
	// Environment: TICKFLOW_STAGE_TIMEOUT_TICKS
	StageTimeoutTicks uint64 `yaml:"stage_timeout_ticks"`

	// AsyncWorkers limits concurrently running async stages.
	// Environment: TICKFLOW_ASYNC_WORKERS
	// Default: 16
	AsyncWorkers int `yaml:"async_workers"`

	// AsyncRate limits async stage starts per second. Zero is unlimited.
	AsyncRate float64 `yaml:"async_rate"`

	// AsyncBurst is the rate limiter burst. Defaults to AsyncWorkers.
	AsyncBurst int `yaml:"async_burst"`

	// ResultBuffer sizes the async completion channel.
	// Default: 256
	ResultBuffer int `yaml:"result_buffer"`
}

// Journal drivers.
const (
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
)

// JournalConfig configures the outcome journal.
type JournalConfig struct {
	// Driver is memory or sqlite.
	// Environment: TICKFLOW_JOURNAL_DRIVER
	// Default: memory
	Driver string `yaml:"driver"`

	// Path is the sqlite database file.
	// Environment: TICKFLOW_JOURNAL_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for sqlite.
	// Default: true
	WAL bool `yaml:"wal"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr is the listen address for /metrics. Empty disables it.
	// Environment: TICKFLOW_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// TraceExporter is none, stdout, otlp or otlp-http.
	// Environment: TICKFLOW_TRACE_EXPORTER
	// Default: none
	TraceExporter string `yaml:"trace_exporter"`

	// TraceEndpoint is the OTLP collector endpoint.
	// Environment: TICKFLOW_TRACE_ENDPOINT
	TraceEndpoint string `yaml:"trace_endpoint,omitempty"`

	// TraceSampleRate is the fraction of root spans sampled (0 to 1).
	// Environment: TICKFLOW_TRACE_SAMPLE_RATE
	// Default: 1
	TraceSampleRate float64 `yaml:"trace_sample_rate"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure"`
}

// ScriptsConfig lists workflow script locations.
type ScriptsConfig struct {
	// Paths are doublestar globs of workflow YAML files.
	// Environment: TICKFLOW_SCRIPTS (comma-separated)
	Paths []string `yaml:"paths,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			TickInterval: 16 * time.Millisecond,
			AsyncWorkers: 16,
			ResultBuffer: 256,
		},
		Journal: JournalConfig{
			Driver: JournalMemory,
			WAL:    true,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:   "none",
			TraceSampleRate: 1,
		},
	}
}

// Load reads configuration from configPath (optional), applies defaults and
// environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if c.Scheduler.AsyncWorkers == 0 {
		c.Scheduler.AsyncWorkers = defaults.Scheduler.AsyncWorkers
	}
	if c.Scheduler.ResultBuffer == 0 {
		c.Scheduler.ResultBuffer = defaults.Scheduler.ResultBuffer
	}
	if c.Scheduler.AsyncRate > 0 && c.Scheduler.AsyncBurst == 0 {
		c.Scheduler.AsyncBurst = c.Scheduler.AsyncWorkers
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = defaults.Journal.Driver
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = defaults.Telemetry.TraceExporter
	}
}

func (c *Config) loadFromFile(path string) error {
	path, err := ExpandHome(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from TICKFLOW_* environment variables.
// Unparseable values are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("TICKFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("TICKFLOW_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("TICKFLOW_TICK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.TickInterval = d
		}
	}
	if val := os.Getenv("TICKFLOW_STAGE_TIMEOUT_TICKS"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.Scheduler.StageTimeoutTicks = n
		}
	}
	if val := os.Getenv("TICKFLOW_ASYNC_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.AsyncWorkers = n
		}
	}

	if val := os.Getenv("TICKFLOW_JOURNAL_DRIVER"); val != "" {
		c.Journal.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("TICKFLOW_JOURNAL_PATH"); val != "" {
		c.Journal.Path = val
	}

	if val := os.Getenv("TICKFLOW_METRICS_ADDR"); val != "" {
		c.Telemetry.MetricsAddr = val
	}
	if val := os.Getenv("TICKFLOW_TRACE_EXPORTER"); val != "" {
		c.Telemetry.TraceExporter = strings.ToLower(val)
	}
	if val := os.Getenv("TICKFLOW_TRACE_ENDPOINT"); val != "" {
		c.Telemetry.TraceEndpoint = val
	}
	if val := os.Getenv("TICKFLOW_TRACE_SAMPLE_RATE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Telemetry.TraceSampleRate = f
		}
	}

	if val := os.Getenv("TICKFLOW_SCRIPTS"); val != "" {
		var paths []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		c.Scripts.Paths = paths
	}
}

// Validate checks the configuration and returns a ConfigError naming the
// first invalid key.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	if c.Scheduler.TickInterval <= 0 {
		return invalid("scheduler.tick_interval", "must be positive, got %v", c.Scheduler.TickInterval)
	}
	if c.Scheduler.AsyncWorkers < 1 {
		return invalid("scheduler.async_workers", "must be at least 1, got %d", c.Scheduler.AsyncWorkers)
	}
	if c.Scheduler.AsyncRate < 0 {
		return invalid("scheduler.async_rate", "must not be negative, got %v", c.Scheduler.AsyncRate)
	}
	if c.Scheduler.AsyncBurst < 0 {
		return invalid("scheduler.async_burst", "must not be negative, got %d", c.Scheduler.AsyncBurst)
	}
	if c.Scheduler.ResultBuffer < 1 {
		return invalid("scheduler.result_buffer", "must be at least 1, got %d", c.Scheduler.ResultBuffer)
	}

	switch c.Journal.Driver {
	case JournalMemory:
	case JournalSQLite:
		if c.Journal.Path == "" {
			return invalid("journal.path", "required for the sqlite driver")
		}
	default:
		return invalid("journal.driver", "must be one of [memory, sqlite], got %q", c.Journal.Driver)
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp", "otlp-http":
		if c.Telemetry.TraceEndpoint == "" {
			return invalid("telemetry.trace_endpoint", "required for the %s exporter", c.Telemetry.TraceExporter)
		}
	default:
		return invalid("telemetry.trace_exporter", "must be one of [none, stdout, otlp, otlp-http], got %q", c.Telemetry.TraceExporter)
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return invalid("telemetry.trace_sample_rate", "must be between 0 and 1, got %v", c.Telemetry.TraceSampleRate)
	}

	return nil
}

func invalid(key, format string, args ...any) error {
	return &errors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
