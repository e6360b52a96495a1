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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantFormat Format
		wantSource bool
	}{
		{
			name:       "defaults",
			env:        map[string]string{},
			wantLevel:  "info",
			wantFormat: FormatJSON,
		},
		{
			name:       "debug flag wins over level",
			env:        map[string]string{"TICKFLOW_DEBUG": "1", "TICKFLOW_LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantFormat: FormatJSON,
			wantSource: true,
		},
		{
			name:       "tickflow level wins over LOG_LEVEL",
			env:        map[string]string{"TICKFLOW_LOG_LEVEL": "WARN", "LOG_LEVEL": "debug"},
			wantLevel:  "warn",
			wantFormat: FormatJSON,
		},
		{
			name:       "format and source",
			env:        map[string]string{"LOG_FORMAT": "TEXT", "LOG_SOURCE": "1"},
			wantLevel:  "info",
			wantFormat: FormatText,
			wantSource: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"TICKFLOW_DEBUG", "TICKFLOW_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFormat)
			}
			if cfg.AddSource != tt.wantSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSource)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONWithInstanceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	stageLogger := WithStage(WithInstance(logger, "demo", "countdown", "abc"), 1, "drain", "immediate_while")
	stageLogger.Debug("polled", Tick(7))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		ModuleKey:    "demo",
		WorkflowKey:  "countdown",
		InstanceKey:  "abc",
		StageKey:     float64(1),
		StageNameKey: "drain",
		KindKey:      "immediate_while",
		TickKey:      float64(7),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestNewHandler_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	logger := slog.New(NewHandler(&Config{Level: "error", Format: FormatText, Output: &buf}, &level))

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at error level, got %q", buf.String())
	}

	level.Set(slog.LevelInfo)
	logger.Info("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected info after level change, got %q", buf.String())
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer

	Trace(New(&Config{Level: "debug", Output: &buf}), "drained buffer")
	if buf.Len() != 0 {
		t.Errorf("trace should be filtered at debug level, got %q", buf.String())
	}

	Trace(New(&Config{Level: "trace", Output: &buf}), "drained buffer")
	if !strings.Contains(buf.String(), "drained buffer") {
		t.Errorf("trace should be logged at trace level, got %q", buf.String())
	}
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	handler := HTTPMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["path"] != "/healthz" || entry["status"] != float64(503) {
		t.Errorf("unexpected entry: %v", entry)
	}
}
