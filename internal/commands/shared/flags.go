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

// Package shared holds flags, output helpers and runtime wiring used by the
// tickflow commands.
package shared

import (
	"github.com/spf13/pflag"
)

// GlobalFlags are the persistent flags every tickflow command accepts.
type GlobalFlags struct {
	// Verbose forces debug logging, overriding log.level.
	Verbose bool

	// Quiet drops logging to errors and suppresses progress lines.
	Quiet bool

	// JSON switches command output to the versioned JSON envelope.
	JSON bool

	// ConfigPath overrides the default config file location.
	ConfigPath string
}

// BuildInfo is stamped into the binary with -ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var (
	globals GlobalFlags
	build   = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// BindGlobalFlags registers the global flags on fs, normally the root
// command's persistent flags. Binding resets them to their defaults.
func BindGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&globals.Verbose, "verbose", "v", false, "Log at debug level, overriding log.level")
	fs.BoolVarP(&globals.Quiet, "quiet", "q", false, "Log errors only and suppress progress output")
	fs.BoolVar(&globals.JSON, "json", false, "Print results as JSON")
	fs.StringVar(&globals.ConfigPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/tickflow/config.yaml)")
}

// Globals returns the parsed global flags.
func Globals() GlobalFlags { return globals }

// GetVerbose reports --verbose.
func GetVerbose() bool { return globals.Verbose }

// GetQuiet reports --quiet.
func GetQuiet() bool { return globals.Quiet }

// GetJSON reports whether output is JSON.
func GetJSON() bool { return globals.JSON }

// GetConfigPath returns --config, empty when the default location applies.
func GetConfigPath() string { return globals.ConfigPath }

// LogLevelPinned reports whether the command line fixed the log level, in
// which case config reloads leave it alone.
func LogLevelPinned() bool { return globals.Verbose || globals.Quiet }

// SetVersion records build information (called from main).
func SetVersion(v, c, b string) {
	build = BuildInfo{Version: v, Commit: c, BuildDate: b}
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return build.Version, build.Commit, build.BuildDate
}

// Build returns the stamped build information.
func Build() BuildInfo { return build }

// SetConfigPathForTest overrides --config.
func SetConfigPathForTest(path string) { globals.ConfigPath = path }

// SetJSONForTest overrides --json.
func SetJSONForTest(v bool) { globals.JSON = v }
