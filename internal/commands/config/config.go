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

// Package config implements the config command group.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/config"
)

// NewCommand creates the config command with subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
		Long: `View and check tickflow configuration.

Subcommands:
  show     - Display the effective configuration
  path     - Show the config file location
  validate - Check the config file and the scripts it names`,
		Args: cobra.NoArgs,
		RunE: runShow,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after defaults, the config file and TICKFLOW_*
environment variables are applied.`,
		Args: cobra.NoArgs,
		RunE: runShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file location",
		Args:  cobra.NoArgs,
		RunE:  runPath,
	})
	cmd.AddCommand(newValidateCommand())

	return cmd
}

// sourcePath returns the file configuration is read from, and whether it
// exists.
func sourcePath() (string, bool, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, true, nil
	}
	if p := config.DefaultPath(); p != "" {
		return p, true, nil
	}
	p, err := config.ConfigPath()
	return p, false, err
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		// Round-trip through YAML so JSON keys match the file format.
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return shared.EmitJSON(out, tree)
	}

	path, exists, err := sourcePath()
	if err != nil {
		return err
	}
	source := path
	if !exists {
		source = "defaults (no file at " + path + ")"
	}
	fmt.Fprintln(out, shared.Muted.Render("# Configuration: "+source))
	_, err = fmt.Fprint(out, shared.HighlightYAML(string(data), shared.IsTerminal(out)))
	return err
}

func runPath(cmd *cobra.Command, args []string) error {
	path, exists, err := sourcePath()
	if err != nil {
		return shared.NewConfigError("failed to determine config path", err)
	}
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Path   string `json:"path"`
			Exists bool   `json:"exists"`
		}{shared.NewJSONResponse("config path"), path, exists})
	}
	fmt.Fprintln(out, path)
	return nil
}

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Path      string   `json:"path,omitempty"`
	Workflows int      `json:"workflows"`
	Errors    []string `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and its workflow scripts",
		Long: `Check that the configuration loads and that every workflow script named by
scripts.paths parses and builds.`,
		Example: `  tickflow config validate
  tickflow config validate --config ./tickflow.yaml --json`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, exists, _ := sourcePath()
	result := ValidationResult{Valid: true}
	if exists {
		result.Path = path
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	} else if len(cfg.Scripts.Paths) > 0 {
		catalog, err := shared.LoadCatalog(cfg.Scripts.Paths, false)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Workflows = len(catalog.Definitions())
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Configuration valid (%d scripted workflows)", result.Workflows)))
	} else {
		for _, e := range result.Errors {
			fmt.Fprintln(out, shared.RenderError(e))
		}
	}

	if !result.Valid {
		return shared.NewConfigError("configuration invalid", nil)
	}
	return nil
}
