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

package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/pkg/errors"
)

// CommandMetadata represents metadata about a command for JSON output
type CommandMetadata struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

// FlagMetadata represents metadata about a flag
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Type      string `json:"type"`
}

// HelpResponse is the JSON response for help command
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata     `json:"commands,omitempty"`
	Command     *CommandMetadata      `json:"command,omitempty"`
	GlobalFlags []FlagMetadata        `json:"global_flags,omitempty"`
	ExitCodes   []shared.ExitCodeInfo `json:"exit_codes,omitempty"`
}

// NewHelpCommand creates the help command
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Use --json to get the command tree in machine-readable form. Nested
commands are addressed by path, for example "help workflows describe".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if shared.GetJSON() {
					return outputAllCommandsJSON(cmd, rootCmd)
				}
				return rootCmd.Help()
			}

			targetCmd, rest, err := rootCmd.Find(args)
			if err != nil || targetCmd == rootCmd || len(rest) > 0 {
				return &errors.NotFoundError{Resource: "command", ID: strings.Join(args, " ")}
			}
			if shared.GetJSON() {
				return outputCommandJSON(cmd, targetCmd, rootCmd)
			}
			return targetCmd.Help()
		},
	}
}

// outputAllCommandsJSON outputs all commands in JSON format
func outputAllCommandsJSON(cmd *cobra.Command, rootCmd *cobra.Command) error {
	commands := []CommandMetadata{}
	for _, c := range rootCmd.Commands() {
		if c.Hidden || c.Name() == "help" {
			continue
		}
		commands = append(commands, extractCommandMetadata(c))
	}

	return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
		JSONResponse: shared.NewJSONResponse("help"),
		Commands:     commands,
		GlobalFlags:  extractGlobalFlags(rootCmd),
		ExitCodes:    shared.ExitCodes(),
	})
}

// outputCommandJSON outputs a specific command in JSON format
func outputCommandJSON(cmd *cobra.Command, targetCmd *cobra.Command, rootCmd *cobra.Command) error {
	metadata := extractCommandMetadata(targetCmd)
	return shared.EmitJSON(cmd.OutOrStdout(), HelpResponse{
		JSONResponse: shared.NewJSONResponse("help " + commandPath(targetCmd)),
		Command:      &metadata,
		GlobalFlags:  extractGlobalFlags(rootCmd),
	})
}

// extractCommandMetadata extracts metadata from a cobra command
func extractCommandMetadata(cmd *cobra.Command) CommandMetadata {
	metadata := CommandMetadata{
		Name:     cmd.Name(),
		Path:     commandPath(cmd),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Aliases:  cmd.Aliases,
		Group:    cmd.GroupID,
	}

	var flags []FlagMetadata
	cmd.LocalNonPersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Hidden && flag.Name != "help" {
			flags = append(flags, flagMetadata(flag))
		}
	})
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Hidden && cmd.HasParent() {
			flags = append(flags, flagMetadata(flag))
		}
	})
	metadata.Flags = flags

	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			metadata.Subcommands = append(metadata.Subcommands, sub.Name())
		}
	}
	return metadata
}

// commandPath is the command's path without the root name.
func commandPath(cmd *cobra.Command) string {
	path := cmd.CommandPath()
	if i := strings.IndexByte(path, ' '); i >= 0 {
		return path[i+1:]
	}
	return path
}

// extractGlobalFlags extracts global flags from root command
func extractGlobalFlags(rootCmd *cobra.Command) []FlagMetadata {
	var flags []FlagMetadata
	rootCmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Hidden {
			flags = append(flags, flagMetadata(flag))
		}
	})
	return flags
}

func flagMetadata(flag *pflag.Flag) FlagMetadata {
	return FlagMetadata{
		Name:      flag.Name,
		Shorthand: flag.Shorthand,
		Usage:     flag.Usage,
		Default:   flag.DefValue,
		Type:      flag.Value.Type(),
	}
}
