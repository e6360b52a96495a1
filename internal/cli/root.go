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
	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/commands/shared"
)

// Command groups shown in root help.
const (
	GroupWorkflows  = "workflows"
	GroupManagement = "management"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for tickflow
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickflow",
		Short: "tickflow - tick-driven workflow scheduling",
		Long: `tickflow runs multi-stage workflows inside a host's frame loop. Each
stage runs in a fixed slot of the tick: immediate stages during the update
pass, deferred stages during render, and async stages on worker goroutines.

Run 'tickflow examples' to see the built-in workflows.
Run 'tickflow run demo/countdown' to try one.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.AddGroup(
		&cobra.Group{ID: GroupWorkflows, Title: "Workflow Commands:"},
		&cobra.Group{ID: GroupManagement, Title: "Management Commands:"},
	)

	shared.BindGlobalFlags(cmd.PersistentFlags())
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.SetHelpCommand(NewHelpCommand(cmd))
	return cmd
}

// AddGroup adds subcommands to root under a help group.
func AddGroup(root *cobra.Command, group string, cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.GroupID = group
		root.AddCommand(c)
	}
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
