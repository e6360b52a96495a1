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

package main

import (
	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/cli"
	configcmd "github.com/tombee/tickflow/internal/commands/config"
	"github.com/tombee/tickflow/internal/commands/examples"
	"github.com/tombee/tickflow/internal/commands/history"
	"github.com/tombee/tickflow/internal/commands/run"
	"github.com/tombee/tickflow/internal/commands/serve"
	versioncmd "github.com/tombee/tickflow/internal/commands/version"
	"github.com/tombee/tickflow/internal/commands/workflows"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	if err := newRootCommand().Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := cli.NewRootCommand()

	cli.AddGroup(rootCmd, cli.GroupWorkflows,
		run.NewCommand(),
		serve.NewCommand(),
		workflows.NewCommand(),
		examples.NewCommand(),
	)
	cli.AddGroup(rootCmd, cli.GroupManagement,
		history.NewCommand(),
		configcmd.NewCommand(),
		versioncmd.NewVersionCommand(),
	)

	return rootCmd
}
