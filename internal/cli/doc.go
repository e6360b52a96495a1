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

/*
Package cli provides the root command and shared configuration for the
tickflow CLI.

This package creates the root Cobra command and handles global concerns like
version information, persistent flags, JSON help and error handling.
Individual commands are implemented in the internal/commands subpackages.

# Command Tree

	tickflow
	├── run           Run workflows on a simulated host
	├── serve         Run a simulated host until interrupted
	├── workflows     List and describe workflow types
	├── examples      Browse and copy the built-in scripts
	├── history       Show journaled outcomes
	├── config        View and check configuration
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	cli.AddGroup(rootCmd, cli.GroupWorkflows, run.NewCommand(), ...)
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable debug logging
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
*/
package cli
