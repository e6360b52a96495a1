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

// Package examples implements the examples command group.
package examples

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/examples"
	"github.com/tombee/tickflow/pkg/errors"
)

// NewCommand creates the examples command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Browse and copy the built-in workflow scripts",
		Long: `Browse and copy the workflow scripts embedded in tickflow.

The examples are registered under the demo module, so they can be run
directly with 'tickflow run demo/<name>'. Copy one to start a script of
your own.`,
		Args: cobra.NoArgs,
		RunE: listExamples,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in examples",
		Example: `  tickflow examples list
  tickflow examples list --json | jq -r '.examples[].name'`,
		Args: cobra.NoArgs,
		RunE: listExamples,
	})
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newCopyCommand())

	return cmd
}

type exampleJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
}

func listExamples(cmd *cobra.Command, args []string) error {
	list, err := examples.List()
	if err != nil {
		return shared.NewExecutionError("failed to list examples", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		items := make([]exampleJSON, 0, len(list))
		for _, ex := range list {
			items = append(items, exampleJSON{Name: ex.Name, Description: ex.Description, File: ex.FilePath})
		}
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Examples []exampleJSON `json:"examples"`
		}{shared.NewJSONResponse("examples"), items})
	}

	rows := make([][]string, 0, len(list))
	for _, ex := range list {
		rows = append(rows, []string{ex.Name, ex.Description})
	}
	if err := shared.RenderTable(out, []string{"NAME", "DESCRIPTION"}, rows); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, shared.Muted.Render("Use 'tickflow examples show <name>' to view an example"))
	fmt.Fprintln(out, shared.Muted.Render("Use 'tickflow run demo/<name>' to run it"))
	return nil
}

func lookup(name string) ([]byte, error) {
	if !examples.Exists(name) {
		return nil, &errors.NotFoundError{Resource: "example", ID: name}
	}
	return examples.Get(name)
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print an example script",
		Example: `  tickflow examples show pipeline
  tickflow examples show countdown > countdown.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := lookup(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = fmt.Fprint(out, shared.HighlightYAML(string(content), shared.IsTerminal(out)))
			return err
		},
	}
}

func newCopyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "copy <name> [dest]",
		Short: "Copy an example to the filesystem",
		Long: `Copy an embedded example script to the local filesystem.

Without a destination the example is written to '<name>.yaml' in the
current directory. A directory destination receives '<name>.yaml'.`,
		Example: `  tickflow examples copy countdown
  tickflow examples copy pipeline ./scripts/`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, err := lookup(name); err != nil {
				return err
			}

			dest := name + ".yaml"
			if len(args) > 1 {
				dest = args[1]
			}
			if stat, err := os.Stat(dest); err == nil && stat.IsDir() {
				dest = filepath.Join(dest, name+".yaml")
			}
			if _, err := os.Stat(dest); err == nil && !force {
				return &errors.ValidationError{
					Field:      "dest",
					Message:    fmt.Sprintf("%s already exists", dest),
					Suggestion: "pass --force to overwrite it",
				}
			}

			if err := examples.CopyTo(name, dest); err != nil {
				return shared.NewExecutionError("failed to copy example", err)
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", shared.RenderOK(fmt.Sprintf("Copied example %q to %s", name, dest)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}
