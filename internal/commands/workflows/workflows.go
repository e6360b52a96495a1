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

// Package workflows implements the workflows command group.
package workflows

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/script"
	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
	"github.com/tombee/tickflow/schemas"
)

type options struct {
	scripts    []string
	noExamples bool
}

// NewCommand creates the workflows command group.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "List and describe workflow types",
		Long: `List the workflow types available to run and serve: the built-in
examples plus every script matched by scripts.paths and --script.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWorkflows(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringArrayVarP(&opts.scripts, "script", "s", nil, "Workflow script glob (repeatable)")
	cmd.PersistentFlags().BoolVar(&opts.noExamples, "no-examples", false, "Do not include the built-in examples")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWorkflows(cmd, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "describe <module/workflow>",
		Short: "Show the stages of a workflow type",
		Example: `  tickflow workflows describe demo/pipeline
  tickflow workflows describe demo/pipeline --json | jq '.stages[].kind'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return describeWorkflow(cmd, opts, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for workflow scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(schemas.ScriptSchema())
			return err
		},
	})

	return cmd
}

// stageInfo describes one stage in JSON output.
type stageInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Signature   string `json:"signature"`
	Description string `json:"description,omitempty"`
}

// workflowInfo describes one workflow type in JSON output.
type workflowInfo struct {
	Key         string      `json:"key"`
	Description string      `json:"description,omitempty"`
	Source      string      `json:"source,omitempty"`
	Example     any         `json:"example,omitempty"`
	Stages      []stageInfo `json:"stages"`
}

func loadCatalog(opts options) (*script.Catalog, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	patterns := append(append([]string{}, cfg.Scripts.Paths...), opts.scripts...)
	catalog, err := shared.LoadCatalog(patterns, !opts.noExamples)
	if err != nil {
		return nil, shared.NewInvalidWorkflowError("failed to load workflow scripts", err)
	}
	return catalog, nil
}

func info(catalog *script.Catalog, def *workflow.Definition) workflowInfo {
	wi := workflowInfo{Key: def.Key().String()}
	if doc, ok := catalog.Document(def.Key()); ok {
		wi.Description = doc.Description
		wi.Source = doc.Source
		wi.Example = doc.Example
	}
	for _, st := range def.Stages {
		wi.Stages = append(wi.Stages, stageInfo{
			Name:        st.Name(),
			Kind:        st.Kind().String(),
			Signature:   st.Signature().String(),
			Description: st.Description(),
		})
	}
	return wi
}

func listWorkflows(cmd *cobra.Command, opts options) error {
	catalog, err := loadCatalog(opts)
	if err != nil {
		return err
	}

	infos := make([]workflowInfo, 0, len(catalog.Definitions()))
	for _, def := range catalog.Definitions() {
		infos = append(infos, info(catalog, def))
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Workflows []workflowInfo `json:"workflows"`
		}{shared.NewJSONResponse("workflows"), infos})
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No workflows found. Add scripts with --script or scripts.paths.")
		return nil
	}
	rows := make([][]string, 0, len(infos))
	for _, wi := range infos {
		kinds := make([]string, 0, len(wi.Stages))
		for _, st := range wi.Stages {
			kinds = append(kinds, st.Kind)
		}
		rows = append(rows, []string{wi.Key, strings.Join(kinds, " → "), wi.Description})
	}
	return shared.RenderTable(out, []string{"WORKFLOW", "STAGES", "DESCRIPTION"}, rows)
}

func describeWorkflow(cmd *cobra.Command, opts options, arg string) error {
	key, err := workflow.ParseKey(arg)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(opts)
	if err != nil {
		return err
	}

	var def *workflow.Definition
	for _, d := range catalog.Definitions() {
		if d.Key() == key {
			def = d
			break
		}
	}
	if def == nil {
		return &errors.NotFoundError{Resource: "workflow type", ID: key.String()}
	}

	wi := info(catalog, def)
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			workflowInfo
		}{shared.NewJSONResponse("workflows describe"), wi})
	}

	tty := shared.IsTerminal(out)
	_, err = fmt.Fprint(out, shared.FormatMarkdown(markdown(wi), tty, shared.TerminalWidth(out, 100)))
	return err
}

// markdown renders wi as a markdown document.
func markdown(wi workflowInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", wi.Key)
	if wi.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", wi.Description)
	}
	sb.WriteString("| # | stage | kind | signature |\n|---|---|---|---|\n")
	for i, st := range wi.Stages {
		fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", i, st.Name, st.Kind, st.Signature)
	}
	if wi.Example != nil {
		if data, err := json.MarshalIndent(wi.Example, "", "  "); err == nil {
			fmt.Fprintf(&sb, "\nExample input:\n\n```json\n%s\n```\n", data)
		}
	}
	if wi.Source != "" {
		fmt.Fprintf(&sb, "\nSource: `%s`\n", wi.Source)
	}
	return sb.String()
}
