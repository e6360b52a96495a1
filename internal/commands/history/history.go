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

// Package history implements the history command group, which reads the
// instance journal.
package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/config"
	"github.com/tombee/tickflow/internal/journal"
	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

type listOptions struct {
	key    string
	status string
	since  string
	limit  int
	offset int
}

// NewCommand creates the history command.
func NewCommand() *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled workflow outcomes",
		Long: `Show the terminal outcome of past workflow instances.

Outcomes are read from the journal configured under journal.driver. The
memory driver keeps nothing between processes; use the sqlite driver to
keep history across runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRecords(cmd, opts)
		},
	}
	addListFlags(cmd, &opts)

	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled outcomes, newest first",
		Example: `  tickflow history list --workflow demo/pipeline --status failed
  tickflow history list --since 1h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRecords(cmd, opts)
		},
	}
	addListFlags(list, &opts)
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show one journaled outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRecord(cmd, args[0])
		},
	})

	return cmd
}

func addListFlags(cmd *cobra.Command, opts *listOptions) {
	cmd.Flags().StringVarP(&opts.key, "workflow", "w", "", "Filter by module or module/workflow")
	cmd.Flags().StringVar(&opts.status, "status", "", "Filter by status (succeeded, failed, cancelled)")
	cmd.Flags().StringVar(&opts.since, "since", "", "Only records newer than a duration (1h) or RFC 3339 time")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum records to show (0 for all)")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Records to skip")
}

// buildQuery turns flag values into a journal query.
func buildQuery(opts listOptions, now time.Time) (journal.Query, error) {
	q := journal.Query{Limit: opts.limit, Offset: opts.offset}

	if opts.key != "" {
		if key, err := workflow.ParseKey(opts.key); err == nil {
			q.Module, q.Workflow = key.Module, key.Workflow
		} else {
			q.Module = opts.key
		}
	}

	switch s := workflow.Status(opts.status); s {
	case "", workflow.StatusSucceeded, workflow.StatusFailed, workflow.StatusCancelled:
		q.Status = s
	default:
		return q, &errors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("unknown status %q", opts.status),
			Suggestion: "use succeeded, failed or cancelled",
		}
	}

	if opts.since != "" {
		if d, err := time.ParseDuration(opts.since); err == nil {
			q.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339, opts.since); err == nil {
			q.Since = t
		} else {
			return q, &errors.ValidationError{
				Field:      "since",
				Message:    fmt.Sprintf("cannot parse %q", opts.since),
				Suggestion: "use a duration such as 30m or a time such as 2025-01-02T15:04:05Z",
			}
		}
	}

	if q.Limit < 0 || q.Offset < 0 {
		return q, &errors.ValidationError{Field: "limit", Message: "limit and offset must not be negative"}
	}
	return q, nil
}

func openStore() (journal.Store, *config.Config, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := shared.OpenJournal(cfg.Journal)
	if err != nil {
		return nil, nil, shared.NewConfigError("failed to open journal", err)
	}
	return store, cfg, nil
}

func listRecords(cmd *cobra.Command, opts listOptions) error {
	q, err := buildQuery(opts, time.Now())
	if err != nil {
		return err
	}
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), q)
	if err != nil {
		return shared.NewExecutionError("failed to read journal", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if records == nil {
			records = []*journal.Record{}
		}
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Records []*journal.Record `json:"records"`
		}{shared.NewJSONResponse("history"), records})
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No journaled outcomes.")
		if cfg.Journal.Driver != config.JournalSQLite {
			fmt.Fprintln(out, shared.Muted.Render("The memory journal is empty in a new process. Set journal.driver to sqlite to keep history."))
		}
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.InstanceID,
			rec.Key().String(),
			shared.RenderStatus(rec.Status),
			strconv.FormatUint(rec.Ticks(), 10),
			rec.CreatedAt.Local().Format(time.DateTime),
			rec.Error,
		})
	}
	return shared.RenderTable(out, []string{"INSTANCE", "WORKFLOW", "STATUS", "TICKS", "FINISHED", "ERROR"}, rows)
}

func showRecord(cmd *cobra.Command, id string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			*journal.Record
		}{shared.NewJSONResponse("history show"), rec})
	}

	field := func(label, value string) {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel(fmt.Sprintf("%-10s", label+":")), value)
	}
	field("Instance", rec.InstanceID)
	field("Workflow", rec.Key().String())
	field("Status", shared.RenderStatus(rec.Status))
	field("Stage", fmt.Sprintf("%d of %d", rec.Stage, rec.Stages))
	field("Ticks", fmt.Sprintf("%d (%d → %d)", rec.Ticks(), rec.RequestedTick, rec.FinishedTick))
	field("Finished", rec.CreatedAt.Local().Format(time.RFC3339))
	if rec.Error != "" {
		field("Error", fmt.Sprintf("%s (%s)", rec.Error, rec.ErrorType))
	}
	if len(rec.Output) > 0 {
		var pretty any
		if err := json.Unmarshal(rec.Output, &pretty); err == nil {
			if data, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				field("Output", "")
				fmt.Fprintln(out, string(data))
			}
		}
	}
	return nil
}
