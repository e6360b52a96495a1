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

// Package run implements the run command: request workflows and drive them
// to completion on a simulated host.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/tickflow/internal/cli/timeline"
	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/host"
	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

// DefaultMaxTicks bounds a run when --ticks is not given.
const DefaultMaxTicks = 10_000

type options struct {
	scripts    []string
	input      string
	ticks      int
	interval   time.Duration
	set        []string
	all        bool
	noExamples bool
	timeline   bool
}

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run [module/workflow...]",
		Short: "Run workflows on a simulated host",
		Long: `Request one or more workflows and tick a simulated host until every
instance finishes or the tick limit is reached.

Built-in examples are always available. Add your own scripts with --script
or the scripts.paths config key. Without --input each workflow receives the
example input from its script.`,
		Example: `  # Run the built-in countdown example
  tickflow run demo/countdown

  # Run every registered workflow as fast as possible
  tickflow run --all --interval 0

  # Run a local script with explicit input
  tickflow run local/echo --script 'workflows/**/*.yaml' --input '{"n": 3}'

  # Seed world values read by host.* expressions
  tickflow run demo/snapshot --set entities=12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				opts.interval = -1
			}
			return runWorkflows(cmd, args, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.scripts, "script", "s", nil, "Workflow script glob (repeatable)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "JSON input for every requested workflow")
	cmd.Flags().IntVar(&opts.ticks, "ticks", DefaultMaxTicks, "Maximum ticks before live instances are cancelled")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Wall-clock time per tick (default: scheduler.tick_interval)")
	cmd.Flags().StringArrayVar(&opts.set, "set", nil, "World value as key=value, value parsed as JSON when possible (repeatable)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Request every registered workflow")
	cmd.Flags().BoolVar(&opts.noExamples, "no-examples", false, "Do not register the built-in examples")
	cmd.Flags().BoolVar(&opts.timeline, "timeline", false, "Draw a per-stage tick timeline of each instance")

	return cmd
}

// resultJSON is one finished instance in JSON output.
type resultJSON struct {
	InstanceID string            `json:"instance_id"`
	Key        string            `json:"key"`
	Status     workflow.Status   `json:"status"`
	Stage      int               `json:"stage"`
	Ticks      uint64            `json:"ticks"`
	Output     any               `json:"output,omitempty"`
	Error      *shared.JSONError `json:"error,omitempty"`
}

type runResponse struct {
	shared.JSONResponse
	Ticks   int          `json:"ticks"`
	Results []resultJSON `json:"results"`
}

func runWorkflows(cmd *cobra.Command, args []string, opts options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	rt, err := shared.NewRuntime(ctx, cfg, shared.RuntimeOptions{
		Scripts:   opts.scripts,
		Examples:  !opts.noExamples,
		LogOutput: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	keys, err := selectKeys(rt.Scheduler, args, opts.all)
	if err != nil {
		_ = rt.Close(ctx)
		return err
	}
	world, err := shared.ParseSet(opts.set)
	if err != nil {
		_ = rt.Close(ctx)
		return err
	}

	var rec *timeline.Recorder
	if opts.timeline {
		rec = timeline.NewRecorder()
		rec.Attach(rt.Scheduler.Events())
	}

	var results []workflow.Result
	collect := func(res workflow.Result) { results = append(results, res) }
	for _, key := range keys {
		input, err := inputFor(rt, key, opts.input)
		if err != nil {
			_ = rt.Close(ctx)
			return err
		}
		if _, err := rt.Scheduler.Request(ctx, key.Module, key.Workflow, input, collect); err != nil {
			_ = rt.Close(ctx)
			return shared.NewExecutionError("failed to request "+key.String(), err)
		}
	}

	interval := opts.interval
	if interval < 0 {
		interval = cfg.Scheduler.TickInterval
	}
	loop := host.NewLoop(rt.Scheduler, host.NewSim(world),
		host.WithInterval(interval),
		host.WithLogger(rt.Logger))
	steps, runErr := loop.RunUntilIdle(ctx, opts.ticks)

	// Closing cancels anything still live, so every request has a result
	// before output is written.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		rt.Logger.Warn("shutdown incomplete", log.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return shared.NewExecutionError("tick loop failed", runErr)
	}

	if err := printResults(cmd, steps, results); err != nil {
		return err
	}
	if rec != nil && !shared.GetJSON() {
		printTimelines(cmd, rec.Traces())
	}

	failed := 0
	for _, res := range results {
		if res.Status != workflow.StatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return shared.NewWorkflowFailedError(fmt.Sprintf("%d of %d workflows did not succeed", failed, len(results)), nil)
	}
	return nil
}

func selectKeys(s *workflow.Scheduler, args []string, all bool) ([]workflow.Key, error) {
	if all {
		var keys []workflow.Key
		for _, def := range s.Registry().Definitions() {
			keys = append(keys, def.Key())
		}
		return keys, nil
	}
	if len(args) == 0 {
		return nil, &errors.ValidationError{
			Field:      "workflow",
			Message:    "no workflow given",
			Suggestion: "Name a workflow as module/name, or pass --all. 'tickflow workflows' lists them.",
		}
	}
	keys := make([]workflow.Key, 0, len(args))
	for _, arg := range args {
		key, err := workflow.ParseKey(arg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func inputFor(rt *shared.Runtime, key workflow.Key, raw string) (any, error) {
	if raw != "" {
		return shared.ParseInput(raw)
	}
	if doc, ok := rt.Catalog.Document(key); ok {
		return doc.Example, nil
	}
	return nil, nil
}

func printResults(cmd *cobra.Command, steps int, results []workflow.Result) error {
	out := cmd.OutOrStdout()

	if shared.GetJSON() {
		resp := runResponse{JSONResponse: shared.NewJSONResponse("run"), Ticks: steps}
		for _, res := range results {
			r := resultJSON{
				InstanceID: res.InstanceID,
				Key:        res.Key.String(),
				Status:     res.Status,
				Stage:      res.Stage,
				Ticks:      res.Ticks(),
				Output:     res.Output,
			}
			if res.Err != nil {
				r.Error = &shared.JSONError{Type: errors.Classify(res.Err), Message: res.Err.Error()}
				resp.Success = false
			}
			resp.Results = append(resp.Results, r)
		}
		return shared.EmitJSON(out, resp)
	}

	rows := make([][]string, 0, len(results))
	succeeded := 0
	for _, res := range results {
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		} else {
			data, err := json.Marshal(res.Output)
			if err != nil {
				detail = fmt.Sprintf("%v", res.Output)
			} else {
				detail = string(data)
			}
			succeeded++
		}
		rows = append(rows, []string{
			res.Key.String(),
			shared.RenderStatus(res.Status),
			strconv.FormatUint(res.Ticks(), 10),
			detail,
		})
	}
	if err := shared.RenderTable(out, []string{"WORKFLOW", "STATUS", "TICKS", "RESULT"}, rows); err != nil {
		return err
	}
	fmt.Fprintln(out, shared.Muted.Render(fmt.Sprintf("%d/%d succeeded in %d ticks", succeeded, len(results), steps)))
	return nil
}

func printTimelines(cmd *cobra.Command, traces []timeline.Trace) {
	out := cmd.OutOrStdout()
	r, err := timeline.NewRenderer(shared.TerminalWidth(out, 100))
	if err != nil {
		fmt.Fprintln(out, shared.RenderWarn(err.Error()))
		return
	}
	for _, tr := range traces {
		fmt.Fprintln(out)
		fmt.Fprint(out, r.Render(tr))
	}
}
