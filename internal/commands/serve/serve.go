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

// Package serve implements the serve command: a long-running simulated
// host with metrics, health and config reload.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/internal/config"
	"github.com/tombee/tickflow/internal/host"
	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/workflow"
)

// shutdownTimeout bounds the drain of the HTTP server and scheduler.
const shutdownTimeout = 10 * time.Second

type options struct {
	scripts     []string
	requests    []string
	repeat      bool
	ticks       int
	interval    time.Duration
	metricsAddr string
	set         []string
	noExamples  bool
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a simulated host until interrupted",
		Long: `Tick a simulated host until interrupted, serving Prometheus metrics and a
health endpoint on telemetry.metrics_addr.

Workflows named with --request are requested at startup. With --repeat each
one is requested again as soon as its previous instance finishes, which
keeps a steady load on the scheduler. Changes to the config file are
picked up while running; the log level applies immediately.`,
		Example: `  # Serve metrics while repeating two examples
  tickflow serve --metrics-addr :9464 -r demo/countdown -r demo/pipeline --repeat

  # Request a workflow with explicit input and stop after 600 ticks
  tickflow serve -r 'demo/guarded={"cost": 2, "budget": 5}' --ticks 600`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				opts.interval = -1
			}
			return serve(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.scripts, "script", "s", nil, "Workflow script glob (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.requests, "request", "r", nil, "Workflow to request as module/workflow[=json] (repeatable)")
	cmd.Flags().BoolVar(&opts.repeat, "repeat", false, "Request each workflow again when its instance finishes")
	cmd.Flags().IntVar(&opts.ticks, "ticks", 0, "Stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Wall-clock time per tick (default: scheduler.tick_interval)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Metrics listen address (default: telemetry.metrics_addr)")
	cmd.Flags().StringArrayVar(&opts.set, "set", nil, "World value as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.noExamples, "no-examples", false, "Do not register the built-in examples")

	return cmd
}

// request is one --request flag.
type request struct {
	key      workflow.Key
	input    any
	hasInput bool
}

func parseRequest(s string) (request, error) {
	keyPart, raw, hasInput := strings.Cut(s, "=")
	key, err := workflow.ParseKey(keyPart)
	if err != nil {
		return request{}, err
	}
	req := request{key: key, hasInput: hasInput}
	if hasInput {
		if req.input, err = shared.ParseInput(raw); err != nil {
			return request{}, err
		}
	}
	return req, nil
}

// tally counts terminal results per workflow type.
type tally map[workflow.Key]map[workflow.Status]int

func (t tally) add(res workflow.Result) {
	if t[res.Key] == nil {
		t[res.Key] = make(map[workflow.Status]int)
	}
	t[res.Key][res.Status]++
}

func serve(cmd *cobra.Command, opts options) error {
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.metricsAddr
	}
	if opts.interval < 0 {
		opts.interval = cfg.Scheduler.TickInterval
	}

	requests := make([]request, 0, len(opts.requests))
	for _, s := range opts.requests {
		req, err := parseRequest(s)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}
	world, err := shared.ParseSet(opts.set)
	if err != nil {
		return err
	}

	rt, err := shared.NewRuntime(sigCtx, cfg, shared.RuntimeOptions{
		Scripts:   opts.scripts,
		Examples:  !opts.noExamples,
		Telemetry: true,
		LogOutput: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	logger := log.WithComponent(rt.Logger, "serve")

	health := newHealth()
	health.Attach(rt.Scheduler.Events())

	results := make(tally)
	closing := false
	var start func(req request) error
	start = func(req request) error {
		input := req.input
		if !req.hasInput {
			if doc, ok := rt.Catalog.Document(req.key); ok {
				input = doc.Example
			}
		}
		_, err := rt.Scheduler.Request(sigCtx, req.key.Module, req.key.Workflow, input, func(res workflow.Result) {
			results.add(res)
			if !opts.repeat || closing {
				return
			}
			if err := start(req); err != nil {
				logger.Warn("re-request failed", slog.String("key", req.key.String()), log.Error(err))
			}
		})
		return err
	}
	for _, req := range requests {
		if err := start(req); err != nil {
			_ = rt.Close(sigCtx)
			return shared.NewExecutionError("failed to request "+req.key.String(), err)
		}
	}

	var srv *http.Server
	var ln net.Listener
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			_ = rt.Close(sigCtx)
			return shared.NewConfigError("failed to listen on "+addr, err)
		}
		srv = &http.Server{
			Handler:           log.HTTPMiddleware(logger, newMux(rt.Telemetry.MetricsHandler(), health)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))
	}

	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	if path := configPath(); path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next *config.Config, err error) {
				if err != nil {
					return
				}
				if !shared.LogLevelPinned() {
					rt.Level.Set(log.ParseLevel(next.Log.Level))
				}
			})
		})
	}

	g.Go(func() error {
		defer cancelRun()

		loop := host.NewLoop(rt.Scheduler, host.NewSim(world),
			host.WithInterval(opts.interval),
			host.WithLogger(rt.Logger))
		var runErr error
		if opts.ticks > 0 {
			runErr = loop.RunTicks(gctx, opts.ticks)
		} else {
			runErr = loop.Run(gctx)
		}
		if gctx.Err() != nil {
			runErr = nil
		}

		closing = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Warn("shutdown incomplete", log.Error(err))
		}
		return runErr
	})

	if err := g.Wait(); err != nil {
		return shared.NewExecutionError("serve failed", err)
	}
	return printSummary(cmd, rt.Scheduler.CurrentTick(), results)
}

// configPath is the file to watch: --config or the default file if present.
func configPath() string {
	if p := shared.GetConfigPath(); p != "" {
		return p
	}
	return config.DefaultPath()
}

type summaryRow struct {
	Key       string `json:"key"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

func printSummary(cmd *cobra.Command, ticks uint64, results tally) error {
	rows := make([]summaryRow, 0, len(results))
	for key, counts := range results {
		rows = append(rows, summaryRow{
			Key:       key.String(),
			Succeeded: counts[workflow.StatusSucceeded],
			Failed:    counts[workflow.StatusFailed],
			Cancelled: counts[workflow.StatusCancelled],
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Ticks     uint64       `json:"ticks"`
			Workflows []summaryRow `json:"workflows"`
		}{shared.NewJSONResponse("serve"), ticks, rows})
	}
	if shared.GetQuiet() {
		return nil
	}

	if len(rows) > 0 {
		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			table = append(table, []string{r.Key, strconv.Itoa(r.Succeeded), strconv.Itoa(r.Failed), strconv.Itoa(r.Cancelled)})
		}
		if err := shared.RenderTable(out, []string{"WORKFLOW", "SUCCEEDED", "FAILED", "CANCELLED"}, table); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, shared.Muted.Render(fmt.Sprintf("served %d ticks", ticks)))
	return nil
}
