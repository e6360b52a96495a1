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
Package workflow is a tick-driven scheduler for multi-stage workflows.

A workflow type is an ordered list of stages registered under a
(module, workflow) key. Each stage has an execution kind:

  - Immediate runs once in the primary pass with the host world.
  - Deferred runs once in the secondary pass with the host renderer.
  - Async runs on a background goroutine and is routed on a later tick.
  - ImmediateWhile and DeferredWhile run setup once, then poll every
    eligible tick until the poll returns Done.

The host owns the loop. Once per tick it calls the driver entry points
(RunImmediate, RunImmediateWhile, RunAsync, RunDeferred, RunDeferredWhile,
Route, EndTick) or simply Tick, which calls them in that order:

	sched := workflow.New(workflow.WithLogger(logger))
	sched.Register(workflow.MustDefine("demo", "greet",
		workflow.Immediate("hello", func(env *workflow.Env, name string) (string, error) {
			return "hello " + name, nil
		}),
	))
	sched.Request(ctx, "demo", "greet", "world", func(r workflow.Result) {
		fmt.Println(r.Output)
	})
	for {
		if err := sched.Tick(ctx, host); err != nil {
			return err
		}
	}

A stage's output becomes the next stage's input only when the router
accepts its completion, so at most one stage of an instance is in flight.
Only one instance per key may be live; a second Request fails with
ErrAlreadyInFlight until the first finishes.

Protocol violations (an event or buffered entry that contradicts instance
state, a payload of the wrong type, an error from an Infallible stage) are
reported as *InternalError. The scheduler keeps the first one and returns it
from every later call.
*/
package workflow
