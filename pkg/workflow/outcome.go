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

package workflow

// Outcome is the result of one poll of a while stage: either Wait with the
// continuation state to resume from next tick, or Done with the output.
type Outcome[S, O any] struct {
	done   bool
	state  S
	output O
}

// Wait parks the stage until its next eligible tick.
func Wait[S, O any](state S) Outcome[S, O] {
	return Outcome[S, O]{state: state}
}

// Done finishes the stage with output.
func Done[S, O any](output O) Outcome[S, O] {
	return Outcome[S, O]{done: true, output: output}
}

// IsDone reports whether the outcome finishes the stage.
func (o Outcome[S, O]) IsDone() bool { return o.done }

// State returns the continuation state of a Wait outcome.
func (o Outcome[S, O]) State() S { return o.state }

// Output returns the output of a Done outcome.
func (o Outcome[S, O]) Output() O { return o.output }
