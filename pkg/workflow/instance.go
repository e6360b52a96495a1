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

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/tickflow/pkg/errors"
)

// Key identifies a workflow type, and at most one live instance of it.
type Key struct {
	Module   string `json:"module"`
	Workflow string `json:"workflow"`
}

// String returns "module/workflow".
func (k Key) String() string { return k.Module + "/" + k.Workflow }

// ParseKey parses "module/workflow".
func ParseKey(s string) (Key, error) {
	module, name, ok := strings.Cut(s, "/")
	if !ok || module == "" || name == "" {
		return Key{}, &errors.ValidationError{
			Field:      "key",
			Message:    fmt.Sprintf("%q is not of the form module/workflow", s),
			Suggestion: "use e.g. demo/countdown",
		}
	}
	return Key{Module: module, Workflow: name}, nil
}

// Phase is the coarse lifecycle state of an instance.
type Phase int

const (
	// PhaseRequested means the instance exists but its first stage has not
	// been admitted to a buffer yet.
	PhaseRequested Phase = iota
	// PhaseProcessing means Stage is buffered, running, or Completed.
	PhaseProcessing
)

func (p Phase) String() string {
	if p == PhaseRequested {
		return "requested"
	}
	return "processing"
}

// Status is the terminal status of an instance.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is delivered to the instance callback exactly once.
type Result struct {
	InstanceID    string `json:"instance_id"`
	Key           Key    `json:"key"`
	Status        Status `json:"status"`
	Output        any    `json:"output,omitempty"`
	Err           error  `json:"-"`
	Stages        int    `json:"stages"`
	Stage         int    `json:"stage"`
	RequestedTick uint64 `json:"requested_tick"`
	FinishedTick  uint64 `json:"finished_tick"`
}

// Ticks returns how many ticks the instance was live.
func (r Result) Ticks() uint64 { return r.FinishedTick - r.RequestedTick }

// Callback receives the terminal result of an instance.
type Callback func(Result)

// Instance is one running execution of a workflow type.
type Instance struct {
	ID         string
	Key        Key
	StageCount int
	Stage      int
	Completed  bool
	Phase      Phase

	RequestedTick uint64
	// Budget is the tick budget (0 means unlimited); Deadline is the tick
	// at which the instance is cancelled.
	Budget   uint64
	Deadline uint64

	def      *Definition
	payload  any
	callback Callback
	ctx      context.Context
	cancel   context.CancelFunc
}

// Payload returns the input of the current stage.
func (i *Instance) Payload() any { return i.payload }

// Definition returns the workflow type the instance runs.
func (i *Instance) Definition() *Definition { return i.def }

// snapshot returns a copy without callback or context.
func (i *Instance) snapshot() Instance {
	c := *i
	c.callback = nil
	c.ctx = nil
	c.cancel = nil
	return c
}

// Instances holds the live instance of each key.
type Instances struct {
	live map[Key]*Instance
}

// NewInstances creates an empty instance registry.
func NewInstances() *Instances {
	return &Instances{live: make(map[Key]*Instance)}
}

// Insert adds inst, rejecting it if its key already has a live instance.
func (r *Instances) Insert(inst *Instance) error {
	if existing, ok := r.live[inst.Key]; ok {
		return &InFlightError{Key: inst.Key, InstanceID: existing.ID}
	}
	r.live[inst.Key] = inst
	return nil
}

// Get returns the live instance for key.
func (r *Instances) Get(key Key) (*Instance, bool) {
	inst, ok := r.live[key]
	return inst, ok
}

// Remove deletes and returns the live instance for key.
func (r *Instances) Remove(key Key) (*Instance, bool) {
	inst, ok := r.live[key]
	if ok {
		delete(r.live, key)
	}
	return inst, ok
}

// Len returns the number of live instances.
func (r *Instances) Len() int { return len(r.live) }

// Sorted returns live instances ordered by request tick, then key.
func (r *Instances) Sorted() []*Instance {
	out := make([]*Instance, 0, len(r.live))
	for _, inst := range r.live {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].RequestedTick != out[b].RequestedTick {
			return out[a].RequestedTick < out[b].RequestedTick
		}
		return out[a].Key.String() < out[b].Key.String()
	})
	return out
}
