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

// Package journal records the terminal outcome of every workflow instance.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

// Record is the journaled outcome of one instance.
type Record struct {
	InstanceID    string          `json:"instance_id"`
	Module        string          `json:"module"`
	Workflow      string          `json:"workflow"`
	Status        workflow.Status `json:"status"`
	Stages        int             `json:"stages"`
	Stage         int             `json:"stage"`
	RequestedTick uint64          `json:"requested_tick"`
	FinishedTick  uint64          `json:"finished_tick"`
	Error         string          `json:"error,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Key returns the workflow type key of the record.
func (r *Record) Key() workflow.Key {
	return workflow.Key{Module: r.Module, Workflow: r.Workflow}
}

// Ticks returns how many ticks the instance was live.
func (r *Record) Ticks() uint64 { return r.FinishedTick - r.RequestedTick }

// FromResult converts a terminal result. Outputs that cannot be encoded as
// JSON are recorded as their error text.
func FromResult(res workflow.Result, at time.Time) *Record {
	rec := &Record{
		InstanceID:    res.InstanceID,
		Module:        res.Key.Module,
		Workflow:      res.Key.Workflow,
		Status:        res.Status,
		Stages:        res.Stages,
		Stage:         res.Stage,
		RequestedTick: res.RequestedTick,
		FinishedTick:  res.FinishedTick,
		CreatedAt:     at.UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
		rec.ErrorType = errors.Classify(res.Err)
	}
	if res.Output != nil {
		data, err := json.Marshal(res.Output)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
		}
		rec.Output = data
	}
	return rec
}

// Query filters List. Zero fields match everything.
type Query struct {
	Module   string
	Workflow string
	Status   workflow.Status
	Since    time.Time
	Limit    int
	Offset   int
}

// Matches reports whether rec passes the filters (ignoring paging).
func (q Query) Matches(rec *Record) bool {
	switch {
	case q.Module != "" && rec.Module != q.Module:
		return false
	case q.Workflow != "" && rec.Workflow != q.Workflow:
		return false
	case q.Status != "" && rec.Status != q.Status:
		return false
	case !q.Since.IsZero() && rec.CreatedAt.Before(q.Since):
		return false
	}
	return true
}

// Store persists records.
type Store interface {
	// Append stores rec. Instance IDs are unique.
	Append(ctx context.Context, rec *Record) error

	// Get returns the record of an instance or a NotFoundError.
	Get(ctx context.Context, instanceID string) (*Record, error)

	// List returns matching records, newest first.
	List(ctx context.Context, q Query) ([]*Record, error)

	// Close releases the store.
	Close() error
}
