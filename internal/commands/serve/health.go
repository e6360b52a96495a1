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

package serve

import (
	"context"
	"net/http"
	"sync"

	"github.com/tombee/tickflow/internal/commands/shared"
	"github.com/tombee/tickflow/pkg/workflow"
)

// health mirrors scheduler state for the HTTP goroutines. The scheduler
// itself is only touched from the tick loop, so the mirror is refreshed by
// event listeners.
type health struct {
	mu    sync.RWMutex
	stats workflow.Stats
	fault string
}

func newHealth() *health {
	return &health{}
}

// Attach subscribes to tick and fault events.
func (h *health) Attach(emitter *workflow.EventEmitter) {
	emitter.On(workflow.EventTickCompleted, func(ctx context.Context, ev *workflow.Event) error {
		if ev.Stats == nil {
			return nil
		}
		h.mu.Lock()
		h.stats = *ev.Stats
		h.mu.Unlock()
		return nil
	})
	emitter.On(workflow.EventSchedulerFault, func(ctx context.Context, ev *workflow.Event) error {
		reason, _ := ev.Data["reason"].(string)
		if reason == "" {
			reason = "scheduler fault"
		}
		h.mu.Lock()
		h.fault = reason
		h.mu.Unlock()
		return nil
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Tick          uint64 `json:"tick"`
	Live          int    `json:"live"`
	Requested     int    `json:"requested"`
	AsyncInFlight int    `json:"async_in_flight"`
	Fault         string `json:"fault,omitempty"`
}

// ServeHTTP reports ok, or 503 once the scheduler has faulted.
func (h *health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := healthResponse{
		Status:        "ok",
		Tick:          h.stats.Tick,
		Live:          h.stats.Live,
		Requested:     h.stats.Requested,
		AsyncInFlight: h.stats.AsyncInFlight,
		Fault:         h.fault,
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if resp.Fault != "" {
		resp.Status = "faulted"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = shared.EmitJSON(w, resp)
}

// newMux routes the operational endpoints.
func newMux(metrics http.Handler, h *health) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.Handle("GET /healthz", h)
	return mux
}
