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

package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/tickflow/internal/log"
	"github.com/tombee/tickflow/pkg/workflow"
)

// Recorder appends a record for every terminal scheduler event.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: log.WithComponent(logger, "journal"),
		now:    time.Now,
	}
}

// Attach subscribes the recorder to the terminal events of emitter.
func (r *Recorder) Attach(emitter *workflow.EventEmitter) {
	for _, t := range []workflow.EventType{
		workflow.EventWorkflowCompleted,
		workflow.EventWorkflowFailed,
		workflow.EventWorkflowCancelled,
	} {
		emitter.On(t, r.Handle)
	}
}

// Handle is a workflow.EventListener.
func (r *Recorder) Handle(ctx context.Context, ev *workflow.Event) error {
	if !ev.Type.Terminal() || ev.Result == nil {
		return nil
	}
	rec := FromResult(*ev.Result, r.now())
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("failed to journal workflow result",
			slog.String(log.InstanceKey, rec.InstanceID),
			log.Error(err))
		return err
	}
	log.Trace(r.logger, "journaled workflow result",
		slog.String(log.InstanceKey, rec.InstanceID),
		slog.String("status", string(rec.Status)))
	return nil
}
