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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tickflow/internal/log"
	tferrors "github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

func TestFromResult(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	t.Run("success", func(t *testing.T) {
		rec := FromResult(workflow.Result{
			InstanceID:    "i-1",
			Key:           workflow.Key{Module: "demo", Workflow: "countdown"},
			Status:        workflow.StatusSucceeded,
			Output:        map[string]any{"result": 0},
			Stages:        2,
			Stage:         1,
			RequestedTick: 3,
			FinishedTick:  14,
		}, at)

		assert.Equal(t, "demo/countdown", rec.Key().String())
		assert.Equal(t, uint64(11), rec.Ticks())
		assert.JSONEq(t, `{"result":0}`, string(rec.Output))
		assert.Empty(t, rec.Error)
		assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	})

	t.Run("failure", func(t *testing.T) {
		rec := FromResult(workflow.Result{
			InstanceID: "i-2",
			Status:     workflow.StatusFailed,
			Err:        &workflow.StageError{Stage: 0, StageName: "s", Err: errors.New("boom")},
		}, at)
		assert.Contains(t, rec.Error, "boom")
		assert.Equal(t, "stage", rec.ErrorType)
		assert.Nil(t, rec.Output)
	})

	t.Run("unencodable output", func(t *testing.T) {
		rec := FromResult(workflow.Result{InstanceID: "i-3", Output: func() {}}, at)
		assert.Contains(t, string(rec.Output), "unencodable")
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []*Record{
		{InstanceID: "a", Module: "demo", Workflow: "one", Status: workflow.StatusSucceeded, CreatedAt: base},
		{InstanceID: "b", Module: "demo", Workflow: "two", Status: workflow.StatusFailed, CreatedAt: base.Add(time.Second)},
		{InstanceID: "c", Module: "other", Workflow: "one", Status: workflow.StatusSucceeded, CreatedAt: base.Add(2 * time.Second)},
		{InstanceID: "d", Module: "demo", Workflow: "one", Status: workflow.StatusCancelled, CreatedAt: base.Add(3 * time.Second)},
	}
	for _, rec := range records {
		require.NoError(t, store.Append(ctx, rec))
	}
	assert.Equal(t, 4, store.Len())

	t.Run("duplicate rejected", func(t *testing.T) {
		assert.Error(t, store.Append(ctx, &Record{InstanceID: "a"}))
		assert.Error(t, store.Append(ctx, &Record{}))
	})

	t.Run("get returns a copy", func(t *testing.T) {
		rec, err := store.Get(ctx, "b")
		require.NoError(t, err)
		rec.Module = "changed"
		again, err := store.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "demo", again.Module)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "zzz")
		var nf *tferrors.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all newest first", Query{}, []string{"d", "c", "b", "a"}},
		{"by module", Query{Module: "demo"}, []string{"d", "b", "a"}},
		{"by key", Query{Module: "demo", Workflow: "one"}, []string{"d", "a"}},
		{"by status", Query{Status: workflow.StatusSucceeded}, []string{"c", "a"}},
		{"since", Query{Since: base.Add(2 * time.Second)}, []string{"d", "c"}},
		{"limit", Query{Limit: 2}, []string{"d", "c"}},
		{"offset", Query{Offset: 1, Limit: 2}, []string{"c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, instanceIDs(got))
		})
	}

	assert.NoError(t, store.Close())
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sched := workflow.New(workflow.WithLogger(log.Discard()))
	defer sched.Close(ctx)

	rec := NewRecorder(store, log.Discard())
	rec.Attach(sched.Events())

	require.NoError(t, sched.Register(workflow.MustDefine("demo", "ok",
		workflow.Immediate("s", func(_ *workflow.Env, n int) (int, error) { return n * 3, nil }),
	)))
	require.NoError(t, sched.Register(workflow.MustDefine("demo", "bad",
		workflow.Immediate("s", func(*workflow.Env, workflow.Unit) (workflow.Unit, error) {
			return workflow.Unit{}, errors.New("nope")
		}),
	)))

	okID, err := sched.Request(ctx, "demo", "ok", 7, nil)
	require.NoError(t, err)
	badID, err := sched.Request(ctx, "demo", "bad", nil, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Tick(ctx, nil))

	got, err := store.Get(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, got.Status)
	assert.JSONEq(t, `21`, string(got.Output))

	got, err = store.Get(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "nope")

	assert.Equal(t, 2, store.Len())

	t.Run("non-terminal events are ignored", func(t *testing.T) {
		require.NoError(t, rec.Handle(ctx, &workflow.Event{Type: workflow.EventStageStarted}))
		assert.Equal(t, 2, store.Len())
	})
}

func instanceIDs(recs []*Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.InstanceID)
	}
	return out
}
