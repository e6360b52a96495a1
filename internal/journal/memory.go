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
	"fmt"
	"sync"

	"github.com/tombee/tickflow/pkg/errors"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if rec == nil || rec.InstanceID == "" {
		return &errors.ValidationError{Field: "instance_id", Message: "record needs an instance ID"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[rec.InstanceID]; exists {
		return fmt.Errorf("record already exists: %s", rec.InstanceID)
	}
	c := copyRecord(rec)
	m.records = append(m.records, c)
	m.byID[c.InstanceID] = c
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, instanceID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[instanceID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "record", ID: instanceID}
	}
	return copyRecord(rec), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	skipped := 0
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if !q.Matches(rec) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, copyRecord(rec))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func copyRecord(rec *Record) *Record {
	c := *rec
	if rec.Output != nil {
		c.Output = append([]byte(nil), rec.Output...)
	}
	return &c
}
