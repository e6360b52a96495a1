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

// Entry is one buffered unit of stage work.
type Entry struct {
	Key        Key
	InstanceID string
	Stage      int
	Descriptor *Stage
	Input      any

	// State is the continuation state of a while stage once Primed.
	State  any
	Primed bool
	Polls  int
}

// Buffer accumulates pending stage entries of one kind between drains.
// It is owned by the tick goroutine.
type Buffer struct {
	kind    Kind
	entries []Entry
}

// NewBuffer creates an empty buffer for kind.
func NewBuffer(kind Kind) *Buffer {
	return &Buffer{kind: kind}
}

// Kind returns the kind the buffer holds.
func (b *Buffer) Kind() Kind { return b.kind }

// Push appends an entry.
func (b *Buffer) Push(e Entry) {
	b.entries = append(b.entries, e)
}

// Drain takes every entry in push order and leaves the buffer empty.
// Entries pushed while the caller processes the result wait for the next
// drain.
func (b *Buffer) Drain() []Entry {
	out := b.entries
	b.entries = nil
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int { return len(b.entries) }

// Remove drops entries matching pred and returns how many were dropped.
func (b *Buffer) Remove(pred func(Entry) bool) int {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !pred(e) {
			kept = append(kept, e)
		}
	}
	n := len(b.entries) - len(kept)
	clear(b.entries[len(kept):])
	b.entries = kept
	return n
}
