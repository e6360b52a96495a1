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

// Package host provides a simulated tick host and the loop that drives a
// scheduler with it.
package host

import (
	"maps"
	"sync"
)

// Sim is a simulated host. Its world holds named values plus the current
// tick; its renderer counts frames.
type Sim struct {
	mu       sync.RWMutex
	tick     uint64
	world    map[string]any
	renderer map[string]any
}

// DefaultWorld returns the values a Sim starts with.
func DefaultWorld() map[string]any {
	return map[string]any{
		"entities": 64,
		"gravity":  -9.81,
	}
}

// NewSim creates a simulated host seeded with DefaultWorld overridden by
// values.
func NewSim(values map[string]any) *Sim {
	world := DefaultWorld()
	maps.Copy(world, values)
	world["tick"] = 0
	return &Sim{
		world: world,
		renderer: map[string]any{
			"frame":  0,
			"width":  1280,
			"height": 720,
		},
	}
}

// World returns a snapshot of the world values.
func (s *Sim) World() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.world)
}

// Renderer returns a snapshot of the renderer values.
func (s *Sim) Renderer() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.renderer)
}

// Set stores a world value.
func (s *Sim) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world[key] = value
}

// Tick returns the number of completed Advance calls.
func (s *Sim) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// Advance moves the simulation to the next tick.
func (s *Sim) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	s.world["tick"] = int(s.tick)
	s.renderer["frame"] = int(s.tick)
}
