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
	"log/slog"
)

// Host supplies the execution contexts stages run against. It is the
// scheduler's only dependency on the embedding application.
type Host interface {
	// World returns the exclusive simulation context for immediate kinds.
	World() any

	// Renderer returns the render-side context for deferred kinds.
	Renderer() any
}

// StaticHost is a Host returning fixed values.
type StaticHost struct {
	WorldContext    any
	RendererContext any
}

// World implements Host.
func (h StaticHost) World() any { return h.WorldContext }

// Renderer implements Host.
func (h StaticHost) Renderer() any { return h.RendererContext }

// Env is the execution context handed to a stage function.
//
// Synchronous stages receive the context passed to the driver entry point;
// async stages receive the instance context, which is cancelled when the
// instance is cancelled, times out, or the scheduler closes.
type Env struct {
	context.Context

	// Tick is the scheduler tick the stage runs in.
	Tick uint64

	// Key identifies the workflow type.
	Key Key

	// InstanceID identifies the running instance.
	InstanceID string

	// Stage is the zero-based stage index and StageName its name.
	Stage     int
	StageName string

	// Kind is the stage's execution kind.
	Kind Kind

	// Poll is the 1-based poll count for while stages (0 during setup).
	Poll int

	// Host is the world for immediate kinds, the renderer for deferred
	// kinds, and nil for async stages.
	Host any

	// Logger carries instance and stage fields.
	Logger *slog.Logger
}

// HostAs returns the host context as T.
func HostAs[T any](env *Env) (T, bool) {
	t, ok := env.Host.(T)
	return t, ok
}
