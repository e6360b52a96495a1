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
	"fmt"
	"strings"
)

// Kind is the execution kind of a stage: where and when it may run.
type Kind int

const (
	// KindImmediate runs synchronously inside the primary simulation pass
	// with exclusive access to the host world.
	KindImmediate Kind = iota

	// KindDeferred runs synchronously on the secondary (render-side) pass.
	KindDeferred

	// KindAsync runs on a background goroutine; its result is routed on a
	// later tick.
	KindAsync

	// KindImmediateWhile is a setup-then-poll stage on the primary pass.
	KindImmediateWhile

	// KindDeferredWhile is a setup-then-poll stage on the secondary pass.
	KindDeferredWhile

	kindCount
)

var kindNames = [kindCount]string{
	KindImmediate:      "immediate",
	KindDeferred:       "deferred",
	KindAsync:          "async",
	KindImmediateWhile: "immediate_while",
	KindDeferredWhile:  "deferred_while",
}

// Kinds returns every kind in driver order.
func Kinds() []Kind {
	return []Kind{KindImmediate, KindImmediateWhile, KindAsync, KindDeferred, KindDeferredWhile}
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || k >= kindCount {
		return nil, fmt.Errorf("invalid stage kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind name. Hyphens and case are ignored.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, name := range kindNames {
		if name == norm {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown stage kind %q", s)
}

// Polls reports whether the kind is a setup-then-poll ("while") kind.
func (k Kind) Polls() bool {
	return k == KindImmediateWhile || k == KindDeferredWhile
}

// Async reports whether the kind runs off the tick goroutine.
func (k Kind) Async() bool {
	return k == KindAsync
}

// Context reports which host context the kind runs against.
func (k Kind) Context() ContextKind {
	switch k {
	case KindImmediate, KindImmediateWhile:
		return ContextImmediate
	case KindDeferred, KindDeferredWhile:
		return ContextDeferred
	default:
		return ContextNone
	}
}

// ContextKind identifies the host-supplied execution context a stage sees.
type ContextKind int

const (
	// ContextNone means the stage gets no host context (async stages).
	ContextNone ContextKind = iota
	// ContextImmediate is the exclusive simulation state.
	ContextImmediate
	// ContextDeferred is the render-side state.
	ContextDeferred
)

// String returns the context name.
func (c ContextKind) String() string {
	switch c {
	case ContextImmediate:
		return "world"
	case ContextDeferred:
		return "renderer"
	default:
		return "none"
	}
}
