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

	"github.com/tombee/tickflow/pkg/errors"
)

var (
	// ErrAlreadyInFlight is matched by requests for a key that already has
	// a live instance.
	ErrAlreadyInFlight = errors.New("workflow already in flight")

	// ErrDuplicateWorkflow is matched by registering a key twice.
	ErrDuplicateWorkflow = errors.New("workflow type already registered")

	// ErrCancelled is matched by the result of a cancelled or timed out
	// instance.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrSchedulerClosed is returned by a closed scheduler and reported to
	// instances that were live when it closed.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// InFlightError rejects a request for a key with a live instance.
type InFlightError struct {
	Key        Key
	InstanceID string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("workflow %s already in flight as instance %s", e.Key, e.InstanceID)
}

// Is matches ErrAlreadyInFlight.
func (e *InFlightError) Is(target error) bool { return target == ErrAlreadyInFlight }

// ErrorType implements errors.ErrorClassifier.
func (e *InFlightError) ErrorType() string { return "in_flight" }

// IsRetryable implements errors.ErrorClassifier. The request may succeed
// once the live instance finishes.
func (e *InFlightError) IsRetryable() bool { return true }

// DuplicateError rejects a second registration of a workflow type.
type DuplicateError struct {
	Key Key
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("workflow type %s already registered", e.Key)
}

// Is matches ErrDuplicateWorkflow.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateWorkflow }

// ErrorType implements errors.ErrorClassifier.
func (e *DuplicateError) ErrorType() string { return "duplicate" }

// IsRetryable implements errors.ErrorClassifier.
func (e *DuplicateError) IsRetryable() bool { return false }

// StageError is the declared failure of a stage. It is delivered through
// the instance callback; Unwrap reaches the stage's own error.
type StageError struct {
	Key       Key
	Stage     int
	StageName string
	Kind      Kind
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("workflow %s: stage %d (%s) failed: %v", e.Key, e.Stage, e.StageName, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsUserVisible implements errors.UserVisibleError.
func (e *StageError) IsUserVisible() bool { return true }

// UserMessage implements errors.UserVisibleError.
func (e *StageError) UserMessage() string {
	return fmt.Sprintf("%s failed at stage %q: %v", e.Key, e.StageName, e.Err)
}

// Suggestion implements errors.UserVisibleError.
func (e *StageError) Suggestion() string {
	if errors.IsRetryable(e.Err) {
		return "the stage reported a transient failure; request the workflow again"
	}
	return ""
}

// ErrorType implements errors.ErrorClassifier.
func (e *StageError) ErrorType() string { return "stage" }

// IsRetryable implements errors.ErrorClassifier.
func (e *StageError) IsRetryable() bool { return errors.IsRetryable(e.Err) }

// InternalError is a scheduler protocol violation: an event or buffered
// entry that contradicts instance state, or a payload of the wrong type.
// The scheduler records the first one and returns it from every later call.
type InternalError struct {
	Op         string
	Key        Key
	InstanceID string
	Stage      int
	Reason     string
}

func (e *InternalError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("scheduler protocol violation in %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("scheduler protocol violation in %s (%s instance %s stage %d): %s",
		e.Op, e.Key, e.InstanceID, e.Stage, e.Reason)
}

// ErrorType implements errors.ErrorClassifier.
func (e *InternalError) ErrorType() string { return "internal" }

// IsRetryable implements errors.ErrorClassifier.
func (e *InternalError) IsRetryable() bool { return false }
