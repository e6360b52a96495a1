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

package errors

// UserVisibleError defines errors that should be displayed to end users
// with user-friendly messages and actionable suggestions.
//
// Declared stage failures (workflow.StageError) implement this interface;
// scheduler protocol violations deliberately do not.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	UserMessage() string

	// Suggestion returns actionable guidance for resolving the error.
	// Returns empty string if no suggestion is available.
	Suggestion() string
}

// ErrorClassifier defines methods for programmatic error handling.
// Callers use it to decide whether re-requesting a workflow makes sense.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "timeout", "stage", "internal"
	ErrorType() string

	// IsRetryable returns true if the operation may succeed when retried.
	IsRetryable() bool
}

// Classify returns the ErrorType of the first ErrorClassifier in err's
// tree, or "unknown".
func Classify(err error) string {
	var c ErrorClassifier
	if As(err, &c) {
		return c.ErrorType()
	}
	return "unknown"
}

// IsRetryable reports whether the first ErrorClassifier in err's tree
// considers the failure retryable.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if As(err, &c) {
		return c.IsRetryable()
	}
	return false
}
