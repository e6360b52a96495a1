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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/tickflow/pkg/errors"
)

// Exit codes for tickflow commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidWorkflow = 2
	ExitConfigError     = 3
	ExitWorkflowFailed  = 4
)

// ExitCodeInfo documents one exit code.
type ExitCodeInfo struct {
	Code    int    `json:"code"`
	Meaning string `json:"meaning"`
}

// ExitCodes lists every exit code tickflow commands return.
func ExitCodes() []ExitCodeInfo {
	return []ExitCodeInfo{
		{ExitSuccess, "success"},
		{ExitExecutionFailed, "scheduler or host failure"},
		{ExitInvalidWorkflow, "workflow script failed to load or build"},
		{ExitConfigError, "invalid configuration"},
		{ExitWorkflowFailed, "a workflow finished without succeeding"},
	}
}

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for scheduler or host failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidWorkflowError creates an error for scripts that fail to load or build
func NewInvalidWorkflowError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidWorkflow, Message: msg, Cause: cause}
}

// NewConfigError creates an error for invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewWorkflowFailedError creates an error for workflows that finished
// without succeeding
func NewWorkflowFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitWorkflowFailed, Message: msg, Cause: cause}
}

// ExitCode returns the exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitExecutionFailed
}

// HandleExitError prints err and exits with its code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	if msg := err.Error(); msg != "" {
		fmt.Fprintln(os.Stderr, "Error:", msg)
	}
	printUserVisibleSuggestion(err)

	os.Exit(ExitCode(err))
}

// printUserVisibleSuggestion prints the suggestion of the first
// UserVisibleError in err's chain.
func printUserVisibleSuggestion(err error) {
	var userErr pkgerrors.UserVisibleError
	if !errors.As(err, &userErr) || !userErr.IsUserVisible() {
		return
	}
	if suggestion := userErr.Suggestion(); suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
	}
}
