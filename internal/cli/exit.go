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

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

// Exit codes.
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidConfig   = 2
)

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

// NewConfigError creates an error for an unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewExecutionError creates an error for runtime failures.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report writes err to w and returns the exit code it maps to.
func report(w io.Writer, err error) int {
	fmt.Fprintln(w, "Error:", err.Error())

	var cfgErr *gwerrors.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Key != "" {
		fmt.Fprintf(w, "\nCheck the %q setting.\n", cfgErr.Key)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitExecutionFailed
}
