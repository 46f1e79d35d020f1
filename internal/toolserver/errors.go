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

package toolserver

import (
	"fmt"
	"strings"
)

// ErrorCode represents a category of tool server error.
type ErrorCode string

const (
	// ErrorCodeNotFound indicates a server was not found.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeAlreadyExists indicates a server already exists.
	ErrorCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	// ErrorCodeDisabled indicates a server is disabled.
	ErrorCodeDisabled ErrorCode = "DISABLED"
	// ErrorCodeNotRunning indicates a server is not running.
	ErrorCodeNotRunning ErrorCode = "NOT_RUNNING"
	// ErrorCodeCommandNotFound indicates a launcher command was not found.
	ErrorCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"
	// ErrorCodeStartFailed indicates a server failed to start.
	ErrorCodeStartFailed ErrorCode = "START_FAILED"
	// ErrorCodeHandshakeFailed indicates the protocol handshake failed.
	ErrorCodeHandshakeFailed ErrorCode = "HANDSHAKE_FAILED"
	// ErrorCodeConnectionClosed indicates the server process exited or
	// its streams closed unexpectedly.
	ErrorCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	// ErrorCodeTimeout indicates a call exceeded its deadline.
	ErrorCodeTimeout ErrorCode = "TIMEOUT"
	// ErrorCodeMaxRestarts indicates the crash-restart budget is spent.
	ErrorCodeMaxRestarts ErrorCode = "MAX_RESTARTS"
	// ErrorCodeCredential indicates a required credential could not be
	// resolved.
	ErrorCodeCredential ErrorCode = "CREDENTIAL"
	// ErrorCodeToolNotFound indicates a tool name did not route to any
	// running capability.
	ErrorCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"
	// ErrorCodeToolFailed indicates the server reported a tool-level
	// failure.
	ErrorCodeToolFailed ErrorCode = "TOOL_FAILED"
	// ErrorCodeValidation indicates a validation error.
	ErrorCodeValidation ErrorCode = "VALIDATION"
	// ErrorCodeInternal indicates an internal error.
	ErrorCodeInternal ErrorCode = "INTERNAL"
)

// Error is an error type that includes suggestions for resolution.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Detail != "" {
		sb.WriteString("  → ")
		sb.WriteString(e.Detail)
		sb.WriteString("\n")
	}

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n  Suggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message without technical details.
func (e *Error) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// ErrServerNotFound creates an error for when a server is not found.
func ErrServerNotFound(name string) *Error {
	return NewError(ErrorCodeNotFound, fmt.Sprintf("tool server '%s' not found", name)).
		WithSuggestions(
			"Check the server name: concierge server list",
			fmt.Sprintf("Add the server: concierge server add %s", name),
		)
}

// ErrServerDisabled creates an error for when a server is disabled.
func ErrServerDisabled(name string) *Error {
	return NewError(ErrorCodeDisabled, fmt.Sprintf("tool server '%s' is disabled", name)).
		WithSuggestions(
			fmt.Sprintf("Enable the server: concierge server enable %s", name),
		)
}

// ErrServerNotRunning creates an error for when a server is not running.
func ErrServerNotRunning(name string) *Error {
	return NewError(ErrorCodeNotRunning, fmt.Sprintf("tool server '%s' is not running", name)).
		WithSuggestions(
			fmt.Sprintf("Start the server: concierge server start %s", name),
			fmt.Sprintf("Check status: concierge server status %s", name),
		)
}

// ErrCommandNotFound creates an error for when a launcher command is not found.
func ErrCommandNotFound(command string) *Error {
	suggestions := []string{
		"Verify the command is installed and in your PATH",
	}

	switch command {
	case "npx", "node":
		suggestions = append(suggestions, "Install Node.js: https://nodejs.org/")
	case "uvx", "python", "python3":
		suggestions = append(suggestions, "Install uv: https://docs.astral.sh/uv/")
	}

	return NewError(ErrorCodeCommandNotFound, fmt.Sprintf("command '%s' not found", command)).
		WithDetail(fmt.Sprintf("command '%s' not found in PATH", command)).
		WithSuggestions(suggestions...)
}

// ErrStartFailed creates an error for when a server fails to start.
func ErrStartFailed(name string, cause error) *Error {
	return NewError(ErrorCodeStartFailed, fmt.Sprintf("failed to start tool server '%s'", name)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check server logs: concierge server logs %s", name),
			"Verify the package identifier and arguments are correct",
			fmt.Sprintf("Check stored credentials: concierge server status %s", name),
		)
}

// ErrHandshakeFailed creates an error for when the protocol handshake fails.
func ErrHandshakeFailed(name string, cause error) *Error {
	return NewError(ErrorCodeHandshakeFailed, fmt.Sprintf("tool server '%s' failed the protocol handshake", name)).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check server logs: concierge server logs %s", name),
			"Verify the package really is a stdio tool server",
		)
}

// ErrConnectionClosed creates an error for when a server connection is closed.
func ErrConnectionClosed(name string) *Error {
	return NewError(ErrorCodeConnectionClosed, fmt.Sprintf("connection to tool server '%s' closed", name)).
		WithSuggestions(
			fmt.Sprintf("Check server logs for crash details: concierge server logs %s", name),
			fmt.Sprintf("Restart the server: concierge server start %s", name),
		)
}

// ErrCallTimeout creates an error for when a tool call exceeds its deadline.
func ErrCallTimeout(tool string, seconds int) *Error {
	return NewError(ErrorCodeTimeout, fmt.Sprintf("tool call '%s' timed out after %ds", tool, seconds)).
		WithSuggestions(
			"Retry the call",
			"Increase the timeout in the server settings",
		)
}

// ErrMaxRestarts creates an error for when the restart budget is spent.
func ErrMaxRestarts(name string, attempts int) *Error {
	return NewError(ErrorCodeMaxRestarts, fmt.Sprintf("tool server '%s' keeps crashing", name)).
		WithDetail(fmt.Sprintf("gave up after %d restart attempts", attempts)).
		WithSuggestions(
			fmt.Sprintf("Check server logs: concierge server logs %s", name),
			fmt.Sprintf("Fix the configuration, then re-enable: concierge server enable %s", name),
		)
}

// ErrMissingCredential creates an error for an unresolvable required credential.
func ErrMissingCredential(name, variable string) *Error {
	return NewError(ErrorCodeCredential, fmt.Sprintf("tool server '%s' is missing a required credential", name)).
		WithDetail(fmt.Sprintf("no stored value for %s", variable)).
		WithSuggestions(
			fmt.Sprintf("Store the credential: concierge server secret set %s %s", name, variable),
		)
}

// ErrToolNotFound creates an error for a tool name that routes nowhere.
func ErrToolNotFound(tool string) *Error {
	return NewError(ErrorCodeToolNotFound, fmt.Sprintf("no tool named '%s'", tool)).
		WithSuggestions(
			"List the available tools: concierge tools",
		)
}
