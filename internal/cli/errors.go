// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/config"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
	ExitTimeoutError  = 8
	ExitRateLimited   = 9
	ExitProviderError = 10

	// ExitInterrupted follows the shell convention for SIGINT
	ExitInterrupted = 130
)

// =============================================================================
// CLI ERROR TYPES
// =============================================================================

// CommandError wraps a failure with the command and action that hit it.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ValidationError is bad command-line input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += "\nExample: " + e.Example
	}
	return msg
}

// NewCommandError wraps err for command/action. A nil err returns nil.
func NewCommandError(command, action string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Command: command, Action: action, Err: err}
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// ErrMissingArgument reports a required argument that was not given.
func ErrMissingArgument(argName, usage string) error {
	return &ValidationError{Field: argName, Reason: "required argument missing", Example: usage}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps err to a process exit code. Engine errors map by kind;
// errors outside the taxonomy exit with ExitGeneralError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		cliVal  *ValidationError
		tty     *TTYRequiredError
		cfgErrs config.ValidateErrors
		cfgErr  config.ValidationError
	)
	switch {
	case errors.As(err, &cliVal), errors.As(err, &tty):
		return ExitUsageError
	case errors.As(err, &cfgErrs), errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}

	if !isEngineError(err) {
		return ExitGeneralError
	}
	switch chaterr.KindOf(err) {
	case chaterr.KindValidation:
		return ExitUsageError
	case chaterr.KindNotFound:
		return ExitNotFoundError
	case chaterr.KindNetwork:
		return ExitNetworkError
	case chaterr.KindRateLimit:
		return ExitRateLimited
	case chaterr.KindCancelled:
		return ExitInterrupted
	default:
		return ExitProviderError
	}
}

// isEngineError reports whether err carries one of the engine's error types.
func isEngineError(err error) bool {
	var (
		ve *chaterr.ValidationError
		nf *chaterr.NotFoundError
		ne *chaterr.NetworkError
		rl *chaterr.RateLimitError
		pe *chaterr.ProviderError
	)
	return errors.Is(err, context.Canceled) ||
		errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &ne) ||
		errors.As(err, &rl) || errors.As(err, &pe)
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON when jsonMode is set.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	var reported *reportedError
	if err == nil || errors.As(err, &reported) {
		return
	}
	if jsonMode {
		resp := NewJSONErrorResponse("", err)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
	if kind := chaterr.KindOf(err); isEngineError(err) && kind.Retryable() {
		fmt.Fprintln(w, DimStyle.Render("This may succeed if you try again."))
	}
}

// reportedError wraps a failure whose details were already written to
// stdout as part of a JSON payload. Only its exit code remains to report.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// HandleErrorAndExit displays err on stderr and exits with its code.
func HandleErrorAndExit(err error, jsonMode bool) {
	if err == nil {
		return
	}
	out := os.Stderr
	if jsonMode {
		out = os.Stdout
	}
	DisplayError(out, err, jsonMode)
	os.Exit(GetExitCode(err))
}
