package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vjranagit/loopstore/pkg/types"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // e.g. a span check that did not hold
	ExitCommandError = 2 // bad flags, unreadable files, storage errors
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure if it carries none.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSource(src types.Source) string {
	if len(src.Labels) == 0 {
		return src.Kind
	}
	data, _ := json.Marshal(src.Labels)
	return src.Kind + string(data)
}

func formatSample(s types.Sample) string {
	line := fmt.Sprintf("%s  %g %s", s.Start.Format(time.RFC3339), s.Value, s.Unit)
	if d := s.Duration(); d > 0 {
		line += fmt.Sprintf("  (%s)", d)
	}
	return line
}
