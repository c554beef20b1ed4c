package cli

import (
	"errors"
	"fmt"

	"course-autopilot/internal/config"
	"course-autopilot/internal/model"
	"course-autopilot/internal/runner"
	"course-autopilot/internal/runstore"
)

// CLIError wraps an error with a user-facing hint.
type CLIError struct {
	Message  string
	Hint     string
	Err      error
	ExitCode int
}

func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

func NewCLIError(msg, hint string, err error) *CLIError {
	return &CLIError{Message: msg, Hint: hint, Err: err, ExitCode: 1}
}

// mapError attaches hints to the errors a user can act on. Anything else
// passes through unchanged.
func mapError(err error, configPath string) error {
	if err == nil {
		return nil
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return err
	}

	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		return NewCLIError("portal session is not signed in", "run 'course-autopilot login' to save a fresh session", err)
	case errors.Is(err, runstore.ErrLocked):
		return NewCLIError("another command is using the state directory", "wait for it to finish; if it crashed, remove the .autopilot.lock directory inside the state dir", err)
	case errors.Is(err, config.ErrInvalid):
		return NewCLIError("configuration problem", fmt.Sprintf("edit %s or run 'course-autopilot doctor'", configPath), err)
	case errors.Is(err, runner.ErrAllLanesFailed):
		e := NewCLIError("run stopped early", "see lane_errors in the report; an expired session needs 'course-autopilot login'", err)
		e.ExitCode = 2
		return e
	}
	return err
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) && cliErr.ExitCode != 0 {
		return cliErr.ExitCode
	}
	return 1
}

// Hint returns the hint attached to err, if any.
func Hint(err error) string {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Hint
	}
	return ""
}
