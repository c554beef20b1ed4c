package model

import "errors"

var (
	// ErrNotAuthenticated aborts before any scan or dispatch.
	ErrNotAuthenticated = errors.New("portal session is not authenticated")
	// ErrSessionLost ends the lane that observed it.
	ErrSessionLost = errors.New("portal session lost")
	// ErrTransient marks failures worth another attempt (timeouts, navigation).
	ErrTransient = errors.New("transient portal failure")
	// ErrNoCompletionControl is structural: retrying cannot help.
	ErrNoCompletionControl = errors.New("completion control not found")
)

const (
	ReasonCompleted       = "completed"
	ReasonAlreadyComplete = "already_complete"
	ReasonSkippedByRule   = "skipped_by_rule"
	ReasonNotCompletable  = "not_completable"
	ReasonRetryExhausted  = "retry_exhausted"
	ReasonStructural      = "no_completion_control"
	ReasonActionFailed    = "action_failed"
	ReasonReset           = "reset_for_retry"
	ReasonAttempting      = "attempting"
)
