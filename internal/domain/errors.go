package domain

import (
	"errors"
	"strconv"
)

// Sentinel error kinds, matched with errors.Is at the HTTP boundary.
var (
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrConflict        = errors.New("conflict")
	ErrLimitExceeded   = errors.New("limit exceeded")
	ErrNotFound        = errors.New("not found")
	ErrNotSupported    = errors.New("not supported")
	ErrTemplate        = errors.New("template error")
	ErrHook            = errors.New("hook error")
	ErrBootstrap       = errors.New("bootstrap error")
	ErrBackendTransient = errors.New("backend transient error")
	ErrBackendPermanent = errors.New("backend error")

	ErrAppNotFound = errors.New("app not found")
)

// TemplateError surfaces a template syntax error; unknown variables render
// empty and do not raise it. It is BadRequest-class: fatal, not retried.
type TemplateError struct {
	Reason       string
	LocationHint string
}

func (e *TemplateError) Error() string {
	if e.LocationHint != "" {
		return "template error: " + e.Reason + " (" + e.LocationHint + ")"
	}
	return "template error: " + e.Reason
}

func (e *TemplateError) Unwrap() error { return ErrTemplate }

// HookError is raised by the hook runtime on timeout or evaluator failure.
// Fatal for the current operation, not retried.
type HookError struct {
	Phase string
	Err   error
}

func (e *HookError) Error() string { return "hook error in " + e.Phase + ": " + e.Err.Error() }
func (e *HookError) Unwrap() error { return ErrHook }

// BootstrapError is raised when a bootstrap container exits nonzero.
type BootstrapError struct {
	Image        string
	Exit         int
	StderrSnippet string
}

func (e *BootstrapError) Error() string {
	return "bootstrap container " + e.Image + " exited " + strconv.Itoa(e.Exit) + ": " + e.StderrSnippet
}

func (e *BootstrapError) Unwrap() error { return ErrBootstrap }
