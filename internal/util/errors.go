// Package util provides shared utility types for the tunnel control plane.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrBusy.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ReloadError, PIDFileError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	// ErrBusy is returned when a reload is already in progress.
	// Concurrent applies are rejected rather than queued.
	ErrBusy = errors.New("reload already in progress")

	// ErrProcessUnavailable is returned when the tunneling process cannot
	// be located via its PID file or is not running.
	ErrProcessUnavailable = errors.New("tunneling process unavailable")

	// ErrReloadFailed is returned when a reload signal was delivered but
	// confirmation failed or timed out.
	ErrReloadFailed = errors.New("reload failed")

	// ErrServiceExists is returned when adding a provider whose name is
	// already present in the document.
	ErrServiceExists = errors.New("service already exists")

	// ErrServiceNotFound is returned when an operation references a
	// service name that is not in the document.
	ErrServiceNotFound = errors.New("service not found")
)

// ReloadError carries diagnostic detail about a failed reload, including
// the stage at which it failed and whether the on-disk file was rolled
// back to the previously committed content.
type ReloadError struct {
	Stage      string
	Message    string
	RolledBack bool
	Cause      error
}

// Error implements the error interface.
func (e *ReloadError) Error() string {
	msg := fmt.Sprintf("reload failed during %s: %s", e.Stage, e.Message)
	if e.RolledBack {
		msg += " (previous configuration restored)"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ReloadError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ReloadError) Is(target error) bool {
	if target == ErrReloadFailed {
		return true
	}
	_, ok := target.(*ReloadError)
	return ok || errors.Is(e.Cause, target)
}

// NewReloadError creates a new ReloadError.
func NewReloadError(stage, message string, rolledBack bool) *ReloadError {
	return &ReloadError{Stage: stage, Message: message, RolledBack: rolledBack}
}

// NewReloadErrorWithCause creates a new ReloadError with a cause.
func NewReloadErrorWithCause(stage, message string, rolledBack bool, cause error) *ReloadError {
	return &ReloadError{Stage: stage, Message: message, RolledBack: rolledBack, Cause: cause}
}

// PIDFileError represents a failure to read or parse the PID file of the
// tunneling process.
type PIDFileError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *PIDFileError) Error() string {
	return fmt.Sprintf("pid file %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *PIDFileError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *PIDFileError) Is(target error) bool {
	if target == ErrProcessUnavailable {
		return true
	}
	_, ok := target.(*PIDFileError)
	return ok || errors.Is(e.Cause, target)
}

// NewPIDFileError creates a new PIDFileError.
func NewPIDFileError(path, message string, cause error) *PIDFileError {
	return &PIDFileError{Path: path, Message: message, Cause: cause}
}

// ConfirmTimeoutError represents a reload confirmation that did not
// complete within the configured window.
type ConfirmTimeoutError struct {
	Timeout time.Duration
	Reason  string
}

// Error implements the error interface.
func (e *ConfirmTimeoutError) Error() string {
	return fmt.Sprintf("reload not confirmed within %v: %s", e.Timeout, e.Reason)
}

// Is checks if the error matches the target.
func (e *ConfirmTimeoutError) Is(target error) bool {
	if target == ErrReloadFailed {
		return true
	}
	_, ok := target.(*ConfirmTimeoutError)
	return ok
}

// NewConfirmTimeoutError creates a new ConfirmTimeoutError.
func NewConfirmTimeoutError(timeout time.Duration, reason string) *ConfirmTimeoutError {
	return &ConfirmTimeoutError{Timeout: timeout, Reason: reason}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
