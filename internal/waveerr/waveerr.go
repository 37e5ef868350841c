// Package waveerr defines the closed set of error kinds exposed across the
// tool boundary. Internal errors are translated to *Error before they reach a
// caller; nothing panics or throws across the boundary.
package waveerr

import (
	"errors"
	"fmt"
)

// Code enumerates the tool-facing error kinds.
type Code string

const (
	CodeNoProjectBound         Code = "NO_PROJECT_BOUND"
	CodeNoActiveTask           Code = "NO_ACTIVE_TASK"
	CodeInvalidRoot            Code = "INVALID_ROOT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeMultipleCandidates     Code = "MULTIPLE_CANDIDATES"
	CodeMissingPermissions     Code = "MISSING_PERMISSIONS"
	CodeEVRNotReady            Code = "EVR_NOT_READY"
	CodeEVRValidationFailed    Code = "EVR_VALIDATION_FAILED"
	CodeSyncConflict           Code = "SYNC_CONFLICT"
	CodeParseError             Code = "PARSE_ERROR"
	CodeRenderError            Code = "RENDER_ERROR"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodePlanGateBlocked        Code = "PLAN_GATE_BLOCKED"
	CodeVersionConflict        Code = "VERSION_CONFLICT"
	CodeLockTimeout            Code = "LOCK_TIMEOUT"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
)

// Error is a tool-facing error with an enumerated code and an optional
// recovery payload that lets the caller drive the fix without re-reading the
// whole task.
type Error struct {
	Code     Code           `json:"error_code"`
	Message  string         `json:"message"`
	Recovery map[string]any `json:"recovery,omitempty"`
	cause    error
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error preserving the underlying cause for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithRecovery attaches a recovery payload and returns the same error.
func (e *Error) WithRecovery(recovery map[string]any) *Error {
	e.Recovery = recovery
	return e
}

// WithNextAction attaches a recovery payload naming the tool to call next.
func (e *Error) WithNextAction(tool string) *Error {
	if e.Recovery == nil {
		e.Recovery = map[string]any{}
	}
	e.Recovery["next_action"] = tool
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the enumerated code from err, or empty when err is not a
// tool-facing error.
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// FromError returns the tool-facing error inside err, or nil.
func FromError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return nil
}
