package driver

import (
	"errors"
	"fmt"
)

// Code is a low-level failure reason reported by a backend.
type Code int

const (
	// CodeUnknown is any failure the backend cannot classify.
	CodeUnknown Code = iota
	// CodeDisabled means the device is disabled by policy.
	CodeDisabled
	// CodeDisconnected means the device is gone.
	CodeDisconnected
	// CodeDevice is a fatal device failure.
	CodeDevice
	// CodeService is a failure of the driver service itself.
	CodeService
	// CodeInUse means another process holds the device.
	CodeInUse
	// CodeMaxInUse means the backend's limit of open devices is reached.
	CodeMaxInUse
	// CodePermissionDenied means the caller is not allowed to open the device.
	CodePermissionDenied
)

// String returns a short name for logs.
func (c Code) String() string {
	switch c {
	case CodeDisabled:
		return "disabled"
	case CodeDisconnected:
		return "disconnected"
	case CodeDevice:
		return "device"
	case CodeService:
		return "service"
	case CodeInUse:
		return "in_use"
	case CodeMaxInUse:
		return "max_in_use"
	case CodePermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	// Op is the driver operation that failed, e.g. "open".
	Op string
	// Code classifies the failure.
	Code Code
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the Code from err, or CodeUnknown when err is not an *Error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}

	return CodeUnknown
}
