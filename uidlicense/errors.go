package uidlicense

import (
	"errors"
	"fmt"
)

// Sentinel errors for activation and administrative failures. Returned errors
// wrap one of these with the detail of the failed precondition, so callers
// use errors.Is to branch.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrLicenseNotFound  = errors.New("license not found")
	ErrBindingNotFound  = errors.New("binding not found")
	ErrLicenseInactive  = errors.New("license is not active")
	ErrLicenseExpired   = errors.New("license expired")
	ErrCapacityExceeded = errors.New("license has reached its maximum usage")
	ErrDuplicateBinding = errors.New("game uid is already activated")
	ErrConflict         = errors.New("concurrent update conflict, retry")
	ErrLicenseInUse     = errors.New("license still has live bindings")
	ErrBindingInactive  = errors.New("binding is not active")
	ErrBindingLocked    = errors.New("binding is paused or banned")
)

// Sentinel errors for offline receipt verification.
var (
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrPublicKeyInvalid = errors.New("invalid public key")
	ErrReceiptInvalid   = errors.New("invalid receipt format")
	ErrReceiptExpired   = errors.New("receipt expired")
)

// Wire error codes used by the HTTP API.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeLicenseNotFound  = "LICENSE_NOT_FOUND"
	CodeBindingNotFound  = "BINDING_NOT_FOUND"
	CodeLicenseInactive  = "LICENSE_INACTIVE"
	CodeLicenseExpired   = "LICENSE_EXPIRED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeDuplicateBinding = "DUPLICATE_BINDING"
	CodeConflict         = "CONFLICT"
	CodeLicenseInUse     = "LICENSE_IN_USE"
	CodeBindingInactive  = "BINDING_INACTIVE"
	CodeBindingLocked    = "BINDING_LOCKED"
	CodeInternal         = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, CodeInvalidInput},
	{ErrLicenseNotFound, CodeLicenseNotFound},
	{ErrBindingNotFound, CodeBindingNotFound},
	{ErrLicenseInactive, CodeLicenseInactive},
	{ErrLicenseExpired, CodeLicenseExpired},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrDuplicateBinding, CodeDuplicateBinding},
	{ErrConflict, CodeConflict},
	{ErrLicenseInUse, CodeLicenseInUse},
	{ErrBindingInactive, CodeBindingInactive},
	{ErrBindingLocked, CodeBindingLocked},
}

// ErrorCode returns the wire code for err, or CodeInternal when err does not
// wrap one of the package sentinels.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Retryable reports whether a caller may retry the failed operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ServerError represents an error response from the license HTTP API.
// The server returns errors in the format: {"error": {"code": "...", "message": "..."}}.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// mapServerError converts a ServerError to a well-known sentinel error if possible.
// The returned error wraps both the sentinel error and the original ServerError
// so callers can use errors.Is() for sentinel checks and errors.As() for details.
func mapServerError(se *ServerError) error {
	for _, c := range codes {
		if c.code == se.Code {
			return &mappedError{sentinel: c.err, server: se}
		}
	}
	return se
}

// mappedError wraps a sentinel error with the original ServerError details.
type mappedError struct {
	sentinel error
	server   *ServerError
}

func (e *mappedError) Error() string {
	if e.server.Message != "" {
		return e.server.Message
	}
	return e.sentinel.Error()
}

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) As(target interface{}) bool {
	if t, ok := target.(**ServerError); ok {
		*t = e.server
		return true
	}
	return false
}

func (e *mappedError) Unwrap() error {
	return e.sentinel
}
