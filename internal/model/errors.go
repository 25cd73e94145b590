package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// CodeValidation marks a malformed record rejected at enqueue.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeTransientNetwork marks a timeout or connection failure; retried with backoff.
	CodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// CodePermanentRemote marks an explicit remote rejection; never retried.
	CodePermanentRemote ErrorCode = "PERMANENT_REMOTE"

	// CodeStorageQuota marks a full durable store.
	CodeStorageQuota ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// CodeLockContention marks a drain that is already running.
	CodeLockContention ErrorCode = "LOCK_CONTENTION"

	// CodeNotOnline marks a sync requested while offline.
	CodeNotOnline ErrorCode = "NOT_ONLINE"

	// CodeInvalidTransition marks a queue transition not allowed from the current status.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeNotFound marks an unknown record id.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is the engine's error type. Raw transport and storage errors are
// wrapped in Err so callers can classify with errors.As.
type Error struct {
	Code     ErrorCode
	Message  string
	RecordID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record=%s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinels below work
// with errors.Is regardless of message or record.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.RecordID == ""
}

var (
	// ErrSyncAlreadyRunning is returned by a manual sync when a drain holds the lock.
	ErrSyncAlreadyRunning = &Error{Code: CodeLockContention}

	// ErrNotOnline is returned by a manual sync while the network is down.
	ErrNotOnline = &Error{Code: CodeNotOnline}
)

// NewValidationError creates a CodeValidation error.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError wraps a timeout or connection failure.
func NewTransientError(message string, err error) *Error {
	return &Error{Code: CodeTransientNetwork, Message: message, Err: err}
}

// NewPermanentError creates an explicit remote rejection.
func NewPermanentError(message string, err error) *Error {
	return &Error{Code: CodePermanentRemote, Message: message, Err: err}
}

// NewQuotaError wraps a storage-full condition.
func NewQuotaError(op string, err error) *Error {
	return &Error{Code: CodeStorageQuota, Message: op + ": durable store is full", Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidationError reports whether err is a CodeValidation error.
func IsValidationError(err error) bool { return CodeOf(err) == CodeValidation }

// IsTransientError reports whether err is a CodeTransientNetwork error.
func IsTransientError(err error) bool { return CodeOf(err) == CodeTransientNetwork }

// IsPermanentError reports whether err is a CodePermanentRemote error.
func IsPermanentError(err error) bool { return CodeOf(err) == CodePermanentRemote }

// IsQuotaError reports whether err is a CodeStorageQuota error.
func IsQuotaError(err error) bool { return CodeOf(err) == CodeStorageQuota }

// IsLockContention reports whether err is a CodeLockContention error.
func IsLockContention(err error) bool { return CodeOf(err) == CodeLockContention }

// IsNotOnline reports whether err is a CodeNotOnline error.
func IsNotOnline(err error) bool { return CodeOf(err) == CodeNotOnline }

// IsNotFound reports whether err is a CodeNotFound error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
