// Package apperrors defines the error taxonomy shared by the conversation, quote and message services.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for HTTP status mapping.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input. Never retried.
	KindValidation Kind = "validation"
	// KindAuthorization marks an actor acting outside its role. Never retried.
	KindAuthorization Kind = "authorization"
	// KindConflict marks a lost optimistic-concurrency race. Re-fetch before retrying.
	KindConflict Kind = "conflict"
	// KindNotFound marks a missing quote, conversation, message or attachment.
	KindNotFound Kind = "not_found"
	// KindStorage marks an object-store failure.
	KindStorage Kind = "storage"
	// KindDependencyUnavailable marks an unreachable data store. Safe to retry idempotent calls.
	KindDependencyUnavailable Kind = "dependency_unavailable"
	// KindInternal marks anything the taxonomy does not name.
	KindInternal Kind = "internal"
)

// Error carries a Kind plus an "operation.reason" code in the style of the service errors.
type Error struct {
	kind Kind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the "operation.reason" code.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error for the given operation and reason.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

func Validation(operation, reason string, cause error) error {
	return New(KindValidation, operation, reason, cause)
}

func Authorization(operation, reason string, cause error) error {
	return New(KindAuthorization, operation, reason, cause)
}

func Conflict(operation, reason string, cause error) error {
	return New(KindConflict, operation, reason, cause)
}

func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

func Storage(operation, reason string, cause error) error {
	return New(KindStorage, operation, reason, cause)
}

func DependencyUnavailable(operation, reason string, cause error) error {
	return New(KindDependencyUnavailable, operation, reason, cause)
}

func Internal(operation, reason string, cause error) error {
	return New(KindInternal, operation, reason, cause)
}

// KindOf reports the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	return KindInternal
}

// CodeOf reports the code of the first *Error in err's chain, or an empty string.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.code
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
