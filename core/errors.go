package core

import (
	"errors"
	"fmt"
)

// ErrorKind tags every failure this engine can produce. The tag travels
// unchanged from the component that raised it out to the transport and into
// the client retry policy; in particular KindNotFound and KindPermissionDenied
// must never collapse into one another (a denied canvas looks recoverable, a
// missing canvas is not).
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_error"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransport        ErrorKind = "transport_error"
	KindInternal         ErrorKind = "internal_error"
)

// Retryable reports whether a failure of this kind may be retried
// automatically with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransport, KindInternal:
		return true
	}
	return false
}

// Error is a kind-tagged error. It may wrap an underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kind-tagged error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr tags an underlying error with a kind.
func WrapErr(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, defaulting to internal_error for
// anything untagged.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
