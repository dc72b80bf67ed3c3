package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindFKViolation      Kind = "fk_violation"
	KindInvalidInput     Kind = "invalid_input"
	KindPolicyViolation  Kind = "policy_violation"
	KindTamperDetected   Kind = "tamper_detected"
	KindKeyUnknown       Kind = "key_unknown"
	KindTransient        Kind = "transient"
	KindDeadline         Kind = "deadline"
	KindInternal         Kind = "internal"
)

// Error is the typed error every layer reports. Path is set for
// policy violations and input errors that point at a config path.
type Error struct {
	Kind   Kind
	Detail string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a typed error
func E(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef builds a typed error with a formatted detail
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// WithPath returns a copy of e pointing at a config path
func (e *Error) WithPath(path string) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
