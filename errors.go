package emdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies the failure categories from spec.md §7.
type ErrorKind int

const (
	KindSchema ErrorKind = iota
	KindValue
	KindUniqueness
	KindState
	KindDriver
	KindFlush
)

func (k ErrorKind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindValue:
		return "value"
	case KindUniqueness:
		return "uniqueness"
	case KindState:
		return "state"
	case KindDriver:
		return "driver"
	case KindFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced across the public API. Every
// failure kind in spec.md §7 is represented by one of these with a distinct
// Kind, rather than a family of sentinel types, so callers can switch on
// the Kind field (or use IsKind) without an import-heavy type-assertion
// chain.
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
	Code    int // optional driver-reported numeric code, 0 if not applicable
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func schemaErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindSchema, Message: fmt.Sprintf(format, args...)}
}

func valueErrorf(field, format string, args ...any) *Error {
	return &Error{Kind: KindValue, Field: field, Message: fmt.Sprintf(format, args...)}
}

func uniquenessErrorf(field string, value any) *Error {
	return &Error{Kind: KindUniqueness, Field: field, Message: fmt.Sprintf("unique constraint broken for value %v", value)}
}

func stateErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func driverErrorf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindDriver, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

func flushErrorf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindFlush, Message: fmt.Sprintf(format, args...), cause: cause}
}

// IsKind reports whether err is an *Error of the given kind, unwrapping
// wrapped causes the way errors.Wrap/errors.Is expects.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
