// errors.go — Classified runtime errors.
// Every failure the runtime surfaces carries a Kind so hosts and the
// retry/recovery machinery can branch on failure class without string
// matching. Raw driver errors are always wrapped as KindInternal before
// they reach a user.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindTemplate               Kind = "template"
	KindTargetNotFound         Kind = "target_not_found"
	KindAmbiguousTarget        Kind = "ambiguous_target"
	KindElementNotInteractable Kind = "element_not_interactable"
	KindNavigationTimeout      Kind = "navigation_timeout"
	KindWaitTimeout            Kind = "wait_timeout"
	KindNetworkRequestNotFound Kind = "network_request_not_found"
	KindReplay                 Kind = "replay"
	KindResponseValidation     Kind = "response_validation"
	KindAuthFailure            Kind = "auth_failure"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// Error is the classified error type used throughout the runtime.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

func (e *Error) Error() string {
	if e.Wrapped != nil && e.Message != "" {
		return e.Message + ": " + e.Wrapped.Error()
	}
	if e.Wrapped != nil {
		return e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindReplay}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from any error in the chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
