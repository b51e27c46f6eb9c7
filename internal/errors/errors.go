// Package errors holds the error taxonomy of the conversation engine. Services
// return these kinds wrapped with context; the API layer maps them to status
// codes with HTTPStatus and to the {kind, message} body with KindOf.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput is bad caller input, rejected before any I/O.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is a lookup that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is a session or history datastore failure that
	// persisted after the retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCriticalFailure is a failure of the lexical baseline search. No usable
	// context can be produced.
	ErrCriticalFailure = errors.New("critical failure")

	// ErrAnalyticsWriteFailed is only ever logged.
	ErrAnalyticsWriteFailed = errors.New("analytics write failed")
)

const (
	KindInvalidInput         = "InvalidInput"
	KindNotFound             = "NotFound"
	KindStoreUnavailable     = "StoreUnavailable"
	KindCriticalFailure      = "CriticalFailure"
	KindAnalyticsWriteFailed = "AnalyticsWriteFailed"
	KindInternal             = "Internal"
)

// Error carries a user-facing message next to the wrapped cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func InvalidInput(format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func StoreUnavailable(op string, err error) error {
	return &Error{Kind: ErrStoreUnavailable, Message: op, Err: err}
}

func CriticalFailure(op string, err error) error {
	return &Error{Kind: ErrCriticalFailure, Message: op, Err: err}
}

func AnalyticsWriteFailed(err error) error {
	return &Error{Kind: ErrAnalyticsWriteFailed, Message: "record analytics", Err: err}
}

// KindOf names the taxonomy entry of err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrCriticalFailure):
		return KindCriticalFailure
	case errors.Is(err, ErrAnalyticsWriteFailed):
		return KindAnalyticsWriteFailed
	default:
		return KindInternal
	}
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the message safe to show a caller. Wrapped causes stay
// in the logs.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	switch KindOf(err) {
	case KindStoreUnavailable:
		return "conversation store temporarily unavailable"
	case KindCriticalFailure:
		return "search unavailable"
	default:
		return "internal error"
	}
}
