// Package orcherr defines the error taxonomy shared across the orchestration
// core. Every component surfaces failures through these kinds so the HTTP
// layer, the scheduler, and the executor can make retry and status-code
// decisions without parsing error strings.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories from the design's
// error handling policy.
type Kind string

const (
	// KindValidation covers malformed requests and invariant violations.
	KindValidation Kind = "validation"
	// KindConflict covers cycles, duplicate links, and invalid moves.
	KindConflict Kind = "conflict"
	// KindNotFound covers references to unknown entities.
	KindNotFound Kind = "not_found"
	// KindBackendTransient covers retryable LLM/network failures.
	KindBackendTransient Kind = "backend_transient"
	// KindBackendPermanent covers non-retryable LLM failures (auth, 4xx).
	KindBackendPermanent Kind = "backend_permanent"
	// KindStore covers persistence failures (corrupt file, disk full).
	KindStore Kind = "store"
	// KindCancelled covers cooperative cancellation, not an error for the
	// caller who issued it.
	KindCancelled Kind = "cancelled"
)

// Error is the structured error type returned across package boundaries.
// Code is a short machine-readable identifier surfaced verbatim in the HTTP
// error envelope (detail.error).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	cause   error
}

// New constructs an Error. cause may be nil.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithContext attaches structured context (e.g. cycle nodes/edges) and
// returns the same error for chaining.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap preserves the underlying error chain.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller may retry the operation unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindBackendTransient
}

// HTTPStatus maps the error kind to the HTTP status code used by the §6 API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindCancelled:
		return 499
	default:
		return 500
	}
}

// As-style helpers.

// NotFound builds a KindNotFound error for the given entity kind/id.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, "not_found", fmt.Sprintf("%s %q not found", entity, id), nil)
}

// Conflict builds a KindConflict error.
func Conflict(code, message string) *Error {
	return New(KindConflict, code, message, nil)
}

// Validation builds a KindValidation error.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

// Transient wraps an underlying transient backend error.
func Transient(code, message string, cause error) *Error {
	return New(KindBackendTransient, code, message, cause)
}

// Of extracts the first *Error in err's chain.
func Of(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	e, ok := Of(err)
	return ok && e.Kind == KindCancelled
}
