// Package apperr defines the error kinds surfaced by document, query and
// summary operations, and how they map onto HTTP responses.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrParse             = errors.New("parse error")
	ErrEmbedding         = errors.New("embedding error")
	ErrVectorIndex       = errors.New("vector index error")
	ErrGeneration        = errors.New("generation error")
	ErrNotReady          = errors.New("document not ready")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error carries a kind sentinel alongside the underlying cause so that both
// errors.Is(err, ErrX) and errors.Is(err, cause) hold.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(msg string) error { return newError(ErrValidation, msg, nil) }
func Parse(msg string, err error) error { return newError(ErrParse, msg, err) }
func Embedding(msg string, err error) error { return newError(ErrEmbedding, msg, err) }
func VectorIndex(msg string, err error) error { return newError(ErrVectorIndex, msg, err) }
func Generation(msg string, err error) error { return newError(ErrGeneration, msg, err) }
func NotReady(msg string) error { return newError(ErrNotReady, msg, nil) }
func NotFound(msg string) error { return newError(ErrNotFound, msg, nil) }
func Conflict(msg string) error { return newError(ErrConflict, msg, nil) }
func InvalidTransition(msg string, err error) error { return newError(ErrInvalidTransition, msg, err) }

// Retry tells a caller whether repeating a failed call may succeed.
type Retry int

const (
	RetryUnknown Retry = iota
	RetryTransient
	RetryPermanent
)

type classified struct {
	err   error
	retry Retry
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as safe to retry (rate limits, unavailable upstreams).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retry: RetryTransient}
}

// Permanent marks err as not worth retrying (bad credentials, malformed input).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retry: RetryPermanent}
}

// Classify reports the retry class of err. Deadline expiry counts as
// transient; cancellation as permanent.
func Classify(err error) Retry {
	if err == nil {
		return RetryUnknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.retry
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryTransient
	}
	if errors.Is(err, context.Canceled) {
		return RetryPermanent
	}
	return RetryUnknown
}

// HTTPStatus maps err onto the error code and status code used in response
// envelopes.
func HTTPStatus(err error) (string, int) {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR", http.StatusBadRequest
	case errors.Is(err, ErrParse):
		return "PARSE_ERROR", http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return "NOT_READY", http.StatusConflict
	case errors.Is(err, ErrConflict):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION", http.StatusConflict
	case errors.Is(err, ErrGeneration):
		return "GENERATION_ERROR", http.StatusBadGateway
	case errors.Is(err, ErrEmbedding):
		return "EMBEDDING_ERROR", http.StatusBadGateway
	case errors.Is(err, ErrVectorIndex):
		return "VECTOR_INDEX_ERROR", http.StatusInternalServerError
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}
