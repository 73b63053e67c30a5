// Package failure defines the gateway's error taxonomy. Protocol handlers
// return these errors and each protocol renders them in its own envelope.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
)

// Kind classifies an error for routing and rendering decisions.
type Kind int

const (
	// KindInternal is an unexpected programming or I/O fault.
	KindInternal Kind = iota
	// KindBadRequest is a missing, malformed or out-of-range parameter.
	KindBadRequest
	// KindNotFound means the protocol, dataset, variable or resource does not exist.
	KindNotFound
	// KindNotAccessible means the caller may not read the dataset.
	KindNotAccessible
	// KindRetryable means the dataset changed underneath the request.
	KindRetryable
	// KindNoData means the request was valid but matched no data.
	KindNoData
	// KindAborted means the client went away mid-response.
	KindAborted
	// KindUnsupported is a valid-looking request the protocol does not implement.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindNotAccessible:
		return "not_accessible"
	case KindRetryable:
		return "retryable"
	case KindNoData:
		return "no_data"
	case KindAborted:
		return "aborted"
	case KindUnsupported:
		return "unsupported"
	default:
		return "internal"
	}
}

// HTTPStatus is the transport status for errors rendered as documents.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound, KindNoData:
		return http.StatusNotFound
	case KindNotAccessible:
		return http.StatusUnauthorized
	case KindRetryable:
		return http.StatusServiceUnavailable
	case KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error. Msg is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// BadRequest returns a validation error.
func BadRequest(format string, args ...any) error { return newf(KindBadRequest, format, args...) }

// QueryError returns a validation error about one named parameter, using
// the "Query error: name=value ..." convention.
func QueryError(name, value, problem string) error {
	return newf(KindBadRequest, "Query error: %s=%s %s", name, value, problem)
}

// NotFound returns a not-found error.
func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

// NotAccessible returns an access error for datasetID.
func NotAccessible(datasetID string) error {
	return newf(KindNotAccessible, "not authorized to access datasetID=%s", datasetID)
}

// NoData returns the benign "no data in range" error.
func NoData(format string, args ...any) error { return newf(KindNoData, format, args...) }

// Unsupported returns an error for an operation the protocol does not implement.
func Unsupported(format string, args ...any) error { return newf(KindUnsupported, format, args...) }

// Retryable wraps err as a transient error for datasetID.
func Retryable(datasetID string, err error) error {
	return &Error{Kind: KindRetryable, Msg: "dataset " + datasetID + " is being reloaded", Err: err}
}

// Internal wraps an unexpected fault.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf classifies err. Unclassified errors are internal unless they
// look like a client abort.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if IsClientAbort(err) {
		return KindAborted
	}
	return KindInternal
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the client-safe message for err. Internal errors never
// leak their text.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != KindInternal {
		if fe.Msg != "" {
			return fe.Msg
		}
	}
	switch KindOf(err) {
	case KindAborted:
		return "request aborted"
	case KindInternal:
		return "Internal server error."
	}
	return err.Error()
}

// IsClientAbort reports whether err was caused by the client going away.
func IsClientAbort(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, http.ErrAbortHandler)
}
