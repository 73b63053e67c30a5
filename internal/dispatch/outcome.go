// Package dispatch holds the request-level machinery shared by all
// protocol handlers: classifying handler results, tracking whether a
// response has started, and the bounded hot-reload retry.
package dispatch

import (
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// Status is the variant of an Outcome.
type Status int

const (
	// Success means the handler produced its response.
	Success Status = iota
	// NotFound means the dataset, variable or resource does not exist.
	NotFound
	// NotAccessible means the caller must log in first.
	NotAccessible
	// Retryable means the dataset changed mid-request; see Retrier.
	Retryable
	// Rejected means the request was invalid, unsupported or matched no
	// data; it is answered in the protocol's own error envelope.
	Rejected
	// Fatal is an internal fault or a client abort.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case NotAccessible:
		return "not_accessible"
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	default:
		return "fatal"
	}
}

// Outcome is the classified result of a handler call.
type Outcome struct {
	Status Status
	Err    error
}

// Classify maps a handler error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Status: Success}
	}
	switch failure.KindOf(err) {
	case failure.KindNotFound:
		return Outcome{Status: NotFound, Err: err}
	case failure.KindNotAccessible:
		return Outcome{Status: NotAccessible, Err: err}
	case failure.KindRetryable:
		return Outcome{Status: Retryable, Err: err}
	case failure.KindBadRequest, failure.KindNoData, failure.KindUnsupported:
		return Outcome{Status: Rejected, Err: err}
	default:
		return Outcome{Status: Fatal, Err: err}
	}
}
