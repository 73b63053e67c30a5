package dispatch

import (
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// Describe logs err with the severity its kind deserves and returns the
// message to show the client. Internal errors are logged with a stack
// trace under a fresh error id, and only the id reaches the client.
// Client aborts are logged at debug level.
func Describe(log zerolog.Logger, err error) string {
	switch failure.KindOf(err) {
	case failure.KindInternal:
		id := uuid.NewString()
		log.Error().Err(err).Str("error_id", id).Str("stack", string(debug.Stack())).Msg("internal error")
		return "Internal server error. (error_id=" + id + ")"
	case failure.KindAborted:
		log.Debug().Err(err).Msg("client went away")
	default:
		log.Debug().Err(err).Msg("request rejected")
	}
	return failure.Message(err)
}
