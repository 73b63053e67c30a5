package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"bad request", BadRequest("bad %s", "x"), KindBadRequest},
		{"query error", QueryError("width", "0", "must be >= 2."), KindBadRequest},
		{"not found", NotFound("nope"), KindNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", NotFound("nope")), KindNotFound},
		{"not accessible", NotAccessible("ds1"), KindNotAccessible},
		{"retryable", Retryable("ds1", errors.New("file changed")), KindRetryable},
		{"no data", NoData("none"), KindNoData},
		{"unsupported", Unsupported("GetFeatureInfo"), KindUnsupported},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), KindAborted},
		{"canceled", context.Canceled, KindAborted},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessageNeverLeaksInternal(t *testing.T) {
	assert.Equal(t, "Internal server error.", Message(errors.New("secret path /etc/x")))
	assert.Equal(t, "Internal server error.", Message(Internal(errors.New("secret"))))
	assert.Equal(t, "Query error: width=0 must be >= 2.", Message(QueryError("width", "0", "must be >= 2.")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindBadRequest.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindRetryable.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
}

func TestRetryableUnwraps(t *testing.T) {
	cause := errors.New("file changed")
	err := Retryable("ds1", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, KindRetryable))
}
