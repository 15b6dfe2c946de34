package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid job", New(Validation, "invalid job").Error())
	assert.Equal(t, "not_found", (&Error{Kind: NotFound}).Error())
	assert.Equal(t, "boom", (&Error{Kind: Internal, Err: errors.New("boom")}).Error())

	err := New(Validation, "unmet requirements").WithDetails("missing a.py", "b.py: type")
	assert.Equal(t, "unmet requirements: missing a.py; b.py: type", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	assert.NoError(t, Wrap(nil, Internal, "x"))
	assert.NoError(t, Wrapf(nil, Internal, "x %d", 1))

	err := Wrapf(context.DeadlineExceeded, Infrastructure, "pulling %s", "alpine")
	assert.Equal(t, "pulling alpine: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, Is(err, Infrastructure))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, Internal))

	wrapped := fmt.Errorf("handler: %w", Newf(NotFound, "job %q not found", "abc"))
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Nil(t, DetailsOf(wrapped))

	withDetails := fmt.Errorf("submit: %w", New(Validation, "bad").WithDetails("inputs: required"))
	assert.Equal(t, []string{"inputs: required"}, DetailsOf(withDetails))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		Validation:       http.StatusBadRequest,
		NotFound:         http.StatusNotFound,
		Conflict:         http.StatusConflict,
		ExecutionTimeout: http.StatusGatewayTimeout,
		Infrastructure:   http.StatusBadGateway,
		CallbackDelivery: http.StatusBadGateway,
		ExecutionFailure: http.StatusInternalServerError,
		Internal:         http.StatusInternalServerError,
		Kind("other"):    http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.HTTPStatus(), kind)
	}
}
