package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteWrapsUnclassified(t *testing.T) {
	cause := errors.New("connection reset")
	err := Remote("list messages", cause)

	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRemoteKeepsClassification(t *testing.T) {
	err := Remote("get group", NotFound("group g1"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrRemote)
	assert.Nil(t, Remote("noop", nil))
}

func TestRemoteDoesNotRepeatOp(t *testing.T) {
	err := Remote("subscribe", FromStatus("subscribe", http.StatusNotFound, ""))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "subscribe: not found")

	wrapped := Remote("subscribe", FromStatus("subscribe", http.StatusBadGateway, "down"))
	assert.EqualError(t, wrapped, "subscribe: remote failure: status 502: down")
}

func TestStatusRoundTrip(t *testing.T) {
	cases := []error{ErrNotAuthenticated, ErrForbidden, ErrNotFound, ErrValidation, ErrRateLimited}
	for _, want := range cases {
		code := StatusCode(want)
		got := FromStatus("op", code, "detail")
		assert.ErrorIs(t, got, want, "status %d", code)
	}

	err := FromStatus("op", http.StatusServiceUnavailable, "down")
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}
