package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("resolve: %w", E(CapacityExceeded, "allocator.Resolve", "route is full"))

	assert.Equal(t, CapacityExceeded, KindOf(err))
	assert.True(t, Is(err, CapacityExceeded))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, http.StatusConflict, KindOf(err).HTTPStatus())
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("connection reset")

	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.Equal(t, http.StatusInternalServerError, KindOf(err).HTTPStatus())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrap(GatewayError, "payments.GetPayment", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "payments.GetPayment: gateway_error: timeout", err.Error())
	assert.Equal(t, "gateway_error", Message(err))
	assert.Nil(t, Wrap(GatewayError, "op", nil))
}

func TestMessageHidesInternalDetail(t *testing.T) {
	err := Wrap(Internal, "storage.Commit", errors.New("pq: deadlock detected"))
	assert.Equal(t, "internal error", Message(err))

	err = E(NotFound, "allocator.Resolve", "request not found")
	assert.Equal(t, "request not found", Message(err))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "ok", Label(nil))
	assert.Equal(t, "capacity_exceeded", Label(E(CapacityExceeded, "op", "full")))
	assert.Equal(t, "internal", Label(errors.New("boom")))
	assert.Equal(t, http.StatusTooManyRequests, RateLimited.HTTPStatus())
}
