package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameworkError_Error(t *testing.T) {
	err := NewError(ErrNotFound, "route not found")
	assert.Equal(t, "[NOT_FOUND] route not found", err.Error())

	wrapped := Wrap(errors.New("dial tcp: refused"), ErrServiceUnavailable, "upstream unavailable")
	assert.Equal(t, "[SERVICE_UNAVAILABLE] upstream unavailable: dial tcp: refused", wrapped.Error())
}

func TestFrameworkError_IsByCode(t *testing.T) {
	err := fmt.Errorf("proxy: %w", NewError(ErrTimeout, "request timeout"))

	assert.True(t, errors.Is(err, NewError(ErrTimeout, "")))
	assert.False(t, errors.Is(err, NewError(ErrNotFound, "")))
}

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrInternal, "nothing"))
}

func TestAsFrameworkError(t *testing.T) {
	cause := NewError(ErrRateLimited, "too many requests").WithDetail("retry_after", 12)
	err := fmt.Errorf("gateway: %w", cause)

	fe, ok := AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, 12, fe.Details["retry_after"])
	assert.Equal(t, ErrRateLimited, CodeOf(err))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		ErrNotFound:           http.StatusNotFound,
		ErrServiceUnavailable: http.StatusServiceUnavailable,
		ErrRateLimited:        http.StatusTooManyRequests,
		ErrValidation:         http.StatusBadRequest,
		ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
		ErrTimeout:            http.StatusGatewayTimeout,
		ErrInvalidConfig:      http.StatusInternalServerError,
		"SOMETHING_ELSE":      http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatus(code), code)
	}
}

func TestClock_OrDefault(t *testing.T) {
	var c Clock
	assert.NotNil(t, c.OrDefault())
	assert.Equal(t, "UTC", c.OrDefault()().Location().String())
}
