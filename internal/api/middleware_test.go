package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/attenuator/internal/attenuator"
	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/db"
)

func TestRateLimiter(t *testing.T) {
	assert.Nil(t, newRateLimiter(0, 1, time.Minute))
	assert.Nil(t, newRateLimiter(1, 0, time.Minute))

	var nilLimiter *rateLimiter
	assert.True(t, nilLimiter.allow("a", time.Now()))

	l := newRateLimiter(1, 1, time.Minute)
	now := time.Unix(1000, 0)
	assert.True(t, l.allow("a", now))
	assert.False(t, l.allow("a", now))
	assert.True(t, l.allow("b", now), "clients are limited independently")
	assert.True(t, l.allow("", now))

	// Idle entries are evicted on the periodic sweep.
	later := now.Add(2 * time.Minute)
	for i := 0; i < 512; i++ {
		l.allow("c", later)
	}
	l.mu.Lock()
	_, hasA := l.byKey["a"]
	l.mu.Unlock()
	assert.False(t, hasA)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	assert.Equal(t, "10.0.0.5", clientKey(req))

	req.RemoteAddr = "10.0.0.6"
	assert.Equal(t, "10.0.0.6", clientKey(req))
}

func TestVerifyBearer(t *testing.T) {
	secret := []byte("k")
	_, err := verifyBearer("", secret)
	assert.Error(t, err)
	_, err = verifyBearer("Basic abc", secret)
	assert.Error(t, err)
	_, err = verifyBearer("Bearer not.a.token", secret)
	assert.Error(t, err)

	tok := signToken(t, "k", time.Now().Add(time.Minute))
	sub, err := verifyBearer("Bearer "+tok, secret)
	assert.NoError(t, err)
	assert.Equal(t, "bench", sub)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&attenuator.OutOfRangeError{Value: 1, Min: 2, Max: 90, Bound: attenuator.BoundMin}, http.StatusBadRequest},
		{fmt.Errorf("x: %w", attenuator.ErrInvalidFrequency), http.StatusBadRequest},
		{attenuator.ErrNoDevices, http.StatusBadRequest},
		{&attenuator.DeviceNotFoundError{DeviceID: "x"}, http.StatusNotFound},
		{db.ErrBindingNotFound, http.StatusNotFound},
		{&attenuator.AttenuationSetError{Port: "p", Err: attenuator.ErrLinkBusy}, http.StatusConflict},
		{compensation.ErrTableEmpty, http.StatusServiceUnavailable},
		{&attenuator.AttenuationSetError{Port: "p", Err: attenuator.ErrResponseTimeout}, http.StatusBadGateway},
		{&attenuator.AttenuationReadError{Port: "p", Err: &attenuator.ProtocolError{Command: "READ", Response: "ERR"}}, http.StatusBadGateway},
		{&attenuator.ConnectError{Port: "p", Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
