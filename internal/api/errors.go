package api

import (
	"errors"
	"net/http"

	"github.com/banshee-data/attenuator/internal/attenuator"
	"github.com/banshee-data/attenuator/internal/compensation"
	"github.com/banshee-data/attenuator/internal/db"
	"github.com/banshee-data/attenuator/internal/httputil"
)

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	var (
		outOfRange *attenuator.OutOfRangeError
		notFound   *attenuator.DeviceNotFoundError
		setErr     *attenuator.AttenuationSetError
		readErr    *attenuator.AttenuationReadError
		connErr    *attenuator.ConnectError
	)
	switch {
	case errors.As(err, &outOfRange),
		errors.Is(err, attenuator.ErrInvalidFrequency),
		errors.Is(err, attenuator.ErrNoDevices):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, db.ErrBindingNotFound):
		return http.StatusNotFound
	case errors.Is(err, attenuator.ErrLinkBusy):
		return http.StatusConflict
	case errors.Is(err, compensation.ErrTableEmpty):
		return http.StatusServiceUnavailable
	case errors.As(err, &setErr),
		errors.As(err, &readErr),
		errors.As(err, &connErr),
		errors.Is(err, attenuator.ErrNotConnected),
		errors.Is(err, attenuator.ErrResponseTimeout):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, statusFor(err), err.Error())
}
