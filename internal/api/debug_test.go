package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The debug handlers are called directly; tsweb rejects non-loopback callers.

func TestAttachAdminRoutes(t *testing.T) {
	e := newTestEnv(t, 0, Options{})
	mux := e.srv.ServeMux()
	e.srv.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/devices", "/debug/compensation", "/debug/send-command"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}

func TestDebugDevices(t *testing.T) {
	e := newTestEnv(t, 1, Options{})
	e.connect(t, "/dev/ttyACM0")

	w := httptest.NewRecorder()
	e.srv.debugDevices(w, httptest.NewRequest(http.MethodGet, "/debug/devices", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, dev0)
	assert.Contains(t, body, "/dev/ttyACM0")
	assert.Contains(t, body, "idle")
}

func TestDebugSendCommand(t *testing.T) {
	e := newTestEnv(t, 1, Options{})
	e.connect(t, "/dev/ttyACM0")

	send := func(form url.Values, method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/debug/send-command", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		e.srv.debugSendCommand(w, req)
		return w
	}

	w := send(url.Values{"device_id": {dev0}, "command": {"*IDN?"}}, http.MethodPost)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "SIM-TTYACM0")

	w = send(url.Values{"device_id": {dev0}}, http.MethodPost)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(url.Values{"device_id": {"att-missing"}, "command": {"READ"}}, http.MethodPost)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send(url.Values{}, http.MethodGet)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDebugCompensationChart(t *testing.T) {
	e := newTestEnv(t, 0, Options{})

	w := httptest.NewRecorder()
	e.srv.debugCompensationChart(w, httptest.NewRequest(http.MethodGet, "/debug/compensation", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Minimum attenuation vs frequency")
	assert.Contains(t, w.Body.String(), "global")
}
