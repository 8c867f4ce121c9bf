package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/banshee-data/attenuator/internal/attenuator"
	"github.com/banshee-data/attenuator/internal/db"
	"github.com/banshee-data/attenuator/internal/httputil"
	"github.com/banshee-data/attenuator/internal/security"
	"github.com/banshee-data/attenuator/internal/version"
)

const maxBodyBytes = 1 << 20

type connectRequest struct {
	Ports []string `json:"ports"`
}

type attenuationRequest struct {
	Value *float64 `json:"value"`
}

type deviceAttenuationRequest struct {
	DeviceID string   `json:"device_id"`
	Value    *float64 `json:"value"`
}

type frequencyRequest struct {
	Frequency *float64 `json:"frequency"`
}

// deviceResult is the per-device entry of batch responses.
type deviceResult struct {
	Port    string   `json:"port"`
	Success bool     `json:"success"`
	Value   *float64 `json:"value"`
	Error   string   `json:"error,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		httputil.MethodNotAllowed(w)
		return false
	}
	return true
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	httputil.NotFound(w, "endpoint not found")
}

func (s *Server) scanPorts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ports, err := s.ctrl.ScanPortDetails()
	if err != nil {
		log.Error().Err(err).Msg("port scan failed")
		httputil.InternalServerError(w, fmt.Sprintf("failed to scan ports: %v", err))
		return
	}
	httputil.WriteSuccess(w, fmt.Sprintf("found %d serial ports", len(ports)),
		map[string]any{"ports": ports})
}

type connectEntry struct {
	DeviceID  string `json:"device_id,omitempty"`
	Serial    string `json:"serial,omitempty"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// connect replaces the registry with the requested ports.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(req.Ports) == 0 {
		httputil.BadRequest(w, "ports must not be empty")
		return
	}

	s.ctrl.DisconnectAll()
	results := s.ctrl.Connect(r.Context(), req.Ports)

	devices := make(map[string]connectEntry, len(results))
	connected := 0
	for port, res := range results {
		entry := connectEntry{DeviceID: res.DeviceID, Serial: res.Serial, Connected: res.Err == nil}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		} else {
			connected++
		}
		devices[port] = entry
	}

	env := httputil.Envelope{
		Success: connected > 0,
		Message: fmt.Sprintf("connected %d/%d devices", connected, len(results)),
		Data:    map[string]any{"devices": devices},
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.ctrl.DisconnectAll()
	httputil.WriteSuccess(w, "all devices disconnected", nil)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	devices := s.ctrl.Status()
	httputil.WriteSuccess(w, fmt.Sprintf("%d devices", len(devices)),
		map[string]any{"devices": devices})
}

func (s *Server) listDeviceIDs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ids := s.ctrl.DeviceIDs()
	httputil.WriteSuccess(w, fmt.Sprintf("%d device ids", len(ids)),
		map[string]any{"device_ids": ids})
}

func batchResults(results map[string]attenuator.DeviceResult) (map[string]deviceResult, int) {
	out := make(map[string]deviceResult, len(results))
	ok := 0
	for id, res := range results {
		entry := deviceResult{Port: res.Port, Success: res.OK()}
		if res.OK() {
			v := res.Value
			entry.Value = &v
			ok++
		} else {
			entry.Error = res.Err.Error()
		}
		out[id] = entry
	}
	return out, ok
}

func (s *Server) setAttenuation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req attenuationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Value == nil {
		httputil.BadRequest(w, "value is required")
		return
	}

	results, err := s.ctrl.SetAttenuation(*req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, ok := batchResults(results)
	env := httputil.Envelope{
		Success: ok > 0,
		Message: fmt.Sprintf("set %d/%d devices", ok, len(results)),
		Data: map[string]any{
			"target_value":    *req.Value,
			"results":         entries,
			"min_attenuation": s.ctrl.Frequency().MinAttenuation,
		},
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

func (s *Server) getAttenuation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	results, err := s.ctrl.GetAttenuation()
	if err != nil {
		writeError(w, err)
		return
	}
	entries, ok := batchResults(results)
	values := make(map[string]*float64, len(entries))
	for id, e := range entries {
		values[id] = e.Value
	}
	env := httputil.Envelope{
		Success: ok > 0,
		Message: fmt.Sprintf("read %d/%d devices", ok, len(results)),
		Data:    map[string]any{"attenuations": values, "results": entries},
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

func (s *Server) setDeviceAttenuation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req deviceAttenuationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" || req.Value == nil {
		httputil.BadRequest(w, "device_id and value are required")
		return
	}

	if err := s.ctrl.SetDeviceAttenuation(req.DeviceID, *req.Value); err != nil {
		writeError(w, err)
		return
	}
	data := map[string]any{"device_id": req.DeviceID, "target_value": *req.Value}

	current, err := s.ctrl.GetDeviceAttenuation(req.DeviceID)
	if err != nil {
		httputil.WriteJSONErrorData(w, statusFor(err),
			fmt.Sprintf("device %s was set but did not report its value: %v", req.DeviceID, err), data)
		return
	}
	data["current_value"] = current
	httputil.WriteSuccess(w, fmt.Sprintf("device %s set", req.DeviceID), data)
}

func (s *Server) getDeviceAttenuation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	value, err := s.ctrl.GetDeviceAttenuation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, fmt.Sprintf("read device %s", id),
		map[string]any{"device_id": id, "current_attenuation": value})
}

func (s *Server) reconnectDevice(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	if err := s.ctrl.Reconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, fmt.Sprintf("device %s reconnected", id),
		map[string]any{"device_id": id})
}

func (s *Server) setFrequency(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req frequencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Frequency == nil {
		httputil.BadRequest(w, "frequency is required")
		return
	}
	f := *req.Frequency
	if !(f >= MinFrequency && f <= MaxFrequency) {
		writeError(w, fmt.Errorf("%w: must be between %g and %g MHz", attenuator.ErrInvalidFrequency, MinFrequency, MaxFrequency))
		return
	}

	if err := s.ctrl.SetFrequency(f); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, fmt.Sprintf("frequency set to %g MHz", f), s.ctrl.Frequency())
}

func (s *Server) getFrequency(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteSuccess(w, "", map[string]any{"frequency": s.ctrl.Frequency().Frequency})
}

func (s *Server) getMinAttenuation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteSuccess(w, "", s.ctrl.Frequency())
}

func (s *Server) getAttenuationRange(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rng := s.ctrl.AttenuationRange()
	httputil.WriteSuccess(w, "", map[string]any{
		"min_attenuation": rng.Min,
		"max_attenuation": rng.Max,
		"frequency":       rng.Frequency,
		"range_text":      fmt.Sprintf("%.2f - %.1f dB", rng.Min, rng.Max),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	var connected []string
	for _, d := range s.ctrl.Status() {
		if d.State.Connected() {
			connected = append(connected, d.DeviceID)
		}
	}
	sort.Strings(connected)
	if connected == nil {
		connected = []string{}
	}
	fs := s.ctrl.Frequency()
	httputil.WriteSuccess(w, "", map[string]any{
		"connected_devices": len(connected),
		"device_list":       connected,
		"current_frequency": fs.Frequency,
		"min_attenuation":   fs.MinAttenuation,
		"available_ports":   s.ctrl.KnownPorts(),
		"version":           version.Get().Version,
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteSuccess(w, "", version.Get())
}

func (s *Server) bindingsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bindings, err := s.bindings.ListBindings(r.Context())
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list bindings: %v", err))
			return
		}
		httputil.WriteSuccess(w, fmt.Sprintf("%d bindings", len(bindings)),
			map[string]any{"bindings": bindings})
	case http.MethodPost:
		var b db.DeviceBinding
		if err := decodeJSON(w, r, &b); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := b.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if _, err := security.ResolveWithin(s.opts.CompensationDir, b.CompensationFile); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.bindings.UpsertBinding(r.Context(), &b); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to save binding: %v", err))
			return
		}
		s.ctrl.RefreshTables(r.Context())
		httputil.WriteSuccess(w, fmt.Sprintf("binding for %s saved", b.SerialNumber), b)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) deleteBinding(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}
	serial := r.PathValue("serial")
	if err := s.bindings.DeleteBinding(r.Context(), serial); err != nil {
		if errors.Is(err, db.ErrBindingNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to delete binding: %v", err))
		return
	}
	s.ctrl.RefreshTables(r.Context())
	httputil.WriteSuccess(w, fmt.Sprintf("binding for %s deleted", serial), nil)
}
