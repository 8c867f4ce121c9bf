// Package api exposes the attenuator controller over HTTP. Every response
// uses the envelope from internal/httputil.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/attenuator/internal/attenuator"
	"github.com/banshee-data/attenuator/internal/db"
)

const (
	// MinFrequency and MaxFrequency bound SetFrequency requests, in MHz.
	MinFrequency = 1.0
	MaxFrequency = 8000.0
)

// BindingStore is the subset of the bindings database used by the API.
type BindingStore interface {
	ListBindings(ctx context.Context) ([]db.DeviceBinding, error)
	UpsertBinding(ctx context.Context, b *db.DeviceBinding) error
	DeleteBinding(ctx context.Context, serial string) error
}

// Options configures a Server.
type Options struct {
	// Bindings enables the /api/bindings routes when set.
	Bindings BindingStore
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
	// CompensationDir confines binding files when set.
	CompensationDir string

	AllowedOrigins []string
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// JWTSecret enables HS256 bearer auth on mutating routes when set.
	JWTSecret string
}

// Server serves the controller API.
type Server struct {
	ctrl     *attenuator.Controller
	bindings BindingStore
	gatherer prometheus.Gatherer
	opts     Options

	limiter *rateLimiter
	now     func() time.Time
}

// NewServer returns a Server for ctrl.
func NewServer(ctrl *attenuator.Controller, opts Options) *Server {
	return &Server{
		ctrl:     ctrl,
		bindings: opts.Bindings,
		gatherer: opts.Gatherer,
		opts:     opts,
		limiter:  newRateLimiter(opts.RateLimit, opts.RateBurst, 10*time.Minute),
		now:      time.Now,
	}
}

// ServeMux returns the API routes without middleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scan_ports", s.scanPorts)
	mux.HandleFunc("/api/connect", s.connect)
	mux.HandleFunc("/api/disconnect", s.disconnect)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/devices/ids", s.listDeviceIDs)
	mux.HandleFunc("/api/set_attenuation", s.setAttenuation)
	mux.HandleFunc("/api/get_attenuation", s.getAttenuation)
	mux.HandleFunc("/api/attenuators/set", s.setDeviceAttenuation)
	mux.HandleFunc("/api/attenuators/{id}", s.getDeviceAttenuation)
	mux.HandleFunc("/api/attenuators/{id}/reconnect", s.reconnectDevice)
	mux.HandleFunc("/api/set_frequency", s.setFrequency)
	mux.HandleFunc("/api/get_frequency", s.getFrequency)
	mux.HandleFunc("/api/get_min_attenuation", s.getMinAttenuation)
	mux.HandleFunc("/api/get_attenuation_range", s.getAttenuationRange)
	mux.HandleFunc("/api/status", s.status)
	mux.HandleFunc("/api/version", s.showVersion)
	if s.bindings != nil {
		mux.HandleFunc("/api/bindings", s.bindingsCollection)
		mux.HandleFunc("/api/bindings/{serial}", s.deleteBinding)
	}
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.notFound)
	return mux
}

// Handler wraps mux with the request middleware chain. Pass the mux from
// ServeMux, optionally with admin routes attached.
func (s *Server) Handler(mux *http.ServeMux) http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	var h http.Handler = mux
	h = s.requireAuth(h)
	h = s.rateLimit(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})(h)
	h = middleware.Recoverer(h)
	h = zerologLogger(h)
	h = middleware.RealIP(h)
	h = middleware.RequestID(h)
	return h
}
