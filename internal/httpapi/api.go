package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"sparing.org/internal/auth"
	"sparing.org/internal/obs"
	"sparing.org/internal/ratelimit"
	"sparing.org/internal/stream"
	"sparing.org/internal/telemetry"
)

const serviceName = "sparing-gateway"

// ReadyProbe reports whether the backing store can serve requests.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options carries the HTTP settings that are not collaborators.
type Options struct {
	Version      string
	MaxBodyBytes int64
	CORSOrigins  []string
	Production   bool
}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Auth      *auth.Service
	Pipeline  *telemetry.Pipeline
	Reader    *telemetry.Reader
	Devices   *telemetry.DeviceDecoder
	Stream    *stream.Hub
	Admission *ratelimit.Controller
	Ready     ReadyProbe
	Logger    *slog.Logger
}

// API is the HTTP layer of the gateway.
type API struct {
	auth      *auth.Service
	tokens    *auth.TokenService
	pipeline  *telemetry.Pipeline
	reader    *telemetry.Reader
	devices   *telemetry.DeviceDecoder
	stream    *stream.Hub
	admission *ratelimit.Controller
	ready     ReadyProbe
	logger    *slog.Logger
	validate  *validator.Validate
	opts      Options
}

// New wires the API. Auth, Pipeline and Reader are required. Devices, Stream,
// Admission and Ready may be nil, which disables device ingestion, SSE, rate
// limiting and the readiness check.
func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if deps.Pipeline == nil || deps.Reader == nil {
		return nil, errors.New("httpapi: telemetry pipeline and reader are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &API{
		auth:      deps.Auth,
		tokens:    deps.Auth.Tokens(),
		pipeline:  deps.Pipeline,
		reader:    deps.Reader,
		devices:   deps.Devices,
		stream:    deps.Stream,
		admission: deps.Admission,
		ready:     deps.Ready,
		logger:    deps.Logger,
		validate:  newValidator(),
		opts:      opts,
	}, nil
}

// Handler returns the routed handler with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		a.requestContext,
		middleware.RealIP,
		middleware.Recoverer,
		a.logRequests,
		a.instrument,
		a.securityHeaders(),
		a.corsHandler(),
		a.limitBody,
		a.admit,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Post("/auth/login", a.handleLogin)
	r.Post("/auth/refresh", a.handleRefresh)

	// Devices authenticate with the signed batch itself, not a bearer session.
	if a.devices != nil {
		r.Post("/api/post-data", a.handleDeviceData)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Post("/auth/logout", a.handleLogout)
		r.Get("/auth/me", a.handleMe)

		r.Post("/ingest/state", a.handleIngestState)
		r.Post("/ingest/bulk", a.handleIngestBulk)

		r.Get("/data", a.handleListData)
		r.Get("/data/last", a.handleLastData)
		r.Get("/data/stream", a.Stream)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
