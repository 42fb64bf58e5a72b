package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/obs"
	"sparing.org/internal/ratelimit"
	"sparing.org/internal/stream"
	"sparing.org/internal/telemetry"
)

const (
	testPassword     = "s3cret-pass"
	testDeviceSecret = "device-secret-0123"
)

var (
	hashOnce sync.Once
	testHash string
)

func passwordHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		testHash = h
	})
	return testHash
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	t           *testing.T
	baseURL     string
	client      *http.Client
	store       *telemetry.InMemory
	sink        *audit.MemorySink
	hub         *stream.Hub
	revoked     *auth.MemoryRevocations
	revokedDown *atomic.Bool
}

// switchableRevocations fails every call while down is set.
type switchableRevocations struct {
	*auth.MemoryRevocations
	down *atomic.Bool
}

var errRevocationsDown = errors.New("revocation backend down")

func (s switchableRevocations) Revoke(ctx context.Context, tok auth.RevokedToken) error {
	if s.down.Load() {
		return errRevocationsDown
	}
	return s.MemoryRevocations.Revoke(ctx, tok)
}

func (s switchableRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s.down.Load() {
		return false, errRevocationsDown
	}
	return s.MemoryRevocations.IsRevoked(ctx, tokenID)
}

type envConfig struct {
	rateLimit int
	maxBatch  int
	ready     ReadyProbe
}

func newTestEnv(t *testing.T, mutate ...func(*envConfig)) *testEnv {
	t.Helper()
	cfg := envConfig{rateLimit: 1000, maxBatch: 10}
	for _, m := range mutate {
		m(&cfg)
	}

	store := telemetry.NewInMemory()
	store.AddSite("SITE-A", "Outfall A")
	store.AddSite("SITE-B", "Outfall B")

	hash := passwordHash(t)
	users := auth.NewMemoryDirectory()
	users.Put(auth.User{ID: "u-admin", Email: "admin@example.org", PasswordHash: hash, Role: auth.RoleAdmin, Active: true})
	users.Put(auth.User{ID: "u-op", Email: "operator@example.org", PasswordHash: hash, Role: auth.RoleOperator, Active: true})
	users.Put(auth.User{ID: "u-viewer", Email: "viewer@example.org", PasswordHash: hash, Role: auth.RoleViewer, Active: true}, "SITE-A")

	revoked := auth.NewMemoryRevocations()
	down := &atomic.Bool{}
	tokens, err := auth.NewTokenService("test-secret-0123456789", switchableRevocations{MemoryRevocations: revoked, down: down})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc, err := auth.NewService(tokens, users)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	sink := audit.NewMemorySink()
	rec, err := audit.NewRecorder(sink, audit.WithLogger(obs.Discard()))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	hub := stream.New()
	pipeline, err := telemetry.NewPipeline(store, rec,
		telemetry.WithPublisher(hub),
		telemetry.WithLogger(obs.Discard()),
		telemetry.WithMaxBatch(cfg.maxBatch),
	)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	admission := ratelimit.NewController(
		ratelimit.NewWindow(cfg.rateLimit, time.Minute),
		[]string{"/ingest"},
		ratelimit.WithLogger(obs.Discard()),
	)

	devices, err := telemetry.NewDeviceDecoder(testDeviceSecret, nil)
	if err != nil {
		t.Fatalf("NewDeviceDecoder: %v", err)
	}

	ready := cfg.ready
	if ready == nil {
		ready = store
	}
	api, err := New(Deps{
		Auth:      svc,
		Pipeline:  pipeline,
		Reader:    telemetry.NewReader(store),
		Stream:    hub,
		Devices:   devices,
		Admission: admission,
		Ready:     ready,
		Logger:    obs.Discard(),
	}, Options{Version: "test", CORSOrigins: []string{"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:           t,
		baseURL:     srv.URL,
		client:      srv.Client(),
		store:       store,
		sink:        sink,
		hub:         hub,
		revoked:     revoked,
		revokedDown: down,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	e.t.Helper()
	var payload io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		payload = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		if err := json.Unmarshal(raw, &out); err != nil {
			e.t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) login(email string) (access, refresh string) {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": testPassword}, nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %v", email, resp.StatusCode, body)
	}
	access, _ = body["access_token"].(string)
	refresh, _ = body["refresh_token"].(string)
	if access == "" || refresh == "" {
		e.t.Fatalf("login %s: missing tokens in %v", email, body)
	}
	return access, refresh
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers, got %v", resp.Header)
	}

	resp, body = env.do(http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", resp.StatusCode, body)
	}
}

func TestReadinessFailsWhenStoreDown(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.ready = pingFunc(func(context.Context) error { return errors.New("db down") })
	})

	resp, body := env.do(http.MethodGet, "/readyz", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["error"] == nil || body["request_id"] == nil {
		t.Fatalf("expected error body with request_id, got %v", body)
	}

	resp, _ = env.do(http.MethodGet, "/ingest/state", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.baseURL+"/ingest/state", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
