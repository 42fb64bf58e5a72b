package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sparing.org/internal/obs"
)

// ErrRateLimited is returned by Admit when the caller exhausted its window.
var ErrRateLimited = errors.New("ratelimit: too many requests")

// Controller guards the configured path prefixes with a Backend.
type Controller struct {
	backend  Backend
	prefixes []string
	now      func() time.Time
	logger   *slog.Logger
	retry    time.Duration

	rejectLog  rate.Sometimes
	failureLog rate.Sometimes
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLogger sets the logger used for throttled reject and backend failure lines.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryAfter sets the delay advertised to rejected clients.
func WithRetryAfter(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retry = d
		}
	}
}

// NewController returns a Controller applying backend to paths under prefixes.
func NewController(backend Backend, prefixes []string, opts ...Option) *Controller {
	c := &Controller{
		backend:    backend,
		now:        time.Now,
		logger:     slog.Default(),
		retry:      time.Minute,
		rejectLog:  rate.Sometimes{Interval: time.Second},
		failureLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		c.prefixes = append(c.prefixes, strings.TrimSuffix(p, "/"))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Applies reports whether path falls under a guarded prefix. Matching is by whole
// path segments, so "/ingest" guards "/ingest/bulk" but not "/ingestion".
func (c *Controller) Applies(path string) bool {
	for _, p := range c.prefixes {
		if p == "" || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// RetryAfter is how long a rejected client should wait before retrying.
func (c *Controller) RetryAfter() time.Duration { return c.retry }

// Admit counts one request for key. It returns ErrRateLimited when the window is
// full. Backend failures admit the request.
func (c *Controller) Admit(ctx context.Context, key string) error {
	if key == "" {
		key = "unknown"
	}
	ok, err := c.backend.Allow(ctx, key, c.now())
	if err != nil {
		c.failureLog.Do(func() {
			c.logger.WarnContext(ctx, "rate limit backend unavailable, admitting", slog.Any("error", err))
		})
		return nil
	}
	if !ok {
		obs.ObserveRateLimited()
		c.rejectLog.Do(func() {
			c.logger.InfoContext(ctx, "rate limited", slog.String("client", key))
		})
		return ErrRateLimited
	}
	return nil
}
