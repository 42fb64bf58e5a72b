package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sparing.org/internal/ids"
)

// Outcome of one ingestion attempt.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Entry is one append-only record of an ingestion attempt.
type Entry struct {
	ID            string
	RequestID     string
	SourceAddress string
	UserID        string
	Role          string
	SiteUID       string
	ReadingID     string
	Outcome       Outcome
	Error         string
	At            time.Time
}

// Sink persists audit entries. Implementations must never update or delete.
type Sink interface {
	AppendIngestAudit(ctx context.Context, e Entry) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder stamps entries, appends them to a Sink and mirrors each one as an
// "audit" log line.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the entry timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithLogger sets the logger receiving the audit lines.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder builds a Recorder writing to sink.
func NewRecorder(sink Sink, opts ...Option) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	r := &Recorder{sink: sink, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record fills ID, RequestID and At when empty, then appends e to the sink.
// The log line is written even when the sink fails.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.At)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}

	err := r.sink.AppendIngestAudit(ctx, e)

	attrs := []any{
		slog.String("type", "audit"),
		slog.String("event", "ingest"),
		slog.String("audit_id", e.ID),
		slog.String("outcome", string(e.Outcome)),
		slog.String("source", e.SourceAddress),
		slog.String("user_id", e.UserID),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.SiteUID != "" {
		attrs = append(attrs, slog.String("site_uid", e.SiteUID))
	}
	if e.ReadingID != "" {
		attrs = append(attrs, slog.String("reading_id", e.ReadingID))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("sink_error", err))
		r.logger.ErrorContext(ctx, "audit", attrs...)
		return e, err
	}
	r.logger.InfoContext(ctx, "audit", attrs...)
	return e, nil
}

var _ Sink = (*MemorySink)(nil)

// MemorySink keeps entries in process memory, in append order.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) AppendIngestAudit(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
