package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"sparing.org/internal/audit"
	"sparing.org/internal/auth"
	"sparing.org/internal/ids"
	"sparing.org/internal/obs"
)

const (
	// DefaultMaxBatch bounds IngestBulk.
	DefaultMaxBatch = 1000
	// MaxIdempotencyKeyLen matches the width of the store column.
	MaxIdempotencyKeyLen = 64

	sourceAPI = "api"
)

// Pipeline turns submitted readings into persisted, audited rows.
type Pipeline struct {
	store     Store
	recorder  *audit.Recorder
	validate  *validator.Validate
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	maxBatch  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher forwards every new reading to p.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// WithClock overrides the time source used for defaults and ids.
func WithClock(fn func() time.Time) Option {
	return func(pl *Pipeline) {
		if fn != nil {
			pl.now = fn
		}
	}
}

// WithMaxBatch overrides DefaultMaxBatch.
func WithMaxBatch(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.maxBatch = n
		}
	}
}

// NewPipeline wires a pipeline over store, auditing through recorder.
func NewPipeline(store Store, recorder *audit.Recorder, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("telemetry: store is required")
	}
	if recorder == nil {
		return nil, errors.New("telemetry: audit recorder is required")
	}
	p := &Pipeline{
		store:    store,
		recorder: recorder,
		validate: newValidator(),
		logger:   slog.Default(),
		now:      time.Now,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MaxBatch reports the bulk bound in effect.
func (p *Pipeline) MaxBatch() int { return p.maxBatch }

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Ingest runs one reading through site resolution, authorization, range checks,
// deduplication and persistence. Every call is audited, whatever the outcome.
// A repeated idempotency key is a success that returns the original id.
func (p *Pipeline) Ingest(ctx context.Context, principal auth.Principal, source string, in ReadingInput) (res Result, err error) {
	entry := audit.Entry{
		SourceAddress: source,
		UserID:        principal.UserID,
		Role:          string(principal.Role),
		SiteUID:       in.SiteUID,
	}
	defer func() { p.finish(ctx, entry, res, err) }()

	site, err := p.resolveSite(ctx, in.SiteUID)
	if err != nil {
		return Result{}, err
	}
	if err := auth.RequireWriter(principal); err != nil {
		return Result{}, err
	}
	if err := auth.AuthorizeTarget(principal, site.UID); err != nil {
		return Result{}, err
	}
	if err := p.checkRanges(in.Measurements); err != nil {
		return Result{}, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > MaxIdempotencyKeyLen {
		return Result{}, fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidInput, MaxIdempotencyKeyLen)
	}
	if key != "" {
		existing, err := p.store.ReadingByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			return Result{ID: existing.ID, Replayed: true}, nil
		case !errors.Is(err, ErrNotFound):
			return Result{}, unavailable("idempotency lookup", err)
		}
	}

	now := p.now().UTC()
	ts := now
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		ts = in.Timestamp.UTC()
	}
	reading := Reading{
		ID:             ids.NewAt(now),
		SiteID:         site.ID,
		SiteUID:        site.UID,
		DeviceID:       in.DeviceID,
		Timestamp:      ts,
		Measurements:   in.Measurements,
		Payload:        in.Payload,
		Source:         sourceAPI,
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	if err := p.store.InsertReading(ctx, reading); err != nil {
		if key == "" || !errors.Is(err, ErrDuplicateKey) {
			return Result{}, unavailable("insert reading", err)
		}
		// Lost a race with a concurrent insert of the same key.
		existing, ferr := p.store.ReadingByIdempotencyKey(ctx, key)
		if ferr != nil {
			return Result{}, unavailable("idempotency refetch", ferr)
		}
		return Result{ID: existing.ID, Replayed: true}, nil
	}

	entry.ReadingID = reading.ID
	if p.publisher != nil {
		p.publisher.Publish(reading)
	}
	return Result{ID: reading.ID}, nil
}

// IngestBulk ingests items sequentially in input order and returns one outcome per
// item. A failing item never aborts the batch. If ctx ends mid-way the remaining
// items are reported as failed and items already persisted stay persisted.
func (p *Pipeline) IngestBulk(ctx context.Context, principal auth.Principal, source string, items []ReadingInput) ([]ItemOutcome, error) {
	if len(items) > p.maxBatch {
		return nil, fmt.Errorf("%w: %d items (max %d)", ErrBatchTooLarge, len(items), p.maxBatch)
	}
	out := make([]ItemOutcome, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			out[i] = ItemOutcome{Error: err.Error()}
			continue
		}
		res, err := p.Ingest(ctx, principal, source, item)
		if err != nil {
			out[i] = ItemOutcome{Error: ItemError(err)}
			continue
		}
		out[i] = ItemOutcome{OK: true, ID: res.ID, Replayed: res.Replayed}
	}
	return out, nil
}

// ItemError renders err as the reason shown to API callers.
func ItemError(err error) string {
	var rangeErr *RangeError
	switch {
	case errors.As(err, &rangeErr):
		return rangeErr.Error()
	case errors.Is(err, ErrNotFound):
		return "site not found"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unknown site uid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store unavailable"
	default:
		return strings.TrimPrefix(err.Error(), "telemetry: ")
	}
}

func (p *Pipeline) resolveSite(ctx context.Context, uid string) (Site, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Site{}, fmt.Errorf("%w: site_uid is empty", ErrNotFound)
	}
	site, err := p.store.SiteByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Site{}, fmt.Errorf("%w: site %q", ErrNotFound, uid)
		}
		return Site{}, unavailable("site lookup", err)
	}
	return site, nil
}

// checkRanges returns a *RangeError for the first field, in declaration order,
// that violates its bounds.
func (p *Pipeline) checkRanges(m Measurements) error {
	err := p.validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &RangeError{Field: fe.Field(), Rule: fe.Tag() + "=" + fe.Param()}
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

func (p *Pipeline) finish(ctx context.Context, entry audit.Entry, res Result, err error) {
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		entry.Outcome = audit.OutcomeError
		entry.Error = ItemError(err)
		obs.ObserveIngest(string(audit.OutcomeError), false)
		if errors.Is(err, ErrStoreUnavailable) {
			p.logger.ErrorContext(ctx, "ingest failed", slog.String("site_uid", entry.SiteUID), slog.Any("error", err))
		}
	} else {
		entry.Outcome = audit.OutcomeOK
		if entry.ReadingID == "" {
			entry.ReadingID = res.ID
		}
		obs.ObserveIngest(string(audit.OutcomeOK), res.Replayed)
	}
	if _, aerr := p.recorder.Record(ctx, entry); aerr != nil {
		p.logger.ErrorContext(ctx, "audit append failed",
			slog.String("site_uid", entry.SiteUID),
			slog.String("outcome", string(entry.Outcome)),
			slog.Any("error", aerr))
	}
}
