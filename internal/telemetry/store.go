package telemetry

import "context"

// Store is the persistence contract of the ingestion pipeline and the read paths.
// Every write is a single transaction.
type Store interface {
	// SiteByUID returns ErrNotFound for unknown identifiers.
	SiteByUID(ctx context.Context, uid string) (Site, error)
	// ReadingByIdempotencyKey returns ErrNotFound when no reading carries key.
	ReadingByIdempotencyKey(ctx context.Context, key string) (Reading, error)
	// InsertReading returns ErrDuplicateKey when the idempotency key is already taken.
	InsertReading(ctx context.Context, r Reading) error
	// InsertReadings writes rs in one transaction: all rows persist or none do.
	InsertReadings(ctx context.Context, rs []Reading) error
	ListReadings(ctx context.Context, f ListFilter) ([]Reading, int, error)
	// LastReading returns the newest reading of a site by timestamp, or ErrNotFound.
	LastReading(ctx context.Context, siteID int64) (Reading, error)
	Ping(ctx context.Context) error
}

// Publisher receives every newly persisted reading.
type Publisher interface {
	Publish(r Reading)
}
