package market

import (
	"context"
	"time"
)

// Governor gates outbound marketplace calls. Acquire blocks until dispatch is
// safe; it fails only when the context ends. Response metadata and errors are
// reported back so the governor can adapt its delay.
type Governor interface {
	Acquire(ctx context.Context) error
	RecordResponse(meta RateLimitMeta)
	RecordError(status int, retryAfter time.Duration)
}

// ListingSource fetches one page of marketplace listings.
type ListingSource interface {
	Listings(ctx context.Context, query PageQuery) ([]ListingRecord, error)
}

// ListingStore is the operational persistence tier.
type ListingStore interface {
	// InsertListings writes a batch, skipping rows whose identity key already
	// exists. It reports how many rows were inserted vs. skipped by the
	// uniqueness constraint.
	InsertListings(ctx context.Context, batch []Listing) (inserted, conflicted int64, err error)
	// UpsertItems lazily creates catalog items on first sighting.
	UpsertItems(ctx context.Context, items []Item) (created int64, err error)
	// ListingKeys returns every persisted identity key for dedup preload.
	ListingKeys(ctx context.Context) ([]string, error)
	// ListingsSince returns rows collected strictly after since, oldest
	// first, capped at limit.
	ListingsSince(ctx context.Context, since time.Time, limit int) ([]Listing, error)
	// ItemsByKey resolves catalog items for the sync projection join.
	ItemsByKey(ctx context.Context, keys []string) (map[string]Item, error)
	// Checkpoint returns the sync watermark for the named target.
	Checkpoint(ctx context.Context, target string) (time.Time, error)
	// AdvanceCheckpoint raises the watermark; it never lowers it.
	AdvanceCheckpoint(ctx context.Context, target string, ts time.Time) error
	// Query runs a routed read against the operational store.
	Query(ctx context.Context, sql string, args ...any) (RowSet, error)
}

// AnalyticsStore is the analytical persistence tier.
type AnalyticsStore interface {
	// UpsertProjections bulk-writes denormalized rows keyed by listing id;
	// replaying a batch yields identical results.
	UpsertProjections(ctx context.Context, rows []AnalyticsRow) error
	// Query runs a routed aggregate read.
	Query(ctx context.Context, sql string, args ...any) (RowSet, error)
}

// Cache is the best-effort lookup tier fronting point reads. It is never
// authoritative; implementations should surface errors so callers can bypass
// silently.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Publisher pushes run summaries to an event topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
