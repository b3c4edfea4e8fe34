package market

import (
	"errors"
	"time"
)

// SortOrder selects one of the marketplace search orderings.
type SortOrder string

// Sort orders accepted by the marketplace list endpoint.
const (
	SortRecency     SortOrder = "recency"
	SortPriceAsc    SortOrder = "price_asc"
	SortPriceDesc   SortOrder = "price_desc"
	SortQualityAsc  SortOrder = "quality_asc"
	SortQualityDesc SortOrder = "quality_desc"
)

// MaxPageLimit is the largest page size the marketplace API accepts.
const MaxPageLimit = 50

// CollectionStrategy is one partition of the marketplace query space: a sort
// order plus optional filter bounds. Running several strategies maximizes
// coverage under the per-call result limit.
type CollectionStrategy struct {
	Name       string
	Sort       SortOrder
	Category   int
	MinPrice   int64
	MaxPrice   int64
	MinQuality *float64
	MaxQuality *float64
}

// PageQuery is a single paginated list call derived from a strategy.
type PageQuery struct {
	Strategy CollectionStrategy
	Page     int
	Limit    int
}

// SellerSnapshot captures the seller reputation fields shipped with a
// listing, frozen at collection time.
type SellerSnapshot struct {
	SellerID           string `json:"seller_id"`
	TotalTrades        int    `json:"total_trades"`
	VerifiedTrades     int    `json:"verified_trades"`
	FailedTrades       int    `json:"failed_trades"`
	MedianTradeSeconds int64  `json:"median_trade_seconds"`
}

// ItemRecord is the catalog entity embedded in an API listing payload.
type ItemRecord struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Category int    `json:"category"`
	Rarity   string `json:"rarity"`
}

// ListingRecord is one marketplace listing as returned by the list endpoint.
type ListingRecord struct {
	ID        string         `json:"id"`
	Price     int64          `json:"price"`
	Quality   float64        `json:"quality"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Item      ItemRecord     `json:"item"`
	Seller    SellerSnapshot `json:"seller"`
}

// ErrMissingIdentity marks records without an identity key; such records are
// dropped and counted, never retried.
var ErrMissingIdentity = errors.New("record has no identity key")

// Validate reports whether the record carries the fields the core needs.
func (r ListingRecord) Validate() error {
	if r.ID == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Listing is the operational row persisted for each ingested record. It is
// immutable once written except for status/last-seen updates.
type Listing struct {
	ID          string
	ItemKey     string
	Price       int64
	Quality     float64
	Status      string
	CreatedAt   time.Time
	CollectedAt time.Time
	Seller      SellerSnapshot
}

// Item is the stable catalog entity referenced by listings; created lazily on
// first sighting.
type Item struct {
	Key      string
	Name     string
	Category int
	Rarity   string
}

// AnalyticsRow is the denormalized projection written to the analytical
// store, keyed by the same identity key as the operational listing.
type AnalyticsRow struct {
	ListingID          string
	ItemKey            string
	ItemName           string
	Category           int
	Rarity             string
	Price              int64
	Quality            float64
	Status             string
	SellerID           string
	SellerTotalTrades  int
	SellerFailedTrades int
	CreatedAt          time.Time
	CollectedAt        time.Time
}

// RateLimitMeta carries the rate-limit signals extracted from one marketplace
// response. HasUsage is set when both limit and remaining were present; a
// zero Reset and zero RetryAfter mean the respective signal was absent.
type RateLimitMeta struct {
	Limit      int
	Remaining  int
	HasUsage   bool
	Reset      time.Time
	RetryAfter time.Duration
}

// Row is a single routed query result row keyed by column name.
type Row map[string]any

// RowSet is the row-set shape returned by the unified query interface.
type RowSet []Row

// RunCounters accumulates ingest statistics for one run or one strategy.
type RunCounters struct {
	Requests     int64 `json:"requests"`
	FailedPages  int64 `json:"failed_pages"`
	Pages        int64 `json:"pages"`
	EmptyPages   int64 `json:"empty_pages"`
	NewListings  int64 `json:"new_listings"`
	NewItems     int64 `json:"new_items"`
	Duplicates   int64 `json:"duplicates"`
	Malformed    int64 `json:"malformed"`
	Conflicts    int64 `json:"conflicts"`
	BatchRetries int64 `json:"batch_retries"`
}

// Add accumulates other into c.
func (c *RunCounters) Add(other RunCounters) {
	c.Requests += other.Requests
	c.FailedPages += other.FailedPages
	c.Pages += other.Pages
	c.EmptyPages += other.EmptyPages
	c.NewListings += other.NewListings
	c.NewItems += other.NewItems
	c.Duplicates += other.Duplicates
	c.Malformed += other.Malformed
	c.Conflicts += other.Conflicts
	c.BatchRetries += other.BatchRetries
}

// StrategyReport summarizes one strategy's sweep.
type StrategyReport struct {
	Strategy string      `json:"strategy"`
	Counters RunCounters `json:"counters"`
	Err      string      `json:"error,omitempty"`
}

// RunReport is the final summary for one orchestrator run.
type RunReport struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Strategies []StrategyReport `json:"strategies"`
	Totals     RunCounters      `json:"totals"`
}
