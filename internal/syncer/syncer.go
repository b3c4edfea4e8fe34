// Package syncer moves freshly collected listings from the operational store
// into the analytical store behind a persisted checkpoint.
package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/metrics"
)

// Config controls the sync loop.
type Config struct {
	// Target names the checkpoint row (default "clickhouse").
	Target string
	// Interval between iterations (default 5m).
	Interval time.Duration
	// BatchSize caps rows moved per iteration (default 1000).
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.Target == "" {
		c.Target = "clickhouse"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
}

// Syncer replays operational rows into the analytical projection. The
// checkpoint advances only after a batch lands, so every failure is replayed;
// the projection upsert is idempotent by listing id.
type Syncer struct {
	source market.ListingStore
	sink   market.AnalyticsStore
	clock  market.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Syncer.
func New(source market.ListingStore, sink market.AnalyticsStore, clock market.Clock, cfg Config, logger *zap.Logger) *Syncer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Syncer{
		source: source,
		sink:   sink,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run loops until the context finishes. A failed iteration logs a warning and
// defers to the next tick; cancellation is honored only between iterations.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		start := s.clock.Now()
		if rows, err := s.SyncOnce(ctx); err != nil {
			metrics.ObserveSyncFailure()
			s.logger.Warn("sync iteration failed, deferring",
				zap.String("target", s.cfg.Target),
				zap.Error(err),
			)
		} else if rows > 0 {
			s.logger.Info("sync batch landed",
				zap.String("target", s.cfg.Target),
				zap.Int("rows", rows),
				zap.Duration("dur", s.clock.Now().Sub(start)),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce moves one checkpointed batch and returns how many rows landed.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	checkpoint, err := s.source.Checkpoint(ctx, s.cfg.Target)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	listings, err := s.source.ListingsSince(ctx, checkpoint, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch listings since %s: %w", checkpoint.Format(time.RFC3339), err)
	}
	if len(listings) == 0 {
		return 0, nil
	}
	if len(listings) == s.cfg.BatchSize {
		listings = trimWatermarkTail(listings)
	}

	rows, watermark, err := s.project(ctx, listings)
	if err != nil {
		return 0, err
	}

	if err := s.sink.UpsertProjections(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert projections: %w", err)
	}
	if err := s.source.AdvanceCheckpoint(ctx, s.cfg.Target, watermark); err != nil {
		return 0, fmt.Errorf("advance checkpoint: %w", err)
	}

	metrics.ObserveSyncBatch(len(rows), watermark)
	return len(rows), nil
}

// trimWatermarkTail cuts a full batch at the last complete collected_at so
// rows sharing one timestamp never straddle a checkpoint: advancing past a
// partially read timestamp would exclude its remaining rows from every later
// window. The dropped tail is re-read next iteration. A batch holding a
// single timestamp passes through whole.
func trimWatermarkTail(listings []market.Listing) []market.Listing {
	last := listings[len(listings)-1].CollectedAt
	cut := len(listings)
	for cut > 0 && listings[cut-1].CollectedAt.Equal(last) {
		cut--
	}
	if cut == 0 {
		return listings
	}
	return listings[:cut]
}

// project joins each listing to its catalog item and reports the max
// collected_at as the next watermark.
func (s *Syncer) project(ctx context.Context, listings []market.Listing) ([]market.AnalyticsRow, time.Time, error) {
	keySet := make(map[string]struct{}, len(listings))
	keys := make([]string, 0, len(listings))
	for _, l := range listings {
		if l.ItemKey == "" {
			continue
		}
		if _, ok := keySet[l.ItemKey]; ok {
			continue
		}
		keySet[l.ItemKey] = struct{}{}
		keys = append(keys, l.ItemKey)
	}

	items, err := s.source.ItemsByKey(ctx, keys)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("resolve items: %w", err)
	}

	rows := make([]market.AnalyticsRow, 0, len(listings))
	var watermark time.Time
	for _, l := range listings {
		item := items[l.ItemKey]
		rows = append(rows, market.AnalyticsRow{
			ListingID:          l.ID,
			ItemKey:            l.ItemKey,
			ItemName:           item.Name,
			Category:           item.Category,
			Rarity:             item.Rarity,
			Price:              l.Price,
			Quality:            l.Quality,
			Status:             l.Status,
			SellerID:           l.Seller.SellerID,
			SellerTotalTrades:  l.Seller.TotalTrades,
			SellerFailedTrades: l.Seller.FailedTrades,
			CreatedAt:          l.CreatedAt,
			CollectedAt:        l.CollectedAt,
		})
		if l.CollectedAt.After(watermark) {
			watermark = l.CollectedAt
		}
	}
	return rows, watermark, nil
}
