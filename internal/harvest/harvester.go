// Package harvest runs multi-strategy marketplace collection sweeps.
package harvest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skinpulse/harvester/internal/client"
	"github.com/skinpulse/harvester/internal/dedup"
	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/metrics"
	"github.com/skinpulse/harvester/internal/progress"
	"github.com/skinpulse/harvester/internal/router"
)

// Config controls Harvester behavior.
type Config struct {
	// BatchSize is the listing count that triggers a mid-strategy flush
	// (default 100).
	BatchSize int
	// MaxPages caps pagination per strategy (default 50).
	MaxPages int
	// EmptyStreakLimit ends a strategy after this many consecutive empty
	// pages (default 5).
	EmptyStreakLimit int
	// PageLimit is the per-page record count requested from the
	// marketplace, capped at the API maximum (default the maximum).
	PageLimit int
	// Concurrency bounds how many strategies sweep at once (default 2).
	Concurrency int
	// SummaryTopic, when set, receives the final run report.
	SummaryTopic string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.EmptyStreakLimit <= 0 {
		c.EmptyStreakLimit = 5
	}
	if c.PageLimit <= 0 || c.PageLimit > market.MaxPageLimit {
		c.PageLimit = market.MaxPageLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
}

// Harvester sweeps the marketplace with a set of collection strategies and
// stages new listings into the persistence router.
type Harvester struct {
	source    market.ListingSource
	router    *router.Router
	seen      *dedup.Set
	publisher market.Publisher
	clock     market.Clock
	emitter   progress.Emitter
	retry     RetryPolicy
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	pending batch
}

// New constructs a Harvester. The dedup set should be preloaded with the
// persisted identity keys before the first run.
func New(
	source market.ListingSource,
	rt *router.Router,
	seen *dedup.Set,
	publisher market.Publisher,
	clock market.Clock,
	emitter progress.Emitter,
	retry RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Harvester {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy()
	}
	metrics.Init()
	return &Harvester{
		source:    source,
		router:    rt,
		seen:      seen,
		publisher: publisher,
		clock:     clock,
		emitter:   emitter,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run sweeps every strategy, bounded by the configured concurrency, and
// returns the aggregated report. One strategy failing never halts the others;
// the only terminal error is context cancellation.
func (h *Harvester) Run(ctx context.Context, strategies []market.CollectionStrategy) (market.RunReport, error) {
	runID := uuid.New()
	started := h.clock.Now()
	h.emit(progress.Event{RunID: progress.UUIDToBytes(runID), TS: started, Stage: progress.StageRunStart})
	h.logger.Info("harvest run starting",
		zap.String("run_id", runID.String()),
		zap.Int("strategies", len(strategies)),
	)

	requeued, hasRequeued := h.flushPending(ctx, runID)

	reports := make([]market.StrategyReport, len(strategies))
	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, strategy := range strategies {
		wg.Add(1)
		go func(i int, strategy market.CollectionStrategy) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				reports[i] = market.StrategyReport{Strategy: strategy.Name, Err: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()
			reports[i] = h.runStrategy(ctx, runID, strategy)
		}(i, strategy)
	}
	wg.Wait()

	finished := h.clock.Now()
	report := market.RunReport{
		RunID:      runID.String(),
		StartedAt:  started,
		FinishedAt: finished,
		Strategies: reports,
	}
	if hasRequeued {
		report.Strategies = append([]market.StrategyReport{requeued}, reports...)
	}
	for _, sr := range report.Strategies {
		report.Totals.Add(sr.Counters)
	}

	h.publishSummary(ctx, report)
	h.emit(progress.Event{
		RunID:      progress.UUIDToBytes(runID),
		TS:         finished,
		Stage:      progress.StageRunDone,
		Records:    report.Totals.NewListings,
		Duplicates: report.Totals.Duplicates,
		Dur:        finished.Sub(started),
	})
	h.logger.Info("harvest run finished",
		zap.String("run_id", runID.String()),
		zap.Int64("new_listings", report.Totals.NewListings),
		zap.Int64("new_items", report.Totals.NewItems),
		zap.Int64("duplicates", report.Totals.Duplicates),
		zap.Int64("malformed", report.Totals.Malformed),
		zap.Int64("pages", report.Totals.Pages),
		zap.Duration("dur", finished.Sub(started)),
	)
	return report, ctx.Err()
}

func (h *Harvester) runStrategy(ctx context.Context, runID uuid.UUID, strategy market.CollectionStrategy) market.StrategyReport {
	var (
		counters market.RunCounters
		staged   batch
		lastErr  error
	)
	emptyStreak := 0

	for page := 1; page <= h.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		records, err := h.fetchPage(ctx, strategy, page, &counters)
		if err != nil {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			counters.FailedPages++
			metrics.ObservePage(strategy.Name, "failed")
			h.logger.Warn("page fetch failed, skipping",
				zap.String("strategy", strategy.Name),
				zap.Int("page", page),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		counters.Pages++
		if len(records) == 0 {
			counters.EmptyPages++
			emptyStreak++
			metrics.ObservePage(strategy.Name, "empty")
			if emptyStreak >= h.cfg.EmptyStreakLimit {
				break
			}
			continue
		}
		emptyStreak = 0
		metrics.ObservePage(strategy.Name, "ok")

		collectedAt := h.clock.Now()
		for _, rec := range records {
			h.stageRecord(rec, collectedAt, &staged, &counters, strategy.Name)
		}
		h.emit(progress.Event{
			RunID:    progress.UUIDToBytes(runID),
			TS:       collectedAt,
			Stage:    progress.StagePageDone,
			Strategy: strategy.Name,
			Page:     page,
			Records:  int64(len(records)),
		})

		if staged.size() >= h.cfg.BatchSize {
			if err := h.flush(ctx, runID, strategy.Name, &staged, &counters); err != nil {
				lastErr = err
			}
		}
	}

	if staged.size() > 0 {
		if err := h.flush(ctx, runID, strategy.Name, &staged, &counters); err != nil {
			lastErr = err
			h.stash(&staged)
		}
	}

	h.emit(progress.Event{
		RunID:      progress.UUIDToBytes(runID),
		TS:         h.clock.Now(),
		Stage:      progress.StageStrategyDone,
		Strategy:   strategy.Name,
		Records:    counters.NewListings,
		Duplicates: counters.Duplicates,
	})

	report := market.StrategyReport{Strategy: strategy.Name, Counters: counters}
	if lastErr != nil {
		report.Err = lastErr.Error()
	}
	return report
}

// fetchPage runs one paginated list call under the retry policy. Throttled
// responses retry without consuming an attempt; the governor has already
// scheduled the wait.
func (h *Harvester) fetchPage(ctx context.Context, strategy market.CollectionStrategy, page int, counters *market.RunCounters) ([]market.ListingRecord, error) {
	query := market.PageQuery{Strategy: strategy, Page: page, Limit: h.cfg.PageLimit}
	attempt := 0
	for {
		counters.Requests++
		records, err := h.source.Listings(ctx, query)
		if err == nil {
			return records, nil
		}
		if errors.Is(err, client.ErrThrottled) {
			continue
		}
		if !h.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.retry.Backoff(attempt)):
		}
		attempt++
	}
}

// stageRecord validates, dedups and stages one marketplace record.
func (h *Harvester) stageRecord(rec market.ListingRecord, collectedAt time.Time, staged *batch, counters *market.RunCounters, strategy string) {
	if err := rec.Validate(); err != nil {
		counters.Malformed++
		metrics.ObserveRecord(strategy, "malformed")
		return
	}
	if !h.seen.MarkSeen(rec.ID) {
		counters.Duplicates++
		metrics.ObserveRecord(strategy, "duplicate")
		return
	}
	staged.add(rec, collectedAt)
	metrics.ObserveRecord(strategy, "new")
}

// flush pushes the staged batch through the router. Store conflicts count as
// duplicates, never as errors. On failure the batch stays staged for the next
// flush.
func (h *Harvester) flush(ctx context.Context, runID uuid.UUID, strategy string, staged *batch, counters *market.RunCounters) error {
	start := h.clock.Now()
	res, err := h.router.FlushBatch(ctx, staged.listings, staged.itemSlice())
	if err != nil {
		counters.BatchRetries++
		h.logger.Warn("batch flush failed, re-queueing",
			zap.String("strategy", strategy),
			zap.Int("staged", staged.size()),
			zap.Error(err),
		)
		return err
	}

	counters.NewListings += res.Inserted
	counters.NewItems += res.NewItems
	counters.Conflicts += res.Conflicted
	counters.Duplicates += res.Conflicted
	h.emit(progress.Event{
		RunID:      progress.UUIDToBytes(runID),
		TS:         h.clock.Now(),
		Stage:      progress.StageFlushDone,
		Strategy:   strategy,
		Records:    res.Inserted,
		Duplicates: res.Conflicted,
		Dur:        h.clock.Now().Sub(start),
	})
	staged.reset()
	return nil
}

// requeueName labels flushes of batches carried over from a failed
// end-of-strategy flush.
const requeueName = "requeued"

// stash moves a batch whose flush failed into the run-level carry. Its keys
// stay marked seen: the records are still staged, so re-encountering them
// must not stage a second copy.
func (h *Harvester) stash(staged *batch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending.listings = append(h.pending.listings, staged.listings...)
	for key, item := range staged.items {
		if h.pending.items == nil {
			h.pending.items = make(map[string]market.Item)
		}
		if _, ok := h.pending.items[key]; !ok {
			h.pending.items[key] = item
		}
	}
	staged.reset()
}

// flushPending retries the carried batch before a sweep starts. On failure
// the batch goes back into the carry for the run after this one.
func (h *Harvester) flushPending(ctx context.Context, runID uuid.UUID) (market.StrategyReport, bool) {
	h.mu.Lock()
	staged := h.pending
	h.pending = batch{}
	h.mu.Unlock()
	if staged.size() == 0 {
		return market.StrategyReport{}, false
	}

	h.logger.Info("retrying re-queued batch", zap.Int("staged", staged.size()))
	report := market.StrategyReport{Strategy: requeueName}
	if err := h.flush(ctx, runID, requeueName, &staged, &report.Counters); err != nil {
		report.Err = err.Error()
		h.stash(&staged)
	}
	return report, true
}

func (h *Harvester) publishSummary(ctx context.Context, report market.RunReport) {
	if h.publisher == nil || h.cfg.SummaryTopic == "" {
		return
	}
	if _, err := h.publisher.Publish(ctx, h.cfg.SummaryTopic, report); err != nil {
		h.logger.Warn("run summary publish failed", zap.Error(err))
	}
}

func (h *Harvester) emit(evt progress.Event) {
	if h.emitter == nil {
		return
	}
	h.emitter.Emit(evt)
}

// batch stages listings and their lazily-created items between flushes.
type batch struct {
	listings []market.Listing
	items    map[string]market.Item
}

func (b *batch) add(rec market.ListingRecord, collectedAt time.Time) {
	b.listings = append(b.listings, market.Listing{
		ID:          rec.ID,
		ItemKey:     rec.Item.Key,
		Price:       rec.Price,
		Quality:     rec.Quality,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		CollectedAt: collectedAt,
		Seller:      rec.Seller,
	})
	if rec.Item.Key == "" {
		return
	}
	if b.items == nil {
		b.items = make(map[string]market.Item)
	}
	if _, ok := b.items[rec.Item.Key]; !ok {
		b.items[rec.Item.Key] = market.Item{
			Key:      rec.Item.Key,
			Name:     rec.Item.Name,
			Category: rec.Item.Category,
			Rarity:   rec.Item.Rarity,
		}
	}
}

func (b *batch) itemSlice() []market.Item {
	if len(b.items) == 0 {
		return nil
	}
	out := make([]market.Item, 0, len(b.items))
	for _, item := range b.items {
		out = append(out, item)
	}
	return out
}

func (b *batch) size() int {
	return len(b.listings)
}

func (b *batch) reset() {
	b.listings = b.listings[:0]
	b.items = nil
}
