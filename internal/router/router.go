// Package router implements the dual-store persistence router. Routing is
// table-driven: an operation kind maps to a target store, so the policy is
// inspectable data rather than branch logic at call sites. The router is also
// the unified query interface consumed by reporting collaborators.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/metrics"
)

// OperationKind classifies a routed operation.
type OperationKind string

// Operation kinds understood by the router.
const (
	OpInsert     OperationKind = "insert"
	OpUpdate     OperationKind = "update"
	OpPointRead  OperationKind = "point_read"
	OpDetailRead OperationKind = "detail_read"
	OpAggregate  OperationKind = "aggregate"
	OpTimeSeries OperationKind = "time_series"
)

// Target names a backing store.
type Target string

// Routing targets. TargetCachedOperational tries the cache first and falls
// back to the operational store.
const (
	TargetOperational       Target = "operational"
	TargetAnalytical        Target = "analytical"
	TargetCachedOperational Target = "cache_operational"
)

// DefaultPolicy is the routing table: mutations to the operational store,
// aggregate and time-series reads to the analytical store, point reads
// through the cache.
var DefaultPolicy = map[OperationKind]Target{
	OpInsert:     TargetOperational,
	OpUpdate:     TargetOperational,
	OpPointRead:  TargetCachedOperational,
	OpDetailRead: TargetOperational,
	OpAggregate:  TargetAnalytical,
	OpTimeSeries: TargetAnalytical,
}

// Config controls cache TTL and slow-query logging.
type Config struct {
	CacheTTL      time.Duration
	SlowThreshold time.Duration
}

// Stats is a snapshot of router activity for /statusz.
type Stats struct {
	Queries     map[Target]int64 `json:"queries"`
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	CacheBypass int64            `json:"cache_bypass"`
}

// Router dispatches operations across the operational store, the analytical
// store and the cache.
type Router struct {
	policy      map[OperationKind]Target
	operational market.ListingStore
	analytical  market.AnalyticsStore
	cache       market.Cache
	clock       market.Clock
	logger      *zap.Logger
	cfg         Config

	mu          sync.Mutex
	queries     map[Target]int64
	cacheHits   int64
	cacheMisses int64
	cacheBypass int64
}

// New constructs a Router over the given stores. The cache may be nil, in
// which case cached reads go straight to the operational store.
func New(
	operational market.ListingStore,
	analytical market.AnalyticsStore,
	cache market.Cache,
	clock market.Clock,
	cfg Config,
	logger *zap.Logger,
) *Router {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Router{
		policy:      DefaultPolicy,
		operational: operational,
		analytical:  analytical,
		cache:       cache,
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
		queries:     make(map[Target]int64),
	}
}

// Route resolves the target for an operation kind without executing anything;
// it keeps the policy independently testable.
func (r *Router) Route(op OperationKind) (Target, error) {
	target, ok := r.policy[op]
	if !ok {
		return "", fmt.Errorf("no route for operation kind %q", op)
	}
	return target, nil
}

// FlushResult reports what a batch flush persisted.
type FlushResult struct {
	Inserted   int64
	Conflicted int64
	NewItems   int64
}

// FlushBatch routes a staged listing batch (plus lazily-created items) to the
// operational store. Uniqueness conflicts are reported, not failed.
func (r *Router) FlushBatch(ctx context.Context, listings []market.Listing, items []market.Item) (FlushResult, error) {
	target, err := r.Route(OpInsert)
	if err != nil {
		return FlushResult{}, err
	}
	if target != TargetOperational {
		return FlushResult{}, fmt.Errorf("mutations must route to the operational store, got %q", target)
	}

	start := r.clock.Now()
	created, err := r.operational.UpsertItems(ctx, items)
	if err != nil {
		return FlushResult{}, fmt.Errorf("flush items: %w", err)
	}
	inserted, conflicted, err := r.operational.InsertListings(ctx, listings)
	if err != nil {
		return FlushResult{}, fmt.Errorf("flush listings: %w", err)
	}
	duration := r.clock.Now().Sub(start)
	r.observe(target, duration, len(listings))
	metrics.ObserveFlush(duration)

	return FlushResult{Inserted: inserted, Conflicted: conflicted, NewItems: created}, nil
}

// Execute runs one routed operation and returns its row-set. Point reads with
// a cache key try the cache first and populate it on miss; any cache failure
// downgrades silently to a direct store read.
func (r *Router) Execute(ctx context.Context, op OperationKind, sql string, args []any, cacheKey string) (market.RowSet, error) {
	target, err := r.Route(op)
	if err != nil {
		return nil, err
	}

	if target == TargetCachedOperational {
		if cacheKey != "" {
			if rows, ok := r.cacheGet(ctx, cacheKey); ok {
				return rows, nil
			}
		}
		rows, err := r.query(ctx, TargetOperational, sql, args)
		if err != nil {
			return nil, err
		}
		if cacheKey != "" {
			r.cachePut(ctx, cacheKey, rows)
		}
		return rows, nil
	}

	return r.query(ctx, target, sql, args)
}

func (r *Router) query(ctx context.Context, target Target, sql string, args []any) (market.RowSet, error) {
	start := r.clock.Now()
	var (
		rows market.RowSet
		err  error
	)
	switch target {
	case TargetOperational:
		rows, err = r.operational.Query(ctx, sql, args...)
	case TargetAnalytical:
		rows, err = r.analytical.Query(ctx, sql, args...)
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
	duration := r.clock.Now().Sub(start)
	r.observe(target, duration, len(rows))
	if err != nil {
		return nil, err
	}
	if duration > r.cfg.SlowThreshold {
		r.logger.Warn("slow routed query",
			zap.String("target", string(target)),
			zap.Duration("duration", duration),
			zap.Int("rows", len(rows)),
		)
	}
	return rows, nil
}

func (r *Router) cacheGet(ctx context.Context, key string) (market.RowSet, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.countCache(&r.cacheBypass)
		metrics.ObserveCacheLookup("bypass")
		r.logger.Debug("cache unavailable, bypassing", zap.Error(err))
		return nil, false
	}
	if !ok {
		r.countCache(&r.cacheMisses)
		metrics.ObserveCacheLookup("miss")
		return nil, false
	}
	var rows market.RowSet
	if err := json.Unmarshal(raw, &rows); err != nil {
		r.countCache(&r.cacheBypass)
		metrics.ObserveCacheLookup("bypass")
		return nil, false
	}
	r.countCache(&r.cacheHits)
	metrics.ObserveCacheLookup("hit")
	return rows, true
}

func (r *Router) cachePut(ctx context.Context, key string, rows market.RowSet) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.cfg.CacheTTL); err != nil {
		r.logger.Debug("cache populate failed", zap.Error(err))
	}
}

func (r *Router) observe(target Target, duration time.Duration, rows int) {
	r.mu.Lock()
	r.queries[target]++
	r.mu.Unlock()
	metrics.ObserveRoutedQuery(string(target), duration)
	metrics.ObserveRoutedRows(string(target), rows)
}

func (r *Router) countCache(counter *int64) {
	r.mu.Lock()
	*counter++
	r.mu.Unlock()
}

// Stats returns a snapshot of router activity.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	queries := make(map[Target]int64, len(r.queries))
	for k, v := range r.queries {
		queries[k] = v
	}
	return Stats{
		Queries:     queries,
		CacheHits:   r.cacheHits,
		CacheMisses: r.cacheMisses,
		CacheBypass: r.cacheBypass,
	}
}
