package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skinpulse/harvester/internal/client"
	"github.com/skinpulse/harvester/internal/dedup"
	"github.com/skinpulse/harvester/internal/market"
	publishermemory "github.com/skinpulse/harvester/internal/publisher/memory"
	"github.com/skinpulse/harvester/internal/router"
)

type stubClock struct{ t time.Time }

func (c stubClock) Now() time.Time { return c.t }

// fakeSource serves scripted pages per strategy; pages beyond the script are
// empty. Errors are replayed per page until their budget runs out.
type fakeSource struct {
	mu       sync.Mutex
	pages    map[string][][]market.ListingRecord
	pageErrs map[string]map[int]*scriptedErr
	maxPage  map[string]int
	requests int
}

type scriptedErr struct {
	err   error
	times int // <0 means always
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(map[string][][]market.ListingRecord),
		pageErrs: make(map[string]map[int]*scriptedErr),
		maxPage:  make(map[string]int),
	}
}

func (f *fakeSource) script(strategy string, pages ...[]market.ListingRecord) {
	f.pages[strategy] = pages
}

func (f *fakeSource) failPage(strategy string, page int, err error, times int) {
	if f.pageErrs[strategy] == nil {
		f.pageErrs[strategy] = make(map[int]*scriptedErr)
	}
	f.pageErrs[strategy][page] = &scriptedErr{err: err, times: times}
}

func (f *fakeSource) Listings(_ context.Context, query market.PageQuery) ([]market.ListingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	name := query.Strategy.Name
	if query.Page > f.maxPage[name] {
		f.maxPage[name] = query.Page
	}
	if se := f.pageErrs[name][query.Page]; se != nil && se.times != 0 {
		if se.times > 0 {
			se.times--
		}
		return nil, se.err
	}
	script := f.pages[name]
	if query.Page > len(script) {
		return nil, nil
	}
	return script[query.Page-1], nil
}

func (f *fakeSource) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// fakeListingStore keeps inserted ids so the unique constraint is honored.
type fakeListingStore struct {
	mu         sync.Mutex
	rows       map[string]market.Listing
	items      map[string]market.Item
	failFlush  int
	flushCalls int
}

func newFakeListingStore() *fakeListingStore {
	return &fakeListingStore{
		rows:  make(map[string]market.Listing),
		items: make(map[string]market.Item),
	}
}

func (f *fakeListingStore) InsertListings(_ context.Context, batch []market.Listing) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	if f.failFlush > 0 {
		f.failFlush--
		return 0, 0, errors.New("operational store unavailable")
	}
	var inserted, conflicted int64
	for _, l := range batch {
		if _, ok := f.rows[l.ID]; ok {
			conflicted++
			continue
		}
		f.rows[l.ID] = l
		inserted++
	}
	return inserted, conflicted, nil
}

func (f *fakeListingStore) UpsertItems(_ context.Context, items []market.Item) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var created int64
	for _, item := range items {
		if _, ok := f.items[item.Key]; ok {
			continue
		}
		f.items[item.Key] = item
		created++
	}
	return created, nil
}

func (f *fakeListingStore) ListingKeys(context.Context) ([]string, error) { return nil, nil }

func (f *fakeListingStore) ListingsSince(context.Context, time.Time, int) ([]market.Listing, error) {
	return nil, nil
}

func (f *fakeListingStore) ItemsByKey(context.Context, []string) (map[string]market.Item, error) {
	return nil, nil
}

func (f *fakeListingStore) Checkpoint(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeListingStore) AdvanceCheckpoint(context.Context, string, time.Time) error { return nil }

func (f *fakeListingStore) Query(context.Context, string, ...any) (market.RowSet, error) {
	return nil, nil
}

func (f *fakeListingStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeAnalyticsStore struct{}

func (fakeAnalyticsStore) UpsertProjections(context.Context, []market.AnalyticsRow) error { return nil }

func (fakeAnalyticsStore) Query(context.Context, string, ...any) (market.RowSet, error) {
	return nil, nil
}

// immediateRetry retries once with no backoff so tests stay fast.
type immediateRetry struct{}

func (immediateRetry) ShouldRetry(err error, attempt int) bool { return err != nil && attempt < 1 }

func (immediateRetry) Backoff(int) time.Duration { return 0 }

func record(id, itemKey string, price int64) market.ListingRecord {
	return market.ListingRecord{
		ID:        id,
		Price:     price,
		Quality:   0.2,
		Status:    "listed",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Item:      market.ItemRecord{Key: itemKey, Name: itemKey, Category: 1, Rarity: "mil-spec"},
		Seller:    market.SellerSnapshot{SellerID: "s1", TotalTrades: 10},
	}
}

func newTestHarvester(t *testing.T, source market.ListingSource, store *fakeListingStore, publisher market.Publisher, cfg Config) *Harvester {
	t.Helper()
	clock := stubClock{t: time.Unix(1700000000, 0).UTC()}
	rt := router.New(store, fakeAnalyticsStore{}, nil, clock, router.Config{}, nil)
	return New(source, rt, dedup.NewSet(), publisher, clock, nil, immediateRetry{}, cfg, nil)
}

// Three full pages followed by empties: pagination stops once five
// consecutive empty pages accumulate, after page 8.
func TestRunStopsAfterEmptyStreak(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	var pages [][]market.ListingRecord
	for p := 1; p <= 3; p++ {
		pages = append(pages, []market.ListingRecord{
			record(fmt.Sprintf("L%d-a", p), "ak47_redline", 1500),
			record(fmt.Sprintf("L%d-b", p), "awp_asiimov", 9000),
		})
	}
	source.script("recent_all", pages...)

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 20, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(8), report.Totals.Pages)
	require.Equal(t, int64(5), report.Totals.EmptyPages)
	require.Equal(t, int64(6), report.Totals.NewListings)
	require.Equal(t, 8, source.maxPage["recent_all"], "must stop after the fifth empty page")
	require.Equal(t, 8, source.requestCount())
	require.Equal(t, 6, store.rowCount())
}

// A page carrying the same listing id twice persists one row and counts one
// duplicate.
func TestIntraBatchDuplicateCollapses(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{
		record("L1", "ak47_redline", 1500),
		record("L1", "ak47_redline", 1500),
		record("L2", "awp_asiimov", 9000),
	})

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(2), report.Totals.NewListings)
	require.Equal(t, int64(1), report.Totals.Duplicates)
	require.Equal(t, 2, store.rowCount())
}

// A row that slipped past the dedup cache still lands on the unique
// constraint and is reported as a duplicate, not a failure.
func TestStoreConflictCountsAsDuplicate(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{
		record("L1", "ak47_redline", 1500),
		record("L2", "awp_asiimov", 9000),
	})

	store := newFakeListingStore()
	store.rows["L2"] = market.Listing{ID: "L2"}

	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(1), report.Totals.NewListings)
	require.Equal(t, int64(1), report.Totals.Conflicts)
	require.Equal(t, int64(1), report.Totals.Duplicates)
}

// Records without an identity key are dropped and counted, never staged.
func TestMalformedRecordsAreDropped(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{
		{Price: 100},
		record("L1", "ak47_redline", 1500),
	})

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(1), report.Totals.Malformed)
	require.Equal(t, int64(1), report.Totals.NewListings)
	require.Equal(t, 1, store.rowCount())
}

// A page that keeps failing is skipped and counted; the sweep moves on.
func TestFetchFailureSkipsPage(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all",
		[]market.ListingRecord{record("L1", "ak47_redline", 1500)},
		nil,
		[]market.ListingRecord{record("L3", "awp_asiimov", 9000)},
	)
	source.failPage("recent_all", 2, errors.New("bad gateway"), -1)

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 3, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(1), report.Totals.FailedPages)
	require.Equal(t, int64(2), report.Totals.NewListings)
	require.NotEmpty(t, report.Strategies[0].Err)
}

// Throttled responses retry transparently after the governor's wait.
func TestThrottledFetchRetries(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{record("L1", "ak47_redline", 1500)})
	source.failPage("recent_all", 1, client.ErrThrottled, 1)

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(2), report.Totals.Requests)
	require.Equal(t, int64(1), report.Totals.NewListings)
	require.Zero(t, report.Totals.FailedPages)
}

// A failed flush keeps the batch staged; the next flush carries it through.
func TestFlushFailureRequeuesBatch(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all",
		[]market.ListingRecord{
			record("L1", "ak47_redline", 1500),
			record("L2", "awp_asiimov", 9000),
		},
		[]market.ListingRecord{record("L3", "m4a4_howl", 120000)},
	)

	store := newFakeListingStore()
	store.failFlush = 1

	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 2, BatchSize: 2, Concurrency: 1})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	require.Equal(t, int64(1), report.Totals.BatchRetries)
	require.Equal(t, int64(3), report.Totals.NewListings)
	require.Equal(t, 3, store.rowCount())
}

// A flush that fails at strategy end carries the batch into the next run
// instead of dropping it.
func TestFinalFlushFailureCarriesBatchToNextRun(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{record("L1", "ak47_redline", 1500)})

	store := newFakeListingStore()
	store.failFlush = 1

	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})
	strategies := []market.CollectionStrategy{{Name: "recent_all", Sort: market.SortRecency}}

	report, err := h.Run(context.Background(), strategies)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Totals.BatchRetries)
	require.Zero(t, store.rowCount(), "failed flush must not persist")

	// The next run drains the carried batch first; the replayed page counts
	// as a duplicate against the dedup cache, not a second staged copy.
	report, err = h.Run(context.Background(), strategies)
	require.NoError(t, err)
	require.Equal(t, 1, store.rowCount())
	require.Len(t, report.Strategies, 2)
	require.Equal(t, "requeued", report.Strategies[0].Strategy)
	require.Equal(t, int64(1), report.Strategies[0].Counters.NewListings)
	require.Equal(t, int64(1), report.Totals.NewListings)
	require.Equal(t, int64(1), report.Totals.Duplicates)
}

// A carried batch that fails again stays queued for the run after.
func TestCarriedBatchSurvivesRepeatedFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{record("L1", "ak47_redline", 1500)})

	store := newFakeListingStore()
	store.failFlush = 2

	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 1})
	strategies := []market.CollectionStrategy{{Name: "recent_all", Sort: market.SortRecency}}

	_, err := h.Run(context.Background(), strategies)
	require.NoError(t, err)

	report, err := h.Run(context.Background(), strategies)
	require.NoError(t, err)
	require.Equal(t, "requeued", report.Strategies[0].Strategy)
	require.NotEmpty(t, report.Strategies[0].Err)
	require.Zero(t, store.rowCount())

	report, err = h.Run(context.Background(), strategies)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Totals.NewListings)
	require.Equal(t, 1, store.rowCount())
}

// Strategies share the run but fail independently.
func TestOneStrategyFailureDoesNotHaltOthers(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("healthy", []market.ListingRecord{record("L1", "ak47_redline", 1500)})
	source.failPage("broken", 1, errors.New("bad gateway"), -1)

	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 1, Concurrency: 2})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "broken", Sort: market.SortRecency},
		{Name: "healthy", Sort: market.SortRecency},
	})
	require.NoError(t, err)
	require.Len(t, report.Strategies, 2)
	require.NotEmpty(t, report.Strategies[0].Err)
	require.Empty(t, report.Strategies[1].Err)
	require.Equal(t, int64(1), report.Totals.NewListings)
}

func TestRunPublishesSummary(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.script("recent_all", []market.ListingRecord{record("L1", "ak47_redline", 1500)})

	store := newFakeListingStore()
	pub := publishermemory.New()
	h := newTestHarvester(t, source, store, pub, Config{MaxPages: 1, Concurrency: 1, SummaryTopic: "harvest-runs"})

	report, err := h.Run(context.Background(), []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "harvest-runs", msgs[0].Topic)
	published, ok := msgs[0].Payload.(market.RunReport)
	require.True(t, ok)
	require.Equal(t, report.RunID, published.RunID)
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := newFakeSource()
	store := newFakeListingStore()
	h := newTestHarvester(t, source, store, nil, Config{MaxPages: 10, Concurrency: 1})

	_, err := h.Run(ctx, []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, store.rowCount())
}

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	catalog := DefaultCatalog()
	require.Len(t, catalog, 17)

	names := make(map[string]bool, len(catalog))
	for _, s := range catalog {
		require.NotEmpty(t, s.Name)
		require.False(t, names[s.Name], "duplicate strategy name %q", s.Name)
		names[s.Name] = true
	}

	require.True(t, names["factory_new"])
	require.True(t, names["over_1000"])
	for _, s := range catalog {
		if s.MinQuality != nil {
			require.NotNil(t, s.MaxQuality)
			require.LessOrEqual(t, *s.MinQuality, *s.MaxQuality)
		}
	}
}
