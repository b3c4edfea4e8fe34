package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skinpulse/harvester/internal/clock/system"
	"github.com/skinpulse/harvester/internal/market"
)

func newTestGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	return New(cfg, system.New(), nil)
}

func TestHighUsageIncreasesDelay(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     60 * time.Second,
	})

	// limit=100, remaining=5 -> usage 0.95, above the 0.8 watermark.
	g.RecordResponse(market.RateLimitMeta{Limit: 100, Remaining: 5, HasUsage: true})

	snap := g.State()
	require.Greater(t, snap.Delay, time.Second)
	require.Equal(t, StateNormal, snap.State)
}

func TestLowUsageDecreasesDelayToFloor(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: 2 * time.Second,
		MinDelay:     time.Second,
		MaxDelay:     60 * time.Second,
	})

	for i := 0; i < 100; i++ {
		g.RecordResponse(market.RateLimitMeta{Limit: 100, Remaining: 95, HasUsage: true})
	}

	require.Equal(t, time.Second, g.State().Delay)
}

func TestDelayStaysWithinBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{
		InitialDelay: time.Second,
		MinDelay:     500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
	g := newTestGovernor(t, cfg)

	for i := 0; i < 50; i++ {
		g.RecordError(503, 0)
	}
	require.Equal(t, cfg.MaxDelay, g.State().Delay)

	for i := 0; i < 200; i++ {
		g.RecordResponse(market.RateLimitMeta{Limit: 100, Remaining: 99, HasUsage: true})
	}
	require.Equal(t, cfg.MinDelay, g.State().Delay)
}

func TestMissingMetadataLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{InitialDelay: time.Second})
	before := g.State()

	g.RecordResponse(market.RateLimitMeta{})

	after := g.State()
	require.Equal(t, before.Delay, after.Delay)
	require.Equal(t, before.State, after.State)
}

func TestThrottleWindowBlocksAcquire(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
	})

	retryAfter := 150 * time.Millisecond
	g.RecordError(429, retryAfter)
	require.Equal(t, StateThrottled, g.State().State)

	start := time.Now()
	require.NoError(t, g.Acquire(context.Background()))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 120*time.Millisecond,
		"acquire must suspend for the remaining throttle window")
	require.Equal(t, StateNormal, g.State().State)
}

func TestExhaustedBudgetOpensThrottleWindow(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
	})

	g.RecordResponse(market.RateLimitMeta{
		Limit:     100,
		Remaining: 0,
		HasUsage:  true,
		Reset:     time.Now().Add(100 * time.Millisecond),
	})
	require.Equal(t, StateThrottled, g.State().State)
}

func TestAcquireSerializesDispatch(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: 60 * time.Millisecond,
		MinDelay:     60 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))

	start := time.Now()
	require.NoError(t, g.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"second acquire should wait for the inter-request delay")
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{
		InitialDelay: time.Minute,
		MinDelay:     time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(cancelCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientErrorsDoNotBackOff(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(t, Config{InitialDelay: time.Second})
	g.RecordError(404, 0)
	require.Equal(t, time.Second, g.State().Delay)
	require.Equal(t, StateNormal, g.State().State)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Config{MinDelay: 2 * time.Second, MaxDelay: time.Second}.Validate())
	require.NoError(t, Config{MinDelay: time.Second, MaxDelay: 2 * time.Second}.Validate())
}
