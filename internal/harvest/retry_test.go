package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skinpulse/harvester/internal/client"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("bad gateway"), 0))
	require.False(t, p.ShouldRetry(errors.New("bad gateway"), 3), "attempts are bounded")
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))
}

func TestShouldRetryThrottledIgnoresAttemptBudget(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	require.True(t, p.ShouldRetry(client.ErrThrottled, 10))
}

func TestBackoffIsBoundedAndGrows(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, p.maxDelay)
	}
	// The deterministic half of the delay doubles per attempt until capped.
	require.GreaterOrEqual(t, p.Backoff(3), 250*time.Millisecond)
}
