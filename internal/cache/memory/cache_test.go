package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualClock lets the tests control time.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0)}
	c := New(clock)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "first read misses")

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 60*time.Second))

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "read within the TTL hits")
	require.Equal(t, []byte("v"), val)

	clock.Advance(61 * time.Second)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "read past the TTL misses again")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0)}
	c := New(clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clock.Advance(24 * time.Hour)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSetCopiesValue(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0)}
	c := New(clock)
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), val)
}
