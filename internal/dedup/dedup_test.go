package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkSeenReportsNoveltyOnce(t *testing.T) {
	t.Parallel()

	s := NewSet()
	require.True(t, s.MarkSeen("L1"))
	require.False(t, s.MarkSeen("L1"))
	require.True(t, s.Contains("L1"))
	require.Equal(t, 1, s.Len())
}

func TestPreloadMarksKeysSeen(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Preload([]string{"L1", "L2", "L3"})
	require.Equal(t, 3, s.Len())
	require.False(t, s.MarkSeen("L2"))
	require.True(t, s.MarkSeen("L4"))
}

func TestForgetReopensSlot(t *testing.T) {
	t.Parallel()

	s := NewSet()
	require.True(t, s.MarkSeen("L1"))
	s.Forget("L1")
	require.True(t, s.MarkSeen("L1"))
}

func TestConcurrentMarkSeenClaimsEachKeyOnce(t *testing.T) {
	t.Parallel()

	const workers = 16
	const keys = 500

	s := NewSet()
	var wg sync.WaitGroup
	novel := make([]int, workers)

	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				if s.MarkSeen(fmt.Sprintf("key-%d", k)) {
					novel[w]++
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range novel {
		total += n
	}
	require.Equal(t, keys, total, "each key must be claimed exactly once")
	require.Equal(t, keys, s.Len())
}
