package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimeBased(t *testing.T, maxSize int, opts ...StrategyOption) *TimeBasedStrategy {
	t.Helper()
	opts = append([]StrategyOption{WithCleanupInterval(time.Hour)}, opts...)
	s := NewTimeBasedStrategy(maxSize, opts...)
	t.Cleanup(s.Stop)
	return s
}

func TestTimeBasedRoundTrip(t *testing.T) {
	s := newTimeBased(t, 10)
	ctx := context.Background()

	values := map[string]any{
		"string": "hello",
		"int":    42,
		"slice":  []string{"a", "b"},
		"map":    map[string]int{"x": 1},
		"struct": struct{ Name string }{Name: "node1"},
	}

	for key, value := range values {
		s.Set(ctx, key, value, time.Minute, nil)
	}

	for key, want := range values {
		entry, ok := s.Get(ctx, key)
		require.True(t, ok, "key %s", key)
		assert.Equal(t, want, entry.Value)
		assert.Equal(t, key, entry.Key)
	}
}

func TestTimeBasedMiss(t *testing.T) {
	s := newTimeBased(t, 10)

	entry, ok := s.Get(context.Background(), "absent")
	assert.False(t, ok)
	assert.Nil(t, entry)
}

func TestTimeBasedEntryTimes(t *testing.T) {
	s := newTimeBased(t, 10)

	before := time.Now()
	entry := s.Set(context.Background(), "k", "v", time.Minute, nil)
	after := time.Now()

	assert.False(t, entry.CreatedAt.Before(before))
	assert.False(t, entry.CreatedAt.After(after))
	assert.Equal(t, entry.CreatedAt.Add(time.Minute), entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))
}

func TestTimeBasedLazyExpiry(t *testing.T) {
	s := newTimeBased(t, 10)
	ctx := context.Background()

	s.Set(ctx, "k", "v", 20*time.Millisecond, nil)

	_, ok := s.Get(ctx, "k")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
	// The expired entry is removed on access, not just hidden.
	assert.Equal(t, 0, s.Size())
}

func TestTimeBasedSizeBound(t *testing.T) {
	const maxSize = 3
	s := newTimeBased(t, maxSize)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Set(ctx, fmt.Sprintf("key-%d", i), i, time.Minute, nil)
		assert.LessOrEqual(t, s.Size(), maxSize)
	}
}

func TestTimeBasedEvictionIsInsertionOrder(t *testing.T) {
	s := newTimeBased(t, 2)
	ctx := context.Background()

	s.Set(ctx, "a", 1, time.Minute, nil)
	s.Set(ctx, "b", 2, time.Minute, nil)

	// Reading does not reorder: a stays the oldest-inserted entry.
	_, ok := s.Get(ctx, "a")
	require.True(t, ok)

	s.Set(ctx, "c", 3, time.Minute, nil)

	_, ok = s.Get(ctx, "a")
	assert.False(t, ok, "a should be evicted despite the intervening read")
	_, ok = s.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = s.Get(ctx, "c")
	assert.True(t, ok)
}

func TestTimeBasedOverwriteKeepsPosition(t *testing.T) {
	s := newTimeBased(t, 2)
	ctx := context.Background()

	s.Set(ctx, "a", 1, time.Minute, nil)
	s.Set(ctx, "b", 2, time.Minute, nil)

	// Overwriting a does not refresh its insertion position.
	s.Set(ctx, "a", 10, time.Minute, nil)
	assert.Equal(t, 2, s.Size())

	s.Set(ctx, "c", 3, time.Minute, nil)

	_, ok := s.Get(ctx, "a")
	assert.False(t, ok, "a is still the oldest-inserted and should be evicted")
	entryB, ok := s.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 2, entryB.Value)
}

func TestTimeBasedDelete(t *testing.T) {
	s := newTimeBased(t, 10)
	ctx := context.Background()

	s.Set(ctx, "k", "v", time.Minute, nil)

	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTimeBasedClearIdempotent(t *testing.T) {
	s := newTimeBased(t, 10)
	ctx := context.Background()

	s.Set(ctx, "a", 1, time.Minute, nil)
	s.Set(ctx, "b", 2, time.Minute, nil)

	s.Clear()
	assert.Equal(t, 0, s.Size())

	s.Clear()
	assert.Equal(t, 0, s.Size())
}

func TestTimeBasedInvalidate(t *testing.T) {
	s := newTimeBased(t, 10)
	ctx := context.Background()

	s.Set(ctx, "machine:1", 1, time.Minute, nil)
	s.Set(ctx, "machine:2", 2, time.Minute, nil)
	s.Set(ctx, "subnet:1", 3, time.Minute, nil)

	count, err := s.Invalidate("^machine:")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, s.Size())

	_, ok := s.Get(ctx, "subnet:1")
	assert.True(t, ok)
}

func TestTimeBasedInvalidateBadPattern(t *testing.T) {
	s := newTimeBased(t, 10)

	count, err := s.Invalidate("([")
	assert.Error(t, err)
	assert.Equal(t, 0, count)
}

func TestTimeBasedSweep(t *testing.T) {
	s := NewTimeBasedStrategy(10, WithCleanupInterval(20*time.Millisecond))
	defer s.Stop()
	ctx := context.Background()

	s.Set(ctx, "short", 1, 10*time.Millisecond, nil)
	s.Set(ctx, "long", 2, time.Hour, nil)

	assert.Eventually(t, func() bool {
		return s.Size() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := s.Get(ctx, "long")
	assert.True(t, ok)
}

func TestTimeBasedStopIdempotent(t *testing.T) {
	s := NewTimeBasedStrategy(10)
	s.Stop()
	s.Stop()
}

func TestTimeBasedConcurrentAccess(t *testing.T) {
	s := newTimeBased(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d-%d", worker, j%20)
				s.Set(ctx, key, j, time.Minute, nil)
				s.Get(ctx, key)
				if j%10 == 0 {
					s.Delete(key)
				}
				if j%50 == 0 {
					_, _ = s.Invalidate(fmt.Sprintf("^key-%d-", worker))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Size(), 100)
}
