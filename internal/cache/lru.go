package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/metalmcp/metalmcp/internal/observability"
)

// lruStrategyName is the metrics label for the LRU strategy.
const lruStrategyName = "lru"

// LRUStrategy is a recency-ordered cache: a hash index over a doubly
// linked list whose front is the most-recently-used entry. Every read
// promotes its entry to the front; at capacity the back (least recently
// used) entry is evicted.
type LRUStrategy struct {
	logger  observability.Logger
	maxSize int

	mu    sync.Mutex
	items map[string]*list.Element
	// recency holds *Entry values, front = most recently used.
	recency *list.List

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLRUStrategy creates an LRU strategy bounded to maxSize entries and
// starts its background expiry sweep.
func NewLRUStrategy(maxSize int, opts ...StrategyOption) *LRUStrategy {
	o := applyStrategyOptions(opts)

	s := &LRUStrategy{
		logger:  o.logger,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		recency: list.New(),
		stopCh:  make(chan struct{}),
	}

	go s.cleanupLoop(o.cleanupInterval)

	return s
}

// Get returns the live entry for key and promotes it to most recently
// used. Expired entries are removed lazily and reported as misses.
func (s *LRUStrategy) Get(ctx context.Context, key string) (*Entry, bool) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.strategy", lruStrategyName),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			lruStrategyName, "get",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		GetMetrics().missesTotal.WithLabelValues(lruStrategyName).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.IsExpired() {
		s.removeElement(elem)
		GetMetrics().expirationsTotal.WithLabelValues(lruStrategyName).Inc()
		GetMetrics().missesTotal.WithLabelValues(lruStrategyName).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	s.recency.MoveToFront(elem)

	GetMetrics().hitsTotal.WithLabelValues(lruStrategyName).Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return entry, true
}

// Set stores value under key at the most-recently-used position. An
// existing key is removed first so its old recency position does not
// linger; inserting a new key at capacity evicts the least-recently-used
// entry.
func (s *LRUStrategy) Set(
	ctx context.Context,
	key string,
	value any,
	ttl time.Duration,
	directives CacheControl,
) *Entry {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.strategy", lruStrategyName),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			lruStrategyName, "set",
		).Observe(time.Since(start).Seconds())
	}()

	entry := newEntry(key, value, ttl, directives)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.removeElement(elem)
	} else if s.recency.Len() >= s.maxSize {
		s.evictLRU()
	}

	elem := s.recency.PushFront(entry)
	s.items[key] = elem

	GetMetrics().sizeGauge.WithLabelValues(
		lruStrategyName,
	).Set(float64(s.recency.Len()))

	s.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", s.recency.Len()))

	return entry
}

// Delete removes key, reporting whether it was present.
func (s *LRUStrategy) Delete(key string) bool {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			lruStrategyName, "delete",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return false
	}
	s.removeElement(elem)
	return true
}

// Clear removes all entries.
func (s *LRUStrategy) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.recency.Init()

	GetMetrics().sizeGauge.WithLabelValues(lruStrategyName).Set(0)
}

// Size returns the number of stored entries.
func (s *LRUStrategy) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}

// Invalidate removes every key matching pattern and returns the count.
func (s *LRUStrategy) Invalidate(pattern string) (int, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			lruStrategyName, "invalidate",
		).Observe(time.Since(start).Seconds())
	}()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first, then remove, to avoid mutating the list mid-scan.
	var matched []*list.Element
	for elem := s.recency.Front(); elem != nil; elem = elem.Next() {
		if re.MatchString(elem.Value.(*Entry).Key) {
			matched = append(matched, elem)
		}
	}

	for _, elem := range matched {
		s.removeElement(elem)
	}

	if len(matched) > 0 {
		GetMetrics().invalidationsTotal.WithLabelValues(
			lruStrategyName,
		).Add(float64(len(matched)))
		s.logger.Debug("cache invalidated",
			observability.String("pattern", pattern),
			observability.Int("removed", len(matched)))
	}

	return len(matched), nil
}

// Stop terminates the background expiry sweep. Idempotent.
func (s *LRUStrategy) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// evictLRU removes the least-recently-used entry.
// Must be called with the lock held.
func (s *LRUStrategy) evictLRU() {
	elem := s.recency.Back()
	if elem == nil {
		return
	}
	s.removeElement(elem)
	GetMetrics().evictionsTotal.WithLabelValues(lruStrategyName).Inc()
	s.logger.Debug("cache evicted least-recently-used entry",
		observability.String("key", elem.Value.(*Entry).Key))
}

// removeElement removes an element from the list and the index.
// Must be called with the lock held.
func (s *LRUStrategy) removeElement(elem *list.Element) {
	s.recency.Remove(elem)
	delete(s.items, elem.Value.(*Entry).Key)
	GetMetrics().sizeGauge.WithLabelValues(
		lruStrategyName,
	).Set(float64(s.recency.Len()))
}

// cleanupLoop periodically removes expired entries until Stop is called.
func (s *LRUStrategy) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single critical section.
// It walks from the back (least recently used) towards the front, where
// stale entries cluster under typical access patterns.
func (s *LRUStrategy) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*list.Element

	for elem := s.recency.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*Entry).expiredAt(now) {
			expired = append(expired, elem)
		}
	}

	for _, elem := range expired {
		s.removeElement(elem)
	}

	if len(expired) > 0 {
		GetMetrics().expirationsTotal.WithLabelValues(
			lruStrategyName,
		).Add(float64(len(expired)))
		s.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(expired)))
	}
}
