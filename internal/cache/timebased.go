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

// tracerName is the OpenTelemetry tracer name for cache operations.
const tracerName = "metalmcp/cache"

// timeBasedStrategyName is the metrics label for the time-based strategy.
const timeBasedStrategyName = "time-based"

// TimeBasedStrategy is an insertion-ordered cache. At capacity it evicts
// the oldest-inserted entry; reads never reorder entries, and
// overwriting an existing key keeps its insertion position.
type TimeBasedStrategy struct {
	logger  observability.Logger
	maxSize int

	mu    sync.Mutex
	items map[string]*list.Element
	// order holds *Entry values, front = oldest inserted.
	order *list.List

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTimeBasedStrategy creates a time-based strategy bounded to maxSize
// entries and starts its background expiry sweep.
func NewTimeBasedStrategy(maxSize int, opts ...StrategyOption) *TimeBasedStrategy {
	o := applyStrategyOptions(opts)

	s := &TimeBasedStrategy{
		logger:  o.logger,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stopCh:  make(chan struct{}),
	}

	go s.cleanupLoop(o.cleanupInterval)

	return s
}

// Get returns the live entry for key. Expired entries are removed
// lazily and reported as misses. Reads do not reorder entries.
func (s *TimeBasedStrategy) Get(ctx context.Context, key string) (*Entry, bool) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.strategy", timeBasedStrategyName),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			timeBasedStrategyName, "get",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		GetMetrics().missesTotal.WithLabelValues(timeBasedStrategyName).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.IsExpired() {
		s.removeElement(elem)
		GetMetrics().expirationsTotal.WithLabelValues(timeBasedStrategyName).Inc()
		GetMetrics().missesTotal.WithLabelValues(timeBasedStrategyName).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	GetMetrics().hitsTotal.WithLabelValues(timeBasedStrategyName).Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return entry, true
}

// Set stores value under key. Inserting a new key at capacity evicts
// the oldest-inserted entry first; overwriting an existing key replaces
// it in place without re-checking capacity, since an overwrite never
// grows cardinality.
func (s *TimeBasedStrategy) Set(
	ctx context.Context,
	key string,
	value any,
	ttl time.Duration,
	directives CacheControl,
) *Entry {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.strategy", timeBasedStrategyName),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			timeBasedStrategyName, "set",
		).Observe(time.Since(start).Seconds())
	}()

	entry := newEntry(key, value, ttl, directives)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		elem.Value = entry
		s.logger.Debug("cache updated",
			observability.String("key", key),
			observability.Duration("ttl", ttl))
		return entry
	}

	if s.order.Len() >= s.maxSize {
		s.evictOldest()
	}

	elem := s.order.PushBack(entry)
	s.items[key] = elem

	GetMetrics().sizeGauge.WithLabelValues(
		timeBasedStrategyName,
	).Set(float64(s.order.Len()))

	s.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", s.order.Len()))

	return entry
}

// Delete removes key, reporting whether it was present.
func (s *TimeBasedStrategy) Delete(key string) bool {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			timeBasedStrategyName, "delete",
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
func (s *TimeBasedStrategy) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.order.Init()

	GetMetrics().sizeGauge.WithLabelValues(timeBasedStrategyName).Set(0)
}

// Size returns the number of stored entries.
func (s *TimeBasedStrategy) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Invalidate removes every key matching pattern and returns the count.
func (s *TimeBasedStrategy) Invalidate(pattern string) (int, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			timeBasedStrategyName, "invalidate",
		).Observe(time.Since(start).Seconds())
	}()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first, then remove: removing while iterating the list
	// would skip elements.
	var matched []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if re.MatchString(elem.Value.(*Entry).Key) {
			matched = append(matched, elem)
		}
	}

	for _, elem := range matched {
		s.removeElement(elem)
	}

	if len(matched) > 0 {
		GetMetrics().invalidationsTotal.WithLabelValues(
			timeBasedStrategyName,
		).Add(float64(len(matched)))
		s.logger.Debug("cache invalidated",
			observability.String("pattern", pattern),
			observability.Int("removed", len(matched)))
	}

	return len(matched), nil
}

// Stop terminates the background expiry sweep. Idempotent.
func (s *TimeBasedStrategy) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// evictOldest removes the oldest-inserted entry.
// Must be called with the lock held.
func (s *TimeBasedStrategy) evictOldest() {
	elem := s.order.Front()
	if elem == nil {
		return
	}
	s.removeElement(elem)
	GetMetrics().evictionsTotal.WithLabelValues(timeBasedStrategyName).Inc()
	s.logger.Debug("cache evicted oldest entry",
		observability.String("key", elem.Value.(*Entry).Key))
}

// removeElement removes an element from the list and the index.
// Must be called with the lock held.
func (s *TimeBasedStrategy) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*Entry).Key)
	GetMetrics().sizeGauge.WithLabelValues(
		timeBasedStrategyName,
	).Set(float64(s.order.Len()))
}

// cleanupLoop periodically removes expired entries until Stop is called.
func (s *TimeBasedStrategy) cleanupLoop(interval time.Duration) {
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
func (s *TimeBasedStrategy) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*list.Element

	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Entry).expiredAt(now) {
			expired = append(expired, elem)
		}
	}

	for _, elem := range expired {
		s.removeElement(elem)
	}

	if len(expired) > 0 {
		GetMetrics().expirationsTotal.WithLabelValues(
			timeBasedStrategyName,
		).Add(float64(len(expired)))
		s.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(expired)))
	}
}
