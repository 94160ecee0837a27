package cache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// Manager is the cache facade used by the resource-serving layer. It
// owns exactly one eviction strategy chosen at construction, derives
// cache keys from request shape, resolves per-call TTLs, and exposes
// resource-family invalidation on top of the strategy's pattern
// invalidation.
//
// A Manager is constructed once at service startup and passed to every
// component that needs it; Stop must be called on shutdown to terminate
// the strategy's background sweep.
type Manager struct {
	logger   observability.Logger
	strategy Strategy

	mu          sync.RWMutex
	enabled     bool
	defaultTTL  time.Duration
	resourceTTL map[string]time.Duration
}

// SetOptions controls a single Set call.
type SetOptions struct {
	// TTL overrides the resolved TTL for this call. Zero means "not set".
	TTL time.Duration

	// Disabled skips caching for this call.
	Disabled bool

	// CacheControl is stored with the entry and echoed on hits.
	CacheControl CacheControl
}

// NewManager creates a cache manager from configuration. The strategy
// is built even when caching is disabled: Clear and Size operate on the
// underlying storage regardless of the enabled flag.
func NewManager(cfg config.CacheConfig, logger observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	strategy, err := newStrategy(cfg, logger)
	if err != nil {
		return nil, err
	}

	resourceTTL := make(map[string]time.Duration, len(cfg.ResourceTTL))
	for resource, ttl := range cfg.ResourceTTL {
		resourceTTL[resource] = ttl.Duration()
	}

	defaultTTL := cfg.MaxAge.Duration()
	if defaultTTL <= 0 {
		defaultTTL = config.DefaultCacheTTL
	}

	m := &Manager{
		logger:      logger,
		strategy:    strategy,
		enabled:     cfg.Enabled,
		defaultTTL:  defaultTTL,
		resourceTTL: resourceTTL,
	}

	logger.Info("cache manager initialized",
		observability.Bool("enabled", cfg.Enabled),
		observability.String("strategy", cfg.Strategy),
		observability.Int("maxSize", cfg.MaxSize),
		observability.Duration("defaultTTL", defaultTTL))

	return m, nil
}

// Get returns the cached value for key, or false on a miss. A disabled
// manager reports a miss without consulting the strategy.
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	entry, ok := m.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get with the full entry, so callers can read CreatedAt
// and CacheControl for response metadata.
func (m *Manager) GetEntry(ctx context.Context, key string) (*Entry, bool) {
	if !m.IsEnabled() {
		return nil, false
	}
	return m.strategy.Get(ctx, key)
}

// Set stores value under key. The TTL is resolved per-call override
// first, then the resource-specific TTL, then the default. Returns nil
// when the manager or the call is disabled.
func (m *Manager) Set(ctx context.Context, key string, value any, resource string, opts *SetOptions) *Entry {
	if !m.IsEnabled() {
		return nil
	}
	if opts != nil && opts.Disabled {
		return nil
	}

	ttl := m.resolveTTL(resource, opts)

	var directives CacheControl
	if opts != nil {
		directives = opts.CacheControl
	}

	return m.strategy.Set(ctx, key, value, ttl, directives)
}

// Delete removes key, reporting whether it was present. No-ops to false
// when disabled.
func (m *Manager) Delete(key string) bool {
	if !m.IsEnabled() {
		return false
	}
	return m.strategy.Delete(key)
}

// Clear removes all entries. Permitted even when disabled.
func (m *Manager) Clear() {
	m.strategy.Clear()
}

// Size returns storage occupancy. Delegates regardless of the enabled
// flag.
func (m *Manager) Size() int {
	return m.strategy.Size()
}

// Invalidate removes every key matching pattern and returns the count.
// A malformed pattern is returned as an error; a disabled manager
// returns 0 without touching storage.
func (m *Manager) Invalidate(pattern string) (int, error) {
	if !m.IsEnabled() {
		return 0, nil
	}
	return m.strategy.Invalidate(pattern)
}

// InvalidateResource removes every key belonging to the resource
// family, i.e. every key with the "{resource}:" prefix.
func (m *Manager) InvalidateResource(resource string) (int, error) {
	return m.Invalidate("^" + regexp.QuoteMeta(resource) + ":")
}

// InvalidateResourceByID removes the keys for one resource instance.
// Both "{resource}:{id}" and "{resource}:some/path:{id}" forms match;
// the id must fill a whole key segment, so a different id in the same
// position does not.
func (m *Manager) InvalidateResourceByID(resource, id string) (int, error) {
	pattern := "^" + regexp.QuoteMeta(resource) + ":(?:[^:]+:)?" + regexp.QuoteMeta(id) + "(?::|$)"
	return m.Invalidate(pattern)
}

// IsEnabled reports whether the cache is globally enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetEnabled flips the global enabled switch.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// DefaultTTL returns the default time-to-live.
func (m *Manager) DefaultTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultTTL
}

// SetDefaultTTL sets the default time-to-live.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultTTL = ttl
}

// ResourceTTL returns the TTL for a resource name, falling back to the
// default when no resource-specific value is set.
func (m *Manager) ResourceTTL(resource string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ttl, ok := m.resourceTTL[resource]; ok {
		return ttl
	}
	return m.defaultTTL
}

// SetResourceTTL sets the TTL override for a resource name.
func (m *Manager) SetResourceTTL(resource string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceTTL[resource] = ttl
}

// ApplyConfig applies runtime-tunable settings from a reloaded
// configuration: the enabled flag, the default TTL, and the
// resource-specific TTL table. The strategy and capacity are fixed at
// construction.
func (m *Manager) ApplyConfig(cfg config.CacheConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = cfg.Enabled
	if ttl := cfg.MaxAge.Duration(); ttl > 0 {
		m.defaultTTL = ttl
	}

	resourceTTL := make(map[string]time.Duration, len(cfg.ResourceTTL))
	for resource, ttl := range cfg.ResourceTTL {
		resourceTTL[resource] = ttl.Duration()
	}
	m.resourceTTL = resourceTTL

	m.logger.Info("cache settings applied",
		observability.Bool("enabled", cfg.Enabled),
		observability.Duration("defaultTTL", m.defaultTTL),
		observability.Int("resourceTTLs", len(resourceTTL)))
}

// Stop terminates the strategy's background sweep.
func (m *Manager) Stop() {
	m.strategy.Stop()
	m.logger.Info("cache manager stopped")
}

// resolveTTL resolves the effective TTL for a Set call. Precedence,
// highest first: per-call override, resource-specific TTL, default.
func (m *Manager) resolveTTL(resource string, opts *SetOptions) time.Duration {
	if opts != nil && opts.TTL > 0 {
		return opts.TTL
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if resource != "" {
		if ttl, ok := m.resourceTTL[resource]; ok {
			return ttl
		}
	}
	return m.defaultTTL
}
