// Package cache provides the response cache for the gateway: a
// size-bounded, TTL-aware lookaside cache keyed by opaque strings, with
// two eviction policies behind one interface and pattern-based
// invalidation of key families.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// Common cache errors.
var (
	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrUnknownStrategy indicates an unrecognized eviction strategy name.
	ErrUnknownStrategy = errors.New("unknown cache strategy")
)

// CacheControl is an opaque directive bag stored alongside an entry and
// echoed back to the caller on a hit. The cache never interprets it.
type CacheControl map[string]string

// Strategy is the storage and eviction policy behind the Manager. All
// operations are synchronous and safe for concurrent use.
type Strategy interface {
	// Get returns the live entry for key, or false on a miss. An expired
	// entry is removed and reported as a miss.
	Get(ctx context.Context, key string) (*Entry, bool)

	// Set stores value under key with the given TTL, evicting one entry
	// if a new key is inserted at capacity. Returns the stored entry.
	Set(ctx context.Context, key string, value any, ttl time.Duration, directives CacheControl) *Entry

	// Delete removes key, reporting whether it was present.
	Delete(key string) bool

	// Clear removes all entries.
	Clear()

	// Size returns the number of stored entries, expired or not.
	Size() int

	// Invalidate removes every key matching the regular expression
	// pattern and returns the count removed. A malformed pattern is
	// returned as an error.
	Invalidate(pattern string) (int, error)

	// Stop terminates the background expiry sweep. The strategy must not
	// be used after Stop.
	Stop()
}

// newStrategy builds the strategy selected by the configuration.
func newStrategy(cfg config.CacheConfig, logger observability.Logger) (Strategy, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		return nil, ErrInvalidConfig
	}

	opts := []StrategyOption{WithStrategyLogger(logger)}
	if interval := cfg.CleanupInterval.Duration(); interval > 0 {
		opts = append(opts, WithCleanupInterval(interval))
	}

	switch cfg.Strategy {
	case config.CacheStrategyTimeBased:
		return NewTimeBasedStrategy(maxSize, opts...), nil
	case config.CacheStrategyLRU, "":
		return NewLRUStrategy(maxSize, opts...), nil
	default:
		return nil, errors.Join(ErrUnknownStrategy, errors.New(cfg.Strategy))
	}
}

// strategyOptions holds settings shared by both strategies.
type strategyOptions struct {
	logger          observability.Logger
	cleanupInterval time.Duration
}

// StrategyOption is a functional option for configuring a strategy.
type StrategyOption func(*strategyOptions)

// WithStrategyLogger sets the logger for the strategy.
func WithStrategyLogger(logger observability.Logger) StrategyOption {
	return func(o *strategyOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCleanupInterval sets the period of the expired-entry sweep.
func WithCleanupInterval(interval time.Duration) StrategyOption {
	return func(o *strategyOptions) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// defaultCleanupInterval is the default period of the expired-entry sweep.
const defaultCleanupInterval = time.Minute

func applyStrategyOptions(opts []StrategyOption) strategyOptions {
	o := strategyOptions{
		logger:          observability.NopLogger(),
		cleanupInterval: defaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
