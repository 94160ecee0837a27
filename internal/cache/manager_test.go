package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalmcp/metalmcp/internal/config"
)

func newTestManager(t *testing.T, mutate func(*config.CacheConfig)) *Manager {
	t.Helper()

	cfg := config.CacheConfig{
		Enabled:         true,
		Strategy:        config.CacheStrategyLRU,
		MaxSize:         100,
		MaxAge:          config.Duration(5 * time.Minute),
		CleanupInterval: config.Duration(time.Hour),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*config.CacheConfig)
		expectErr error
	}{
		{
			name: "lru strategy",
		},
		{
			name: "time-based strategy",
			mutate: func(c *config.CacheConfig) {
				c.Strategy = config.CacheStrategyTimeBased
			},
		},
		{
			name: "empty strategy defaults to lru",
			mutate: func(c *config.CacheConfig) {
				c.Strategy = ""
			},
		},
		{
			name: "unknown strategy",
			mutate: func(c *config.CacheConfig) {
				c.Strategy = "fifo"
			},
			expectErr: ErrUnknownStrategy,
		},
		{
			name: "non-positive max size",
			mutate: func(c *config.CacheConfig) {
				c.MaxSize = 0
			},
			expectErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.CacheConfig{
				Enabled:         true,
				Strategy:        config.CacheStrategyLRU,
				MaxSize:         10,
				MaxAge:          config.Duration(time.Minute),
				CleanupInterval: config.Duration(time.Hour),
			}
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			m, err := NewManager(cfg, nil)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			m.Stop()
		})
	}
}

func TestManagerGetSet(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	entry := m.Set(ctx, "machine:abc", map[string]string{"status": "ready"}, "machine", nil)
	require.NotNil(t, entry)

	value, ok := m.Get(ctx, "machine:abc")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"status": "ready"}, value)

	stored, ok := m.GetEntry(ctx, "machine:abc")
	require.True(t, ok)
	assert.Equal(t, "machine:abc", stored.Key)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestManagerDisabledSemantics(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	m.Set(ctx, "k", "v", "", nil)
	require.Equal(t, 1, m.Size())

	m.SetEnabled(false)

	t.Run("get reports miss", func(t *testing.T) {
		_, ok := m.Get(ctx, "k")
		assert.False(t, ok)
	})

	t.Run("set is a no-op", func(t *testing.T) {
		assert.Nil(t, m.Set(ctx, "k2", "v2", "", nil))
	})

	t.Run("delete reports false", func(t *testing.T) {
		assert.False(t, m.Delete("k"))
	})

	t.Run("invalidate reports zero", func(t *testing.T) {
		count, err := m.Invalidate(".*")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("size still reflects storage", func(t *testing.T) {
		assert.Equal(t, 1, m.Size())
	})

	t.Run("clear still operates", func(t *testing.T) {
		m.Clear()
		assert.Equal(t, 0, m.Size())
	})

	// Re-enabling restores normal behavior.
	m.SetEnabled(true)
	assert.True(t, m.IsEnabled())
	m.Set(ctx, "k3", "v3", "", nil)
	_, ok := m.Get(ctx, "k3")
	assert.True(t, ok)
}

func TestManagerSetOptionsDisabled(t *testing.T) {
	m := newTestManager(t, nil)

	entry := m.Set(context.Background(), "k", "v", "", &SetOptions{Disabled: true})
	assert.Nil(t, entry)
	assert.Equal(t, 0, m.Size())
}

func TestManagerTTLPrecedence(t *testing.T) {
	m := newTestManager(t, func(c *config.CacheConfig) {
		c.MaxAge = config.Duration(5 * time.Minute)
		c.ResourceTTL = map[string]config.Duration{
			"machine": config.Duration(time.Minute),
		}
	})
	ctx := context.Background()

	t.Run("resource TTL beats default", func(t *testing.T) {
		entry := m.Set(ctx, "k1", "v", "machine", nil)
		require.NotNil(t, entry)
		assert.Equal(t, entry.CreatedAt.Add(time.Minute), entry.ExpiresAt)
	})

	t.Run("per-call TTL beats resource TTL", func(t *testing.T) {
		entry := m.Set(ctx, "k2", "v", "machine", &SetOptions{TTL: 10 * time.Second})
		require.NotNil(t, entry)
		assert.Equal(t, entry.CreatedAt.Add(10*time.Second), entry.ExpiresAt)
	})

	t.Run("default applies to unknown resources", func(t *testing.T) {
		entry := m.Set(ctx, "k3", "v", "subnet", nil)
		require.NotNil(t, entry)
		assert.Equal(t, entry.CreatedAt.Add(5*time.Minute), entry.ExpiresAt)
	})
}

func TestManagerTTLAccessors(t *testing.T) {
	m := newTestManager(t, nil)

	assert.Equal(t, 5*time.Minute, m.DefaultTTL())
	assert.Equal(t, 5*time.Minute, m.ResourceTTL("machine"))

	m.SetResourceTTL("machine", time.Minute)
	assert.Equal(t, time.Minute, m.ResourceTTL("machine"))

	m.SetDefaultTTL(time.Hour)
	assert.Equal(t, time.Hour, m.DefaultTTL())
	assert.Equal(t, time.Hour, m.ResourceTTL("subnet"))
	assert.Equal(t, time.Minute, m.ResourceTTL("machine"))
}

func TestManagerInvalidateResource(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	m.Set(ctx, "machine:1", 1, "machine", nil)
	m.Set(ctx, "machine:2", 2, "machine", nil)
	m.Set(ctx, "machines:list", 3, "machine", nil)

	count, err := m.InvalidateResource("machine")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The prefix match is exact: "machines:list" is a different family.
	_, ok := m.Get(ctx, "machines:list")
	assert.True(t, ok)
}

func TestManagerInvalidateResourceByID(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	m.Set(ctx, "machine:details:xyz", 1, "machine", nil)
	m.Set(ctx, "machine:details:abc", 2, "machine", nil)
	m.Set(ctx, "machine:details:xyz2", 3, "machine", nil)
	m.Set(ctx, "machine:xyz", 4, "machine", nil)
	m.Set(ctx, "machines:list", 5, "machine", nil)

	count, err := m.InvalidateResourceByID("machine", "xyz")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "both the direct and the one-segment forms match")

	_, ok := m.Get(ctx, "machine:details:abc")
	assert.True(t, ok)
	_, ok = m.Get(ctx, "machine:details:xyz2")
	assert.True(t, ok, "a longer id in the same position must not match")
	_, ok = m.Get(ctx, "machines:list")
	assert.True(t, ok)
}

func TestManagerInvalidateBadPattern(t *testing.T) {
	m := newTestManager(t, nil)

	count, err := m.Invalidate("([")
	assert.Error(t, err)
	assert.Equal(t, 0, count)
}

func TestManagerApplyConfig(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	m.Set(ctx, "k", "v", "", nil)

	m.ApplyConfig(config.CacheConfig{
		Enabled: false,
		MaxAge:  config.Duration(time.Minute),
		ResourceTTL: map[string]config.Duration{
			"subnet": config.Duration(30 * time.Minute),
		},
	})

	assert.False(t, m.IsEnabled())
	assert.Equal(t, time.Minute, m.DefaultTTL())
	assert.Equal(t, 30*time.Minute, m.ResourceTTL("subnet"))

	// Storage contents survive a settings reload.
	assert.Equal(t, 1, m.Size())
}

func TestManagerStartsDisabled(t *testing.T) {
	m := newTestManager(t, func(c *config.CacheConfig) {
		c.Enabled = false
	})

	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.Set(context.Background(), "k", "v", "", nil))
}
