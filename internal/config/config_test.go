package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  listenAddr: ":9090"
logging:
  level: debug
  format: console
maas:
  baseUrl: "http://maas.example.com:5240/MAAS"
  apiKey: "consumer:token:secret"
  timeout: "15s"
cache:
  enabled: true
  strategy: lru
  maxSize: 500
  maxAge: "10m"
  resourceTTL:
    machine: "1m"
    subnet: "30m"
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://maas.example.com:5240/MAAS", cfg.MAAS.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.MAAS.Timeout.Duration())
	assert.Equal(t, CacheStrategyLRU, cfg.Cache.Strategy)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.Equal(t, 10*time.Minute, cfg.Cache.MaxAge.Duration())
	assert.Equal(t, time.Minute, cfg.Cache.ResourceTTL["machine"].Duration())
	assert.Equal(t, 30*time.Minute, cfg.Cache.ResourceTTL["subnet"].Duration())
}

func TestLoadDefaultsApply(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
maas:
  baseUrl: "http://maas.local:5240/MAAS"
`))
	require.NoError(t, err)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, DefaultCacheMaxSize, cfg.Cache.MaxSize)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.MaxAge.Duration())
	assert.Equal(t, DefaultUpstreamRetries, cfg.MAAS.Retries)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_MAAS_URL", "http://maas.test:5240/MAAS")

	cfg, err := LoadFromReader(strings.NewReader(`
maas:
  baseUrl: "${TEST_MAAS_URL}"
  apiKey: "${TEST_MAAS_KEY:-a:b:c}"
`))
	require.NoError(t, err)

	assert.Equal(t, "http://maas.test:5240/MAAS", cfg.MAAS.BaseURL)
	assert.Equal(t, "a:b:c", cfg.MAAS.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.MAAS.BaseURL = "http://maas.local:5240/MAAS"
		cfg.MAAS.APIKey = "a:b:c"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.MAAS.BaseURL = "" },
			wantErr: ErrMissingBaseURL,
		},
		{
			name:    "bad base URL scheme",
			mutate:  func(c *Config) { c.MAAS.BaseURL = "ftp://maas" },
			wantErr: ErrInvalidBaseURL,
		},
		{
			name:    "malformed API key",
			mutate:  func(c *Config) { c.MAAS.APIKey = "just-a-token" },
			wantErr: ErrInvalidAPIKey,
		},
		{
			name:    "unknown cache strategy",
			mutate:  func(c *Config) { c.Cache.Strategy = "fifo" },
			wantErr: ErrInvalidStrategy,
		},
		{
			name:    "non-positive max size",
			mutate:  func(c *Config) { c.Cache.MaxSize = 0 },
			wantErr: ErrInvalidMaxSize,
		},
		{
			name: "non-positive resource TTL",
			mutate: func(c *Config) {
				c.Cache.ResourceTTL = map[string]Duration{"machine": 0}
			},
			wantErr: ErrInvalidResourceTTL,
		},
		{
			name:    "jwt without secret",
			mutate:  func(c *Config) { c.Auth.JWT = &JWTConfig{} },
			wantErr: ErrMissingJWTSecret,
		},
		{
			name: "rate limit enabled without rps",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.RPS = 0
			},
			wantErr: ErrInvalidRateLimitRPS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDurationMarshaling(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1h30m"`)))
	assert.Equal(t, 90*time.Minute, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(out))

	require.NoError(t, d.UnmarshalJSON([]byte("null")))
	assert.Equal(t, time.Duration(0), d.Duration())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
