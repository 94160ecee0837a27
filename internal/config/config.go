// Package config provides configuration types and loading for the gateway.
package config

import "time"

// Default configuration values.
const (
	DefaultListenAddr = ":8080"

	DefaultCacheMaxSize = 1000
	DefaultCacheTTL     = 5 * time.Minute

	DefaultUpstreamTimeout      = 30 * time.Second
	DefaultUpstreamRetries      = 3
	DefaultUpstreamBackoffBase  = 100 * time.Millisecond
	DefaultUpstreamBackoffMax   = 10 * time.Second
	DefaultBreakerThreshold     = 5
	DefaultBreakerTimeout       = 30 * time.Second
	DefaultRateLimitRPS         = 50
	DefaultRateLimitBurst       = 100
	DefaultProgressMinInterval  = time.Second
	DefaultOperationRetention   = time.Hour
)

// Cache strategy names.
const (
	// CacheStrategyTimeBased evicts the oldest-inserted entry at capacity.
	CacheStrategyTimeBased = "time-based"

	// CacheStrategyLRU evicts the least-recently-used entry at capacity.
	CacheStrategyLRU = "lru"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// MAAS configures the upstream provisioning API.
	MAAS MAASConfig `yaml:"maas" json:"maas"`

	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Auth configures client authentication.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// RateLimit configures per-client rate limiting.
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the address the gateway listens on.
	ListenAddr string `yaml:"listenAddr" json:"listenAddr"`

	// MetricsAddr is the address the Prometheus endpoint listens on.
	// Empty disables the metrics listener.
	MetricsAddr string `yaml:"metricsAddr,omitempty" json:"metricsAddr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format" json:"format"`

	// Output is "stderr" or "stdout".
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// MAASConfig configures the upstream provisioning API client.
type MAASConfig struct {
	// BaseURL is the API root, e.g. "http://maas.example.com:5240/MAAS".
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`

	// APIKey is the MAAS API key in "consumer:token:secret" form.
	APIKey string `yaml:"apiKey" json:"apiKey"`

	// Timeout is the per-request timeout.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries is the number of attempts for retryable failures.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker. Zero disables the breaker.
	BreakerThreshold int `yaml:"breakerThreshold,omitempty" json:"breakerThreshold,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Enabled turns the cache on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Strategy selects the eviction policy: "time-based" or "lru".
	Strategy string `yaml:"strategy" json:"strategy"`

	// MaxSize is the maximum number of cached entries.
	MaxSize int `yaml:"maxSize,omitempty" json:"maxSize,omitempty"`

	// MaxAge is the default time-to-live for cached entries.
	MaxAge Duration `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`

	// ResourceTTL overrides the default TTL per resource name.
	ResourceTTL map[string]Duration `yaml:"resourceTTL,omitempty" json:"resourceTTL,omitempty"`

	// CleanupInterval is the period of the expired-entry sweep.
	CleanupInterval Duration `yaml:"cleanupInterval,omitempty" json:"cleanupInterval,omitempty"`
}

// AuthConfig configures client authentication. When both APIKey and JWT
// are empty, authentication is disabled.
type AuthConfig struct {
	// APIKey is a static key expected in the X-API-Key header.
	APIKey string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`

	// JWT configures bearer-token validation.
	JWT *JWTConfig `yaml:"jwt,omitempty" json:"jwt,omitempty"`
}

// JWTConfig configures bearer-token validation.
type JWTConfig struct {
	// Secret is the HMAC signing secret.
	Secret string `yaml:"secret" json:"secret"`

	// Issuer, when set, must match the token "iss" claim.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience, when set, must be present in the token "aud" claim.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RPS is the sustained requests-per-second budget per client.
	RPS int `yaml:"rps,omitempty" json:"rps,omitempty"`

	// Burst is the burst allowance per client.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		MAAS: MAASConfig{
			Timeout: Duration(DefaultUpstreamTimeout),
			Retries: DefaultUpstreamRetries,
		},
		Cache: DefaultCacheConfig(),
		RateLimit: RateLimitConfig{
			RPS:   DefaultRateLimitRPS,
			Burst: DefaultRateLimitBurst,
		},
	}
}

// DefaultCacheConfig returns default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:         true,
		Strategy:        CacheStrategyLRU,
		MaxSize:         DefaultCacheMaxSize,
		MaxAge:          Duration(DefaultCacheTTL),
		CleanupInterval: Duration(time.Minute),
	}
}
