package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validation errors.
var (
	ErrMissingBaseURL      = errors.New("maas.baseUrl is required")
	ErrInvalidBaseURL      = errors.New("maas.baseUrl must be a valid http(s) URL")
	ErrInvalidAPIKey       = errors.New("maas.apiKey must have the form consumer:token:secret")
	ErrInvalidStrategy     = errors.New("cache.strategy must be \"time-based\" or \"lru\"")
	ErrInvalidMaxSize      = errors.New("cache.maxSize must be positive")
	ErrInvalidMaxAge       = errors.New("cache.maxAge must be positive")
	ErrInvalidResourceTTL  = errors.New("cache.resourceTTL values must be positive")
	ErrMissingJWTSecret    = errors.New("auth.jwt.secret is required when jwt auth is configured")
	ErrInvalidRateLimitRPS = errors.New("rateLimit.rps must be positive when rate limiting is enabled")
)

// Validate checks the configuration for errors.
func Validate(cfg *Config) error {
	if err := validateMAAS(&cfg.MAAS); err != nil {
		return err
	}
	if err := validateCache(&cfg.Cache); err != nil {
		return err
	}
	if cfg.Auth.JWT != nil && cfg.Auth.JWT.Secret == "" {
		return ErrMissingJWTSecret
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS <= 0 {
		return ErrInvalidRateLimitRPS
	}
	return nil
}

func validateMAAS(cfg *MAASConfig) error {
	if cfg.BaseURL == "" {
		return ErrMissingBaseURL
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidBaseURL
	}

	if cfg.APIKey != "" && len(strings.Split(cfg.APIKey, ":")) != 3 {
		return ErrInvalidAPIKey
	}

	return nil
}

func validateCache(cfg *CacheConfig) error {
	switch cfg.Strategy {
	case CacheStrategyTimeBased, CacheStrategyLRU, "":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidStrategy, cfg.Strategy)
	}

	if cfg.MaxSize <= 0 {
		return ErrInvalidMaxSize
	}
	if cfg.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}
	for resource, ttl := range cfg.ResourceTTL {
		if ttl <= 0 {
			return fmt.Errorf("%w: resource %q", ErrInvalidResourceTTL, resource)
		}
	}

	return nil
}
