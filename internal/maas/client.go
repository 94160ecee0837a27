// Package maas is the client for the upstream MAAS provisioning API.
// It signs requests with the MAAS API key, retries transient failures
// with exponential backoff, and trips a circuit breaker when the
// upstream is persistently unhealthy.
package maas

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// maasTracer is the OpenTelemetry tracer for upstream calls.
var maasTracer = otel.Tracer("metalmcp/maas")

// Client errors.
var (
	// ErrNotFound indicates the upstream resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized indicates the API key was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidAPIKey indicates a malformed API key.
	ErrInvalidAPIKey = errors.New("api key must have the form consumer:token:secret")

	// ErrCircuitOpen indicates the circuit breaker is rejecting calls.
	ErrCircuitOpen = errors.New("upstream circuit breaker open")
)

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// apiKey is a parsed MAAS API key.
type apiKey struct {
	consumerKey string
	tokenKey    string
	tokenSecret string
}

func parseAPIKey(key string) (apiKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return apiKey{}, ErrInvalidAPIKey
	}
	return apiKey{
		consumerKey: parts[0],
		tokenKey:    parts[1],
		tokenSecret: parts[2],
	}, nil
}

// Client calls the MAAS API.
type Client struct {
	baseURL     string
	key         apiKey
	httpClient  *http.Client
	logger      observability.Logger
	retries     int
	backoffBase time.Duration
	backoffMax  time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a MAAS API client from configuration.
func NewClient(cfg config.MAASConfig, opts ...ClientOption) (*Client, error) {
	key, err := parseAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = config.DefaultUpstreamRetries
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		key:         key,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      observability.NopLogger(),
		retries:     retries,
		backoffBase: config.DefaultUpstreamBackoffBase,
		backoffMax:  config.DefaultUpstreamBackoffMax,
	}

	for _, opt := range opts {
		opt(c)
	}

	if cfg.BreakerThreshold > 0 {
		c.breaker = newBreaker(cfg.BreakerThreshold, c.logger)
	}

	return c, nil
}

func newBreaker(threshold int, logger observability.Logger) *gobreaker.CircuitBreaker {
	thresholdU32 := uint32(threshold) //nolint:gosec // validated positive
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "maas",
		MaxRequests: thresholdU32,
		Timeout:     config.DefaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})
}

// get performs a GET against an API path and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, out)
}

// post performs a POST with form-encoded parameters, MAAS-style
// (operations are selected with the "op" query parameter).
func (c *Client) post(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, params, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	ctx, span := maasTracer.Start(ctx, "maas.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("maas.path", path),
		),
	)
	defer span.End()

	call := func() (any, error) {
		return nil, c.attemptWithRetry(ctx, method, path, params, out)
	}

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = ErrCircuitOpen
		}
	} else {
		_, err = call()
	}

	if err != nil {
		span.RecordError(err)
	}
	return err
}

// attemptWithRetry performs the request, retrying 429/5xx responses and
// transport errors with capped exponential backoff.
func (c *Client) attemptWithRetry(ctx context.Context, method, path string, params url.Values, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			if backoff > c.backoffMax {
				backoff = c.backoffMax
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			c.logger.Warn("retrying upstream request",
				observability.String("method", method),
				observability.String("path", path),
				observability.Int("attempt", attempt+1))
		}

		err := c.attempt(ctx, method, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, out any) error {
	requestURL := c.baseURL + path

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			requestURL += "?" + params.Encode()
		}
	default:
		if len(params) > 0 {
			body = bytes.NewBufferString(params.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authorizationHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// authorizationHeader builds the OAuth 1.0 PLAINTEXT header MAAS
// expects. MAAS tokens have no consumer secret, so the signature is
// "&<token_secret>".
func (c *Client) authorizationHeader() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)

	fields := []string{
		`oauth_version="1.0"`,
		`oauth_signature_method="PLAINTEXT"`,
		`oauth_consumer_key="` + url.QueryEscape(c.key.consumerKey) + `"`,
		`oauth_token="` + url.QueryEscape(c.key.tokenKey) + `"`,
		`oauth_signature="%26` + url.QueryEscape(c.key.tokenSecret) + `"`,
		`oauth_nonce="` + hex.EncodeToString(nonce) + `"`,
		`oauth_timestamp="` + strconv.FormatInt(time.Now().Unix(), 10) + `"`,
	}

	return "OAuth " + strings.Join(fields, ", ")
}

// isRetryable reports whether the request may be attempted again:
// transport errors, 429, and 5xx responses.
func isRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	// Transport-level failure.
	return true
}
