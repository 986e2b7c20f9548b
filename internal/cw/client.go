// Package cw provides a read-only client for the ConnectWise Manage REST API:
// authentication, rate limiting, retries, codebase resolution, the conditions
// query language and paginated collection fetchers.
package cw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/JohanCodinha/mspsync/internal/logger"
	"github.com/JohanCodinha/mspsync/internal/metrics"
)

const (
	// DefaultPageSize is the largest page the API will return.
	DefaultPageSize = 1000

	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second

	defaultMaxRetries = 3
	baseBackoff       = 1 * time.Second
	maxBackoff        = 30 * time.Second
	jitterFraction    = 0.25

	// maxErrorBodySize bounds how much of an error response is kept.
	maxErrorBodySize = 64 * 1024

	breakerName = "connectwise-api"
)

// Credentials identify an API member. The Basic auth username is
// "<CompanyID>+<PublicKey>" and the password is PrivateKey.
type Credentials struct {
	ClientID   string
	PublicKey  string
	PrivateKey string
	CompanyID  string
}

func (c Credentials) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client id")
	}
	if c.PublicKey == "" {
		missing = append(missing, "public key")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "private key")
	}
	if c.CompanyID == "" {
		missing = append(missing, "company id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	// BaseURL is the site root, e.g. "https://api-na.myconnectwise.net".
	// A bare host is accepted and assumed to be https.
	BaseURL     string
	Credentials Credentials

	// Codebase pins the versioned path segment ("v2024_1/") and skips the probe.
	Codebase string

	PageSize          int
	RequestsPerSecond float64 // <= 0 disables client-side rate limiting

	// MaxRetries bounds retries of transient failures. Zero selects the
	// default; negative disables retrying.
	MaxRetries int

	Timeout      time.Duration
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
}

// Client is a ConnectWise API client. One instance is meant to serve one
// sync run; the resolved codebase is memoized for its lifetime.
type Client struct {
	baseURL      string
	creds        Credentials
	httpClient   *http.Client
	pageSize     int
	probeTimeout time.Duration
	maxRetries   int
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[[]byte]

	// sleepFunc waits between retries. Tests override it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	pathMu       sync.Mutex
	codebase     string
	basePath     string
	pathResolved bool

	warnMu   sync.Mutex
	warnings []error
}

// New creates a client. It fails fast when credentials are incomplete.
func New(opts Options) (*Client, error) {
	if err := opts.Credentials.validate(); err != nil {
		return nil, err
	}

	base, err := normalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}

	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = defaultMaxRetries
	case retries < 0:
		retries = 0
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	c := &Client{
		baseURL:      base,
		creds:        opts.Credentials,
		httpClient:   httpClient,
		pageSize:     pageSize,
		probeTimeout: probeTimeout,
		maxRetries:   retries,
		limiter:      rate.NewLimiter(limit, 1),
		breaker:      newBreaker(),
		sleepFunc:    timeSleep,
		codebase:     normalizeCodebase(opts.Codebase),
	}
	return c, nil
}

func newBreaker() *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cw: circuit breaker %s %s -> %s", name, from, to)
			metrics.BreakerState.Set(float64(to))
		},
	})
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("cw: base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cw: invalid base URL %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// PageSize returns the page size used by FetchAllPages.
func (c *Client) PageSize() int {
	return c.pageSize
}

// Warnings returns the non-fatal failures recorded so far (partial pages).
func (c *Client) Warnings() []error {
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	out := make([]error, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Client) addWarning(err error) {
	logger.Warn("%v", err)
	c.warnMu.Lock()
	c.warnings = append(c.warnings, err)
	c.warnMu.Unlock()
}

// get issues a GET against the resolved API root and returns the body.
// Throttling, 5xx and network errors are retried with exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	base, err := c.BasePath(ctx)
	if err != nil {
		return nil, err
	}

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("cw: rate limiter: %w", err)
		}

		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doOnce(ctx, path, target)
		})
		if err == nil {
			return body, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("cw: request canceled: %w", ctx.Err())
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("cw: GET %s: %w", path, err)
		}
		if !isTransient(err) || attempt >= c.maxRetries {
			return nil, err
		}

		backoff := calcBackoff(attempt, err)
		logger.Warn("cw: retrying GET %s after error (attempt %d, backoff %s): %v", path, attempt+1, backoff, err)
		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("cw: request canceled: %w", sleepErr)
		}
	}
}

func (c *Client) doOnce(ctx context.Context, path, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("cw: failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Requests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("cw: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	metrics.Requests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Path:       path,
			Message:    string(readBodyForError(resp.Body)),
			Err:        classifyStatus(resp.StatusCode),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, convErr := strconv.Atoi(ra); convErr == nil && seconds > 0 {
				return nil, &retryAfterError{APIError: apiErr, wait: time.Duration(seconds) * time.Second}
			}
		}
		return nil, apiErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cw: GET %s: reading body: %w", path, err)
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	req.SetBasicAuth(c.creds.CompanyID+"+"+c.creds.PublicKey, c.creds.PrivateKey)
	req.Header.Set("clientId", c.creds.ClientID)
	req.Header.Set("Accept", "application/json")
}

// retryAfterError is an APIError that carries the server's Retry-After hint.
type retryAfterError struct {
	*APIError
	wait time.Duration
}

func (e *retryAfterError) Unwrap() error {
	return e.APIError
}

func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

// calcBackoff computes exponential backoff with ±25% jitter, unless the
// server named a Retry-After delay.
func calcBackoff(attempt int, err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.wait
	}

	backoff := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	backoff += backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	return time.Duration(backoff)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
