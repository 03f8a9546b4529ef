// Package client provides the stack management API client with retries,
// rate limiting and error classification.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/ratelimit"
	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Version is reported to the stack in the X-User-Agent header.
const Version = "0.4.0"

// DefaultUserAgent identifies this tool and its version.
const DefaultUserAgent = "cs-bulk-publish/" + Version

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// Prometheus metrics for stack requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_requests_total",
		Help: "Total stack requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_request_duration_seconds",
		Help:    "Stack request duration in seconds by operation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_errors_total",
		Help: "Total stack errors by class",
	}, []string{"class"})
)

// Client sends requests to the stack management API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the management API, e.g. "https://api.contentstack.io".
	BaseURL string

	// Credentials. APIKey and one of ManagementToken, AuthToken or
	// DeliveryToken are required. DeliveryToken is for the delivery API only.
	APIKey          string
	ManagementToken string
	AuthToken       string
	DeliveryToken   string
	Branch          string

	// UserAgent is sent as User-Agent and X-User-Agent.
	UserAgent string

	// RateLimit is the client-side pace in requests per second (<= 0: unlimited).
	RateLimit float64

	// RateLimitStore shares 429 cooldowns between clients. Nil keeps state in process.
	RateLimitStore ratelimit.Store

	// Timeout per HTTP attempt.
	Timeout time.Duration

	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey, managementToken string) Config {
	return Config{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		ManagementToken: managementToken,
		UserAgent:       DefaultUserAgent,
		RateLimit:       10,
		Timeout:         30 * time.Second,
		Retry:           DefaultRetryConfig(),
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.ManagementToken == "" && cfg.AuthToken == "" && cfg.DeliveryToken == "" {
		return nil, fmt.Errorf("management token, auth token or delivery token is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger("stack-client")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		limiter:    limiter,
		tracker:    ratelimit.NewTracker(cfg.RateLimitStore, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Request describes one call to the management API.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is JSON encoded when non-nil.
	Body any

	// Operation labels metrics and logs, e.g. "bulk_publish".
	Operation string
}

// Response is a successful (200-399) response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is the number of attempts it took.
	Attempts int
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Send performs req, retrying 429 and 5xx responses with exponential
// backoff. 4xx responses and transport errors fail immediately.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	operation := req.Operation
	if operation == "" {
		operation = strings.ToLower(req.Method)
	}
	logger := c.logger.With().Str("operation", operation).Str("path", req.Path).Logger()

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		resp, err := c.attempt(ctx, req, payload, operation)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(operation, "network_error").Inc()
			logger.Error().Err(err).Int("attempt", attempt).Msg("Request failed")
			return nil, backoff.Permanent(&APIError{ErrorClass: ErrorClassNetwork, Err: err})
		}

		requestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

		class := classifyStatus(resp.StatusCode)
		if class == "" {
			resp.Attempts = attempt
			return resp, nil
		}

		errorsTotal.WithLabelValues(string(class)).Inc()
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Body:       string(resp.Body),
		}

		logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Msg("Stack request error")

		if !shouldRetry(class) {
			return nil, backoff.Permanent(apiErr)
		}

		if attempt >= c.config.Retry.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			logger.Warn().
				Str("error_class", string(class)).
				Int("max_attempts", c.config.Retry.MaxAttempts).
				Msg("Retry attempts exhausted")
			return nil, backoff.Permanent(fmt.Errorf("%w after %d attempts: %w",
				ErrMaxRetriesExceeded, attempt, apiErr))
		}
		return nil, apiErr
	}

	notify := func(err error, delay time.Duration) {
		class := ErrorClass("")
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			class = apiErr.ErrorClass
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		if class == ErrorClassRateLimit {
			if cerr := c.tracker.Cooldown(ctx, delay); cerr != nil {
				logger.Warn().Err(cerr).Msg("Failed to share rate limit cooldown")
			}
		}

		logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if c.config.Retry.OnRetry != nil {
			c.config.Retry.OnRetry(attempt, delay, err)
		}
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&sqrt2Backoff{base: c.config.Retry.BaseDelay}),
		// MaxAttempts is the only bound; 0 lifts the library's elapsed-time cap.
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, err
	}

	if attempt > 1 {
		logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
	}
	return resp, nil
}

// attempt executes one HTTP round trip. A non-nil error means the request
// never produced a response.
func (c *Client) attempt(ctx context.Context, req *Request, payload []byte, operation string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if err := c.tracker.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit cooldown: %w", err)
	}

	httpReq, err := c.newHTTPRequest(ctx, req, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := c.tracker.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, payload []byte) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("api_key", c.config.APIKey)
	switch {
	case c.config.ManagementToken != "":
		httpReq.Header.Set("authorization", c.config.ManagementToken)
	case c.config.AuthToken != "":
		httpReq.Header.Set("authtoken", c.config.AuthToken)
	default:
		httpReq.Header.Set("access_token", c.config.DeliveryToken)
	}
	if c.config.Branch != "" {
		httpReq.Header.Set("branch", c.config.Branch)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values, operation string) (*Response, error) {
	return c.Send(ctx, &Request{
		Method:    http.MethodGet,
		Path:      path,
		Query:     query,
		Operation: operation,
	})
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body any, operation string) (*Response, error) {
	return c.Send(ctx, &Request{
		Method:    http.MethodPost,
		Path:      path,
		Query:     query,
		Body:      body,
		Operation: operation,
	})
}

// Tracker returns the rate limit tracker (for testing).
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
