// Package client provides the Service Explorer HTTP client: session
// authentication headers, an optional request ceiling, error classification
// and request metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svcexp_requests_total",
		Help: "Total Service Explorer requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "svcexp_request_duration_seconds",
		Help:    "Service Explorer request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svcexp_errors_total",
		Help: "Total Service Explorer errors by class",
	}, []string{"class"})
)

// DefaultUserAgent identifies the exporter to the API.
const DefaultUserAgent = "svcexp-policy-export/0.1.0"

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 2048

// Client performs authenticated JSON GETs against one API origin.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// SessionToken is sent as "Authorization: Session <token>" (REQUIRED).
	SessionToken string

	// UserAgent header.
	UserAgent string

	// Timeout bounds each request, including reading the body.
	Timeout time.Duration

	// MaxRequestsPerSecond caps the request rate across all fetches.
	// Zero disables the cap.
	MaxRequestsPerSecond float64
}

// DefaultConfig returns a configuration with a 30s timeout and no request cap.
func DefaultConfig(sessionToken string) Config {
	return Config{
		SessionToken: sessionToken,
		UserAgent:    DefaultUserAgent,
		Timeout:      30 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.SessionToken == "" {
		return nil, fmt.Errorf("session token is required")
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	if cfg.MaxRequestsPerSecond < 0 {
		return nil, fmt.Errorf("max requests per second must be >= 0 (got %g)", cfg.MaxRequestsPerSecond)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	limit := rate.Inf
	if cfg.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxRequestsPerSecond)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		config:  cfg,
		logger:  logging.NewLogger("svcexp-client"),
	}, nil
}

// Do sets the session headers and performs the request.
// The caller owns the response body. Non-2xx responses are returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{ErrorClass: ErrorClassNetwork, Message: "request ceiling wait", Err: err}
	}

	req.Header.Set("Authorization", "Session "+c.config.SessionToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())

	if err != nil {
		errClass := c.classifyError(nil, err)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &APIError{ErrorClass: errClass, Message: "request failed", Err: err}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// GetJSON performs a GET on rawURL and decodes a 2xx JSON body into v.
// Any other status yields an *APIError carrying an excerpt of the body.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errClass := c.classifyError(resp, nil)
		errorsTotal.WithLabelValues(string(errClass)).Inc()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn().
			Str("endpoint", req.URL.Path).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("API request error")
		c.logger.Debug().
			Str("endpoint", req.URL.Path).
			Str("body", string(body)).
			Msg("Error response body (check session token on 401/403)")

		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
			Body:       string(body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "decode response body",
			Err:        err,
		}
	}

	return nil
}

// classifyError categorizes a failed request for observability.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// 1xx and 3xx that the transport did not follow
		return ErrorClassClient
	default:
		return ""
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
