// Package quickbase provides a client for the Quickbase JSON REST API.
//
// # Client Architecture
//
// The [Client] is the authenticated transport. It wraps net/http and adds:
//
//   - Authentication: every request carries the QB-Realm-Hostname and
//     Authorization headers built from the configured realm and user token.
//   - Optional rate limiter: proactive client-side limiting via
//     golang.org/x/time/rate.
//   - Metrics: request count, latency, and error counters per endpoint.
//
// The client does not retry. [Client.Do] returns the response for every HTTP
// status and an error wrapping [ErrTransport] only when no response arrived.
// Callers decide what a status means; the only fallback in the package is
// the per-row upload retry in [RecordsQuery.Upload].
//
// # Queries
//
//	┌────────────────┬──────────────────────────────────────────────────────┐
//	│ Type           │ Role                                                 │
//	├────────────────┼──────────────────────────────────────────────────────┤
//	│ AppQuery       │ lists tables, runs a full backup across all tables   │
//	│ TableQuery     │ unloaded table handle; Load fetches the field map    │
//	│ RecordsQuery   │ loaded handle; reports, paginated records, upserts   │
//	└────────────────┴──────────────────────────────────────────────────────┘
//
// # Endpoints
//
//	GET  /v1/tables              appId
//	GET  /v1/fields              tableId, top
//	GET  /v1/reports             tableId, top
//	POST /v1/reports/{id}/run    tableId, top, skip
//	POST /v1/records             body: {to, data}
//
// # Thread Safety
//
// A Client is safe for concurrent use. Query values are not; each backup run
// issues its requests sequentially.
package quickbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/RaikaSurendra/quickbase-backup/internal/config"
	"github.com/RaikaSurendra/quickbase-backup/internal/observability"
)

const (
	defaultPageSize  = 5000
	defaultUserAgent = "quickbase-backup"
	tokenScheme      = "QB-USER-TOKEN"
)

// Client is the authenticated transport for the Quickbase API.
type Client struct {
	baseURL   string
	realm     string
	token     string
	appID     string
	pageSize  int
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithRateLimiter sets a client-side rate limiter.
func WithRateLimiter(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps)))
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a Client from explicit configuration. It returns
// ErrCredentialsMissing when the realm or the user token is empty; the
// caller is responsible for resolving them from files or the environment.
func NewClient(cfg config.QuickbaseConfig, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.Realm) == "" || strings.TrimSpace(cfg.UserToken) == "" {
		return nil, ErrCredentialsMissing
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.quickbase.com"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		realm:     cfg.Realm,
		token:     cfg.UserToken,
		appID:     cfg.AppID,
		pageSize:  pageSize,
		userAgent: defaultUserAgent,
		logger:    logger.With("component", "qb-client", "realm", cfg.Realm),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// AppID returns the application id the client was configured with. It is
// informational only; queries take their app id explicitly.
func (c *Client) AppID() string { return c.appID }

// PageSize returns the "top" value sent with list and report-run requests.
func (c *Client) PageSize() int { return c.pageSize }

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do issues a single request against the API. path is relative to the base
// URL (e.g. "/v1/tables"); params are encoded into the query string; a
// non-nil body is sent as JSON.
//
// Do returns the response for any HTTP status. The error is non-nil only when
// the request could not be built, the context ended, or no response was
// received, in which case it wraps ErrTransport.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body any) (*Response, error) {
	reqURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	endpoint := endpointLabel(path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			observability.Metrics.APIErrorsTotal.WithLabelValues(method, "rate_limited").Inc()
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	c.setHeaders(req, body != nil)

	c.logger.Debug("sending request", "method", method, "path", path, "params", params.Encode())

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.Metrics.APIRequestsTotal.WithLabelValues(method, endpoint).Inc()
	observability.Metrics.APILatency.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.Metrics.APIErrorsTotal.WithLabelValues(method, "context_canceled").Inc()
			return nil, fmt.Errorf("request cancelled: %w", ctxErr)
		}
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "network").Inc()
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "network").Inc()
		return nil, fmt.Errorf("%s %s: reading response body: %w: %w", method, path, ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		c.logger.Debug("error status", "method", method, "path", path, "status", resp.StatusCode, "body", truncateBody(data))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("QB-Realm-Hostname", c.realm)
	req.Header.Set("Authorization", authorization(c.token))
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

// authorization prefixes a bare user token with the QB-USER-TOKEN scheme.
// Tokens that already carry a scheme ("QB-USER-TOKEN x", "QB-TEMP-TOKEN x")
// are sent unchanged.
func authorization(token string) string {
	token = strings.TrimSpace(token)
	if strings.Contains(token, " ") {
		return token
	}
	return tokenScheme + " " + token
}

// endpointLabel replaces numeric path segments so that metric labels do not
// grow with every report id.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if _, err := strconv.Atoi(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
