// Package identity is the HTTP client for the identity backend that issues
// and validates tokens and owns accounts, passwords, roles and second
// factors.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 64 << 10
	maxBody        = 1 << 20
	userAgent      = "tollgate/1.0"
)

// RefreshOutcome labels the result of a transparent refresh attempt.
type RefreshOutcome string

const (
	RefreshSucceeded RefreshOutcome = "success"
	RefreshRejected  RefreshOutcome = "rejected"
	RefreshFailed    RefreshOutcome = "error"
)

// Client calls the identity backend. It is safe for concurrent use.
type Client struct {
	baseURL      string
	http         *http.Client
	serviceToken string
	logger       *slog.Logger
	now          func() time.Time
	onRefresh    func(RefreshOutcome)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracing wraps the transport so backend calls emit OpenTelemetry spans
// and propagate trace context.
func WithTracing() Option {
	return func(c *Client) {
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc := *c.http
		hc.Transport = otelhttp.NewTransport(base)
		c.http = &hc
	}
}

// WithServiceToken sets the bearer token used for administrative calls.
func WithServiceToken(token string) Option {
	return func(c *Client) { c.serviceToken = token }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the clock used for lockout comparisons.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRefreshObserver registers fn to be told the outcome of every refresh
// attempted by the transparent refresh protocol.
func WithRefreshObserver(fn func(RefreshOutcome)) Option {
	return func(c *Client) { c.onRefresh = fn }
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid identity backend URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "identity_client")
	return c, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
// Non-2xx responses and transport failures return *BackendError.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("identity backend request failed", "method", method, "path", path, "error", err)
		return &BackendError{Detail: "identity service unavailable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return &BackendError{Status: resp.StatusCode, Detail: "invalid response from identity service", Err: err}
	}
	return nil
}

func (c *Client) admin(ctx context.Context, method, path string, in, out any) error {
	if c.serviceToken == "" {
		return ErrServiceTokenMissing
	}
	return c.do(ctx, method, path, c.serviceToken, in, out)
}
