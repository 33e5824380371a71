// Package s3wire is a small HTTP-level client for S3-compatible object
// stores. It signs requests, parses ListObjectsV2 responses and retries
// transient failures. It knows nothing about what the objects contain.
package s3wire

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRegion         = "us-east-1"
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 4 * time.Second
	DefaultConcurrency    = 16

	// MaxDeleteBatch is the most keys a single multi-object delete may carry.
	MaxDeleteBatch = 1000
)

// ErrNotFound is returned by GetObject and HeadObject when the store answers 404.
var ErrNotFound = errors.New("s3wire: object not found")

// StatusError describes a non-2xx reply from the store.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("s3wire: %s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("s3wire: %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// Retryable reports whether the status is one the client retries on.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Bucket          string

	// Endpoint switches the client to path-style addressing against a
	// custom S3-compatible server, e.g. "http://127.0.0.1:9000".
	Endpoint string

	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Concurrency bounds the per-key fan-out of HeadObjects and the
	// per-key fallback of DeleteObjects.
	Concurrency int

	// DisableBatchDelete forces DeleteObjects to issue one DELETE per key.
	DisableBatchDelete bool

	// TempDir is where streamed uploads are spooled before signing.
	TempDir string

	HTTPClient *http.Client
	Signer     Signer

	// OnRetry, when set, is called before every retry.
	OnRetry func(err error, delay time.Duration)
}

type ConfigOption func(*Config)

func WithEndpoint(endpoint string) ConfigOption {
	return func(cfg *Config) {
		cfg.Endpoint = endpoint
	}
}

func WithRetryPolicy(maxRetries int, base time.Duration, max time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxRetries = maxRetries
		cfg.RetryBaseDelay = base
		cfg.RetryMaxDelay = max
	}
}

func WithConcurrency(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.Concurrency = n
	}
}

func WithHTTPClient(client *http.Client) ConfigOption {
	return func(cfg *Config) {
		cfg.HTTPClient = client
	}
}

func WithSigner(signer Signer) ConfigOption {
	return func(cfg *Config) {
		cfg.Signer = signer
	}
}

func WithoutBatchDelete() ConfigOption {
	return func(cfg *Config) {
		cfg.DisableBatchDelete = true
	}
}

func WithRetryNotify(fn func(err error, delay time.Duration)) ConfigOption {
	return func(cfg *Config) {
		cfg.OnRetry = fn
	}
}

// Client issues signed requests against a single bucket.
type Client struct {
	cfg      Config
	http     *http.Client
	signer   Signer
	endpoint *url.URL
}

// New validates cfg, applies opts on top of it and returns a Client.
func New(cfg Config, opts ...ConfigOption) (*Client, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Bucket == "" {
		return nil, errors.New("s3wire: bucket must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}

	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	c := &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		signer: cfg.Signer,
	}

	if c.http == nil {
		c.http = http.DefaultClient
	}

	if c.signer == nil {
		c.signer = NewV4Signer(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken, cfg.Region)
	}

	if cfg.Endpoint != "" {
		u, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
		if err != nil {
			return nil, fmt.Errorf("s3wire: parse endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("s3wire: endpoint %q must include a scheme and host", cfg.Endpoint)
		}
		c.endpoint = u
	}

	return c, nil
}

// Bucket returns the bucket the client is bound to.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// Concurrency returns the configured fan-out limit.
func (c *Client) Concurrency() int {
	return c.cfg.Concurrency
}

// encodeKey percent-encodes each segment of key on its own so that slashes
// stay structural.
func encodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// BucketURL returns the URL of the bucket itself, used for listing and
// multi-object delete.
func (c *Client) BucketURL() string {
	if c.endpoint != nil {
		return c.endpoint.String() + "/" + url.PathEscape(c.cfg.Bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.cfg.Bucket, c.cfg.Region)
}

// ObjectURL returns the URL addressing key. Path-style against a custom
// endpoint, virtual-hosted style against AWS.
func (c *Client) ObjectURL(key string) string {
	return c.BucketURL() + "/" + encodeKey(key)
}

// request describes one logical call. body is reopened for every attempt.
type request struct {
	method      string
	url         string
	header      http.Header
	body        func() io.Reader
	size        int64
	payloadHash string
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryBaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(c.cfg.RetryMaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
}

// do sends req, retrying on 5xx, 429 and transport errors. On success the
// caller owns the response body. Any other status is returned as a
// *StatusError without being retried.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		httpReq, err := c.build(ctx, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := readStatusError(req.method, req.url, resp)
		if statusErr.Retryable() {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	notify := func(err error, delay time.Duration) {
		slog.Warn("Retrying S3 request", "method", req.method, "url", req.url, "delay", delay, "err", err)
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(err, delay)
		}
	}

	return backoff.RetryNotifyWithData(operation, c.newBackOff(ctx), notify)
}

func (c *Client) build(ctx context.Context, req request) (*http.Request, error) {
	var body io.Reader
	if req.body != nil {
		body = req.body()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("s3wire: build request: %w", err)
	}

	for key, values := range req.header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	if req.body != nil {
		httpReq.ContentLength = req.size
	}

	payloadHash := req.payloadHash
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}
	httpReq.Header.Set("X-Amz-Content-Sha256", payloadHash)

	return c.signer.Sign(httpReq), nil
}

// readStatusError drains and closes resp.Body, extracting the S3 error code
// when the body carries one.
func readStatusError(method string, rawURL string, resp *http.Response) *StatusError {
	defer resp.Body.Close()

	statusErr := &StatusError{
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(data) == 0 {
		return statusErr
	}

	var body struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	if xml.Unmarshal(data, &body) == nil {
		statusErr.Code = body.Code
		statusErr.Message = body.Message
	}

	return statusErr
}

// isStatus reports whether err is a *StatusError with the given code.
func isStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
