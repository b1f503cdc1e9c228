package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mjbazhu/Libryay/internal/cookie"
)

// Common errors.
var (
	ErrNotFound        = errors.New("http: resource not found")
	ErrForbidden       = errors.New("http: access forbidden")
	ErrUnauthorized    = errors.New("http: unauthorized")
	ErrTooManyRequests = errors.New("http: too many requests")
	ErrServerError     = errors.New("http: server error")
	ErrBodyTooLarge    = errors.New("http: response body too large")
)

// StatusError is returned for responses with status >= 400.
// Use errors.Is with the sentinels above to classify it.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: status %d from %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code == http.StatusTooManyRequests:
		return ErrTooManyRequests
	case e.Code >= 500:
		return ErrServerError
	default:
		return nil
	}
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for 5xx, 429 and
	// network errors. Other 4xx responses are returned immediately.
	// Default: 2
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// RateLimit caps requests per second across the client. Zero disables it.
	RateLimit float64

	// RateBurst is the limiter burst size.
	// Default: 1
	RateBurst int

	// Limiter, when set, is used instead of RateLimit. Clients sharing one
	// limiter are throttled together.
	Limiter *rate.Limiter

	// MaxBodySize bounds a response body.
	// Default: 64MiB
	MaxBodySize int64

	// Headers are sent with every request (User-Agent, Referer, ...).
	Headers map[string]string

	// Jar supplies the session cookie and receives Set-Cookie updates,
	// which are saved immediately.
	Jar *cookie.Jar

	// Logger receives retry and cookie persistence messages.
	Logger *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		RetryAttempts:       2,
		RetryBackoff:        500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		RateBurst:           1,
		MaxBodySize:         64 << 20,
	}
}

// Client fetches fragments over HTTP.
type Client struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = def.RateBurst
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = def.MaxBodySize
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
		log:  opts.Logger,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	switch {
	case opts.Limiter != nil:
		c.limiter = opts.Limiter
	case opts.RateLimit > 0:
		c.limiter = NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	return c
}

// NewLimiter returns a limiter allowing perSecond requests per second with
// the given burst, or nil when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// GetWithParams performs a GET of endpoint with params encoded as the query string.
func (c *Client) GetWithParams(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return c.Get(ctx, u.String())
}

// Get performs a GET request and returns the whole body.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			c.log.Debug("retrying request", zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(lastErr))
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, retry, err := c.do(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("get request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// do performs a single attempt and reports whether a failure is worth retrying.
func (c *Client) do(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if c.opts.Jar != nil && c.opts.Jar.Len() > 0 {
		req.Header.Set("Cookie", c.opts.Jar.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	c.updateCookies(resp)

	if err := checkStatusCode(resp.StatusCode, rawURL); err != nil {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, false, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, c.opts.MaxBodySize, rawURL)
	}
	return body, false, nil
}

func (c *Client) updateCookies(resp *http.Response) {
	if c.opts.Jar == nil {
		return
	}
	if !c.opts.Jar.Update(resp.Cookies()) {
		return
	}
	if err := c.opts.Jar.Save(); err != nil {
		c.log.Warn("save cookie jar", zap.Error(err))
	}
}

// Close releases idle connections. The client stays usable.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode returns a *StatusError for status codes >= 400.
func checkStatusCode(code int, rawURL string) error {
	if code < 400 {
		return nil
	}
	return &StatusError{Code: code, URL: rawURL}
}
