package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxRetries is the total number of attempts per operation.
	DefaultMaxRetries = 3

	// DefaultRetryDelay seeds the exponential retry backoff.
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxRetryDelay caps the exponential retry backoff.
	DefaultMaxRetryDelay = 30 * time.Second

	// DefaultMaxDownloadSize bounds a single content download.
	DefaultMaxDownloadSize = 20 << 20

	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second
)

// FileInfo describes an object resolved by the upstream API. Location is
// the opaque path used to fetch the content itself.
type FileInfo struct {
	Location string
	Size     int64
}

// ClientStats is a snapshot of per-client counters.
type ClientStats struct {
	Requests        int64 `json:"requests"`
	Successful      int64 `json:"successful"`
	Failed          int64 `json:"failed"`
	Retries         int64 `json:"retries"`
	RateLimited     int64 `json:"rate_limited"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
}

// Client talks to the upstream media API through the adaptive queue. The
// info endpoint resolves a key to a download location; the download
// endpoint returns raw content. Both are retried with exponential
// backoff and jitter, except API errors which fail immediately.
type Client struct {
	apiURL      string
	downloadURL string
	token       string
	httpClient  *http.Client
	queue       *Queue
	logger      *slog.Logger

	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxDownload   int64

	requests        atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	retries         atomic.Int64
	rateLimited     atomic.Int64
	bytesDownloaded atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client, used for testing.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithMaxRetries sets the total attempts per operation.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelays sets the base and ceiling for retry backoff.
func WithRetryDelays(base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = base
		c.maxRetryDelay = max
	}
}

// WithMaxDownloadSize bounds a single content download in bytes.
func WithMaxDownloadSize(n int64) ClientOption {
	return func(c *Client) {
		c.maxDownload = n
	}
}

// NewClient creates a client for the given API and download base URLs,
// executing all requests through queue.
func NewClient(apiURL, downloadURL string, queue *Queue, opts ...ClientOption) *Client {
	c := &Client{
		apiURL:        apiURL,
		downloadURL:   downloadURL,
		httpClient:    &http.Client{Timeout: DefaultRequestTimeout},
		queue:         queue,
		logger:        slog.Default(),
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		maxRetryDelay: DefaultMaxRetryDelay,
		maxDownload:   DefaultMaxDownloadSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchInfo resolves key to a download location via the upstream API.
func (c *Client) FetchInfo(ctx context.Context, key string) (*FileInfo, error) {
	return Do(ctx, c.queue, func(ctx context.Context) (*FileInfo, error) {
		return retry(ctx, c, "fetch info", func(ctx context.Context) (*FileInfo, error) {
			return c.fetchInfoOnce(ctx, key)
		})
	})
}

// FetchContent downloads the object at location, resolved earlier by
// FetchInfo.
func (c *Client) FetchContent(ctx context.Context, location string) ([]byte, error) {
	return Do(ctx, c.queue, func(ctx context.Context) ([]byte, error) {
		return retry(ctx, c, "fetch content", func(ctx context.Context) ([]byte, error) {
			return c.fetchContentOnce(ctx, location)
		})
	})
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Requests:        c.requests.Load(),
		Successful:      c.successful.Load(),
		Failed:          c.failed.Load(),
		Retries:         c.retries.Load(),
		RateLimited:     c.rateLimited.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
	}
}

// apiEnvelope is the JSON body returned by the info endpoint.
type apiEnvelope struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      *struct {
		Location string `json:"location"`
		Size     int64  `json:"size"`
	} `json:"result"`
}

func (c *Client) fetchInfoOnce(ctx context.Context, key string) (*FileInfo, error) {
	reqURL := fmt.Sprintf("%s/files/%s", c.apiURL, url.PathEscape(key))

	resp, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Cause: err}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode == http.StatusOK {
			return nil, &TransientError{Cause: fmt.Errorf("decoding info response: %w", err)}
		}
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body))
	}

	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		if code == http.StatusTooManyRequests {
			return nil, &RateLimitError{
				RetryAfter: parseRetryAfter(resp.Header),
				Message:    envelope.Description,
			}
		}
		return nil, &APIError{Status: code, Message: envelope.Description}
	}

	if envelope.Result == nil || envelope.Result.Location == "" {
		return nil, &APIError{Status: http.StatusNotFound, Message: "no location in response"}
	}

	return &FileInfo{
		Location: envelope.Result.Location,
		Size:     envelope.Result.Size,
	}, nil
}

func (c *Client) fetchContentOnce(ctx context.Context, location string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/%s", c.downloadURL, location)

	resp, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, resp.Header, string(body))
	}

	if resp.ContentLength > c.maxDownload {
		return nil, &APIError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("content length %d exceeds limit %d", resp.ContentLength, c.maxDownload),
		}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, &TransientError{Cause: err}
	}

	if int64(len(content)) > c.maxDownload {
		return nil, &APIError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("content exceeds limit %d", c.maxDownload),
		}
	}

	c.bytesDownloaded.Add(int64(len(content)))

	return content, nil
}

func (c *Client) get(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

// classifyStatus maps an HTTP status to the error taxonomy: 429 is a
// rate limit, client errors are non-retriable API errors, everything
// else is transient.
func classifyStatus(status int, header http.Header, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(header), Message: body}
	case status >= 400 && status < 500:
		return &APIError{Status: status, Message: body}
	default:
		return &TransientError{Cause: fmt.Errorf("unexpected status %d", status)}
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}

	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// retry runs fn up to c.maxRetries times with exponential backoff and
// jitter. API errors short-circuit immediately without consuming a
// retry; rate limits escalate the queue state before the next attempt.
func retry[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	c.requests.Add(1)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			c.successful.Add(1)
			return value, nil
		}

		lastErr = err

		if IsNonRetriable(err) {
			c.failed.Add(1)
			return zero, err
		}

		var rle *RateLimitError
		if errors.As(err, &rle) {
			c.rateLimited.Add(1)
			c.queue.OnRateLimit(rle.RetryAfter)
		}

		if attempt == c.maxRetries-1 {
			break
		}

		delay := c.backoffDelay(attempt)
		c.retries.Add(1)

		c.logger.Warn("retrying upstream request",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.failed.Add(1)
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	c.failed.Add(1)

	return zero, lastErr
}

// backoffDelay computes min(base * 2^attempt, max) plus 10-30% jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryDelay << min(attempt, 30)
	if delay > c.maxRetryDelay {
		delay = c.maxRetryDelay
	}

	jitter := time.Duration(float64(delay) * (0.1 + rand.Float64()*0.2))

	return delay + jitter
}
