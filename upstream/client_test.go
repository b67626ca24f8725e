package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, apiURL, downloadURL string, opts ...ClientOption) *Client {
	t.Helper()

	q := newTestQueue(t, 2, WithPauseLimits(time.Millisecond, 5*time.Millisecond))

	opts = append([]ClientOption{WithRetryDelays(time.Millisecond, 5*time.Millisecond)}, opts...)

	return NewClient(apiURL, downloadURL, q, opts...)
}

func TestClientFetchInfo(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/files/asset-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		fmt.Fprint(w, `{"ok":true,"result":{"location":"media/abc.png","size":5}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL, WithToken("secret"))

	info, err := client.FetchInfo(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "media/abc.png", info.Location)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, int64(1), calls.Load())

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Successful)
}

func TestClientFetchInfoAPIErrorNotRetried(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"invalid key"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL)

	_, err := client.FetchInfo(context.Background(), "bogus")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "invalid key", apiErr.Message)
	assert.Equal(t, int64(1), calls.Load(), "non-retriable errors consume no retries")

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Retries)
}

func TestClientFetchContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/media/abc.png", r.URL.Path)
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL)

	content, err := client.FetchContent(context.Background(), "media/abc.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
	assert.Equal(t, int64(5), client.Stats().BytesDownloaded)
}

func TestClientFetchContentTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL, WithMaxDownloadSize(16))

	_, err := client.FetchContent(context.Background(), "media/huge.webm")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL)

	content, err := client.FetchContent(context.Background(), "media/flaky.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually"), content)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(2), client.Stats().Retries)
}

func TestClientRetriesExhausted(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL, WithMaxRetries(2))

	_, err := client.FetchContent(context.Background(), "media/broken.png")
	require.Error(t, err)

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), client.Stats().Failed)
}

func TestClientRateLimitEscalatesQueue(t *testing.T) {
	var calls atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newTestQueue(t, 2, WithPauseLimits(time.Millisecond, 5*time.Millisecond))
	client := NewClient(server.URL, server.URL, q,
		WithRetryDelays(time.Millisecond, 5*time.Millisecond))

	content, err := client.FetchContent(context.Background(), "media/bursty.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), content)
	assert.Equal(t, int64(1), client.Stats().RateLimited)

	// the success after the 429 decays the hit count back to zero, but
	// the escalated delay only decays partially
	delay, hits, _ := q.State()
	assert.Equal(t, 0, hits)
	assert.Greater(t, delay, time.Millisecond)
}

func TestClientBackoffDelayBounds(t *testing.T) {
	client := NewClient("http://api", "http://dl", nil,
		WithRetryDelays(100*time.Millisecond, 300*time.Millisecond))

	for attempt := 0; attempt < 5; attempt++ {
		base := min(100*time.Millisecond<<attempt, 300*time.Millisecond)
		for i := 0; i < 20; i++ {
			delay := client.backoffDelay(attempt)
			assert.GreaterOrEqual(t, delay, base+base/10)
			assert.LessOrEqual(t, delay, base+3*base/10)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	header := http.Header{}
	assert.Equal(t, time.Duration(0), parseRetryAfter(header))

	header.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfter(header))

	header.Set("Retry-After", "soon")
	assert.Equal(t, time.Duration(0), parseRetryAfter(header))
}
