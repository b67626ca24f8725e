package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUpstream struct {
	server    *httptest.Server
	infoCalls atomic.Int64
}

// newTestUpstream serves a single object "abc" as a PNG named
// dl/abc.png, everything else is a 404 envelope.
func newTestUpstream(t *testing.T) *testUpstream {
	t.Helper()

	up := &testUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/{key}", func(w http.ResponseWriter, r *http.Request) {
		up.infoCalls.Add(1)

		key := r.PathValue("key")
		if key != "abc" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"not found"}`)
			return
		}

		fmt.Fprintf(w, `{"ok":true,"result":{"location":"dl/%s.png","size":5}}`, key)
	})
	mux.HandleFunc("GET /dl/{file}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})

	up.server = httptest.NewServer(mux)
	t.Cleanup(up.server.Close)

	return up
}

func newTestServer(t *testing.T, up *testUpstream) *Server {
	t.Helper()

	dir := t.TempDir()

	s, err := New(Config{
		Address:             "127.0.0.1:0",
		StoragePath:         dir,
		MetadataPath:        filepath.Join(dir, "metadata.db"),
		UpstreamAPIURL:      up.server.URL,
		UpstreamDownloadURL: up.server.URL,
		QueueBaseDelay:      time.Millisecond,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
		RequestTimeout:      5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		s.stopOnce.Do(func() { close(s.cleanupDone) })
		s.fastTier.Close()
		_ = s.index.Close()
	})

	return s
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServerHealth(t *testing.T) {
	s := newTestServer(t, newTestUpstream(t))

	rec := doRequest(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerMedia(t *testing.T) {
	up := newTestUpstream(t)
	s := newTestServer(t, up)

	rec := doRequest(s, http.MethodGet, "/media/abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "upstream", rec.Header().Get("X-Cache-Source"))

	// second request is served from the fast tier without upstream traffic
	rec = doRequest(s, http.MethodGet, "/media/abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "fast", rec.Header().Get("X-Cache-Source"))
	assert.Equal(t, int64(1), up.infoCalls.Load())
}

func TestServerMediaNotFound(t *testing.T) {
	s := newTestServer(t, newTestUpstream(t))

	rec := doRequest(s, http.MethodGet, "/media/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStats(t *testing.T) {
	s := newTestServer(t, newTestUpstream(t))

	rec := doRequest(s, http.MethodGet, "/media/abc")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Requests struct {
			TotalRequests   int64 `json:"total_requests"`
			UpstreamFetches int64 `json:"upstream_fetches"`
		} `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Requests.TotalRequests)
	assert.Equal(t, int64(1), stats.Requests.UpstreamFetches)
}

func TestServerCleanup(t *testing.T) {
	s := newTestServer(t, newTestUpstream(t))

	rec := doRequest(s, http.MethodPost, "/cache/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		DiskExpired int `json:"disk_expired"`
		DiskEvicted int `json:"disk_evicted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0, result.DiskExpired)
}

func TestServerClear(t *testing.T) {
	up := newTestUpstream(t)
	s := newTestServer(t, up)

	rec := doRequest(s, http.MethodGet, "/media/abc")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/cache")
	require.Equal(t, http.StatusOK, rec.Code)

	// cleared caches force a fresh upstream fetch
	rec = doRequest(s, http.MethodGet, "/media/abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream", rec.Header().Get("X-Cache-Source"))
	assert.Equal(t, int64(2), up.infoCalls.Load())
}
