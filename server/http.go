// Package server provides the HTTP server for the media cache.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediacache/mediacache/backend"
	"github.com/mediacache/mediacache/cache"
	"github.com/mediacache/mediacache/store/disk"
	"github.com/mediacache/mediacache/store/fast"
	"github.com/mediacache/mediacache/store/metadb"
	"github.com/mediacache/mediacache/telemetry"
	"github.com/mediacache/mediacache/upstream"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for disk-tier blobs
	StoragePath string

	// MetadataPath is the metadata index database file.
	// Defaults to metadata.db under StoragePath.
	MetadataPath string

	// UpstreamAPIURL is the upstream media API base URL
	UpstreamAPIURL string

	// UpstreamDownloadURL is the upstream content download base URL
	UpstreamDownloadURL string

	// UpstreamToken is the bearer token for upstream requests (optional)
	UpstreamToken string

	// FastMaxCost is the fast tier capacity in bytes.
	// Zero uses the fast tier default.
	FastMaxCost int64

	// FastEntryMaxSize is the per-entry fast tier size cap in bytes
	FastEntryMaxSize int64

	// FastTTL is how long promoted entries live in the fast tier
	FastTTL time.Duration

	// DiskTTL is the disk-tier record time-to-live
	DiskTTL time.Duration

	// DiskMaxSize is the disk-tier size budget in bytes.
	// Zero disables size-based eviction.
	DiskMaxSize int64

	// DiskEntryMaxSize is the per-entry disk tier size cap in bytes
	DiskEntryMaxSize int64

	// CleanupBatchSize bounds each expired-record sweep
	CleanupBatchSize int

	// CleanupInterval is how often the background cleanup runs.
	// Default is 24 hours.
	CleanupInterval time.Duration

	// MaxConcurrent bounds concurrent upstream requests
	MaxConcurrent int

	// QueueBaseDelay is the steady-state spacing between upstream requests
	QueueBaseDelay time.Duration

	// QueueDelayCap is the maximum multiple of QueueBaseDelay the
	// adaptive delay may reach under sustained rate limiting
	QueueDelayCap int

	// QueuePauseUnit is the per-hit global pause applied on a rate limit
	QueuePauseUnit time.Duration

	// QueueMaxPause caps the global rate-limit pause
	QueueMaxPause time.Duration

	// MaxRetries is the total attempts per upstream operation
	MaxRetries int

	// RetryBaseDelay seeds the upstream retry backoff
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the upstream retry backoff
	RetryMaxDelay time.Duration

	// MaxDownloadSize bounds a single upstream download in bytes
	MaxDownloadSize int64

	// RequestTimeout is the per-request deadline for media lookups
	RequestTimeout time.Duration

	// SingleFlight dedupes concurrent lookups for the same key
	SingleFlight bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend  *backend.Filesystem
	index    metadb.Index
	diskTier *disk.Cache
	fastTier fast.Tier
	queue    *upstream.Queue
	client   *upstream.Client
	chain    *cache.Chain

	cleanupDone chan struct{}
	cleanupWG   sync.WaitGroup
	stopOnce    sync.Once
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.MetadataPath == "" {
		cfg.MetadataPath = cfg.StoragePath + "/metadata.db"
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	index := metadb.New(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := index.Open(cfg.MetadataPath); err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	diskOpts := []disk.Option{
		disk.WithLogger(cfg.Logger.With("component", "disk")),
	}
	if cfg.DiskTTL > 0 {
		diskOpts = append(diskOpts, disk.WithTTL(cfg.DiskTTL))
	}
	diskTier := disk.New(fsBackend, index, diskOpts...)

	fastTier, err := fast.NewRistretto(cfg.FastMaxCost)
	if err != nil {
		return nil, fmt.Errorf("creating fast tier: %w", err)
	}

	queueOpts := []upstream.QueueOption{
		upstream.WithQueueLogger(cfg.Logger.With("component", "queue")),
	}
	if cfg.QueueBaseDelay > 0 {
		queueOpts = append(queueOpts, upstream.WithBaseDelay(cfg.QueueBaseDelay))
	}
	if cfg.QueueDelayCap > 0 {
		queueOpts = append(queueOpts, upstream.WithDelayCap(cfg.QueueDelayCap))
	}
	if cfg.QueuePauseUnit > 0 && cfg.QueueMaxPause > 0 {
		queueOpts = append(queueOpts, upstream.WithPauseLimits(cfg.QueuePauseUnit, cfg.QueueMaxPause))
	}
	queue := upstream.DefaultQueue(cfg.MaxConcurrent, queueOpts...)

	clientOpts := []upstream.ClientOption{
		upstream.WithLogger(cfg.Logger.With("component", "upstream")),
	}
	if cfg.UpstreamToken != "" {
		clientOpts = append(clientOpts, upstream.WithToken(cfg.UpstreamToken))
	}
	if cfg.MaxRetries > 0 {
		clientOpts = append(clientOpts, upstream.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryBaseDelay > 0 && cfg.RetryMaxDelay > 0 {
		clientOpts = append(clientOpts, upstream.WithRetryDelays(cfg.RetryBaseDelay, cfg.RetryMaxDelay))
	}
	if cfg.MaxDownloadSize > 0 {
		clientOpts = append(clientOpts, upstream.WithMaxDownloadSize(cfg.MaxDownloadSize))
	}
	client := upstream.NewClient(cfg.UpstreamAPIURL, cfg.UpstreamDownloadURL, queue, clientOpts...)

	chainOpts := []cache.Option{
		cache.WithLogger(cfg.Logger.With("component", "chain")),
		cache.WithStrategy(cache.NewStrategy(cfg.FastEntryMaxSize, cfg.DiskEntryMaxSize)),
	}
	if cfg.FastTTL > 0 {
		chainOpts = append(chainOpts, cache.WithFastTTL(cfg.FastTTL))
	}
	if cfg.CleanupBatchSize > 0 {
		chainOpts = append(chainOpts, cache.WithCleanupBatchSize(cfg.CleanupBatchSize))
	}
	if cfg.DiskMaxSize > 0 {
		chainOpts = append(chainOpts, cache.WithDiskBudget(cfg.DiskMaxSize))
	}
	if cfg.SingleFlight {
		chainOpts = append(chainOpts, cache.WithSingleFlight())
	}
	chain := cache.New(fastTier, diskTier, client, chainOpts...)

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		backend:     fsBackend,
		index:       index,
		diskTier:    diskTier,
		fastTier:    fastTier,
		queue:       queue,
		client:      client,
		chain:       chain,
		cleanupDone: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Media lookups
	mux.HandleFunc("GET /media/{key}", s.handleMedia)

	// Cache administration
	mux.HandleFunc("POST /cache/cleanup", s.handleCleanup)
	mux.HandleFunc("DELETE /cache", s.handleClear)
}

// handleMedia serves one media object through the cache chain.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	res, err := s.chain.Get(ctx, key)
	if err != nil {
		s.writeChainError(w, key, err)
		return
	}

	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("X-Cache-Source", string(res.Source))
	if res.Derived {
		w.Header().Set("X-Cache-Derived", "true")
	}
	_, _ = w.Write(res.Content)
}

// writeChainError maps the chain's error taxonomy to HTTP statuses:
// upstream application errors pass their status through, rate-limit
// exhaustion maps to 429, deadline expiry to 504, everything else to
// a generic upstream failure.
func (s *Server) writeChainError(w http.ResponseWriter, key string, err error) {
	var apiErr *upstream.APIError
	var rateErr *upstream.RateLimitError

	switch {
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		http.Error(w, apiErr.Message, status)
	case errors.As(err, &rateErr):
		http.Error(w, "upstream rate limited", http.StatusTooManyRequests)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	default:
		s.logger.Error("media lookup failed", "key", key, "error", err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.chain.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleCleanup triggers an immediate cleanup cycle.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.chain.Cleanup(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleClear empties every cache tier.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	result, err := s.chain.ClearAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if source := wrapped.Header().Get("X-Cache-Source"); source != "" {
			attrs = append(attrs, "cache_source", source)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), routePattern(r), wrapped.status, wrapped.bytesWritten, duration)
	})
}

// routePattern returns the matched route with path parameters elided,
// keeping metric cardinality bounded.
func routePattern(r *http.Request) string {
	if pattern := r.Pattern; pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// Start starts the server and the background cleanup loop.
func (s *Server) Start() error {
	s.cleanupWG.Add(1)
	go s.cleanupLoop()

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// cleanupLoop periodically removes expired entries and enforces the
// disk size budget.
func (s *Server) cleanupLoop() {
	defer s.cleanupWG.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupDone:
			return
		case <-ticker.C:
			start := time.Now()

			result, err := s.chain.Cleanup(context.Background())
			if err != nil {
				s.logger.Error("background cleanup failed", "error", err)
				continue
			}

			telemetry.RecordCleanupCycle(context.Background(), "expired", result.DiskExpired, time.Since(start))
			if result.DiskEvicted > 0 {
				telemetry.RecordCleanupCycle(context.Background(), "oldest", result.DiskEvicted, time.Since(start))
			}
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.stopOnce.Do(func() {
		close(s.cleanupDone)
	})
	s.cleanupWG.Wait()

	err := s.httpServer.Shutdown(ctx)

	s.fastTier.Close()
	if cerr := s.index.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
