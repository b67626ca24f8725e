// Command media-cache is a tiered caching proxy for binary media objects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/mediacache/mediacache/server"
	"github.com/mediacache/mediacache/telemetry"
)

var version = "dev"

type cli struct {
	Address      string `help:"Address to listen on." default:":8080"`
	Storage      string `help:"Disk tier storage directory." default:"./cache"`
	MetadataPath string `help:"Metadata index database file (default: <storage>/metadata.db)."`

	UpstreamAPI      string `help:"Upstream media API base URL." required:""`
	UpstreamDownload string `help:"Upstream content download base URL." required:""`
	UpstreamToken    string `help:"Bearer token for upstream requests." env:"MEDIA_CACHE_UPSTREAM_TOKEN"`

	FastMaxCost   int64         `help:"Fast tier capacity in bytes." default:"268435456"`
	FastEntryMax  int64         `help:"Fast tier per-entry size cap in bytes." default:"5242880"`
	FastTTL       time.Duration `help:"Fast tier entry TTL." default:"168h"`
	DiskTTL       time.Duration `help:"Disk tier record TTL." default:"720h"`
	DiskMaxSize   int64         `help:"Disk tier size budget in bytes (0 disables eviction)." default:"1048576000"`
	DiskEntryMax  int64         `help:"Disk tier per-entry size cap in bytes." default:"52428800"`
	CleanupBatch  int           `help:"Expired-record sweep batch size." default:"1000"`
	CleanupEvery  time.Duration `help:"Background cleanup interval." default:"24h"`
	MaxConcurrent int           `help:"Concurrent upstream request bound." default:"2"`
	QueueDelay    time.Duration `help:"Base spacing between upstream requests." default:"150ms"`
	QueueDelayCap int           `help:"Maximum multiple of the base delay under rate limiting." default:"10"`
	QueuePause    time.Duration `help:"Per rate-limit hit global pause." default:"5s"`
	QueueMaxPause time.Duration `help:"Rate-limit pause ceiling." default:"60s"`
	MaxRetries    int           `help:"Attempts per upstream operation." default:"3"`
	RetryDelay    time.Duration `help:"Base upstream retry backoff." default:"1s"`
	RetryMaxDelay time.Duration `help:"Upstream retry backoff ceiling." default:"60s"`
	MaxDownload   int64         `help:"Upstream download size cap in bytes." default:"20971520"`
	Timeout       time.Duration `help:"Per-request deadline for media lookups." default:"30s"`
	SingleFlight  bool          `help:"Deduplicate concurrent lookups for the same key."`

	Metrics      bool   `help:"Enable the Prometheus /metrics endpoint."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export." name:"otlp-endpoint"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("media-cache"),
		kong.Description("Tiered caching proxy for binary media objects."),
		kong.Vars{"version": version},
	)

	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:             flags.Address,
		StoragePath:         flags.Storage,
		MetadataPath:        flags.MetadataPath,
		UpstreamAPIURL:      flags.UpstreamAPI,
		UpstreamDownloadURL: flags.UpstreamDownload,
		UpstreamToken:       flags.UpstreamToken,
		FastMaxCost:         flags.FastMaxCost,
		FastEntryMaxSize:    flags.FastEntryMax,
		FastTTL:             flags.FastTTL,
		DiskTTL:             flags.DiskTTL,
		DiskMaxSize:         flags.DiskMaxSize,
		DiskEntryMaxSize:    flags.DiskEntryMax,
		CleanupBatchSize:    flags.CleanupBatch,
		CleanupInterval:     flags.CleanupEvery,
		MaxConcurrent:       flags.MaxConcurrent,
		QueueBaseDelay:      flags.QueueDelay,
		QueueDelayCap:       flags.QueueDelayCap,
		QueuePauseUnit:      flags.QueuePause,
		QueueMaxPause:       flags.QueueMaxPause,
		MaxRetries:          flags.MaxRetries,
		RetryBaseDelay:      flags.RetryDelay,
		RetryMaxDelay:       flags.RetryMaxDelay,
		MaxDownloadSize:     flags.MaxDownload,
		RequestTimeout:      flags.Timeout,
		SingleFlight:        flags.SingleFlight,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address(), "version", version)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	return shutdownMetrics(shutdownCtx)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: slogLevel})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
