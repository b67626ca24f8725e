package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/mediacache/mediacache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	tierLookupsTotal metric.Int64Counter

	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchBytesTotal metric.Int64Counter

	conversionsTotal   metric.Int64Counter
	conversionDuration metric.Float64Histogram

	queueWaitDuration metric.Float64Histogram

	cleanupRemovedTotal metric.Int64Counter
	cleanupDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"media_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"media_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"media_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	tierLookupsTotal, err := meter.Int64Counter(
		"media_cache_tier_lookups_total",
		metric.WithDescription("Total tier lookups by tier and outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"media_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"media_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"media_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	conversionsTotal, err := meter.Int64Counter(
		"media_cache_conversions_total",
		metric.WithDescription("Total format conversions by outcome"),
		metric.WithUnit("{conversion}"),
	)
	if err != nil {
		return err
	}

	conversionDuration, err := meter.Float64Histogram(
		"media_cache_conversion_duration_seconds",
		metric.WithDescription("Duration of format conversions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	queueWaitDuration, err := meter.Float64Histogram(
		"media_cache_queue_wait_duration_seconds",
		metric.WithDescription("Time requests spend waiting for queue admission"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	cleanupRemovedTotal, err := meter.Int64Counter(
		"media_cache_cleanup_removed_total",
		metric.WithDescription("Total entries removed by cleanup cycles"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"media_cache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		tierLookupsTotal:        tierLookupsTotal,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		conversionsTotal:        conversionsTotal,
		conversionDuration:      conversionDuration,
		queueWaitDuration:       queueWaitDuration,
		cleanupRemovedTotal:     cleanupRemovedTotal,
		cleanupDuration:         cleanupDuration,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics. Call this from the logging
// middleware after the request completes.
func RecordHTTP(ctx context.Context, route string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTierLookup records one tier lookup. tier is "fast" or "disk",
// outcome is "hit" or "miss".
func RecordTierLookup(ctx context.Context, tier, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	}
	globalMetrics.tierLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream fetch request.
func RecordUpstreamFetch(ctx context.Context, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordConversion records one format conversion. outcome is "ok" or
// "failed".
func RecordConversion(ctx context.Context, sourceFormat, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source_format", sourceFormat),
		attribute.String("outcome", outcome),
	}
	globalMetrics.conversionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.conversionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordQueueWait records how long a request waited for queue admission.
func RecordQueueWait(ctx context.Context, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueWaitDuration.Record(ctx, wait.Seconds())
}

// RecordCleanupCycle records one cleanup cycle's removed count and
// duration. routine is "expired" or "oldest".
func RecordCleanupCycle(ctx context.Context, routine string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("routine", routine))
	globalMetrics.cleanupRemovedTotal.Add(ctx, int64(removed), attrs)
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
