// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal            prometheus.Counter
	PollErrors            prometheus.Counter
	MessagesEdited        prometheus.Counter
	MessagesReplaced      prometheus.Counter
	AutoStops             prometheus.Counter
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	CacheStaleServes      prometheus.Counter
	FuzzyMatchesCommitted prometheus.Counter

	// Histograms (seconds)
	PollDuration      prometheus.Observer
	DiscoveryDuration prometheus.Observer

	// Gauges
	ActiveTrackersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_polls_total", Help: "Number of tracker poll invocations"})
		PollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_poll_errors_total", Help: "Number of tracker polls that recorded an error"})
		MessagesEdited = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_messages_edited_total", Help: "Number of live messages edited in place"})
		MessagesReplaced = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_messages_replaced_total", Help: "Number of live messages replaced (new message posted)"})
		AutoStops = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_auto_stops_total", Help: "Number of trackers auto-stopped on fatal or threshold errors"})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "identity_cache_hits_total", Help: "Identity cache fresh hits"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "identity_cache_misses_total", Help: "Identity cache misses fetched from a provider"})
		CacheStaleServes = promauto.NewCounter(prometheus.CounterOpts{Name: "identity_cache_stale_serves_total", Help: "Identity cache entries served past their freshness TTL"})
		FuzzyMatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{Name: "identity_fuzzy_matches_total", Help: "Fuzzy identity pairings committed"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tracker_poll_duration_seconds", Help: "Poll invocation duration seconds", Buckets: prometheus.DefBuckets})
		DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tracker_discovery_duration_seconds", Help: "Match discovery duration seconds", Buckets: prometheus.DefBuckets})
		ActiveTrackersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_active_trackers", Help: "Current number of trackers with live schedules"})
	})
}

// SetActiveTrackers records the current number of scheduled trackers.
func SetActiveTrackers(n int) {
	if ActiveTrackersGauge != nil {
		ActiveTrackersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
