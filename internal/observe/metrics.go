// Package observe provides application-wide observability primitives for
// Aulos: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Aulos metrics.
const meterName = "github.com/perkola/aulos"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback histograms ---

	// PlaybackDuration tracks how much audio each finished track actually
	// played, truncation and early stops included.
	PlaybackDuration metric.Float64Histogram

	// --- Frame counters ---

	// FramesSent counts Opus frames written to voice connections, silence
	// included.
	FramesSent metric.Int64Counter

	// SilenceFrames counts pacing ticks where no decoded frame was ready
	// and silence was substituted to keep cadence.
	SilenceFrames metric.Int64Counter

	// --- Playback counters ---

	// Playbacks counts finished tracks. Use with attribute:
	//   attribute.String("status", ...)
	Playbacks metric.Int64Counter

	// TranscodeFallbacks counts tracks that requested a filter but started
	// unfiltered. Use with attribute:
	//   attribute.String("filter", ...)
	TranscodeFallbacks metric.Int64Counter

	// Reconnects counts voice transport losses that entered the reconnect
	// cycle.
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice connections.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks pending tracks across all guilds.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// playbackBuckets defines histogram bucket boundaries (in seconds) sized for
// soundboard clips, which run from under a second to a few minutes.
var playbackBuckets = []float64{
	0.5, 1, 2, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PlaybackDuration, err = m.Float64Histogram("aulos.playback.duration",
		metric.WithDescription("Audio actually played per finished track."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Frame counters.
	if met.FramesSent, err = m.Int64Counter("aulos.frames.sent",
		metric.WithDescription("Total Opus frames written to voice connections."),
	); err != nil {
		return nil, err
	}
	if met.SilenceFrames, err = m.Int64Counter("aulos.frames.silence",
		metric.WithDescription("Total pacing ticks filled with substituted silence."),
	); err != nil {
		return nil, err
	}

	// Playback counters.
	if met.Playbacks, err = m.Int64Counter("aulos.playbacks",
		metric.WithDescription("Total finished tracks by status."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeFallbacks, err = m.Int64Counter("aulos.transcode.fallbacks",
		metric.WithDescription("Total tracks that fell back to unfiltered playback."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("aulos.voice.reconnects",
		metric.WithDescription("Total voice transport losses that entered the reconnect cycle."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aulos.active_sessions",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("aulos.queue.depth",
		metric.WithDescription("Number of pending tracks across all guilds."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aulos.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPlayback is a convenience method that records one finished track: the
// playback counter increment with its status and the playback duration
// observation.
func (m *Metrics) RecordPlayback(ctx context.Context, status string, elapsed time.Duration) {
	m.Playbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.PlaybackDuration.Record(ctx, elapsed.Seconds())
}

// RecordTranscodeFallback is a convenience method that records a fallback
// counter increment with the failed filter's name.
func (m *Metrics) RecordTranscodeFallback(ctx context.Context, filter string) {
	m.TranscodeFallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("filter", filter)),
	)
}
