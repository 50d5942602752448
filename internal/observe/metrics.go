// Package observe provides the engine's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge and structured
// logging conventions. Telemetry payloads never contain raw audio or
// transcript text; only durations, classifications, and counts leave the
// process.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all engine metrics.
const meterName = "github.com/talkshape/duplex"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameDuration tracks per-frame audio pipeline processing time. The
	// per-frame budget is well under the 32 ms frame length.
	FrameDuration metric.Float64Histogram

	// VADDuration tracks per-frame voice activity inference latency.
	VADDuration metric.Float64Histogram

	// FadeActionDuration tracks the delay between a classification and the
	// fade/cancel action reaching the playback collaborator (50 ms budget).
	FadeActionDuration metric.Float64Histogram

	// TranscribeDuration tracks segment transcription latency.
	TranscribeDuration metric.Float64Histogram

	// --- Counters ---

	// BargeIns counts classified events. Use with attribute:
	//   attribute.String("classification", ...)
	BargeIns metric.Int64Counter

	// Segments counts finalized speech segments.
	Segments metric.Int64Counter

	// Degraded counts degraded-mode entries. Use with attribute:
	//   attribute.String("reason", ...)
	Degraded metric.Int64Counter

	// AECResets counts echo-canceller divergence resets.
	AECResets metric.Int64Counter

	// FrustratedSessions counts sessions flagged by frustration detection.
	FrustratedSessions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tightened
// for the engine's sub-100 ms detection deadlines.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.03, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("duplex.frame.duration",
		metric.WithDescription("Per-frame audio pipeline processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADDuration, err = m.Float64Histogram("duplex.vad.duration",
		metric.WithDescription("Per-frame voice activity inference latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FadeActionDuration, err = m.Float64Histogram("duplex.fade_action.duration",
		metric.WithDescription("Delay from classification to applied fade or cancel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("duplex.transcribe.duration",
		metric.WithDescription("Segment transcription latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BargeIns, err = m.Int64Counter("duplex.barge_in.events",
		metric.WithDescription("Classified barge-in events by classification."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("duplex.segments",
		metric.WithDescription("Finalized speech segments."),
	); err != nil {
		return nil, err
	}
	if met.Degraded, err = m.Int64Counter("duplex.degraded",
		metric.WithDescription("Degraded-mode entries by reason."),
	); err != nil {
		return nil, err
	}
	if met.AECResets, err = m.Int64Counter("duplex.aec.resets",
		metric.WithDescription("Echo-canceller divergence resets."),
	); err != nil {
		return nil, err
	}
	if met.FrustratedSessions, err = m.Int64Counter("duplex.frustrated_sessions",
		metric.WithDescription("Sessions flagged by repeated hard interrupts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordBargeIn records a classified event.
func (m *Metrics) RecordBargeIn(ctx context.Context, classification string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("classification", classification)))
}

// RecordDegraded records a degraded-mode entry.
func (m *Metrics) RecordDegraded(ctx context.Context, reason string) {
	m.Degraded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFadeAction records the classification-to-action delay.
func (m *Metrics) RecordFadeAction(ctx context.Context, delay time.Duration) {
	m.FadeActionDuration.Record(ctx, delay.Seconds())
}
