// Package metrics exposes Prometheus instrumentation for the broker
// and playback pipeline, following the gateway's promauto.With(reg)
// factory pattern so tests can register against an isolated registry
// instead of the global default. Exemplars are attached from the
// active OpenTelemetry span when one is present on the context.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds every counter, histogram, and gauge the daemon and
// connector record during normal operation.
type Metrics struct {
	brokerCommandsTotal   *prometheus.CounterVec
	brokerCommandDuration *prometheus.HistogramVec
	authTotal             *prometheus.CounterVec
	playAuthzDenials      *prometheus.CounterVec
	chunkDecryptTotal     *prometheus.CounterVec
	chunkDecryptDuration  prometheus.Histogram
	chunkAuthFailures     prometheus.Counter
	rollingBufferDepth    prometheus.Gauge
	activeSessions        prometheus.Gauge
	hardwareAccel         *prometheus.GaugeVec
	goroutines            prometheus.Gauge
	memoryAllocBytes      prometheus.Gauge
}

// New creates a Metrics instance registered against the default
// Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(defaultRegistry)
}

// NewWithRegistry creates a Metrics instance registered against reg,
// so tests can avoid collisions with the global default registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		brokerCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abby_broker_commands_total",
				Help: "Total number of broker commands processed, by command and outcome.",
			},
			[]string{"command", "outcome"},
		),
		brokerCommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "abby_broker_command_duration_seconds",
				Help:    "Broker command handling duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		authTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abby_auth_total",
				Help: "Total number of AUTH attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		playAuthzDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abby_play_authz_denials_total",
				Help: "Total number of PLAY requests denied, by reason.",
			},
			[]string{"reason"},
		),
		chunkDecryptTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "abby_chunk_decrypt_total",
				Help: "Total number of chunk decrypt attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		chunkDecryptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "abby_chunk_decrypt_duration_seconds",
				Help:    "Per-chunk decrypt duration in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		chunkAuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "abby_chunk_auth_failures_total",
				Help: "Total number of chunks that failed AEAD authentication.",
			},
		),
		rollingBufferDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abby_rolling_buffer_depth",
				Help: "Current number of buffered chunks across all active sessions.",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abby_active_sessions",
				Help: "Number of currently authenticated broker sessions.",
			},
		),
		hardwareAccel: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "abby_hardware_acceleration_enabled",
				Help: "Whether AES hardware acceleration is available (1) or not (0), by instruction set.",
			},
			[]string{"isa"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abby_goroutines",
				Help: "Current number of goroutines.",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "abby_memory_alloc_bytes",
				Help: "Bytes allocated and not yet freed.",
			},
		),
	}
}

// RecordBrokerCommand records a completed broker command, attaching a
// trace exemplar when ctx carries a sampled span.
func (m *Metrics) RecordBrokerCommand(ctx context.Context, command, outcome string, d time.Duration) {
	if exemplar := traceExemplar(ctx); exemplar != nil {
		if adder, ok := m.brokerCommandsTotal.WithLabelValues(command, outcome).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.brokerCommandsTotal.WithLabelValues(command, outcome).Inc()
		}
		if observer, ok := m.brokerCommandDuration.WithLabelValues(command).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(d.Seconds(), exemplar)
			return
		}
	}
	m.brokerCommandsTotal.WithLabelValues(command, outcome).Inc()
	m.brokerCommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordAuth records an AUTH attempt outcome (e.g. "valid", "expired",
// "invalid_signature", "malformed").
func (m *Metrics) RecordAuth(outcome string) {
	m.authTotal.WithLabelValues(outcome).Inc()
}

// RecordPlayDenial records a PLAY request denied at the authorization
// gate (e.g. "license_expired", "track_not_found", "permission_denied").
func (m *Metrics) RecordPlayDenial(reason string) {
	m.playAuthzDenials.WithLabelValues(reason).Inc()
}

// RecordChunkDecrypt records the outcome and duration of one chunk
// decrypt attempt.
func (m *Metrics) RecordChunkDecrypt(outcome string, d time.Duration) {
	m.chunkDecryptTotal.WithLabelValues(outcome).Inc()
	m.chunkDecryptDuration.Observe(d.Seconds())
	if outcome == "auth_failed" {
		m.chunkAuthFailures.Inc()
	}
}

// SetRollingBufferDepth records the current aggregate buffer depth.
func (m *Metrics) SetRollingBufferDepth(depth int) {
	m.rollingBufferDepth.Set(float64(depth))
}

// IncActiveSessions increments the active-session gauge.
func (m *Metrics) IncActiveSessions() { m.activeSessions.Inc() }

// DecActiveSessions decrements the active-session gauge.
func (m *Metrics) DecActiveSessions() { m.activeSessions.Dec() }

// SetHardwareAcceleration records whether isa-accelerated AES is in
// use (e.g. "aes-ni", "armv8-ce").
func (m *Metrics) SetHardwareAcceleration(isa string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1.0
	}
	m.hardwareAccel.WithLabelValues(isa).Set(v)
}

// UpdateRuntimeMetrics refreshes goroutine count and heap allocation.
func (m *Metrics) UpdateRuntimeMetrics() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(stats.Alloc))
}

// StartRuntimeCollector periodically refreshes runtime metrics until
// stop is closed.
func (m *Metrics) StartRuntimeCollector(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.UpdateRuntimeMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// traceExemplar extracts a trace ID from ctx's active span, if any.
func traceExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
