package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the capture pipeline
type Metrics struct {
	// Channel metrics
	ActiveChannels  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionFailures *prometheus.CounterVec

	// Frame metrics
	FramesReceived  *prometheus.CounterVec
	FramesSubmitted *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec

	// Encoded unit metrics
	UnitsEmitted *prometheus.CounterVec
	UnitSize     *prometheus.HistogramVec
	KeyFrames    *prometheus.CounterVec
	SinkErrors   *prometheus.CounterVec

	// Pump metrics
	CycleDuration *prometheus.HistogramVec
	LastPTS       *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_channels",
			Help: "Number of channels currently encoding",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_started_total",
			Help: "Total number of encoder sessions started",
		}),
		SessionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_session_failures_total",
				Help: "Total number of encoder sessions stopped by a fatal error",
			},
			[]string{"channel", "kind"},
		),

		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_frames_received_total",
				Help: "Raw frames delivered by the source",
			},
			[]string{"channel"},
		),
		FramesSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_frames_submitted_total",
				Help: "Raw frames handed to the encoder",
			},
			[]string{"channel"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_frames_dropped_total",
				Help: "Raw frames not encoded",
			},
			[]string{"channel", "reason"}, // reason: no_slot, bad_length
		),

		UnitsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_units_emitted_total",
				Help: "Encoded units delivered to the sink",
			},
			[]string{"channel", "type"}, // type: config or picture
		),
		UnitSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_unit_size_bytes",
				Help:    "Size of encoded units in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 9), // 64B to 4MB
			},
			[]string{"channel"},
		),
		KeyFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_keyframes_total",
				Help: "Encoded key frames",
			},
			[]string{"channel"},
		),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_sink_errors_total",
				Help: "Sink callbacks that returned an error",
			},
			[]string{"channel"},
		),

		CycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_pump_cycle_seconds",
				Help:    "Duration of one submit-and-drain cycle",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
			},
			[]string{"channel"},
		),
		LastPTS: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capture_last_pts_seconds",
				Help: "Presentation timestamp of the last submitted frame",
			},
			[]string{"channel"},
		),
	}

	return m
}

// RecordFrame records a raw frame arriving
func (m *Metrics) RecordFrame(channel string) {
	m.FramesReceived.WithLabelValues(channel).Inc()
}

// RecordSubmit records a frame handed to the encoder
func (m *Metrics) RecordSubmit(channel string, ptsMicros int64) {
	m.FramesSubmitted.WithLabelValues(channel).Inc()
	m.LastPTS.WithLabelValues(channel).Set(float64(ptsMicros) / 1e6)
}

// RecordDrop records a frame that was not encoded
func (m *Metrics) RecordDrop(channel, reason string) {
	m.FramesDropped.WithLabelValues(channel, reason).Inc()
}

// RecordUnit records an encoded unit delivered to the sink
func (m *Metrics) RecordUnit(channel string, size int, config, keyFrame bool) {
	unitType := "picture"
	if config {
		unitType = "config"
	}
	m.UnitsEmitted.WithLabelValues(channel, unitType).Inc()
	m.UnitSize.WithLabelValues(channel).Observe(float64(size))
	if keyFrame {
		m.KeyFrames.WithLabelValues(channel).Inc()
	}
}

// RecordSinkError records a failed sink callback
func (m *Metrics) RecordSinkError(channel string) {
	m.SinkErrors.WithLabelValues(channel).Inc()
}

// RecordCycle records the duration of one pump cycle
func (m *Metrics) RecordCycle(channel string, seconds float64) {
	m.CycleDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordSessionStart records an encoder session starting
func (m *Metrics) RecordSessionStart() {
	m.ActiveChannels.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionStop records an encoder session ending
func (m *Metrics) RecordSessionStop() {
	m.ActiveChannels.Dec()
}

// RecordFailure records a session stopped by a fatal error
func (m *Metrics) RecordFailure(channel, kind string) {
	m.SessionFailures.WithLabelValues(channel, kind).Inc()
}
