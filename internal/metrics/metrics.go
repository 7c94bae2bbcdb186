package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketstream"

// Connection state gauge values.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
	StateReconnecting = 3
)

// Metrics holds every collector. All methods are safe on a nil *Metrics so
// components can run without instrumentation.
type Metrics struct {
	// Connection
	ConnectionState   prometheus.Gauge
	ConnectionEpoch   prometheus.Gauge
	Reconnects        prometheus.Counter
	ConnectFailures   *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	FramesReceived    prometheus.Counter
	FramesSent        prometheus.Counter
	OutboundDropped   *prometheus.CounterVec

	// Router
	FramesDropped  *prometheus.CounterVec
	MessagesRouted *prometheus.CounterVec

	// Subscriptions
	ControlMessages     *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	ActiveStreams       prometheus.Gauge

	// Recorder
	RecorderRows          *prometheus.CounterVec
	RecorderFlushDuration prometheus.Histogram
}

// New creates all collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		}),
		ConnectionEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "epoch",
			Help:      "Sequence number of the current connection epoch",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Successful connects after the first",
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by kind (config, transport)",
		}, []string{"kind"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "heartbeat_timeouts_total",
			Help:      "Epochs ended because no PONG arrived in time",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Inbound data frames, excluding heartbeat replies",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Outbound frames written, excluding heartbeat pings",
		}),
		OutboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "outbound_dropped_total",
			Help:      "Outbound frames discarded by reason (stale_epoch, write_error, queue_full)",
		}, []string{"reason"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames not delivered by reason (uninterested, unparsable)",
		}, []string{"reason"}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Decoded messages published to subscribers by topic",
		}, []string{"topic"}),

		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "control_messages_total",
			Help:      "Wire subscribe/unsubscribe messages sent by operation",
		}, []string{"op"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active_keys",
			Help:      "Distinct subscription keys with a non-zero refcount",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active_streams",
			Help:      "Live consumer streams across all keys",
		}),

		RecorderRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "rows_total",
			Help:      "Rows handled by the recorder by status (inserted, duplicate, failed, dropped)",
		}, []string{"status"}),
		RecorderFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ConnectionEpoch,
			m.Reconnects,
			m.ConnectFailures,
			m.HeartbeatTimeouts,
			m.FramesReceived,
			m.FramesSent,
			m.OutboundDropped,
			m.FramesDropped,
			m.MessagesRouted,
			m.ControlMessages,
			m.ActiveSubscriptions,
			m.ActiveStreams,
			m.RecorderRows,
			m.RecorderFlushDuration,
		)
	}
	return m
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(v))
}

func (m *Metrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.ConnectionEpoch.Set(float64(epoch))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) IncConnectFailure(kind string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) IncFramesSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *Metrics) IncOutboundDropped(reason string) {
	if m == nil {
		return
	}
	m.OutboundDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncFramesDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessagesRouted(topic string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncControlMessage(op string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(op).Inc()
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(n))
}

func (m *Metrics) AddRecorderRows(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecorderRows.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) ObserveFlush(d time.Duration) {
	if m == nil {
		return
	}
	m.RecorderFlushDuration.Observe(d.Seconds())
}
