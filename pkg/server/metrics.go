package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Every method is safe
// to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	registeredUsers   prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	answers           *prometheus.CounterVec
	deliveriesDropped prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
	messagesBroadcast prometheus.Counter
	privateMessages   prometheus.Counter
}

// NewMetrics registers collectors on a private registry so several
// servers can live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sistchat_active_sessions",
			Help: "Number of open client connections",
		}),
		registeredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sistchat_registered_users",
			Help: "Number of usernames currently registered",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sistchat_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sistchat_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sistchat_frames_received_total",
			Help: "Frames received from clients by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sistchat_frames_sent_total",
			Help: "Frames written to clients by type",
		}, []string{"type"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sistchat_answers_total",
			Help: "Answers sent by status code",
		}, []string{"status"}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sistchat_deliveries_dropped_total",
			Help: "Deliveries dropped because the recipient could not keep up",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sistchat_broadcast_fanout",
			Help:    "Number of recipients per broadcast",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sistchat_broadcast_duration_seconds",
			Help:    "Time spent enqueueing a broadcast to all recipients",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		messagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sistchat_broadcasts_total",
			Help: "Broadcast messages accepted",
		}),
		privateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sistchat_private_messages_total",
			Help: "Private messages delivered",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.registeredUsers,
		m.sessionsCreated,
		m.sessionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.answers,
		m.deliveriesDropped,
		m.broadcastFanout,
		m.broadcastDuration,
		m.messagesBroadcast,
		m.privateMessages,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRegisteredUsers(n int) {
	if m == nil {
		return
	}
	m.registeredUsers.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordAnswer(status uint16) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(strconv.Itoa(int(status))).Inc()
}

func (m *Metrics) RecordDeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveriesDropped.Inc()
}

func (m *Metrics) RecordMessageBroadcast() {
	if m == nil {
		return
	}
	m.messagesBroadcast.Inc()
}

func (m *Metrics) RecordPrivateMessage() {
	if m == nil {
		return
	}
	m.privateMessages.Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordBroadcastDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
}
