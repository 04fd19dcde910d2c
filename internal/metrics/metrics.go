// Package metrics exposes Prometheus collectors and a thread-safe
// health snapshot for the engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	EventsReceived  prometheus.Counter
	TradesProcessed prometheus.Counter
	TradesDiscarded *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	AlertsTotal     *prometheus.CounterVec
	WSReconnects    prometheus.Counter
	QueueDepth      prometheus.Gauge
	NormalizeRetry  prometheus.Counter

	mu            sync.RWMutex
	startTime     time.Time
	wsConnected   bool
	lastEventAt   time.Time
	lastRefreshAt time.Time
}

// New registers the engine collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_events_received_total",
			Help: "Chain events received from the websocket subscription.",
		}),
		TradesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_trades_processed_total",
			Help: "Trades that completed the scoring pipeline.",
		}),
		TradesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_trades_discarded_total",
			Help: "Events discarded before scoring, by reason.",
		}, []string{"reason"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_decode_failures_total",
			Help: "Events whose log payload could not be decoded.",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_alerts_total",
			Help: "Alerts created, by confidence level.",
		}, []string{"confidence"}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_ws_reconnects_total",
			Help: "Websocket reconnect attempts.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insiderwatch_event_queue_depth",
			Help: "Events waiting in the pipeline queue.",
		}),
		NormalizeRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_normalize_retries_total",
			Help: "Events requeued while waiting for market metadata.",
		}),
		startTime: time.Now(),
	}
}

// Health is a point-in-time view of liveness state.
type Health struct {
	WSConnected   bool
	LastEventAt   time.Time
	LastRefreshAt time.Time
	Uptime        time.Duration
}

// SetWSConnected records the websocket connection state.
func (m *Metrics) SetWSConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsConnected = connected
}

// MarkEvent records that a chain event arrived.
func (m *Metrics) MarkEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEventAt = time.Now()
}

// MarkRefresh records a successful market snapshot refresh.
func (m *Metrics) MarkRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefreshAt = time.Now()
}

// Snapshot returns the current health state.
func (m *Metrics) Snapshot() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Health{
		WSConnected:   m.wsConnected,
		LastEventAt:   m.lastEventAt,
		LastRefreshAt: m.lastRefreshAt,
		Uptime:        time.Since(m.startTime),
	}
}
