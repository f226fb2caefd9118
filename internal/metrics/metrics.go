package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// RADIUS metrics
	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec
	authRejects    *prometheus.CounterVec
	radiusDropped  *prometheus.CounterVec

	// Session metrics
	sessionsActive  *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec
	sessionBytes    *prometheus.CounterVec
	disconnects     *prometheus.CounterVec

	// Billing metrics
	billingTransactions *prometheus.CounterVec
	billingAmount       *prometheus.CounterVec
}

// NewMetrics creates the metric set
func NewMetrics() *Metrics {
	return &Metrics{
		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_radius_requests_total",
				Help: "Total RADIUS requests by type and result",
			},
			[]string{"type", "result"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ums_radius_latency_seconds",
				Help:    "Time spent answering RADIUS requests",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, .8, 1},
			},
			[]string{"type"},
		),

		authRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_auth_rejects_total",
				Help: "Access-Rejects by reason code",
			},
			[]string{"reason"},
		),

		radiusDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_radius_dropped_total",
				Help: "RADIUS packets dropped without reply",
			},
			[]string{"reason"},
		),

		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ums_sessions_active",
				Help: "Sessions by state",
			},
			[]string{"state"},
		),

		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ums_session_duration_seconds",
				Help:    "Duration of closed sessions",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
			},
			[]string{"cause"},
		),

		sessionBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_session_bytes_total",
				Help: "Bytes transferred by closed sessions",
			},
			[]string{"direction"},
		),

		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_disconnects_total",
				Help: "Disconnect-Requests sent to NAS devices",
			},
			[]string{"cause", "result"},
		),

		billingTransactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_billing_transactions_total",
				Help: "Balance transactions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		billingAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ums_billing_amount_total",
				Help: "Sum of applied transaction amounts in minor units",
			},
			[]string{"kind"},
		),
	}
}

// Register registers all metrics with Prometheus.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.radiusRequests,
		m.radiusLatency,
		m.authRejects,
		m.radiusDropped,
		m.sessionsActive,
		m.sessionDuration,
		m.sessionBytes,
		m.disconnects,
		m.billingTransactions,
		m.billingAmount,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordRADIUSRequest records a RADIUS request.
func (m *Metrics) RecordRADIUSRequest(reqType, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.radiusRequests.WithLabelValues(reqType, result).Inc()
	m.radiusLatency.WithLabelValues(reqType).Observe(latency.Seconds())
}

// RecordReject records an Access-Reject reason.
func (m *Metrics) RecordReject(reason string) {
	if m == nil {
		return
	}
	m.authRejects.WithLabelValues(reason).Inc()
}

// RecordDropped records a packet dropped without a reply.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.radiusDropped.WithLabelValues(reason).Inc()
}

// SetSessions sets the session gauge for a state.
func (m *Metrics) SetSessions(state string, count int) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(state).Set(float64(count))
}

// RecordSessionClosed records the totals of a closed session.
func (m *Metrics) RecordSessionClosed(cause string, durationSeconds int64, bytesIn, bytesOut uint64) {
	if m == nil {
		return
	}
	m.sessionDuration.WithLabelValues(cause).Observe(float64(durationSeconds))
	m.sessionBytes.WithLabelValues("in").Add(float64(bytesIn))
	m.sessionBytes.WithLabelValues("out").Add(float64(bytesOut))
}

// RecordDisconnect records a Disconnect-Request outcome.
func (m *Metrics) RecordDisconnect(cause, result string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(cause, result).Inc()
}

// RecordTransaction records a balance transaction outcome.
func (m *Metrics) RecordTransaction(kind, outcome string, amount int64) {
	if m == nil {
		return
	}
	m.billingTransactions.WithLabelValues(kind, outcome).Inc()
	if outcome == "applied" {
		if amount < 0 {
			amount = -amount
		}
		m.billingAmount.WithLabelValues(kind).Add(float64(amount))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
