// Package metrics provides Prometheus metrics for session lifecycle operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultRejected  = "rejected"
	ResultDiscarded = "discarded"
	ResultNoop      = "noop"
)

// Metrics holds all Prometheus metrics for the SDK. A nil *Metrics is a valid no-op.
type Metrics struct {
	enabled bool
	reg     prometheus.Registerer

	loginTotal     *prometheus.CounterVec
	exchangeTotal  *prometheus.CounterVec
	refreshTotal   *prometheus.CounterVec
	refreshShared  prometheus.Counter
	expiredTotal   prometheus.Counter
	refreshSeconds prometheus.Histogram
}

// Option configures Metrics.
type Option func(*Metrics)

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Metrics) { m.reg = r }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled, reg: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(m)
	}

	if !enabled {
		return m
	}

	f := promauto.With(m.reg)

	m.loginTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authkit_login_total",
		Help: "Total sign-in attempts by origin and result",
	}, []string{"origin", "result"})

	m.exchangeTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authkit_exchange_total",
		Help: "Total third-party session reconciliations by result",
	}, []string{"result"})

	m.refreshTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authkit_refresh_total",
		Help: "Total refresh calls by result",
	}, []string{"result"})

	m.refreshShared = f.NewCounter(prometheus.CounterOpts{
		Name: "authkit_refresh_shared_total",
		Help: "Callers that received a refresh result shared with other callers",
	})

	m.expiredTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "authkit_session_expired_total",
		Help: "Sessions cleared after a fatal refresh failure",
	})

	m.refreshSeconds = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "authkit_refresh_duration_seconds",
		Help:    "Refresh call duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordLogin records a login or registration attempt.
func (m *Metrics) RecordLogin(origin, result string) {
	if !m.on() {
		return
	}
	m.loginTotal.WithLabelValues(origin, result).Inc()
}

// RecordExchange records a reconciliation outcome.
func (m *Metrics) RecordExchange(result string) {
	if !m.on() {
		return
	}
	m.exchangeTotal.WithLabelValues(result).Inc()
}

// RecordRefresh records the outcome and duration of one refresh call.
func (m *Metrics) RecordRefresh(result string, d time.Duration) {
	if !m.on() {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshSeconds.Observe(d.Seconds())
}

// RecordSharedRefresh records a caller whose refresh result was shared with others.
func (m *Metrics) RecordSharedRefresh() {
	if !m.on() {
		return
	}
	m.refreshShared.Inc()
}

// RecordSessionExpired records a forced session clear.
func (m *Metrics) RecordSessionExpired() {
	if !m.on() {
		return
	}
	m.expiredTotal.Inc()
}
