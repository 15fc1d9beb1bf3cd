// Package metrics holds the Prometheus collectors for the engine. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	OrdersTotal          *prometheus.CounterVec   // labels: scope, side, effect, status
	SubmitDuration       *prometheus.HistogramVec // labels: scope
	ExitsTotal           *prometheus.CounterVec   // labels: scope, rule
	VetoesTotal          *prometheus.CounterVec   // labels: scope, reason
	ExitOnly             *prometheus.GaugeVec     // labels: scope; 1 while entries are blocked
	BalanceFetchFailures *prometheus.CounterVec   // labels: scope
	ReconcileActions     *prometheus.CounterVec   // labels: scope, action
	OpenPositions        *prometheus.GaugeVec     // labels: scope
	TokenEvents          *prometheus.CounterVec   // labels: credential, event

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry that
// also carries the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_orders_total",
			Help: "Terminal order outcomes",
		}, []string{"scope", "side", "effect", "status"}),
		SubmitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posengine_order_submit_seconds",
			Help:    "Venue submit latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"scope"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_exit_decisions_total",
			Help: "Close instructions by rule",
		}, []string{"scope", "rule"}),
		VetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_entry_vetoes_total",
			Help: "Entry candidates refused by the capital gate",
		}, []string{"scope", "reason"}),
		ExitOnly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posengine_exit_only",
			Help: "1 while the scope only permits exits",
		}, []string{"scope"}),
		BalanceFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_balance_fetch_failures_total",
			Help: "Failed balance fetch attempts",
		}, []string{"scope"}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_reconcile_actions_total",
			Help: "Ledger corrections applied by reconciliation",
		}, []string{"scope", "action"}),
		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posengine_open_positions",
			Help: "Positions currently in the ledger",
		}, []string{"scope"}),
		TokenEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_token_events_total",
			Help: "Idempotency token jumps and reseeds",
		}, []string{"credential", "event"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersTotal,
		m.SubmitDuration,
		m.ExitsTotal,
		m.VetoesTotal,
		m.ExitOnly,
		m.BalanceFetchFailures,
		m.ReconcileActions,
		m.OpenPositions,
		m.TokenEvents,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderOutcome(scope, side, effect, status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(scope, side, effect, status).Inc()
}

func (m *Metrics) ObserveSubmit(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) ExitDecision(scope, rule string) {
	if m == nil {
		return
	}
	m.ExitsTotal.WithLabelValues(scope, rule).Inc()
}

func (m *Metrics) Veto(scope, reason string) {
	if m == nil {
		return
	}
	m.VetoesTotal.WithLabelValues(scope, reason).Inc()
}

func (m *Metrics) SetExitOnly(scope string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.ExitOnly.WithLabelValues(scope).Set(v)
}

func (m *Metrics) BalanceFetchFailed(scope string) {
	if m == nil {
		return
	}
	m.BalanceFetchFailures.WithLabelValues(scope).Inc()
}

func (m *Metrics) ReconcileAction(scope, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileActions.WithLabelValues(scope, action).Add(float64(n))
}

func (m *Metrics) SetOpenPositions(scope string, n int) {
	if m == nil {
		return
	}
	m.OpenPositions.WithLabelValues(scope).Set(float64(n))
}

// TokenJumped implements nonce.Observer.
func (m *Metrics) TokenJumped(credential string) {
	if m == nil {
		return
	}
	m.TokenEvents.WithLabelValues(credential, "jump").Inc()
}

// TokenReseeded implements nonce.Observer.
func (m *Metrics) TokenReseeded(credential string) {
	if m == nil {
		return
	}
	m.TokenEvents.WithLabelValues(credential, "reseed").Inc()
}
