// Package metrics owns the process Prometheus registry. A nil *Registry is a valid no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry           *prometheus.Registry
	escrowOpsTotal     *prometheus.CounterVec
	cacheLookupsTotal  *prometheus.CounterVec
	broadcastsTotal    *prometheus.CounterVec
	confirmationsTotal *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	pendingSettlements prometheus.Gauge
}

func New() *Registry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computepay_escrow_operations_total",
		Help: "Escrow ledger operations by kind and result",
	}, []string{"op", "result"})

	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computepay_balance_cache_lookups_total",
		Help: "Balance cache lookups by result (hit, miss, stale, error)",
	}, []string{"result"})

	broadcasts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computepay_broadcasts_total",
		Help: "Settlement broadcast attempts by result",
	}, []string{"result"})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computepay_confirmations_total",
		Help: "Confirmation polling outcomes",
	}, []string{"outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computepay_retry_attempts_total",
		Help: "Retried network calls by operation",
	}, []string{"operation"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "computepay_pending_settlements",
		Help: "Settlements not yet confirmed or failed",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, cache, broadcasts, confirmations, retries, pending)

	return &Registry{
		registry:           r,
		escrowOpsTotal:     ops,
		cacheLookupsTotal:  cache,
		broadcastsTotal:    broadcasts,
		confirmationsTotal: confirmations,
		retryAttemptsTotal: retries,
		pendingSettlements: pending,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncEscrowOp(op, result string) {
	if m == nil {
		return
	}
	m.escrowOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Registry) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncBroadcast(result string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.confirmationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Registry) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(operation).Inc()
}

func (m *Registry) SetPendingSettlements(n int) {
	if m == nil {
		return
	}
	m.pendingSettlements.Set(float64(n))
}
