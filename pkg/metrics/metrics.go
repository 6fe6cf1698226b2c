// Package metrics collects prometheus metrics of a tuplefab node.
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tuplefab"

type Collector struct {
	ledgerRequests  *prometheus.CounterVec
	ledgerDuration  *prometheus.HistogramVec
	tuples          *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
	slotsInUse      prometheus.Gauge
	reconciled      *prometheus.CounterVec
}

// New registers metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		ledgerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_requests_total",
				Help:      "Ledger requests by chaincode function and outcome.",
			},
			[]string{"function", "outcome"},
		),
		ledgerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_request_duration_seconds",
				Help:      "Time to get a ledger request settled.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"function"},
		),
		tuples: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tuples_executed_total",
				Help:      "Tuples run on this node by kind and final status.",
			},
			[]string{"kind", "status"},
		),
		sandboxDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_duration_seconds",
				Help:      "Wall time of sandbox containers.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"role"},
		),
		slotsInUse: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "execution_slots_in_use",
				Help:      "Execution slots held by running sandboxes.",
			},
		),
		reconciled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_reconciled_total",
				Help:      "Unvalidated mirror records settled by reconciliation.",
			},
			[]string{"result"},
		),
	}
}

func (c *Collector) LedgerRequest(function, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.ledgerRequests.WithLabelValues(function, outcome).Inc()
	c.ledgerDuration.WithLabelValues(function).Observe(took.Seconds())
}

func (c *Collector) TupleExecuted(kind, status string) {
	if c == nil {
		return
	}
	c.tuples.WithLabelValues(kind, status).Inc()
}

func (c *Collector) SandboxRun(role string, took time.Duration) {
	if c == nil {
		return
	}
	c.sandboxDuration.WithLabelValues(role).Observe(took.Seconds())
}

func (c *Collector) SlotsInUse(n int) {
	if c == nil {
		return
	}
	c.slotsInUse.Set(float64(n))
}

// Reconciled counts records which are "validated" or "dropped".
func (c *Collector) Reconciled(result string) {
	if c == nil {
		return
	}
	c.reconciled.WithLabelValues(result).Inc()
}
