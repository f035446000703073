// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poolyield"

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector содержит все метрики сервиса.
type Collector struct {
	registry *prometheus.Registry

	AccrualEstimates   *prometheus.CounterVec
	ClockSkewTotal     prometheus.Counter
	SnapshotErrors     *prometheus.CounterVec
	WithdrawalsTotal   *prometheus.CounterVec
	PenaltyPoints      prometheus.Histogram
	AggregationRuns    *prometheus.CounterVec
	AggregationFailed  prometheus.Counter
	MalformedFeeValues prometheus.Counter
	ReferrerRewards    *prometheus.GaugeVec
	PositionsFinalized prometheus.Counter
}

// Get возвращает единственный экземпляр коллектора.
func Get() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.AccrualEstimates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "estimates_total",
			Help:      "Accrual estimates by winning source",
		},
		[]string{"status", "source"},
	)

	c.ClockSkewTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "clock_skew_total",
			Help:      "Evaluations requested before the position start time",
		},
	)

	c.SnapshotErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "snapshot_errors_total",
			Help:      "Pool snapshot lookups that failed or timed out",
		},
		[]string{"reason"},
	)

	c.WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "total",
			Help:      "Withdrawal requests by outcome",
		},
		[]string{"status", "penalty"},
	)

	c.PenaltyPoints = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "penalty_points",
			Help:      "Annual rate reduction applied per withdrawal, percentage points",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 7.73},
		},
	)

	c.AggregationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "aggregation_runs_total",
			Help:      "Referral reward aggregation runs",
		},
		[]string{"result"},
	)

	c.AggregationFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "wallet_failures_total",
			Help:      "Referred wallets that failed during aggregation",
		},
	)

	c.MalformedFeeValues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "malformed_fee_values_total",
			Help:      "Accrued values treated as zero during aggregation",
		},
	)

	c.ReferrerRewards = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "total_rewards",
			Help:      "Total referral rewards after the last aggregation",
		},
		[]string{"referrer_id"},
	)

	c.PositionsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "finalized_total",
			Help:      "Positions finalized after their window elapsed",
		},
	)

	c.registry.MustRegister(
		c.AccrualEstimates,
		c.ClockSkewTotal,
		c.SnapshotErrors,
		c.WithdrawalsTotal,
		c.PenaltyPoints,
		c.AggregationRuns,
		c.AggregationFailed,
		c.MalformedFeeValues,
		c.ReferrerRewards,
		c.PositionsFinalized,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return c
}

// Handler возвращает HTTP-обработчик для выдачи метрик.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
