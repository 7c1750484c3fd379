package telemetry

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/pointsledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "points_ledger"

// Metrics holds the ledger collectors. It implements ledger.OperationLogger.
type Metrics struct {
	operationsTotal       *prometheus.CounterVec
	operationDuration     *prometheus.HistogramVec
	movedCentsTotal       *prometheus.CounterVec
	guardSweepRunsTotal   prometheus.Counter
	guardSweptTotal       prometheus.Counter
	guardReservations     prometheus.Gauge
	guardLastSweepRunUnix prometheus.Gauge
}

// NewMetrics registers the collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by operation and result.",
			},
			[]string{"operation", "result"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Ledger operation latency including lock waits.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		movedCentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "engine",
				Name:      "moved_cents_total",
				Help:      "Cents recorded by successful operations partitioned by transaction type.",
			},
			[]string{"type"},
		),
		guardSweepRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "idempotency",
				Name:      "sweep_runs_total",
				Help:      "Total sweeps of expired in-memory reservations.",
			},
		),
		guardSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "idempotency",
				Name:      "swept_total",
				Help:      "Total expired reservations removed by sweeps.",
			},
		),
		guardReservations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "idempotency",
				Name:      "reservations",
				Help:      "Reservations held after the most recent sweep.",
			},
		),
		guardLastSweepRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "idempotency",
				Name:      "last_sweep_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
	}
}

func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operationsTotal.WithLabelValues(entry.Operation, ledger.ErrorKind(entry.Error)).Inc()
	metrics.operationDuration.WithLabelValues(entry.Operation).Observe(entry.Duration.Seconds())
	if entry.Error == nil && entry.Type != "" && entry.Amount > 0 {
		metrics.movedCentsTotal.WithLabelValues(entry.Type.String()).Add(float64(entry.Amount.Int64()))
	}
}

// ObserveSweep records one sweep of the in-memory idempotency guard.
func (metrics *Metrics) ObserveSweep(removed int, remaining int, at time.Time) {
	metrics.guardSweepRunsTotal.Inc()
	metrics.guardSweptTotal.Add(float64(removed))
	metrics.guardReservations.Set(float64(remaining))
	metrics.guardLastSweepRunUnix.Set(float64(at.Unix()))
}
