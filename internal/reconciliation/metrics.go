package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func gauge(name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "safehold", Subsystem: "reconciliation", Name: name, Help: help,
	})
}

var (
	walletMismatches = gauge("wallet_mismatches",
		"Wallets whose stored balance disagreed with their entries in the last run.")
	overdueEscrows = gauge("overdue_escrows",
		"Funded or in-progress escrows past their due date in the last run.")
	lastHealthy = gauge("last_healthy_timestamp_seconds",
		"Unix time of the most recent healthy run.")

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "safehold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a reconciliation run.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	runErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safehold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Checks that failed to complete.",
	})
)
