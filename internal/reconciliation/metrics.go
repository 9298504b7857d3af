package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "prooflab",
		Subsystem: "reconciliation",
		Name:      "wallet_mismatches",
		Help:      "Number of wallets whose balances disagree with their ledger in the last run.",
	})

	reconcileWalletsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "prooflab",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Number of wallets checked in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prooflab",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "prooflab",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileWalletsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
