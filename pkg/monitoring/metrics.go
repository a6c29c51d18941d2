// Package monitoring exposes chain, mempool, and job-queue gauges for
// operational visibility, registered against a private Prometheus
// registry and served alongside a JSON health endpoint.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors this node updates as it runs.
type Metrics struct {
	BlockHeight     prometheus.Gauge
	ChainDifficulty prometheus.Gauge
	Supply          prometheus.Gauge
	LastBlockAge    prometheus.Gauge
	PendingTxns     prometheus.Gauge
	TotalTxns       prometheus.Counter
	BlocksMined     prometheus.Counter
	RejectedBlocks  prometheus.Counter
	RejectedTxns    prometheus.Counter
	JobQueueDepth   prometheus.Gauge
	Errors          prometheus.Counter
}

// NewMetrics constructs and registers one Metrics set against reg. A
// dedicated registry (rather than the global default) lets tests build
// independent instances without collector-already-registered panics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	namespace := "utxonode"
	m := &Metrics{
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "block_height", Help: "Current chain tip height.",
		}),
		ChainDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chain_difficulty", Help: "Declared difficulty of the chain tip.",
		}),
		Supply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "supply", Help: "Cumulative coin supply at the chain tip.",
		}),
		LastBlockAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_block_age_seconds", Help: "Seconds since the chain tip's declared timestamp; 0 until a sealed block has been applied.",
		}),
		PendingTxns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mempool_pending_transactions", Help: "Transactions currently held in the mempool.",
		}),
		TotalTxns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_admitted_total", Help: "Transactions successfully admitted to the mempool.",
		}),
		BlocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_mined_total", Help: "Blocks successfully sealed by the miner and applied.",
		}),
		RejectedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_rejected_total", Help: "Submitted blocks rejected as invalid.",
		}),
		RejectedTxns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transactions_rejected_total", Help: "Submitted transactions rejected by the mempool or validator.",
		}),
		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_queue_depth", Help: "Jobs currently queued on the node core's single-writer scheduler.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Fatal and recoverable errors observed by the node.",
		}),
	}
	reg.MustRegister(
		m.BlockHeight, m.ChainDifficulty, m.Supply, m.LastBlockAge, m.PendingTxns,
		m.TotalTxns, m.BlocksMined, m.RejectedBlocks, m.RejectedTxns, m.JobQueueDepth,
		m.Errors,
	)
	return m
}
