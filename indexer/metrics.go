package indexer

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksIndexed counts indexed blocks per network
	BlocksIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_blocks_total",
			Help: "Total number of blocks indexed",
		},
		[]string{"network"},
	)

	// HighestBlock shows the highest indexed block height
	HighestBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_highest_block",
			Help: "Highest indexed block height",
		},
		[]string{"network"},
	)

	// NodeHead shows the node's finalized head height
	NodeHead = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_node_head",
			Help: "Finalized head height on the node",
		},
		[]string{"network"},
	)

	// BlocksBehind shows how many blocks behind the node head
	BlocksBehind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_blocks_behind",
			Help: "Number of blocks behind the node's finalized head",
		},
		[]string{"network"},
	)

	// CaughtUp is 1 while the indexer is within the configured distance
	CaughtUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_caught_up",
			Help: "Whether the indexer is caught up with the node (0/1)",
		},
		[]string{"network"},
	)

	// TransactionsIndexed counts indexed transactions
	TransactionsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_transactions_total",
			Help: "Total number of transactions indexed",
		},
		[]string{"network"},
	)

	// ContractActionsIndexed counts indexed contract actions per variant
	ContractActionsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_contract_actions_total",
			Help: "Total number of contract actions indexed",
		},
		[]string{"network", "variant"},
	)

	// LedgerStateSize shows the size of the last serialized ledger state
	LedgerStateSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_ledger_state_bytes",
			Help: "Size in bytes of the last persisted ledger state",
		},
		[]string{"network"},
	)
)

func init() {
	prometheus.MustRegister(
		BlocksIndexed,
		HighestBlock,
		NodeHead,
		BlocksBehind,
		CaughtUp,
		TransactionsIndexed,
		ContractActionsIndexed,
		LedgerStateSize,
	)
}

// StartMetricsServer serves /metrics on the given address.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("[metrics] listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// seedCounters initializes the monotone counters from persisted totals so
// restarts do not reset the series.
func seedCounters(network string, transactions, deploys, calls, updates uint64) {
	TransactionsIndexed.WithLabelValues(network).Add(float64(transactions))
	ContractActionsIndexed.WithLabelValues(network, "Deploy").Add(float64(deploys))
	ContractActionsIndexed.WithLabelValues(network, "Call").Add(float64(calls))
	ContractActionsIndexed.WithLabelValues(network, "Update").Add(float64(updates))
}
