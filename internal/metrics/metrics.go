// Package metrics exposes the Prometheus collectors named by spec.md §6
// ("Hub-side metrics") and their edge-side counterparts, grounded on the
// gauge names used by original_source/bmon/bitcoind_monitor.py.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LastLogSeenAt records the unix timestamp of the most recently
	// tailed debug.log line, per host.
	LastLogSeenAt = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_last_bitcoind_log_seen_at",
			Help: "Unix timestamp of the last debug.log line observed",
		},
		[]string{"host"},
	)

	// EventQueueDepth tracks the edge's events queue backlog.
	EventQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_bitcoind_event_queue_depth",
			Help: "Number of events buffered in the edge events queue",
		},
		[]string{"host"},
	)

	// MempoolQueueDepth tracks the edge's mempool queue backlog.
	MempoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_bitcoind_mempool_queue_depth",
			Help: "Number of mempool events buffered in the edge mempool queue",
		},
		[]string{"host"},
	)

	// LastConnectBlockAt records when a host last connected a block.
	LastConnectBlockAt = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_last_connect_block_at",
			Help: "Unix timestamp of the last ConnectBlock event observed",
		},
		[]string{"host", "bitcoin_version", "region", "cohort"},
	)

	// MempoolActivityCacheSize tracks the local mempool archive's pending size.
	MempoolActivityCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_mempool_activity_cache_size",
			Help: "Number of records buffered in the current mempool archive file",
		},
		[]string{"host"},
	)

	// DebugLogSize tracks the observed size of the tailed debug log.
	DebugLogSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_bitcoind_debug_log_size",
			Help: "Size in bytes of the tailed debug.log file",
		},
		[]string{"host"},
	)

	// PropagationSpreadSeconds tracks fleet mempool tx propagation spread.
	PropagationSpreadSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmon_propagation_spread_seconds",
			Help:    "Spread between first and last host to see a tx, by cohort",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cohort"},
	)

	// PropagationFinalizedTotal counts finalized propagation records by status.
	PropagationFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmon_propagation_finalized_total",
			Help: "Finalized propagation records by completion status",
		},
		[]string{"status", "cohort"},
	)

	// ProcessLineErrorsTotal counts listener failures recorded as ProcessLineError rows.
	ProcessLineErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmon_process_line_errors_total",
			Help: "Listener failures recorded while processing log lines",
		},
		[]string{"host", "listener"},
	)

	// RPCCallDuration tracks JSON-RPC call latency by method and outcome.
	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmon_rpc_call_duration_seconds",
			Help:    "Daemon JSON-RPC call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host", "method", "outcome"},
	)

	// HeaderToTipGap tracks getblockchaininfo's headers-minus-blocks count,
	// a cheap RPC-derived corroborating signal for sync staleness that
	// never becomes a persisted HeaderToTip event.
	HeaderToTipGap = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bmon_header_to_tip_gap",
			Help: "getblockchaininfo headers-minus-blocks count, per host",
		},
		[]string{"host"},
	)
)
