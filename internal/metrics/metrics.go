// Package metrics exposes the indexer's Prometheus counters. The pipeline
// reports failures only through sync_status and these series; there is no
// error RPC.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndexedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexed_blocks",
		Help: "Number of blocks committed to the store.",
	})

	ChainReorgEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chain_reorg_events_total",
		Help: "Number of chain reorganizations detected and repaired.",
	})

	PoisonBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poison_blocks_total",
		Help: "Number of blocks flagged unprojectable after retries.",
	})

	CurrentHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_current_height",
		Help: "Height of the last committed block.",
	})

	TargetHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_target_height",
		Help: "Node tip height observed at the last probe.",
	})

	CommitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_block_commit_seconds",
		Help:    "Latency of one projector block transaction.",
		Buckets: prometheus.DefBuckets,
	})

	NodeRequestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_request_errors_total",
		Help: "Node API calls that exhausted their retry budget.",
	})
)
