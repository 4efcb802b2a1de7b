package node

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"rubin.dev/node/consensus"
)

// Metrics is the ingestion pipeline's metrics set: blocks ingested,
// verification failures by error code, cycles consumed per block, orphan
// pool size, and fork-switch depth. The core only owns registration; an
// RPC surface (out of scope here) mounts the Registry.
//
// CyclesConsumedPerBlock and ForkSwitchDepth are registered for the RPC
// surface to scrape, but nothing in this module records to them: there is
// no per-script cycle accounting and no multi-candidate fork switch (see
// DESIGN.md). blocks_ingested, verification_failures and orphan_pool_size
// are all updated by SyncEngine (the last by refreshing from its attached
// OrphanPool).
type Metrics struct {
	Registry              *prometheus.Registry
	BlocksIngested         prometheus.Counter
	VerificationFailures   *prometheus.CounterVec
	CyclesConsumedPerBlock prometheus.Histogram
	OrphanPoolSize         prometheus.Gauge
	ForkSwitchDepth        prometheus.Histogram
}

// NewMetrics builds and registers a fresh metrics set on its own registry
// (never the global default, so multiple nodes in one process, e.g. in
// tests, don't collide on registration).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BlocksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rubin",
			Subsystem: "ingestion",
			Name:      "blocks_ingested_total",
			Help:      "Blocks successfully connected to the chain tip.",
		}),
		VerificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rubin",
			Subsystem: "ingestion",
			Name:      "verification_failures_total",
			Help:      "Block verification failures, labeled by consensus error code.",
		}, []string{"error_code"}),
		CyclesConsumedPerBlock: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rubin",
			Subsystem: "ingestion",
			Name:      "cycles_consumed_per_block",
			Help:      "Script verification cycles consumed per accepted block.",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
		}),
		OrphanPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rubin",
			Subsystem: "ingestion",
			Name:      "orphan_pool_size",
			Help:      "Blocks currently buffered awaiting an unconnected parent.",
		}),
		ForkSwitchDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rubin",
			Subsystem: "ingestion",
			Name:      "fork_switch_depth",
			Help:      "Number of blocks disconnected/reconnected during a fork switch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	reg.MustRegister(
		m.BlocksIngested,
		m.VerificationFailures,
		m.CyclesConsumedPerBlock,
		m.OrphanPoolSize,
		m.ForkSwitchDepth,
	)
	return m
}

// ObserveApplyResult records a SyncEngine.ApplyBlock outcome: a nil err
// increments BlocksIngested, a non-nil err increments
// VerificationFailures labeled by the consensus error code (falling back
// to "UNKNOWN" for errors outside the consensus taxonomy, e.g. I/O
// failures from the block store).
func (m *Metrics) ObserveApplyResult(err error) {
	if m == nil {
		return
	}
	if err == nil {
		m.BlocksIngested.Inc()
		return
	}
	m.VerificationFailures.WithLabelValues(string(errorCodeOf(err))).Inc()
}

func errorCodeOf(err error) consensus.ErrorCode {
	var te *consensus.TxError
	if errors.As(err, &te) {
		return te.Code
	}
	var ce *consensus.ChainError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "UNKNOWN"
}

// RefreshOrphanPoolSize syncs the gauge to the pool's current size; called
// by whatever owns both the pool and the metrics set after a mutation.
func (m *Metrics) RefreshOrphanPoolSize(p *OrphanPool) {
	if m == nil {
		return
	}
	m.OrphanPoolSize.Set(float64(p.Size()))
}
