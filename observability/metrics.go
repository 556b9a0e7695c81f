package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	submitterMetricsOnce sync.Once
	submitterRegistry    *SubmitterMetrics

	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "workchain",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. code is the JSON-RPC
// error code, zero on success.
func (m *moduleMetrics) Observe(module, method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "unauthorized" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LedgerMetrics tracks block production and transaction outcomes.
type LedgerMetrics struct {
	blocks        prometheus.Counter
	blockInterval prometheus.Histogram
	txs           *prometheus.CounterVec
	mempool       prometheus.Gauge
	dropped       *prometheus.CounterVec
}

// Ledger returns the ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			blocks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "ledger",
				Name:      "blocks_total",
				Help:      "Count of blocks produced.",
			}),
			blockInterval: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "workchain",
				Subsystem: "ledger",
				Name:      "block_interval_seconds",
				Help:      "Observed interval between consecutive blocks.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
			}),
			txs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Transactions included in blocks segmented by status and error kind.",
			}, []string{"status", "kind"}),
			mempool: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "workchain",
				Subsystem: "ledger",
				Name:      "mempool_size",
				Help:      "Transactions waiting for inclusion.",
			}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "ledger",
				Name:      "mempool_dropped_total",
				Help:      "Transactions dropped from the mempool segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.blocks,
			ledgerRegistry.blockInterval,
			ledgerRegistry.txs,
			ledgerRegistry.mempool,
			ledgerRegistry.dropped,
		)
	})
	return ledgerRegistry
}

// RecordBlock counts a produced block and the interval since the previous one.
func (m *LedgerMetrics) RecordBlock(interval time.Duration) {
	if m == nil {
		return
	}
	m.blocks.Inc()
	if interval > 0 {
		m.blockInterval.Observe(interval.Seconds())
	}
}

// RecordTx counts one included transaction.
func (m *LedgerMetrics) RecordTx(status, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.txs.WithLabelValues(status, kind).Inc()
}

// SetMempool reports the current mempool depth.
func (m *LedgerMetrics) SetMempool(size int) {
	if m == nil {
		return
	}
	m.mempool.Set(float64(size))
}

// RecordDrop counts a transaction evicted without inclusion.
func (m *LedgerMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// EscrowMetrics tracks value flowing through escrow custody.
type EscrowMetrics struct {
	transfers *prometheus.CounterVec
	volume    *prometheus.CounterVec
	disputes  *prometheus.CounterVec
}

// Escrow returns the escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "escrow",
				Name:      "transfers_total",
				Help:      "Count of ledger transfers segmented by reason.",
			}, []string{"reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "escrow",
				Name:      "transfer_volume",
				Help:      "Transferred amount in display units segmented by reason.",
			}, []string{"reason"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "escrow",
				Name:      "disputes_resolved_total",
				Help:      "Disputes resolved by reviewer vote segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(escrowRegistry.transfers, escrowRegistry.volume, escrowRegistry.disputes)
	})
	return escrowRegistry
}

// RecordTransfer counts a transfer. amount is in the smallest unit and is
// scaled by decimals for the volume counter.
func (m *EscrowMetrics) RecordTransfer(reason string, amount *big.Int, decimals int) {
	if m == nil {
		return
	}
	reason = labelOr(reason, "unspecified")
	m.transfers.WithLabelValues(reason).Inc()
	if amount != nil && amount.Sign() > 0 {
		m.volume.WithLabelValues(reason).Add(bigToFloat(amount, decimals))
	}
}

// RecordDisputeOutcome counts a resolved dispute.
func (m *EscrowMetrics) RecordDisputeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(labelOr(outcome, "unknown")).Inc()
}

// SubmitterMetrics tracks client-side submission phases.
type SubmitterMetrics struct {
	phases   *prometheus.CounterVec
	latency  prometheus.Histogram
	timeouts prometheus.Counter
}

// Submitter returns the transaction submitter metrics registry.
func Submitter() *SubmitterMetrics {
	submitterMetricsOnce.Do(func() {
		submitterRegistry = &SubmitterMetrics{
			phases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "submitter",
				Name:      "results_total",
				Help:      "Submission results segmented by action and phase.",
			}, []string{"action", "phase"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "workchain",
				Subsystem: "submitter",
				Name:      "confirmation_seconds",
				Help:      "Time from broadcast to observed inclusion.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "submitter",
				Name:      "confirmation_timeouts_total",
				Help:      "Submissions whose inclusion was not observed within the poll budget.",
			}),
		}
		prometheus.MustRegister(submitterRegistry.phases, submitterRegistry.latency, submitterRegistry.timeouts)
	})
	return submitterRegistry
}

// RecordPhase counts a submission reaching phase.
func (m *SubmitterMetrics) RecordPhase(action, phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(labelOr(action, "unknown"), phase).Inc()
}

// ObserveConfirmation records broadcast-to-inclusion latency.
func (m *SubmitterMetrics) ObserveConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// RecordTimeout counts a confirmation timeout.
func (m *SubmitterMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// IndexerMetrics tracks the ledger event indexer.
type IndexerMetrics struct {
	ingested *prometheus.CounterVec
	cursor   prometheus.Gauge
	errors   prometheus.Counter
}

// Indexer returns the indexer metrics registry.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "indexer",
				Name:      "events_total",
				Help:      "Ledger events ingested segmented by type.",
			}, []string{"type"}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "workchain",
				Subsystem: "indexer",
				Name:      "cursor",
				Help:      "Sequence number of the last ingested event.",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "workchain",
				Subsystem: "indexer",
				Name:      "poll_errors_total",
				Help:      "Failed polls against the ledger node.",
			}),
		}
		prometheus.MustRegister(indexerRegistry.ingested, indexerRegistry.cursor, indexerRegistry.errors)
	})
	return indexerRegistry
}

// RecordEvent counts an ingested event and advances the cursor gauge.
func (m *IndexerMetrics) RecordEvent(eventType string, seq uint64) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(labelOr(eventType, "unknown")).Inc()
	m.cursor.Set(float64(seq))
}

// RecordPollError counts a failed poll.
func (m *IndexerMetrics) RecordPollError() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetFloat64(math.Pow10(decimals)))
	}
	out, _ := f.Float64()
	return out
}
