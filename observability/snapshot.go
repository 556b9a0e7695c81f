package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue reads the current value of c. Collection errors read as zero.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// TimeoutCount returns the number of confirmation timeouts recorded so far.
func (m *SubmitterMetrics) TimeoutCount() float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.timeouts)
}

// PhaseCount returns how many submissions of action reached phase.
func (m *SubmitterMetrics) PhaseCount(action, phase string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.phases.WithLabelValues(labelOr(action, "unknown"), phase))
}

// DisputeOutcomeCount returns how many disputes resolved with outcome.
func (m *EscrowMetrics) DisputeOutcomeCount(outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.disputes.WithLabelValues(labelOr(outcome, "unknown")))
}

// TxCount returns how many included transactions ended with status and kind.
func (m *LedgerMetrics) TxCount(status, kind string) float64 {
	if m == nil {
		return 0
	}
	if kind == "" {
		kind = "none"
	}
	return counterValue(m.txs.WithLabelValues(status, kind))
}
