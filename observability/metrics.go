package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	auctionMetricsOnce sync.Once
	auctionRegistry    *AuctionMetrics
)

// AuctionMetrics wraps the collectors describing the auction client.
type AuctionMetrics struct {
	refreshLatency  *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	roundID         prometheus.Gauge
	highestBid      prometheus.Gauge
	roundEnd        prometheus.Gauge
	writes          *prometheus.CounterVec
	confirmLatency  *prometheus.HistogramVec
	workflows       *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	reconciledTotal *prometheus.CounterVec
}

// Auction returns the lazily initialised metrics registry for the auction client.
func Auction() *AuctionMetrics {
	auctionMetricsOnce.Do(func() {
		auctionRegistry = &AuctionMetrics{
			refreshLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "songcoin",
				Subsystem: "cache",
				Name:      "refresh_duration_seconds",
				Help:      "Latency distribution for auction cache refreshes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "songcoin",
				Subsystem: "cache",
				Name:      "refreshes_total",
				Help:      "Count of auction cache refreshes segmented by outcome.",
			}, []string{"outcome"}),
			roundID: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "songcoin",
				Subsystem: "auction",
				Name:      "round_id",
				Help:      "Identifier of the current auction round.",
			}),
			highestBid: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "songcoin",
				Subsystem: "auction",
				Name:      "highest_bid",
				Help:      "Highest bid of the current round in token base units.",
			}),
			roundEnd: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "songcoin",
				Subsystem: "auction",
				Name:      "round_end_timestamp_seconds",
				Help:      "Unix time at which the current round ends.",
			}),
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "songcoin",
				Subsystem: "tx",
				Name:      "writes_total",
				Help:      "Contract writes segmented by step and outcome.",
			}, []string{"step", "outcome"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "songcoin",
				Subsystem: "tx",
				Name:      "confirmation_duration_seconds",
				Help:      "Time from submission to the required confirmations.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}, []string{"step"}),
			workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "songcoin",
				Subsystem: "workflow",
				Name:      "attempts_total",
				Help:      "Workflow attempts segmented by flow and terminal outcome.",
			}, []string{"flow", "outcome"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "songcoin",
				Subsystem: "workflow",
				Name:      "in_flight",
				Help:      "Workflow attempts currently pending.",
			}, []string{"flow"}),
			reconciledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "songcoin",
				Subsystem: "journal",
				Name:      "reconciled_total",
				Help:      "Abandoned attempts reconciled against on-chain receipts.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			auctionRegistry.refreshLatency,
			auctionRegistry.refreshes,
			auctionRegistry.roundID,
			auctionRegistry.highestBid,
			auctionRegistry.roundEnd,
			auctionRegistry.writes,
			auctionRegistry.confirmLatency,
			auctionRegistry.workflows,
			auctionRegistry.inFlight,
			auctionRegistry.reconciledTotal,
		)
	})
	return auctionRegistry
}

// ObserveRefresh records a cache refresh.
func (m *AuctionMetrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	outcome = label(outcome)
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordRound publishes the headline values of the current round.
func (m *AuctionMetrics) RecordRound(id, highest *big.Int, endTime int64) {
	if m == nil {
		return
	}
	m.roundID.Set(bigToFloat(id))
	m.highestBid.Set(bigToFloat(highest))
	m.roundEnd.Set(float64(endTime))
}

// RecordWrite counts a submission or confirmation outcome for a step.
func (m *AuctionMetrics) RecordWrite(step, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(label(step), label(outcome)).Inc()
}

// ObserveConfirmation records how long a transaction took to confirm.
func (m *AuctionMetrics) ObserveConfirmation(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.WithLabelValues(label(step)).Observe(d.Seconds())
}

// WorkflowStarted marks a workflow attempt as pending.
func (m *AuctionMetrics) WorkflowStarted(flow string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(flow)).Inc()
}

// WorkflowFinished records the terminal outcome of a workflow attempt.
func (m *AuctionMetrics) WorkflowFinished(flow, outcome string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(flow)).Dec()
	m.workflows.WithLabelValues(label(flow), label(outcome)).Inc()
}

// RecordReconciled counts a journal entry settled by the reconciler.
func (m *AuctionMetrics) RecordReconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciledTotal.WithLabelValues(label(outcome)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
