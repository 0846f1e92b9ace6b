package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_turns_total",
		Help: "Completed turns by outcome.",
	}, []string{"outcome"})

	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicegate_stage_duration_seconds",
		Help:    "Per-stage turn latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"stage"})

	delegationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_delegations_total",
		Help: "Operator delegations by result.",
	}, []string{"result"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_rejections_total",
		Help: "Calls rejected by admission policy, by reason.",
	}, []string{"reason"})
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeHangup   = "hangup"
	outcomeError    = "error"
)
