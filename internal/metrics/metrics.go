// Package metrics provides Prometheus metrics for the run engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_triggered_total",
			Help: "Total number of runs created by trigger requests",
		},
		[]string{"task_identifier"},
	)
	RunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_run_transitions_total",
			Help: "Total number of run status transitions",
		},
		[]string{"to_status"},
	)
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_completed_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"status"},
	)
	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_actions_enqueued_total",
			Help: "Total number of background actions enqueued",
		},
		[]string{"kind"},
	)
	ActionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_actions_processed_total",
			Help: "Total number of background action deliveries by outcome",
		},
		[]string{"kind", "outcome"},
	)
	WaitpointsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_waitpoints_completed_total",
			Help: "Total number of waitpoints completed",
		},
		[]string{"type"},
	)
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runengine_lock_wait_seconds",
			Help:    "Time spent waiting to acquire run locks",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	ActionsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runengine_actions_pending",
			Help: "Current number of queued background actions per kind",
		},
		[]string{"kind"},
	)
)
