// Package metrics provides Prometheus instrumentation for the
// coordination kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message metrics.
var (
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentkernel_messages_sent_total",
		Help: "Total number of messages persisted, by message_type.",
	}, []string{"message_type"})
)

// Session metrics.
var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentkernel_sessions_created_total",
		Help: "Total number of sessions created.",
	})

	SessionsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentkernel_sessions_ended_total",
		Help: "Total number of sessions ended.",
	})

	ActiveWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentkernel_active_waiters",
		Help: "Number of goroutines currently blocked in send_and_wait.",
	})

	SendAndWaitOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentkernel_send_and_wait_outcomes_total",
		Help: "Outcomes of send_and_wait calls, by outcome (fast_path, race_check, delivered, timed_out, cancelled).",
	}, []string{"outcome"})
)

// Meeting metrics.
var (
	MeetingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentkernel_meetings_active",
		Help: "Number of meetings currently in the active state.",
	})

	MeetingTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentkernel_meeting_turns_total",
		Help: "Total number of meeting turn rotations.",
	})

	MeetingTurnTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentkernel_meeting_turn_timeouts_total",
		Help: "Total number of meeting turns that expired without an explicit yield.",
	})
)

// Handler dispatch metrics.
var (
	HandlerDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentkernel_handler_dispatch_total",
		Help: "Handler dispatch attempts, by kind and outcome (returned, timed_out, errored, no_handler).",
	}, []string{"kind", "outcome"})

	HandlerDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentkernel_handler_dispatch_duration_seconds",
		Help:    "Handler dispatch duration, by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// Advisory lock metrics.
var (
	AdvisoryLockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentkernel_advisory_lock_contention_total",
		Help: "Total number of advisory lock acquisition attempts that found the lock already held.",
	})
)
