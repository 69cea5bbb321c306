// Package metrics exposes the agent's Prometheus instrumentation,
// served on the local operator listener at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SignalsObserved counts signals emitted by collectors, by category.
var SignalsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "signals_observed_total",
	Help:      "Signals entering the pipeline, by category.",
}, []string{"category"})

// SignalsSuppressed counts signals stopped before decisioning, by gate.
var SignalsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "signals_suppressed_total",
	Help:      "Signals suppressed before decisioning, by gate.",
}, []string{"gate"})

// CollectorPasses counts collection passes, by source and outcome.
var CollectorPasses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "collector_passes_total",
	Help:      "Collection passes, by source and outcome.",
}, []string{"source", "outcome"})

// Decisions counts pipeline decisions, by kind.
var Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "decisions_total",
	Help:      "Decision engine outcomes, by kind.",
}, []string{"kind"})

// Escalations counts escalation admissions, by disposition.
var Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "escalations_total",
	Help:      "Escalation attempts, by disposition.",
}, []string{"disposition"})

// PlaybookRuns counts completed playbook executions, by result.
var PlaybookRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "playbook_runs_total",
	Help:      "Playbook executions, by result.",
}, []string{"result"})

// QueueDepth tracks tasks waiting in the playbook queue.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "queue_depth",
	Help:      "Tasks currently waiting in the playbook queue.",
})

// TransportConnected reports the control-plane link (1=up, 0=down).
var TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "transport_connected",
	Help:      "Control-plane connection state (1=connected).",
})

// Reconnects counts reconnect attempts after a dropped connection.
var Reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "transport_reconnects_total",
	Help:      "Reconnect attempts to the control plane.",
})

// FramesSent counts outbound frames, by type.
var FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "frames_sent_total",
	Help:      "Frames sent to the control plane, by type.",
}, []string{"type"})

// FramesReceived counts accepted inbound frames, by type.
var FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "frames_received_total",
	Help:      "Frames accepted from the control plane, by type.",
}, []string{"type"})

// FramesDropped counts inbound frames discarded before dispatch.
var FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "frames_dropped_total",
	Help:      "Inbound frames dropped before dispatch, by reason.",
}, []string{"reason"})

// SpoolDepth tracks frames waiting in the offline spool.
var SpoolDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "spool_depth",
	Help:      "Frames waiting in the offline spool.",
})

// TicketsOpen tracks locally open action tickets.
var TicketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opsis",
	Subsystem: "agent",
	Name:      "tickets_open",
	Help:      "Action tickets currently open on this device.",
})
