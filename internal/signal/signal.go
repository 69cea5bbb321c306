// Package signal defines the normalized observation value produced by the
// collectors and consumed by the intake pipeline. Every adapter output is
// reduced to the same shape so the gates downstream never care where an
// observation came from.
package signal

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders signals for gating and transport policy.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric order of s; unknown severities rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Escalated returns the next rank up, saturating at critical.
func (s Severity) Escalated() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Urgent reports whether the severity bypasses escalation batching.
func (s Severity) Urgent() bool {
	return s.Rank() >= severityRank[SeverityHigh]
}

// Monitoring categories.
const (
	CategoryService = "service"
	CategoryProcess = "process"
	CategoryDisk    = "disk"
	CategoryMetric  = "metric"
	CategoryEvent   = "event"
	CategoryNetwork = "network"
	CategoryFlap    = "flap"
)

// Signal is one normalized observation. Treat values as immutable once
// constructed; the pipeline copies before annotating.
type Signal struct {
	Category   string            `json:"category"`
	Metric     string            `json:"metric"`
	Target     string            `json:"target,omitempty"`
	Severity   Severity          `json:"severity"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold,omitempty"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// overridable for tests
var now = func() time.Time { return time.Now().UTC() }

// NewSystemSignal builds a sampled observation (service state, metric
// breach, disk capacity). Empty fields stay empty; nothing here panics on
// partial input.
func NewSystemSignal(category, metric, target string, sev Severity, value, threshold float64, message string) Signal {
	return Signal{
		Category:   category,
		Metric:     metric,
		Target:     target,
		Severity:   sev,
		Value:      value,
		Threshold:  threshold,
		Message:    message,
		Timestamp:  now(),
		Attributes: map[string]string{},
	}
}

// NewEventSignal builds an observation from one event-log record.
func NewEventSignal(source, eventID string, sev Severity, message string) Signal {
	return Signal{
		Category:  CategoryEvent,
		Metric:    "log",
		Target:    source,
		Severity:  sev,
		Message:   message,
		Timestamp: now(),
		Attributes: map[string]string{
			"event_id": eventID,
		},
	}
}

// NewFlapSignal rewrites an unstable resource's signal into the synthetic
// flapping observation that replaces it.
func NewFlapSignal(orig Signal, transitions int, window time.Duration) Signal {
	return Signal{
		Category:  CategoryFlap,
		Metric:    "instability",
		Target:    orig.ResourceID(),
		Severity:  SeverityWarning,
		Value:     float64(transitions),
		Message:   fmt.Sprintf("%s changed state %d times in %s", orig.ResourceID(), transitions, window),
		Timestamp: now(),
		Attributes: map[string]string{
			"origin_category": orig.Category,
			"origin_key":      orig.Key(),
		},
	}
}

// ResourceID returns the stable identity of the resource this signal is
// about, e.g. "service:Spooler", "disk:C", "metric:cpu:usage",
// "process:chrome", "event:Schannel:36871".
func (s Signal) ResourceID() string {
	switch s.Category {
	case CategoryService, CategoryProcess, CategoryDisk:
		return s.Category + ":" + s.Target
	case CategoryEvent:
		return fmt.Sprintf("event:%s:%s", s.Target, s.Attributes["event_id"])
	case CategoryMetric, CategoryNetwork:
		if s.Target != "" {
			return fmt.Sprintf("%s:%s:%s", s.Category, s.Metric, s.Target)
		}
		return s.Category + ":" + s.Metric
	default:
		if s.Target != "" {
			return s.Category + ":" + s.Target
		}
		return s.Category + ":" + s.Metric
	}
}

// Key returns the signal key used by remediation memory and baselines:
// category-metric, plus the target when one exists.
func (s Signal) Key() string {
	parts := []string{s.Category, s.Metric}
	if s.Target != "" {
		parts = append(parts, s.Target)
	}
	return strings.Join(parts, "-")
}

// WithAttribute returns a copy of s carrying one extra attribute.
func (s Signal) WithAttribute(key, value string) Signal {
	attrs := make(map[string]string, len(s.Attributes)+1)
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	s.Attributes = attrs
	return s
}

// IsBreach reports whether the signal represents a threshold violation
// rather than an informational sample.
func (s Signal) IsBreach() bool {
	return s.Severity.Rank() >= severityRank[SeverityWarning]
}
