package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceID(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want string
	}{
		{"service", NewSystemSignal(CategoryService, "state", "Spooler", SeverityCritical, 0, 0, "stopped"), "service:Spooler"},
		{"disk", NewSystemSignal(CategoryDisk, "free_percent", "C", SeverityWarning, 4, 10, "low"), "disk:C"},
		{"cpu", NewSystemSignal(CategoryMetric, "cpu", "usage", SeverityWarning, 97, 90, "high"), "metric:cpu:usage"},
		{"metric no target", NewSystemSignal(CategoryMetric, "uptime", "", SeverityInfo, 1, 0, ""), "metric:uptime"},
		{"process", NewSystemSignal(CategoryProcess, "memory", "chrome", SeverityWarning, 91, 80, "hog"), "process:chrome"},
		{"event", NewEventSignal("Schannel", "36871", SeverityWarning, "tls error"), "event:Schannel:36871"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sig.ResourceID())
		})
	}
}

func TestKey(t *testing.T) {
	sig := NewSystemSignal(CategoryService, "state", "Spooler", SeverityCritical, 0, 0, "stopped")
	assert.Equal(t, "service-state-Spooler", sig.Key())

	bare := NewSystemSignal(CategoryMetric, "uptime", "", SeverityInfo, 1, 0, "")
	assert.Equal(t, "metric-uptime", bare.Key())
}

func TestSeverityOrdering(t *testing.T) {
	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())

	assert.Equal(t, SeverityWarning, SeverityInfo.Escalated())
	assert.Equal(t, SeverityHigh, SeverityWarning.Escalated())
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalated())
	assert.Equal(t, SeverityCritical, SeverityCritical.Escalated())

	assert.False(t, SeverityWarning.Urgent())
	assert.True(t, SeverityHigh.Urgent())
	assert.True(t, SeverityCritical.Urgent())
}

func TestFlapSignalReplacesOriginal(t *testing.T) {
	orig := NewSystemSignal(CategoryService, "state", "Spooler", SeverityCritical, 0, 0, "stopped")
	flap := NewFlapSignal(orig, 6, 10*time.Minute)

	assert.Equal(t, CategoryFlap, flap.Category)
	assert.Equal(t, SeverityWarning, flap.Severity)
	assert.Equal(t, "service:Spooler", flap.Target)
	assert.NotEqual(t, orig.ResourceID(), flap.ResourceID())
	assert.Equal(t, orig.Key(), flap.Attributes["origin_key"])
	assert.Contains(t, flap.Message, "6 times")
}

func TestWithAttributeCopies(t *testing.T) {
	orig := NewSystemSignal(CategoryService, "state", "Spooler", SeverityCritical, 0, 0, "stopped")
	annotated := orig.WithAttribute("escalated_for_persistence", "true")

	assert.Empty(t, orig.Attributes["escalated_for_persistence"])
	assert.Equal(t, "true", annotated.Attributes["escalated_for_persistence"])
}
