package signature

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

func testGen() *Generator {
	return NewGenerator("acme", "ws-042", map[string]string{
		"os_build":           "26100.2314",
		"device_model_class": "workstation",
	})
}

func TestGenerateIsPure(t *testing.T) {
	g := testGen()
	sig := signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityCritical, 0, 0, "service stopped")

	a := g.Generate(sig)
	b := g.Generate(sig)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ja, jb, "two independent calls must be bit-identical")
}

func TestIDStableAcrossReadings(t *testing.T) {
	g := testGen()

	first := signal.NewSystemSignal(signal.CategoryMetric, "cpu", "usage", signal.SeverityWarning, 93.2, 90, "cpu high")
	second := signal.NewSystemSignal(signal.CategoryMetric, "cpu", "usage", signal.SeverityWarning, 96.7, 90, "cpu high")

	assert.Equal(t, g.Generate(first).ID, g.Generate(second).ID,
		"the reading is volatile; the condition identity is not")
}

func TestIDChangesWithCoordinates(t *testing.T) {
	g := testGen()
	spooler := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityCritical, 0, 0, "stopped"))
	fax := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Fax", signal.SeverityCritical, 0, 0, "stopped"))
	assert.NotEqual(t, spooler.ID, fax.ID)

	otherDevice := NewGenerator("acme", "ws-043", nil)
	assert.NotEqual(t, spooler.ID, otherDevice.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityCritical, 0, 0, "stopped")).ID)

	escalated := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityHigh, 0, 0, "stopped"))
	assert.NotEqual(t, spooler.ID, escalated.ID, "severity is part of the identity")
}

func TestIDShape(t *testing.T) {
	g := testGen()
	s := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityCritical, 0, 0, "stopped"))
	assert.Regexp(t, `^sig-[0-9a-f]{16}$`, s.ID)
}

func TestConfidenceScalesWithBreachDistance(t *testing.T) {
	g := testGen()

	near := g.Generate(signal.NewSystemSignal(signal.CategoryMetric, "cpu", "usage", signal.SeverityWarning, 91, 90, "cpu"))
	far := g.Generate(signal.NewSystemSignal(signal.CategoryMetric, "cpu", "usage", signal.SeverityCritical, 99.9, 90, "cpu"))
	assert.Greater(t, far.Confidence, near.Confidence)
	assert.LessOrEqual(t, far.Confidence, 100)

	svc := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityCritical, 0, 0, "stopped"))
	assert.Equal(t, 90, svc.Confidence)
}

func TestForFailure(t *testing.T) {
	g := testGen()
	orig := g.Generate(signal.NewSystemSignal(signal.CategoryService, "state", "Spooler", signal.SeverityWarning, 0, 0, "stopped"))

	failed := g.ForFailure(orig, "service_start_generic", "exit status 1")

	assert.NotEqual(t, orig.ID, failed.ID)
	assert.Equal(t, signal.SeverityHigh, failed.Severity)
	assert.LessOrEqual(t, failed.Confidence, 60)
	require.NotEmpty(t, failed.Symptoms)
	last := failed.Symptoms[len(failed.Symptoms)-1]
	assert.Equal(t, "remediation_failed", last.Type)
	assert.Equal(t, orig.ID, last.Details["original_signature"])
	assert.Equal(t, orig.Targets, failed.Targets)

	// Same failure twice resolves to the same identity.
	again := g.ForFailure(orig, "service_start_generic", "exit status 1")
	assert.Equal(t, failed.ID, again.ID)
}

func TestApplyModifier(t *testing.T) {
	assert.Equal(t, 90, ApplyModifier(90, 1.0))
	assert.Equal(t, 63, ApplyModifier(90, 0.7))
	assert.Equal(t, 9, ApplyModifier(90, 0.1))
	assert.Equal(t, 100, ApplyModifier(120, 1.0))
}
