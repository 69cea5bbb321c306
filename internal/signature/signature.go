// Package signature condenses a signal into the stable identity used as
// the escalation key. The same condition on the same device always hashes
// to the same id, which is what cooldowns, pending actions and exclusions
// key on. Volatile readings (the current value) stay out of the hash.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

// Symptom is one observed manifestation of the condition.
type Symptom struct {
	Type     string          `json:"type"`
	Severity signal.Severity `json:"severity"`
	Details  map[string]any  `json:"details,omitempty"`
}

// Target names a resource the condition is about.
type Target struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Signature is the escalation identity of a condition on this device.
type Signature struct {
	ID         string            `json:"signature_id"`
	Severity   signal.Severity   `json:"severity"`
	Confidence int               `json:"confidence"` // 0..100, before memory modifier
	Symptoms   []Symptom         `json:"symptoms"`
	Targets    []Target          `json:"targets"`
	Context    map[string]string `json:"context,omitempty"`
}

// Generator builds signatures for one device. Generate is a pure
// function of the signal; two calls with the same input produce
// bit-identical signatures.
type Generator struct {
	tenantID string
	deviceID string
	context  map[string]string
}

// NewGenerator returns a generator. context carries the device facts
// (os_build, os_version, device_model_class) attached to every
// signature.
func NewGenerator(tenantID, deviceID string, context map[string]string) *Generator {
	return &Generator{tenantID: tenantID, deviceID: deviceID, context: context}
}

// Generate derives the signature for one signal.
func (g *Generator) Generate(sig signal.Signal) Signature {
	symptomType := sig.Category + "_" + sig.Metric
	details := map[string]any{
		"message": sig.Message,
	}
	if sig.Value != 0 || sig.Threshold != 0 {
		details["value"] = sig.Value
	}
	if sig.Threshold != 0 {
		details["threshold"] = sig.Threshold
	}
	for k, v := range sig.Attributes {
		details[k] = v
	}

	targets := targetsFor(sig)
	id := g.hashID(sig.Category, targets, []Symptom{{Type: symptomType, Severity: sig.Severity}})

	return Signature{
		ID:         id,
		Severity:   sig.Severity,
		Confidence: baseConfidence(sig),
		Symptoms: []Symptom{{
			Type:     symptomType,
			Severity: sig.Severity,
			Details:  details,
		}},
		Targets: targets,
		Context: g.context,
	}
}

// ForFailure builds the fresh signature that re-escalates a failed
// remediation. It references the original but has its own identity, so
// the cooldown on the original never swallows the failure report.
func (g *Generator) ForFailure(orig Signature, playbookID, failure string) Signature {
	symptoms := append([]Symptom(nil), orig.Symptoms...)
	symptoms = append(symptoms, Symptom{
		Type:     "remediation_failed",
		Severity: signal.SeverityHigh,
		Details: map[string]any{
			"playbook_id":        playbookID,
			"failure":            failure,
			"original_signature": orig.ID,
		},
	})

	conf := orig.Confidence
	if conf > 60 {
		conf = 60
	}

	return Signature{
		ID:         g.hashID("remediation_failed", orig.Targets, []Symptom{{Type: "remediation_failed:" + orig.ID, Severity: signal.SeverityHigh}}),
		Severity:   signal.SeverityHigh,
		Confidence: conf,
		Symptoms:   symptoms,
		Targets:    orig.Targets,
		Context:    orig.Context,
	}
}

// hashID folds the identifying coordinates into "sig-" plus 16 hex chars.
// Targets and symptoms are sorted first so ordering never changes the id.
func (g *Generator) hashID(category string, targets []Target, symptoms []Symptom) string {
	tp := make([]string, 0, len(targets))
	for _, t := range targets {
		tp = append(tp, t.Type+":"+t.Name)
	}
	sort.Strings(tp)

	sp := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		sp = append(sp, s.Type+":"+string(s.Severity))
	}
	sort.Strings(sp)

	input := strings.Join([]string{
		g.tenantID,
		g.deviceID,
		category,
		strings.Join(tp, ","),
		strings.Join(sp, ","),
	}, "|")

	sum := sha256.Sum256([]byte(input))
	return "sig-" + hex.EncodeToString(sum[:])[:16]
}

func targetsFor(sig signal.Signal) []Target {
	switch sig.Category {
	case signal.CategoryService, signal.CategoryProcess, signal.CategoryDisk:
		return []Target{{Type: sig.Category, Name: sig.Target}}
	case signal.CategoryEvent:
		return []Target{{Type: "event_source", Name: sig.Target}}
	case signal.CategoryFlap:
		return []Target{{Type: "resource", Name: sig.Target}}
	default:
		name := sig.Metric
		if sig.Target != "" {
			name += ":" + sig.Target
		}
		return []Target{{Type: sig.Category, Name: name}}
	}
}

// baseConfidence scores how unambiguous the raw condition is. Clear-cut
// discrete states score high; threshold metrics scale with how far past
// the threshold the reading sits.
func baseConfidence(sig signal.Signal) int {
	switch sig.Category {
	case signal.CategoryService:
		return 90
	case signal.CategoryDisk:
		return confidenceFromDistance(sig, 70)
	case signal.CategoryMetric, signal.CategoryNetwork:
		return confidenceFromDistance(sig, 60)
	case signal.CategoryEvent:
		return 70
	case signal.CategoryFlap:
		return 75
	default:
		return 50
	}
}

// confidenceFromDistance maps breach distance onto [base, base+30].
func confidenceFromDistance(sig signal.Signal, base int) int {
	if sig.Threshold == 0 {
		return base
	}
	ratio := math.Abs(sig.Value-sig.Threshold) / math.Max(math.Abs(sig.Threshold), 1)
	bump := int(math.Round(math.Min(1, ratio*5) * 30))
	conf := base + bump
	if conf > 100 {
		conf = 100
	}
	return conf
}

// ApplyModifier scales a confidence by the remediation-memory modifier
// and clamps to [0,100].
func ApplyModifier(confidence int, modifier float64) int {
	scaled := int(math.Round(float64(confidence) * modifier))
	if scaled < 0 {
		return 0
	}
	if scaled > 100 {
		return 100
	}
	return scaled
}

// Describe returns the compact human-readable form used in tickets and
// logs.
func Describe(s Signature) string {
	if len(s.Targets) == 0 {
		return s.ID
	}
	return fmt.Sprintf("%s (%s %s)", s.ID, s.Targets[0].Type, s.Targets[0].Name)
}
