// Package runbook holds the static remediation recipes, the risk
// classifier that decides how autonomously each may run, and the two
// stores they live in: the local library loaded from disk and the cache
// of runbooks the server has sent down.
package runbook

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskClass grades how much damage a runbook could do.
// A auto-executes, B needs an approval token, C never runs unattended.
type RiskClass string

const (
	ClassA RiskClass = "A"
	ClassB RiskClass = "B"
	ClassC RiskClass = "C"
)

// AutoExecuteThreshold is the confidence floor per class.
func (c RiskClass) AutoExecuteThreshold() int {
	switch c {
	case ClassA:
		return 85
	case ClassB:
		return 90
	default:
		return 95
	}
}

func (c RiskClass) stricterThan(other RiskClass) bool {
	order := map[RiskClass]int{ClassA: 0, ClassB: 1, ClassC: 2}
	return order[c] > order[other]
}

// StepKind enumerates what a step may do.
type StepKind string

const (
	StepShell          StepKind = "shell-invoke"
	StepServiceControl StepKind = "service-control"
	StepFileOp         StepKind = "file-op"
	StepRegistryOp     StepKind = "registry-op"
	StepQuery          StepKind = "query"
	StepReboot         StepKind = "reboot"
	StepUserPrompt     StepKind = "user-prompt"
	StepSleep          StepKind = "sleep"
)

var knownKinds = map[StepKind]bool{
	StepShell: true, StepServiceControl: true, StepFileOp: true,
	StepRegistryOp: true, StepQuery: true, StepReboot: true,
	StepUserPrompt: true, StepSleep: true,
}

// Step is one action in a runbook. Params values may contain
// {{placeholder}} markers resolved at execution time.
type Step struct {
	Kind              StepKind       `json:"kind" yaml:"kind"`
	Action            string         `json:"action" yaml:"action"`
	Params            map[string]any `json:"params,omitempty" yaml:"params"`
	TimeoutSeconds    int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	AllowFailure      bool           `json:"allow_failure,omitempty" yaml:"allow_failure"`
	RequiresApproval  bool           `json:"requires_approval,omitempty" yaml:"requires_approval"`
	RollbackOnFailure bool           `json:"rollback_on_failure,omitempty" yaml:"rollback_on_failure"`
}

// MatchSpec declares which signals a runbook remedies.
type MatchSpec struct {
	Categories []string `json:"categories,omitempty" yaml:"categories"`
	Metrics    []string `json:"metrics,omitempty" yaml:"metrics"`
	Targets    []string `json:"targets,omitempty" yaml:"targets"` // empty matches any target
}

// Runbook is one static remediation recipe.
type Runbook struct {
	ID                   string    `json:"id" yaml:"id"`
	Name                 string    `json:"name" yaml:"name"`
	Version              string    `json:"version,omitempty" yaml:"version"`
	Description          string    `json:"description,omitempty" yaml:"description"`
	RiskClass            RiskClass `json:"risk_class,omitempty" yaml:"risk_class"`
	Match                MatchSpec `json:"match,omitempty" yaml:"match"`
	Steps                []Step    `json:"steps" yaml:"steps"`
	Verification         []Step    `json:"verification,omitempty" yaml:"verification"`
	Rollback             []Step    `json:"rollback,omitempty" yaml:"rollback"`
	EstimatedDurationSec int       `json:"estimated_duration_seconds,omitempty" yaml:"estimated_duration_seconds"`
	UserImpact           string    `json:"user_impact,omitempty" yaml:"user_impact"`
	Source               string    `json:"source,omitempty" yaml:"source"` // builtin | library | server
}

// Validate checks the structural rules every runbook must satisfy before
// it can be queued.
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("runbook has no id")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("runbook %s has no steps", r.ID)
	}
	for i, st := range r.Steps {
		if !knownKinds[st.Kind] {
			return fmt.Errorf("runbook %s step %d: unknown kind %q", r.ID, i, st.Kind)
		}
		if st.Action == "" && st.Kind != StepSleep && st.Kind != StepReboot {
			return fmt.Errorf("runbook %s step %d: empty action", r.ID, i)
		}
		if st.TimeoutSeconds < 0 {
			return fmt.Errorf("runbook %s step %d: negative timeout", r.ID, i)
		}
	}
	return nil
}

// CanAutoExecute reports whether the runbook may run without any human
// in the loop at the given confidence. Only Class A ever qualifies.
func (r *Runbook) CanAutoExecute(confidence int) bool {
	return r.RiskClass == ClassA && confidence >= ClassA.AutoExecuteThreshold()
}

// MatchesSignal reports whether the runbook declares itself a remedy for
// the given signal coordinates.
func (r *Runbook) MatchesSignal(category, metric, target string) bool {
	if !containsFold(r.Match.Categories, category) {
		return false
	}
	if len(r.Match.Metrics) > 0 && !containsFold(r.Match.Metrics, metric) {
		return false
	}
	if len(r.Match.Targets) > 0 && !containsFold(r.Match.Targets, target) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Class-C operations: anything touching security posture, accounts,
// policy, or doing removal/disablement. Checked before Class B; the
// stricter class wins.
var classCPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremove-[a-z]`),
	regexp.MustCompile(`(?i)\bdisable-[a-z]`),
	regexp.MustCompile(`(?i)execution-?policy`),
	regexp.MustCompile(`(?i)\b(new|set|add)-(local(user|group)|ad(user|group|computer|groupmember))\b`),
	regexp.MustCompile(`(?i)\bnet\s+(user|localgroup)\b`),
	regexp.MustCompile(`(?i)\b(secedit|auditpol|gpupdate)\b`),
	regexp.MustCompile(`(?i)firewall`),
	regexp.MustCompile(`(?i)\breg(\.exe)?\s+(add|delete)\b`),
	regexp.MustCompile(`(?i)\b(set|new|remove)-itemproperty\b.*hk(lm|cu)`),
	regexp.MustCompile(`(?i)\b(bcdedit|takeown|icacls)\b`),
}

// Class-B operations: network reconfiguration, scheduled tasks, host
// restarts, or an explicit approval requirement on any step.
var classBPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnetsh\b`),
	regexp.MustCompile(`(?i)\b(new|set)-net(ipaddress|route|adapter)`),
	regexp.MustCompile(`(?i)set-dnsclientserveraddress`),
	regexp.MustCompile(`(?i)\bipconfig\s+/(release|renew)\b`),
	regexp.MustCompile(`(?i)\bschtasks\b|scheduled-?task|register-scheduledjob`),
	regexp.MustCompile(`(?i)\b(restart|stop)-computer\b|\bshutdown\b`),
}

// Classify derives the risk class from the steps. A class declared in
// the source file can tighten but never loosen the derived one.
func Classify(r *Runbook) RiskClass {
	declared := r.RiskClass
	derived := deriveClass(r)
	if declared != "" && declared.stricterThan(derived) {
		return declared
	}
	return derived
}

func deriveClass(r *Runbook) RiskClass {
	all := make([]Step, 0, len(r.Steps)+len(r.Rollback))
	all = append(all, r.Steps...)
	all = append(all, r.Rollback...)

	for _, st := range all {
		if st.Kind == StepRegistryOp && !isReadOnlyRegistry(st) {
			return ClassC
		}
		text := stepText(st)
		for _, pat := range classCPatterns {
			if pat.MatchString(text) {
				return ClassC
			}
		}
	}

	for _, st := range all {
		if st.Kind == StepReboot || st.RequiresApproval {
			return ClassB
		}
		text := stepText(st)
		for _, pat := range classBPatterns {
			if pat.MatchString(text) {
				return ClassB
			}
		}
	}

	return ClassA
}

func isReadOnlyRegistry(st Step) bool {
	a := strings.ToLower(st.Action)
	return a == "query" || a == "read" || strings.HasPrefix(a, "get")
}

// stepText flattens the action and string params for pattern checks.
func stepText(st Step) string {
	var b strings.Builder
	b.WriteString(st.Action)
	for _, v := range st.Params {
		if s, ok := v.(string); ok {
			b.WriteByte(' ')
			b.WriteString(s)
		}
	}
	return b.String()
}
