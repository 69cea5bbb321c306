// Package memory is the agent's remediation history: which playbooks
// worked, which signals keep failing, which resources tolerate repair.
// It dampens hopeless retries and caches known-good solutions. All
// writes persist immediately; the in-memory tables stay authoritative
// when the disk write fails.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

// Result of one remediation attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

const (
	// kMin attempts must exist before dampening or problematic-playbook
	// verdicts apply.
	kMin = 5
	// kDampen consecutive failures dampen a signal.
	kDampen = 5
	// problematicRate marks a playbook not worth running.
	problematicRate = 0.30
	// cachedSignalRate and cachedPlaybookRate gate cached solutions.
	cachedSignalRate   = 0.70
	cachedPlaybookRate = 0.50

	attemptRetention = 90 * 24 * time.Hour
	recentWindow     = 10 // attempts in the rolling playbook window
)

// PlaybookStats aggregates outcomes of one playbook across all signals.
type PlaybookStats struct {
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Failure       int      `json:"failure"`
	SuccessRate   float64  `json:"success_rate"`
	Recent        []string `json:"recent,omitempty"` // newest last, capped
	AvgDurationMS float64  `json:"avg_duration_ms"`
}

// RecentFailureCount counts failures inside the rolling window.
func (p *PlaybookStats) RecentFailureCount() int {
	n := 0
	for _, r := range p.Recent {
		if r == string(ResultFailure) {
			n++
		}
	}
	return n
}

// Problematic reports whether the playbook's track record argues against
// running it at all.
func (p *PlaybookStats) Problematic() bool {
	return p.Total >= kMin && p.SuccessRate < problematicRate
}

// SignalStats aggregates outcomes for one (device, signal) pair.
type SignalStats struct {
	Total                int       `json:"total"`
	Success              int       `json:"success"`
	Failure              int       `json:"failure"`
	SuccessRate          float64   `json:"success_rate"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Dampened             bool      `json:"dampened"`
	LastSuccessPlaybook  string    `json:"last_success_playbook,omitempty"`
	LastAttempt          time.Time `json:"last_attempt"`
}

// ResourceStats aggregates outcomes for one (signal, resource) pair and
// carries the banded confidence modifier.
type ResourceStats struct {
	Total               int     `json:"total"`
	Success             int     `json:"success"`
	Failure             int     `json:"failure"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	ConfidenceModifier  float64 `json:"confidence_modifier"`
}

// DeviceSensitivity summarises how well remediation lands on a device.
type DeviceSensitivity struct {
	Total             int             `json:"total"`
	Success           int             `json:"success"`
	OverallRate       float64         `json:"overall_rate"`
	SensitiveSignals  map[string]bool `json:"sensitive_signals,omitempty"`
	ProblemCategories map[string]int  `json:"problem_categories,omitempty"`
}

// Attempt is one entry in the append-only attempt log.
type Attempt struct {
	Timestamp  time.Time `json:"timestamp"`
	PlaybookID string    `json:"playbook_id"`
	SignalKey  string    `json:"signal_key"`
	DeviceID   string    `json:"device_id"`
	Resource   string    `json:"resource,omitempty"`
	Result     Result    `json:"result"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Decision is the answer to ShouldAttempt.
type Decision struct {
	Allowed            bool
	Reason             string
	ConfidenceModifier float64
}

type tables struct {
	Playbooks map[string]*PlaybookStats     `json:"playbooks"`
	Signals   map[string]*SignalStats       `json:"signals"`
	Resources map[string]*ResourceStats     `json:"resources"`
	Devices   map[string]*DeviceSensitivity `json:"devices"`
	Attempts  []Attempt                     `json:"attempts"`
}

// Store holds all remediation history for this agent.
type Store struct {
	mu   sync.RWMutex
	t    tables
	path string
	now  func() time.Time
	log  zerolog.Logger
}

// NewStore returns an empty store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		t: tables{
			Playbooks: map[string]*PlaybookStats{},
			Signals:   map[string]*SignalStats{},
			Resources: map[string]*ResourceStats{},
			Devices:   map[string]*DeviceSensitivity{},
		},
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logging.WithComponent("memory"),
	}
}

// SetClock replaces the time source; tests use it to age attempts.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load restores tables from disk; a missing file starts empty.
func (s *Store) Load() error {
	var doc tables
	found, err := statefile.Load(s.path, &doc)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Playbooks != nil {
		s.t.Playbooks = doc.Playbooks
	}
	if doc.Signals != nil {
		s.t.Signals = doc.Signals
	}
	if doc.Resources != nil {
		s.t.Resources = doc.Resources
	}
	if doc.Devices != nil {
		s.t.Devices = doc.Devices
	}
	s.t.Attempts = doc.Attempts
	return nil
}

func signalKeyFor(deviceID, signalKey string) string { return deviceID + "|" + signalKey }

func resourceKeyFor(signalKey, resource string) string { return signalKey + "|" + resource }

// RecordAttempt folds one outcome into every table and persists.
func (s *Store) RecordAttempt(playbookID, signalKey, deviceID, resource string, result Result, duration time.Duration, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	pb := s.t.Playbooks[playbookID]
	if pb == nil {
		pb = &PlaybookStats{}
		s.t.Playbooks[playbookID] = pb
	}
	pb.Total++
	if result == ResultSuccess {
		pb.Success++
	} else {
		pb.Failure++
	}
	pb.SuccessRate = float64(pb.Success) / float64(pb.Total)
	pb.Recent = append(pb.Recent, string(result))
	if len(pb.Recent) > recentWindow {
		pb.Recent = pb.Recent[len(pb.Recent)-recentWindow:]
	}
	pb.AvgDurationMS += (float64(duration.Milliseconds()) - pb.AvgDurationMS) / float64(pb.Total)

	sk := signalKeyFor(deviceID, signalKey)
	sig := s.t.Signals[sk]
	if sig == nil {
		sig = &SignalStats{}
		s.t.Signals[sk] = sig
	}
	sig.Total++
	sig.LastAttempt = now
	if result == ResultSuccess {
		sig.Success++
		sig.ConsecutiveFailures = 0
		sig.ConsecutiveSuccesses++
		sig.Dampened = false
		sig.LastSuccessPlaybook = playbookID
	} else {
		sig.Failure++
		sig.ConsecutiveSuccesses = 0
		sig.ConsecutiveFailures++
		if sig.Total >= kMin && sig.ConsecutiveFailures >= kDampen {
			sig.Dampened = true
		}
	}
	sig.SuccessRate = float64(sig.Success) / float64(sig.Total)

	if resource != "" {
		rk := resourceKeyFor(signalKey, resource)
		res := s.t.Resources[rk]
		if res == nil {
			res = &ResourceStats{ConfidenceModifier: 1.0}
			s.t.Resources[rk] = res
		}
		res.Total++
		if result == ResultSuccess {
			res.Success++
			res.ConsecutiveFailures = 0
		} else {
			res.Failure++
			res.ConsecutiveFailures++
		}
		res.ConfidenceModifier = modifierBand(res.Success, res.Total)
	}

	dev := s.t.Devices[deviceID]
	if dev == nil {
		dev = &DeviceSensitivity{
			SensitiveSignals:  map[string]bool{},
			ProblemCategories: map[string]int{},
		}
		s.t.Devices[deviceID] = dev
	}
	dev.Total++
	if result == ResultSuccess {
		dev.Success++
	}
	dev.OverallRate = float64(dev.Success) / float64(dev.Total)
	if sig.Failure >= 3 && sig.SuccessRate < 0.5 {
		dev.SensitiveSignals[signalKey] = true
		if cat, _, ok := strings.Cut(signalKey, "-"); ok {
			dev.ProblemCategories[cat]++
		}
	} else if result == ResultSuccess {
		delete(dev.SensitiveSignals, signalKey)
	}

	s.t.Attempts = append(s.t.Attempts, Attempt{
		Timestamp:  now,
		PlaybookID: playbookID,
		SignalKey:  signalKey,
		DeviceID:   deviceID,
		Resource:   resource,
		Result:     result,
		DurationMS: duration.Milliseconds(),
		Error:      errMsg,
	})

	s.saveLocked()
}

// ShouldAttempt decides whether remediation may run for this pairing.
// Check order: resource dampening, then signal dampening, then playbook
// track record, then device sensitivity. The modifier always reflects
// the resource band, including on denial.
func (s *Store) ShouldAttempt(signalKey, deviceID, playbookID, resource string) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	modifier := 1.0
	if resource != "" {
		if res := s.t.Resources[resourceKeyFor(signalKey, resource)]; res != nil {
			modifier = res.ConfidenceModifier
			if res.Total >= kMin && res.ConsecutiveFailures >= kDampen {
				return Decision{Reason: "Resource dampened", ConfidenceModifier: modifier}
			}
		}
	}

	if sig := s.t.Signals[signalKeyFor(deviceID, signalKey)]; sig != nil && sig.Dampened {
		return Decision{Reason: "Signal dampened", ConfidenceModifier: modifier}
	}

	if pb := s.t.Playbooks[playbookID]; pb != nil && pb.Problematic() {
		return Decision{Reason: "Playbook success rate too low", ConfidenceModifier: modifier}
	}

	if dev := s.t.Devices[deviceID]; dev != nil && dev.Total >= kMin &&
		dev.OverallRate < problematicRate && dev.SensitiveSignals[signalKey] {
		return Decision{Reason: "Device sensitive to this signal", ConfidenceModifier: modifier}
	}

	return Decision{Allowed: true, ConfidenceModifier: modifier}
}

// FindCachedSolution returns the playbook that reliably fixes this
// signal on this device, when one exists.
func (s *Store) FindCachedSolution(signalKey, deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig := s.t.Signals[signalKeyFor(deviceID, signalKey)]
	if sig == nil || sig.ConsecutiveSuccesses < 1 || sig.SuccessRate < cachedSignalRate || sig.LastSuccessPlaybook == "" {
		return "", false
	}
	pb := s.t.Playbooks[sig.LastSuccessPlaybook]
	if pb == nil || pb.SuccessRate < cachedPlaybookRate {
		return "", false
	}
	return sig.LastSuccessPlaybook, true
}

// ResetDampening clears the dampened flag and failure streak for one
// (signal, device) pair. Operator override path.
func (s *Store) ResetDampening(signalKey, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := s.t.Signals[signalKeyFor(deviceID, signalKey)]
	if sig == nil {
		return false
	}
	sig.Dampened = false
	sig.ConsecutiveFailures = 0
	s.saveLocked()
	return true
}

// SignalStatsFor returns a copy of the stats for one pair.
func (s *Store) SignalStatsFor(signalKey, deviceID string) (SignalStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig := s.t.Signals[signalKeyFor(deviceID, signalKey)]
	if sig == nil {
		return SignalStats{}, false
	}
	return *sig, true
}

// PlaybookStatsFor returns a copy of one playbook's stats.
func (s *Store) PlaybookStatsFor(playbookID string) (PlaybookStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb := s.t.Playbooks[playbookID]
	if pb == nil {
		return PlaybookStats{}, false
	}
	out := *pb
	out.Recent = append([]string(nil), pb.Recent...)
	return out, true
}

// RecentAttempts returns the newest n attempts for a device, newest
// first. Escalation payloads attach up to three of these.
func (s *Store) RecentAttempts(deviceID string, n int) []Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Attempt, 0, n)
	for i := len(s.t.Attempts) - 1; i >= 0 && len(out) < n; i-- {
		if s.t.Attempts[i].DeviceID == deviceID {
			out = append(out, s.t.Attempts[i])
		}
	}
	return out
}

// Counts reports table sizes for status snapshots.
func (s *Store) Counts() (playbooks, signals, resources, attempts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.t.Playbooks), len(s.t.Signals), len(s.t.Resources), len(s.t.Attempts)
}

// saveLocked prunes old attempts and writes the whole document. Callers
// hold the write lock. Failures are logged; memory stays authoritative.
func (s *Store) saveLocked() {
	cutoff := s.now().Add(-attemptRetention)
	kept := s.t.Attempts[:0]
	for _, a := range s.t.Attempts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	s.t.Attempts = kept

	if err := statefile.Save(s.path, s.t); err != nil {
		s.log.Warn().Err(err).Msg("persist remediation memory")
	}
}

// modifierBand maps a success rate onto the confidence modifier scale.
// Thin history gets the benefit of the doubt.
func modifierBand(success, total int) float64 {
	if total < 3 {
		return 1.0
	}
	rate := float64(success) / float64(total)
	switch {
	case rate >= 0.9:
		return 1.0
	case rate >= 0.75:
		return 0.9
	case rate >= 0.6:
		return 0.7
	case rate >= 0.4:
		return 0.5
	case rate >= 0.2:
		return 0.3
	default:
		return 0.1
	}
}
