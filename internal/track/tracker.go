// Package track owns per-resource observed state: change deduplication,
// flap detection, severity escalation for conditions that refuse to clear,
// dependency-aware suppression and the sustained-breach counter. One
// record per resource_id, mutated only from the pipeline domain.
package track

import (
	"sync"
	"time"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

// Record is the tracked state of one resource.
type Record struct {
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type"`
	State        string            `json:"state"`
	Severity     signal.Severity   `json:"severity"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastChange   time.Time         `json:"last_change"`
	LastSeen     time.Time         `json:"last_seen"`
	Transitions  []time.Time       `json:"transitions,omitempty"`
	BreachStreak int               `json:"breach_streak,omitempty"`
	Emitted      bool              `json:"emitted"`
	FlapReported bool              `json:"flap_reported,omitempty"`
	Escalated    bool              `json:"escalated,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func (r *Record) healthy() bool {
	return r.Severity.Rank() < signal.SeverityWarning.Rank()
}

// Observation is the tracker's verdict for one incoming signal.
type Observation struct {
	Pass   bool
	Reason string // duplicate | state_change | reobserved | expired | persistence | flap_active

	// FlapStart is set on the observation that crosses the flap
	// threshold; the caller rewrites the signal into the synthetic
	// flap form. FlapActive suppresses everything after that.
	FlapStart   bool
	FlapActive  bool
	Transitions int

	// EscalateSeverity asks the caller to raise the signal one rank
	// because the condition has persisted past the configured age.
	EscalateSeverity bool

	BreachStreak int
}

// Config tunes the tracker.
type Config struct {
	FlapTransitions int           // transitions inside FlapWindow that mark a flap
	FlapWindow      time.Duration
	FlapQuiet       time.Duration // no transitions for this long clears a flapping record
	TTL             time.Duration // record age that forces re-evaluation
	EscalateAfter   time.Duration // non-OK age that raises severity one rank
	Now             func() time.Time
}

// Tracker holds all resource records.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	deps    map[string][]string // service -> direct dependencies (parents)
	cfg     Config
}

// New returns an empty tracker.
func New(cfg Config) *Tracker {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.FlapTransitions <= 0 {
		cfg.FlapTransitions = 5
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = 10 * time.Minute
	}
	if cfg.FlapQuiet <= 0 {
		cfg.FlapQuiet = 20 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 30 * time.Minute
	}
	return &Tracker{
		records: make(map[string]*Record),
		deps:    make(map[string][]string),
		cfg:     cfg,
	}
}

// Observe registers one observation and decides whether it may proceed
// down the pipeline. A signal passes when the (state, severity) tuple
// changed, when the record expired, or when the current episode has not
// produced an emission yet; it is suppressed as a duplicate otherwise.
// The caller must MarkEmitted once the signal clears every gate, which is
// what ends the episode's right to re-emit.
func (t *Tracker) Observe(resourceID, resourceType, state string, sev signal.Severity, meta map[string]string) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Now()
	rec, ok := t.records[resourceID]

	if ok && rec.FlapReported {
		if now.Sub(rec.LastChange) >= t.cfg.FlapQuiet {
			// Quiet long enough; forget the episode entirely.
			delete(t.records, resourceID)
			ok = false
		} else {
			rec.LastSeen = now
			if state != rec.State || sev != rec.Severity {
				rec.pushTransition(now, t.cfg.FlapWindow)
				rec.State = state
				rec.Severity = sev
				rec.LastChange = now
			}
			return Observation{Reason: "flap_active", FlapActive: true, Transitions: len(rec.Transitions)}
		}
	}

	if ok && now.Sub(rec.LastSeen) >= t.cfg.TTL {
		delete(t.records, resourceID)
		ok = false
	}

	if !ok {
		rec = &Record{
			ResourceID:   resourceID,
			ResourceType: resourceType,
			State:        state,
			Severity:     sev,
			FirstSeen:    now,
			LastChange:   now,
			LastSeen:     now,
			Meta:         meta,
		}
		rec.bumpStreak(sev)
		t.records[resourceID] = rec
		return Observation{Pass: true, Reason: "state_change", BreachStreak: rec.BreachStreak}
	}

	rec.LastSeen = now
	if meta != nil {
		rec.Meta = meta
	}

	if state != rec.State || sev != rec.Severity {
		rec.pushTransition(now, t.cfg.FlapWindow)
		rec.State = state
		rec.Severity = sev
		rec.LastChange = now
		rec.FirstSeen = now
		rec.Emitted = false
		rec.Escalated = false
		rec.bumpStreak(sev)

		if len(rec.Transitions) >= t.cfg.FlapTransitions {
			rec.FlapReported = true
			return Observation{
				Pass:        true,
				Reason:      "state_change",
				FlapStart:   true,
				Transitions: len(rec.Transitions),
			}
		}
		return Observation{Pass: true, Reason: "state_change", BreachStreak: rec.BreachStreak}
	}

	// Same tuple again.
	rec.bumpStreak(sev)

	if !rec.healthy() && !rec.Escalated && now.Sub(rec.FirstSeen) >= t.cfg.EscalateAfter {
		rec.Escalated = true
		rec.Emitted = false
		return Observation{Pass: true, Reason: "persistence", EscalateSeverity: true, BreachStreak: rec.BreachStreak}
	}

	if !rec.Emitted {
		// The episode never made it past the later gates; let it retry.
		return Observation{Pass: true, Reason: "reobserved", BreachStreak: rec.BreachStreak}
	}

	return Observation{Reason: "duplicate", BreachStreak: rec.BreachStreak}
}

func (r *Record) pushTransition(now time.Time, window time.Duration) {
	kept := r.Transitions[:0]
	for _, ts := range r.Transitions {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	r.Transitions = append(kept, now)
}

func (r *Record) bumpStreak(sev signal.Severity) {
	if sev.Rank() >= signal.SeverityWarning.Rank() {
		r.BreachStreak++
	} else {
		r.BreachStreak = 0
	}
}

// MarkEmitted records that the current episode produced a signal that
// cleared every gate. Duplicates of the same tuple are suppressed from
// here on.
func (t *Tracker) MarkEmitted(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[resourceID]; ok {
		rec.Emitted = true
	}
}

// SweepQuiet clears flapping records whose last transition is older than
// the quiet window, and expired records generally. Returns the cleared
// resource ids.
func (t *Tracker) SweepQuiet() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Now()
	var cleared []string
	for id, rec := range t.records {
		if rec.FlapReported && now.Sub(rec.LastChange) >= t.cfg.FlapQuiet {
			delete(t.records, id)
			cleared = append(cleared, id)
			continue
		}
		if now.Sub(rec.LastSeen) >= t.cfg.TTL {
			delete(t.records, id)
			cleared = append(cleared, id)
		}
	}
	return cleared
}

// Clear drops one record, forcing the next observation to re-evaluate.
func (t *Tracker) Clear(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, resourceID)
}

// ClearWhere drops every record the predicate selects and returns how
// many were dropped. Used when a maintenance window expires.
func (t *Tracker) ClearWhere(pred func(Record) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, rec := range t.records {
		if pred(*rec) {
			delete(t.records, id)
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all records for status reporting.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}

// Get returns a copy of one record.
func (t *Tracker) Get(resourceID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[resourceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
