// Package maintenance keeps the registry of planned-work windows and
// answers whether a signal falls inside one. Expired windows trigger a
// callback so tracked resource state is cleared and conditions that
// survived the window get re-evaluated.
package maintenance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

// Scope selects what a window covers: everything, a set of services, or
// a set of signature ids.
type Scope struct {
	All       bool     `json:"all,omitempty"`
	Services  []string `json:"services,omitempty"`
	SignalIDs []string `json:"signal_ids,omitempty"`
}

// Window is one maintenance window.
type Window struct {
	ID                  string    `json:"id"`
	Scope               Scope     `json:"scope"`
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end"`
	SuppressEscalation  bool      `json:"suppress_escalation"`
	SuppressRemediation bool      `json:"suppress_remediation"`
	Reason              string    `json:"reason,omitempty"`
	CreatedBy           string    `json:"created_by,omitempty"` // operator | server
}

// Active reports whether the window covers the given instant.
func (w Window) Active(at time.Time) bool {
	return !at.Before(w.Start) && at.Before(w.End)
}

func (w Window) covers(category, resource, signalID string) bool {
	if w.Scope.All {
		return true
	}
	if category == "service" || category == "services" {
		for _, svc := range w.Scope.Services {
			if strings.EqualFold(svc, resource) {
				return true
			}
		}
	}
	for _, id := range w.Scope.SignalIDs {
		if id == signalID {
			return true
		}
	}
	return false
}

// Gate is the window registry.
type Gate struct {
	mu       sync.RWMutex
	windows  map[string]Window
	path     string
	now      func() time.Time
	onExpire func(Window)
	log      zerolog.Logger
}

// NewGate returns a registry persisting to path. onExpire runs for every
// window removed by SweepExpired; nil is allowed.
func NewGate(path string, now func() time.Time, onExpire func(Window)) *Gate {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gate{
		windows:  make(map[string]Window),
		path:     path,
		now:      now,
		onExpire: onExpire,
		log:      logging.WithComponent("maintenance"),
	}
}

// Load restores persisted windows. Windows that ended while the agent was
// down are dropped without firing the expiry callback; their state
// records did not survive the restart either.
func (g *Gate) Load() error {
	var doc struct {
		Windows []Window `json:"windows"`
	}
	found, err := statefile.Load(g.path, &doc)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range doc.Windows {
		if now.Before(w.End) {
			g.windows[w.ID] = w
		}
	}
	return nil
}

func (g *Gate) persistLocked() {
	doc := struct {
		Windows []Window `json:"windows"`
	}{Windows: make([]Window, 0, len(g.windows))}
	for _, w := range g.windows {
		doc.Windows = append(doc.Windows, w)
	}
	if err := statefile.Save(g.path, doc); err != nil {
		g.log.Warn().Err(err).Msg("persist maintenance windows")
	}
}

// Add registers a window. A missing ID is generated; a missing start
// means now. Both suppression flags default to true when neither is set
// in the request, which is what a blanket window means.
func (g *Gate) Add(w Window) (Window, error) {
	if w.ID == "" {
		w.ID = "mw-" + uuid.NewString()[:8]
	}
	if w.Start.IsZero() {
		w.Start = g.now()
	}
	if !w.End.After(w.Start) {
		return Window{}, fmt.Errorf("maintenance window %s: end must be after start", w.ID)
	}
	if !w.End.After(g.now()) {
		return Window{}, fmt.Errorf("maintenance window %s: already ended", w.ID)
	}
	if !w.SuppressEscalation && !w.SuppressRemediation {
		w.SuppressEscalation = true
		w.SuppressRemediation = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows[w.ID] = w
	g.persistLocked()
	g.log.Info().Str("window_id", w.ID).Time("until", w.End).Msg("maintenance window opened")
	return w, nil
}

// Cancel removes a window before its end. The expiry callback fires so
// covered state is re-evaluated immediately.
func (g *Gate) Cancel(id string) bool {
	g.mu.Lock()
	w, ok := g.windows[id]
	if ok {
		delete(g.windows, id)
		g.persistLocked()
	}
	g.mu.Unlock()

	if ok {
		g.log.Info().Str("window_id", id).Msg("maintenance window cancelled")
		if g.onExpire != nil {
			g.onExpire(w)
		}
	}
	return ok
}

// Check returns the first active window covering the given signal
// coordinates.
func (g *Gate) Check(category, resource, signalID string) (Window, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	for _, w := range g.windows {
		if w.Active(now) && w.covers(category, resource, signalID) {
			return w, true
		}
	}
	return Window{}, false
}

// SweepExpired drops windows whose end has passed and fires the expiry
// callback for each. Call it from a periodic task.
func (g *Gate) SweepExpired() []Window {
	now := g.now()

	g.mu.Lock()
	var expired []Window
	for id, w := range g.windows {
		if !now.Before(w.End) {
			expired = append(expired, w)
			delete(g.windows, id)
		}
	}
	if len(expired) > 0 {
		g.persistLocked()
	}
	g.mu.Unlock()

	for _, w := range expired {
		g.log.Info().Str("window_id", w.ID).Msg("maintenance window expired")
		if g.onExpire != nil {
			g.onExpire(w)
		}
	}
	return expired
}

// Active returns the currently active windows.
func (g *Gate) Active() []Window {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	out := make([]Window, 0, len(g.windows))
	for _, w := range g.windows {
		if w.Active(now) {
			out = append(out, w)
		}
	}
	return out
}
