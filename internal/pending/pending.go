// Package pending tracks remediations parked for human review. When
// escalation confidence lands in the review band, or the server defers
// a decision, the action waits here until an operator approves,
// cancels, or the server sends execute_pending_action.
package pending

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// Action is one remediation parked for review.
type Action struct {
	SignatureID    string              `json:"signature_id"`
	TicketID       string              `json:"ticket_id"`
	Signature      signature.Signature `json:"signature"`
	MatchedRunbook *runbook.Runbook    `json:"matched_runbook,omitempty"`
	ServerMessage  string              `json:"server_message,omitempty"`
	SignalKey      string              `json:"signal_key,omitempty"`
	Resource       string              `json:"resource,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Store persists pending actions and the awaiting-review set.
type Store struct {
	mu      sync.RWMutex
	actions map[string]*Action
	tickets *ticket.Store
	path    string
	now     func() time.Time
	log     zerolog.Logger
}

// NewStore returns an empty store persisting to path. Tickets opened
// for review entries go through the given ticket store.
func NewStore(path string, tickets *ticket.Store) *Store {
	return &Store{
		actions: map[string]*Action{},
		tickets: tickets,
		path:    path,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.WithComponent("pending"),
	}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load restores pending actions from disk.
func (s *Store) Load() error {
	var doc struct {
		Actions []*Action `json:"actions"`
	}
	found, err := statefile.Load(s.path, &doc)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range doc.Actions {
		if a.SignatureID != "" {
			s.actions[a.SignatureID] = a
		}
	}
	return nil
}

// AwaitReview parks a signature for human review and opens a
// pending-review ticket. Re-parking an already pending signature
// refreshes the server message but keeps the original ticket.
func (s *Store) AwaitReview(sig signature.Signature, matched *runbook.Runbook, serverMessage string) *Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.actions[sig.ID]; ok {
		if serverMessage != "" {
			existing.ServerMessage = serverMessage
			s.saveLocked()
		}
		return existing
	}

	playbookID := ""
	summary := fmt.Sprintf("awaiting review: %s", signature.Describe(sig))
	if matched != nil {
		playbookID = matched.ID
	}
	tk := s.tickets.OpenPendingReview(sig.ID, playbookID, summary)

	a := &Action{
		SignatureID:    sig.ID,
		TicketID:       tk.ID,
		Signature:      sig,
		MatchedRunbook: matched,
		ServerMessage:  serverMessage,
		CreatedAt:      s.now(),
	}
	s.actions[sig.ID] = a
	s.saveLocked()
	s.log.Info().
		Str("signature_id", sig.ID).
		Str("ticket_id", tk.ID).
		Msg("action parked for review")
	return a
}

// Annotate attaches the originating signal coordinates to a parked
// action so an eventual approval can attribute the outcome in
// remediation memory. No-op when the signature is not parked.
func (s *Store) Annotate(signatureID, signalKey, resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[signatureID]
	if !ok || (a.SignalKey == signalKey && a.Resource == resource) {
		return
	}
	a.SignalKey = signalKey
	a.Resource = resource
	s.saveLocked()
}

// Approve removes a pending action and returns it for execution. The
// ticket moves to in-progress; the executor settles it later.
func (s *Store) Approve(signatureID string) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[signatureID]
	if !ok {
		return nil, fmt.Errorf("no pending action for %s", signatureID)
	}
	delete(s.actions, signatureID)
	s.saveLocked()
	if err := s.tickets.SetStatus(a.TicketID, ticket.StatusInProgress, nil); err != nil {
		s.log.Warn().Err(err).Str("ticket_id", a.TicketID).Msg("ticket update")
	}
	return a, nil
}

// Cancel removes a pending action without running it and fails its
// ticket with the given reason.
func (s *Store) Cancel(signatureID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[signatureID]
	if !ok {
		return fmt.Errorf("no pending action for %s", signatureID)
	}
	delete(s.actions, signatureID)
	s.saveLocked()
	result := map[string]any{"cancelled": true}
	if reason != "" {
		result["reason"] = reason
	}
	if err := s.tickets.SetStatus(a.TicketID, ticket.StatusFailed, result); err != nil {
		s.log.Warn().Err(err).Str("ticket_id", a.TicketID).Msg("ticket update")
	}
	s.log.Info().Str("signature_id", signatureID).Str("reason", reason).Msg("pending action cancelled")
	return nil
}

// Awaiting reports whether a signature is parked for review.
func (s *Store) Awaiting(signatureID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.actions[signatureID]
	return ok
}

// Get returns a copy of the pending action for a signature.
func (s *Store) Get(signatureID string) (Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[signatureID]
	if !ok {
		return Action{}, false
	}
	return *a, true
}

// All returns copies of every pending action, oldest first.
func (s *Store) All() []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of actions awaiting review.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions)
}

func (s *Store) saveLocked() {
	all := make([]*Action, 0, len(s.actions))
	for _, a := range s.actions {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	doc := struct {
		Actions []*Action `json:"actions"`
	}{Actions: all}
	if err := statefile.Save(s.path, doc); err != nil {
		s.log.Warn().Err(err).Msg("persist pending actions")
	}
}
