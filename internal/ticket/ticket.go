// Package ticket tracks remediation work items from creation through
// resolution. Every remediation attempt, pending review, and offline
// escalation gets a ticket so operators can reconstruct what the agent
// did and why after the fact.
package ticket

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

// Ticket statuses.
const (
	StatusOpen          = "open"
	StatusInProgress    = "in-progress"
	StatusResolved      = "resolved"
	StatusFailed        = "failed"
	StatusPendingReview = "pending-review"
)

// Ticket is one unit of remediation work.
type Ticket struct {
	ID          string         `json:"id"`
	SignatureID string         `json:"signature_id"`
	PlaybookID  string         `json:"playbook_id,omitempty"`
	Status      string         `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Escalated   bool           `json:"escalated"`
	Manual      bool           `json:"manual,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

func (t *Ticket) open() bool {
	return t.Status == StatusOpen || t.Status == StatusInProgress || t.Status == StatusPendingReview
}

// Store holds tickets in memory and persists every mutation.
type Store struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
	path    string
	now     func() time.Time
	log     zerolog.Logger
}

// NewStore returns an empty store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		tickets: map[string]*Ticket{},
		path:    path,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.WithComponent("tickets"),
	}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load restores tickets from disk; a missing file starts empty.
func (s *Store) Load() error {
	var doc struct {
		Tickets []*Ticket `json:"tickets"`
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
	for _, t := range doc.Tickets {
		if t.ID != "" {
			s.tickets[t.ID] = t
		}
	}
	return nil
}

func newTicketID() string {
	return "tkt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Open creates a ticket in status open for a remediation attempt.
func (s *Store) Open(signatureID, playbookID, summary string) *Ticket {
	return s.create(signatureID, playbookID, summary, StatusOpen, false)
}

// OpenPendingReview creates a ticket awaiting human review.
func (s *Store) OpenPendingReview(signatureID, playbookID, summary string) *Ticket {
	return s.create(signatureID, playbookID, summary, StatusPendingReview, false)
}

// OpenManual creates a ticket recording an escalation that could not
// reach the server, so a human can find it later.
func (s *Store) OpenManual(signatureID, summary string) *Ticket {
	return s.create(signatureID, "", summary, StatusOpen, true)
}

func (s *Store) create(signatureID, playbookID, summary, status string, manual bool) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &Ticket{
		ID:          newTicketID(),
		SignatureID: signatureID,
		PlaybookID:  playbookID,
		Status:      status,
		Summary:     summary,
		Manual:      manual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tickets[t.ID] = t
	s.saveLocked()
	s.log.Info().
		Str("ticket_id", t.ID).
		Str("signature_id", signatureID).
		Str("status", status).
		Msg("ticket created")
	return t
}

// SetStatus moves a ticket to the given status, attaching result
// metadata when provided.
func (s *Store) SetStatus(ticketID, status string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return fmt.Errorf("unknown ticket %s", ticketID)
	}
	t.Status = status
	t.UpdatedAt = s.now()
	if result != nil {
		t.Result = result
	}
	if status == StatusResolved || status == StatusFailed {
		done := s.now()
		t.ResolvedAt = &done
	}
	s.saveLocked()
	return nil
}

// MarkEscalated flags a ticket as having been escalated to the server.
func (s *Store) MarkEscalated(ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return fmt.Errorf("unknown ticket %s", ticketID)
	}
	t.Escalated = true
	t.UpdatedAt = s.now()
	s.saveLocked()
	return nil
}

// CloseBySignature resolves every open ticket for a signature. Returns
// the number of tickets closed.
func (s *Store) CloseBySignature(signatureID, note string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for _, t := range s.tickets {
		if t.SignatureID != signatureID || !t.open() {
			continue
		}
		t.Status = StatusResolved
		t.UpdatedAt = s.now()
		done := s.now()
		t.ResolvedAt = &done
		if note != "" {
			if t.Result == nil {
				t.Result = map[string]any{}
			}
			t.Result["note"] = note
		}
		closed++
	}
	if closed > 0 {
		s.saveLocked()
		s.log.Info().Str("signature_id", signatureID).Int("closed", closed).Msg("tickets closed")
	}
	return closed
}

// Get returns a copy of the ticket, if present.
func (s *Store) Get(ticketID string) (Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// OpenFor returns copies of all open tickets for a signature.
func (s *Store) OpenFor(signatureID string) []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ticket
	for _, t := range s.tickets {
		if t.SignatureID == signatureID && t.open() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// All returns copies of every ticket, newest first.
func (s *Store) All() []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Counts returns open and total ticket counts.
func (s *Store) Counts() (open, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickets {
		if t.open() {
			open++
		}
	}
	return open, len(s.tickets)
}

func (s *Store) saveLocked() {
	all := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	doc := struct {
		Tickets []*Ticket `json:"tickets"`
	}{Tickets: all}
	if err := statefile.Save(s.path, doc); err != nil {
		s.log.Warn().Err(err).Msg("persist tickets")
	}
}
