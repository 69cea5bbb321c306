package ipc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

const recentAttemptsShown = 20

// ---- snapshots ----

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	open, total := s.deps.Tickets.Counts()
	playbooks, signals, resources, attempts := s.deps.Memory.Counts()

	st := map[string]any{
		"device_id":           s.cfg.DeviceID,
		"tenant_id":           s.cfg.TenantID,
		"version":             s.cfg.Version,
		"connected":           s.deps.Link.Connected(),
		"session_invalidated": s.deps.Link.Invalidated(),
		"queue_depth":         s.deps.Queue.Depth(),
		"pending_actions":     s.deps.Pending.Count(),
		"tickets_open":        open,
		"tickets_total":       total,
		"windows_active":      len(s.deps.Windows.Active()),
		"tracked_resources":   len(s.deps.Tracker.Snapshot()),
		"memory": map[string]int{
			"playbooks": playbooks,
			"signals":   signals,
			"resources": resources,
			"attempts":  attempts,
		},
	}
	if s.deps.Spool != nil {
		st["spool"] = s.deps.Spool.Snapshot()
	}
	if s.deps.Prompter != nil {
		st["outstanding_prompts"] = s.deps.Prompter.Outstanding()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"depth": s.deps.Queue.Depth(),
		"tasks": s.deps.Queue.Pending(),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, _ *http.Request) {
	playbooks, signals, resources, attempts := s.deps.Memory.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"playbooks": playbooks,
		"signals":   signals,
		"resources": resources,
		"attempts":  attempts,
		"recent":    s.deps.Memory.RecentAttempts(s.cfg.DeviceID, recentAttemptsShown),
	})
}

func (s *Server) handleTickets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tickets": s.deps.Tickets.All()})
}

func (s *Server) handleWindows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"windows": s.deps.Windows.Active()})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.deps.Pending.All()})
}

func (s *Server) handleExclusions(w http.ResponseWriter, _ *http.Request) {
	services, processes, signatures, ignored := s.deps.Exclusions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"services":   services,
		"processes":  processes,
		"signatures": signatures,
		"ignored":    ignored,
	})
}

func (s *Server) handleTracked(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": s.deps.Tracker.Snapshot()})
}

// ---- operator verbs ----

// Approval and cancellation mutate pipeline-owned state, so they ride
// an injected frame onto the decision domain instead of touching the
// stores from the HTTP goroutine. The 202 means "handed to the domain";
// the UI watches /v1/pending and /v1/tickets for the outcome.
func (s *Server) handleApprovePending(w http.ResponseWriter, r *http.Request) {
	sigID := chi.URLParam(r, "signatureID")
	if !s.deps.Pending.Awaiting(sigID) {
		writeError(w, http.StatusNotFound, "no pending action for that signature")
		return
	}
	f := protocol.New(protocol.TypeExecutePendingAction, s.cfg.DeviceID, map[string]any{
		"signature_id": sigID,
		"operator":     true,
	})
	if !s.deps.Domain.Inject(f) {
		writeError(w, http.StatusServiceUnavailable, "decision domain busy")
		return
	}
	s.log.Info().Str("signature_id", sigID).Msg("operator approved pending action")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "signature_id": sigID})
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	sigID := chi.URLParam(r, "signatureID")
	if !s.deps.Pending.Awaiting(sigID) {
		writeError(w, http.StatusNotFound, "no pending action for that signature")
		return
	}
	f := protocol.New(protocol.TypeCancelPendingAction, s.cfg.DeviceID, map[string]any{
		"signature_id": sigID,
		"reason":       "cancelled by operator",
	})
	if !s.deps.Domain.Inject(f) {
		writeError(w, http.StatusServiceUnavailable, "decision domain busy")
		return
	}
	s.log.Info().Str("signature_id", sigID).Msg("operator cancelled pending action")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled", "signature_id": sigID})
}

type windowRequest struct {
	All                 bool     `json:"all"`
	Services            []string `json:"services"`
	SignalIDs           []string `json:"signal_ids"`
	Start               string   `json:"start"` // RFC3339; empty means now
	End                 string   `json:"end"`   // RFC3339; alternative to duration
	DurationMinutes     int      `json:"duration_minutes"`
	SuppressEscalation  bool     `json:"suppress_escalation"`
	SuppressRemediation bool     `json:"suppress_remediation"`
	Reason              string   `json:"reason"`
}

func (s *Server) handleCreateWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid window request: "+err.Error())
		return
	}

	win := maintenance.Window{
		Scope: maintenance.Scope{
			All:       req.All,
			Services:  req.Services,
			SignalIDs: req.SignalIDs,
		},
		SuppressEscalation:  req.SuppressEscalation,
		SuppressRemediation: req.SuppressRemediation,
		Reason:              req.Reason,
		CreatedBy:           "operator",
	}
	if len(req.Services) == 0 && len(req.SignalIDs) == 0 {
		win.Scope.All = true
	}
	if req.Start != "" {
		t, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		win.Start = t
	}
	switch {
	case req.End != "":
		t, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		win.End = t
	case req.DurationMinutes > 0:
		base := win.Start
		if base.IsZero() {
			base = time.Now().UTC()
		}
		win.End = base.Add(time.Duration(req.DurationMinutes) * time.Minute)
	default:
		writeError(w, http.StatusBadRequest, "end or duration_minutes required")
		return
	}

	created, err := s.deps.Windows.Add(win)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleCancelWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "windowID")
	if !s.deps.Windows.Cancel(id) {
		writeError(w, http.StatusNotFound, "no such window")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "window_id": id})
}

func (s *Server) handleAddExclusion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid exclusion request")
		return
	}
	if req.Category == "" {
		req.Category = exclusion.CategoryServices
	}
	added, err := s.deps.Exclusions.Add(req.Category, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "category": req.Category, "name": req.Name})
}

func (s *Server) handleResetDampening(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignalKey string `json:"signal_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignalKey == "" {
		writeError(w, http.StatusBadRequest, "signal_key required")
		return
	}
	reset := s.deps.Memory.ResetDampening(req.SignalKey, s.cfg.DeviceID)
	if !reset {
		writeError(w, http.StatusNotFound, "no dampening state for that signal")
		return
	}
	s.log.Info().Str("signal_key", req.SignalKey).Msg("operator reset dampening")
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "signal_key": req.SignalKey})
}

func (s *Server) handleManualTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Summary == "" {
		writeError(w, http.StatusBadRequest, "summary required")
		return
	}
	tk := s.deps.Tickets.OpenManual("", req.Summary)
	writeJSON(w, http.StatusOK, tk)
}

// handleTestEscalation feeds a synthetic high-severity event through the
// regular intake, which exercises signature generation, escalation and
// transport exactly as a real incident would.
func (s *Server) handleTestEscalation(w http.ResponseWriter, _ *http.Request) {
	id := uuid.NewString()[:8]
	sig := signal.NewEventSignal("operator_test", id, signal.SeverityHigh,
		"operator-triggered test escalation "+id)
	if !s.deps.Domain.Ingest(sig) {
		writeError(w, http.StatusServiceUnavailable, "signal intake full")
		return
	}
	s.log.Info().Str("event_id", id).Msg("test escalation injected")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "injected", "event_id": id})
}

func (s *Server) handleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prompter == nil {
		writeError(w, http.StatusNotFound, "prompting not enabled")
		return
	}
	promptID := chi.URLParam(r, "promptID")
	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Response == "" {
		writeError(w, http.StatusBadRequest, "response required")
		return
	}
	if !s.deps.Prompter.Answer(promptID, req.Response) {
		writeError(w, http.StatusNotFound, "no outstanding prompt with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered", "prompt_id": promptID})
}

// handleSessionReset re-enables reconnection after the server
// invalidated the session. Deliberately operator-only.
func (s *Server) handleSessionReset(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Link.Invalidated() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "session already valid"})
		return
	}
	s.deps.Link.ResetSession()
	s.log.Info().Msg("operator reset invalidated session")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}
