// Package escalate sends conditions the agent cannot or may not fix
// itself to the control plane. It owns the per-signature cooldown map,
// the 10 second batching window for routine severities, the immediate
// flush path for urgent ones, and the manual-ticket fallback when the
// server is unreachable.
package escalate

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/diag"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pending"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// Outcomes the agent can request from the server.
const (
	OutcomeRecommendPlaybook      = "recommend_playbook"
	OutcomeDiagnoseRootCause      = "diagnose_root_cause"
	OutcomeNeedsApproval          = "needs_approval"
	OutcomeNeedsOutageCorrelation = "needs_outage_correlation"
)

const (
	defaultCooldown    = 5 * time.Minute
	defaultBatchWindow = 10 * time.Second
	recentActionsLimit = 3
)

// Disposition says what happened to an escalation request.
type Disposition string

const (
	DroppedIgnored        Disposition = "dropped_ignored"
	DroppedAwaitingReview Disposition = "dropped_awaiting_review"
	DroppedCooldown       Disposition = "dropped_cooldown"
	SentImmediate         Disposition = "sent"
	Batched               Disposition = "batched"
	ManualTicket          Disposition = "manual_ticket"
)

// Sender delivers frames to the control plane.
type Sender interface {
	Connected() bool
	Send(f protocol.Frame) error
}

// Spooler stores frames that could not be delivered, for replay once
// the connection returns.
type Spooler interface {
	Enqueue(f protocol.Frame) error
}

// DeviationFlags mark which baseline dimensions looked abnormal when
// the signal was profiled.
type DeviationFlags struct {
	CPU     bool
	Memory  bool
	Disk    bool
	Service bool
}

// Request is one escalation candidate.
type Request struct {
	Signature      signature.Signature
	MatchedRunbook *runbook.Runbook
	Outcome        string
	Category       string
	Deviations     DeviationFlags
}

// Config tunes the escalator.
type Config struct {
	TenantID    string
	DeviceID    string
	Cooldown    time.Duration
	BatchWindow time.Duration
	EnvTags     map[string]string
}

// Deps are the collaborating stores. Diagnostics and Spool may be nil.
type Deps struct {
	Exclusions  *exclusion.Lists
	Pending     *pending.Store
	Tickets     *ticket.Store
	Memory      *memory.Store
	Diagnostics *diag.Collector
	Spool       Spooler
}

type batchItem struct {
	signatureID string
	summary     string
	payload     map[string]any
}

// Escalator runs on the pipeline domain; it is not safe for concurrent
// use. The batch timer channel is consumed by the pipeline's select
// loop, which calls FlushBatch on the same domain.
type Escalator struct {
	cfg    Config
	sender Sender
	deps   Deps
	scrub  *Scrubber

	cooldown map[string]time.Time
	batch    []batchItem
	timer    *time.Timer

	now func() time.Time
	log zerolog.Logger
}

// New builds an escalator. The batch timer starts stopped and is armed
// when the first routine item enters an empty batch.
func New(cfg Config, sender Sender, deps Deps) *Escalator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.EnvTags == nil {
		cfg.EnvTags = map[string]string{
			"os_build":           runtime.GOOS + "/" + runtime.GOARCH,
			"os_version":         runtime.GOOS,
			"device_model_class": "unknown",
		}
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &Escalator{
		cfg:      cfg,
		sender:   sender,
		deps:     deps,
		scrub:    NewScrubber(),
		cooldown: map[string]time.Time{},
		timer:    timer,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.WithComponent("escalate"),
	}
}

// SetClock overrides the cooldown clock. Test hook.
func (e *Escalator) SetClock(now func() time.Time) { e.now = now }

// BatchC is the batch timer channel; the pipeline selects on it and
// calls FlushBatch when it fires.
func (e *Escalator) BatchC() <-chan time.Time { return e.timer.C }

// Stop releases the batch timer.
func (e *Escalator) Stop() { e.timer.Stop() }

// Escalate runs the gates and routes the request: urgent severities
// flush immediately, routine ones batch, and an unreachable server
// turns the escalation into a manual ticket.
func (e *Escalator) Escalate(ctx context.Context, req Request) Disposition {
	sigID := req.Signature.ID
	if e.deps.Exclusions != nil && e.deps.Exclusions.IsIgnored(sigID) {
		return DroppedIgnored
	}
	if e.deps.Pending != nil && e.deps.Pending.Awaiting(sigID) {
		return DroppedAwaitingReview
	}

	now := e.now()
	if last, ok := e.cooldown[sigID]; ok && now.Sub(last) < e.cfg.Cooldown {
		return DroppedCooldown
	}
	e.cooldown[sigID] = now
	e.pruneCooldowns(now)

	payload := e.buildPayload(ctx, req)
	summary := signature.Describe(req.Signature)

	if !e.sender.Connected() {
		e.manualTicket(sigID, summary, payload)
		return ManualTicket
	}

	if req.Signature.Severity.Urgent() {
		frame := protocol.New(protocol.TypeEscalation, e.cfg.DeviceID, payload)
		if err := e.sender.Send(frame); err != nil {
			e.log.Warn().Err(err).Str("signature_id", sigID).Msg("urgent escalation send")
			e.manualTicket(sigID, summary, payload)
			return ManualTicket
		}
		e.log.Info().Str("signature_id", sigID).Str("severity", string(req.Signature.Severity)).Msg("escalation flushed")
		return SentImmediate
	}

	if len(e.batch) == 0 {
		e.timer.Reset(e.cfg.BatchWindow)
	}
	e.batch = append(e.batch, batchItem{signatureID: sigID, summary: summary, payload: payload})
	e.log.Debug().Str("signature_id", sigID).Int("batch_size", len(e.batch)).Msg("escalation batched")
	return Batched
}

// FlushBatch drains the batch: one item goes out as an escalation,
// several as a batch_escalation. Items that cannot be sent become
// manual tickets.
func (e *Escalator) FlushBatch() {
	if len(e.batch) == 0 {
		return
	}
	items := e.batch
	e.batch = nil

	if !e.sender.Connected() {
		for _, it := range items {
			e.manualTicket(it.signatureID, it.summary, it.payload)
		}
		return
	}

	var frame protocol.Frame
	if len(items) == 1 {
		frame = protocol.New(protocol.TypeEscalation, e.cfg.DeviceID, items[0].payload)
	} else {
		payloads := make([]any, 0, len(items))
		for _, it := range items {
			payloads = append(payloads, it.payload)
		}
		frame = protocol.New(protocol.TypeBatchEscalation, e.cfg.DeviceID, map[string]any{
			"escalations": payloads,
			"count":       len(items),
		})
	}
	if err := e.sender.Send(frame); err != nil {
		e.log.Warn().Err(err).Int("items", len(items)).Msg("batch escalation send")
		for _, it := range items {
			e.manualTicket(it.signatureID, it.summary, it.payload)
		}
		return
	}
	e.log.Info().Int("items", len(items)).Msg("escalation batch sent")
}

// PendingBatch reports how many items await the batch timer.
func (e *Escalator) PendingBatch() int { return len(e.batch) }

// ClearCooldown forgets the cooldown for a signature, letting the next
// occurrence escalate immediately. Used when the server resolves or
// replaces a remediation.
func (e *Escalator) ClearCooldown(signatureID string) {
	delete(e.cooldown, signatureID)
}

// OverrideCooldown rebases the cooldown for a signature so the next
// escalation is allowed d from now, regardless of the configured
// cooldown. Non-positive d clears it. Servers send this on decisions
// when they want the device to report back sooner or later than usual.
func (e *Escalator) OverrideCooldown(signatureID string, d time.Duration) {
	if d <= 0 {
		delete(e.cooldown, signatureID)
		return
	}
	e.cooldown[signatureID] = e.now().Add(d - e.cfg.Cooldown)
}

func (e *Escalator) pruneCooldowns(now time.Time) {
	for id, t := range e.cooldown {
		if now.Sub(t) >= e.cfg.Cooldown {
			delete(e.cooldown, id)
		}
	}
}

func (e *Escalator) manualTicket(sigID, summary string, payload map[string]any) {
	if e.deps.Tickets != nil {
		tk := e.deps.Tickets.OpenManual(sigID, fmt.Sprintf("server unreachable: %s", summary))
		e.log.Info().Str("signature_id", sigID).Str("ticket_id", tk.ID).Msg("manual ticket opened")
	}
	if e.deps.Spool != nil {
		frame := protocol.New(protocol.TypeEscalation, e.cfg.DeviceID, payload)
		if err := e.deps.Spool.Enqueue(frame); err != nil {
			e.log.Warn().Err(err).Str("signature_id", sigID).Msg("spool escalation")
		}
	}
}

func (e *Escalator) buildPayload(ctx context.Context, req Request) map[string]any {
	sig := req.Signature
	outcome := req.Outcome
	if outcome == "" {
		outcome = OutcomeDiagnoseRootCause
	}

	payload := map[string]any{
		"tenant_id":    e.cfg.TenantID,
		"device_id":    e.cfg.DeviceID,
		"signature_id": sig.ID,
		"severity":     string(sig.Severity),
		"symptoms":     e.scrub.scrubValue(symptomMaps(sig.Symptoms)),
		"targets":      e.scrub.scrubValue(targetMaps(sig.Targets)),
		"baseline_deviation_flags": map[string]any{
			"cpu":     req.Deviations.CPU,
			"memory":  req.Deviations.Memory,
			"disk":    req.Deviations.Disk,
			"service": req.Deviations.Service,
		},
		"environment_tags":  e.cfg.EnvTags,
		"local_confidence":  sig.Confidence,
		"requested_outcome": outcome,
	}
	if len(sig.Context) > 0 {
		tags := make(map[string]any, len(sig.Context))
		for k, v := range sig.Context {
			tags[k] = e.scrub.ScrubString(v)
		}
		payload["context_tags"] = tags
	}
	if req.MatchedRunbook != nil {
		payload["matched_runbook_id"] = req.MatchedRunbook.ID
		payload["matched_runbook_risk_class"] = string(req.MatchedRunbook.RiskClass)
	}
	if e.deps.Memory != nil {
		payload["recent_actions_summary"] = recentActions(e.deps.Memory, e.cfg.DeviceID)
	}
	if e.deps.Diagnostics != nil && req.Category != "" {
		bundle := e.deps.Diagnostics.Collect(ctx, req.Category)
		durMS, _ := bundle["collected_in_ms"].(int64)
		delete(bundle, "collected_in_ms")
		payload["pre_escalation_diagnostics"] = map[string]any{
			"category":    req.Category,
			"data":        e.scrub.ScrubMap(bundle),
			"duration_ms": durMS,
		}
	}
	return payload
}

func symptomMaps(symptoms []signature.Symptom) []any {
	out := make([]any, 0, len(symptoms))
	for _, sym := range symptoms {
		m := map[string]any{
			"type":     sym.Type,
			"severity": string(sym.Severity),
		}
		if len(sym.Details) > 0 {
			m["details"] = sym.Details
		}
		out = append(out, m)
	}
	return out
}

func targetMaps(targets []signature.Target) []any {
	out := make([]any, 0, len(targets))
	for _, t := range targets {
		out = append(out, map[string]any{"type": t.Type, "name": t.Name})
	}
	return out
}

func recentActions(mem *memory.Store, deviceID string) []any {
	attempts := mem.RecentAttempts(deviceID, recentActionsLimit)
	out := make([]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"playbook_id": a.PlaybookID,
			"result":      string(a.Result),
			"at":          a.Timestamp.Format(time.RFC3339),
		})
	}
	return out
}
