package pipeline

import (
	"context"
	"strings"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/escalate"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/metrics"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// decide runs the tiered decision engine on a signal that survived the
// intake gates. Tier one executes a remembered solution, tier two
// executes a freshly matched low-risk runbook at high confidence, and
// everything else escalates. A memory veto drops to telemetry only:
// the device neither acts nor pages anyone about a problem it already
// failed at repeatedly.
func (p *Pipeline) decide(ctx context.Context, sig signal.Signal, escalationOK, remediationOK bool) {
	sg := p.deps.Signatures.Generate(sig)

	if p.deps.Exclusions.IsIgnored(sg.ID) {
		metrics.Decisions.WithLabelValues("ignored").Inc()
		return
	}

	// Signature-scoped windows can only match once the ID exists.
	if w, ok := p.deps.Windows.Check("", "", sg.ID); ok {
		if w.SuppressEscalation && w.SuppressRemediation {
			metrics.SignalsSuppressed.WithLabelValues("maintenance").Inc()
			return
		}
		escalationOK = escalationOK && !w.SuppressEscalation
		remediationOK = remediationOK && !w.SuppressRemediation
	}

	matched, matchedSource := p.matchRunbook(sg.ID, sig)
	p.remember(sg, matched, sig)

	key := sig.Key()
	resource := sig.ResourceID()

	// Tier one: a solution this device has proven against this signal.
	if remediationOK {
		if pbID, ok := p.deps.Memory.FindCachedSolution(key, p.cfg.DeviceID); ok {
			if rb, src, found := p.resolveCached(pbID, sg.ID); found {
				d := p.deps.Memory.ShouldAttempt(key, p.cfg.DeviceID, pbID, resource)
				if d.Allowed {
					metrics.Decisions.WithLabelValues("execute_cached").Inc()
					p.log.Info().
						Str("playbook", pbID).
						Str("signal", key).
						Msg("executing cached solution")
					p.executeLocal(ctx, sg, sig, rb, src, signature.ApplyModifier(sg.Confidence, d.ConfidenceModifier), true, escalationOK)
					return
				}
			}
		}
	}

	var matchedID string
	if matched != nil {
		matchedID = matched.ID
	}
	d := p.deps.Memory.ShouldAttempt(key, p.cfg.DeviceID, matchedID, resource)
	conf := signature.ApplyModifier(sg.Confidence, d.ConfidenceModifier)

	if !d.Allowed {
		metrics.Decisions.WithLabelValues("dampened").Inc()
		p.log.Info().
			Str("signal", key).
			Str("reason", d.Reason).
			Msg("memory veto, reporting through telemetry only")
		p.send(p.suppressedTelemetry(sig, sg, d.Reason))
		return
	}

	// Tier two: fresh match, low risk, high confidence.
	if matched != nil && remediationOK && matched.CanAutoExecute(conf) {
		metrics.Decisions.WithLabelValues("execute_local").Inc()
		p.log.Info().
			Str("playbook", matched.ID).
			Int("confidence", conf).
			Str("signal", key).
			Msg("auto-executing matched runbook")
		p.executeLocal(ctx, sg, sig, matched, matchedSource, conf, false, escalationOK)
		return
	}

	// Tier three: the control plane decides.
	if !escalationOK {
		metrics.Decisions.WithLabelValues("escalation_suppressed").Inc()
		return
	}
	outcome := escalate.OutcomeDiagnoseRootCause
	switch {
	case matched != nil:
		outcome = escalate.OutcomeRecommendPlaybook
	case sig.Category == signal.CategoryNetwork:
		outcome = escalate.OutcomeNeedsOutageCorrelation
	}
	metrics.Decisions.WithLabelValues("escalate").Inc()
	p.escalateSignature(ctx, sg, matched, sig, outcome)
}

// matchRunbook finds the candidate runbook for a signature. A cached
// server decision for the exact signature outranks the local library's
// category match.
func (p *Pipeline) matchRunbook(signatureID string, sig signal.Signal) (*runbook.Runbook, playbook.Source) {
	if rb, ok := p.deps.ServerCache.Get(signatureID); ok {
		return &rb, playbook.SourceServer
	}
	if rb, ok := p.deps.Library.FindMatch(sig.Category, sig.Metric, sig.Target); ok {
		return &rb, playbook.SourceLocal
	}
	return nil, playbook.SourceLocal
}

// resolveCached turns a remembered playbook ID back into a runbook. The
// library is checked first; a server-issued runbook only counts when the
// cache entry for this signature still names the same playbook.
func (p *Pipeline) resolveCached(playbookID, signatureID string) (*runbook.Runbook, playbook.Source, bool) {
	if rb, ok := p.deps.Library.Get(playbookID); ok {
		return &rb, playbook.SourceLocal, true
	}
	if rb, ok := p.deps.ServerCache.Get(signatureID); ok && rb.ID == playbookID {
		return &rb, playbook.SourceServer, true
	}
	return nil, playbook.SourceLocal, false
}

// executeLocal opens the audit ticket and queues the runbook. A rejected
// submission fails the ticket and, when allowed, escalates so the
// problem is not silently parked behind a full queue.
func (p *Pipeline) executeLocal(ctx context.Context, sg signature.Signature, src signal.Signal, rb *runbook.Runbook, source playbook.Source, conf int, fromCache, escalationOK bool) {
	tk := p.deps.Tickets.Open(sg.ID, rb.ID, src.Message)
	task := playbook.NewTask(rb, source, playbook.PriorityFromSeverity(src.Severity))
	task.SignatureID = sg.ID
	task.SignalKey = src.Key()
	task.Resource = src.ResourceID()
	task.TicketID = tk.ID
	task.Confidence = conf
	task.FromCache = fromCache
	task.Params = paramsFor(src)

	if err := p.deps.Queue.Submit(task); err != nil {
		p.log.Warn().Err(err).Str("playbook", rb.ID).Msg("local execution rejected")
		_ = p.deps.Tickets.SetStatus(tk.ID, ticket.StatusFailed, map[string]any{"error": err.Error()})
		if escalationOK {
			p.escalateSignature(ctx, sg, rb, src, escalate.OutcomeDiagnoseRootCause)
		}
		return
	}
	metrics.QueueDepth.Set(float64(p.deps.Queue.Depth()))
}

func (p *Pipeline) escalateSignature(ctx context.Context, sg signature.Signature, matched *runbook.Runbook, src signal.Signal, outcome string) {
	disp := p.deps.Escalator.Escalate(ctx, escalate.Request{
		Signature:      sg,
		MatchedRunbook: matched,
		Outcome:        outcome,
		Category:       src.Category,
		Deviations:     p.deviationFlags(src),
	})
	metrics.Escalations.WithLabelValues(string(disp)).Inc()
}

// suppressedTelemetry is the health breadcrumb sent instead of an
// escalation when remediation memory vetoes a signal.
func (p *Pipeline) suppressedTelemetry(sig signal.Signal, sg signature.Signature, reason string) protocol.Frame {
	return protocol.New(protocol.TypeTelemetry, p.cfg.DeviceID, map[string]any{
		"kind":         "suppressed_signal",
		"signature_id": sg.ID,
		"signal_key":   sig.Key(),
		"resource":     sig.ResourceID(),
		"severity":     string(sig.Severity),
		"message":      sig.Message,
		"reason":       reason,
	})
}

// paramsFor maps a signal onto the template parameters the builtin
// runbooks expect.
func paramsFor(sig signal.Signal) map[string]string {
	params := map[string]string{}
	if sig.Target != "" {
		params["target"] = sig.Target
	}
	switch sig.Category {
	case signal.CategoryService:
		params["service_name"] = sig.Target
	case signal.CategoryProcess:
		params["process_name"] = sig.Target
	case signal.CategoryDisk:
		params["drive"] = sig.Target
	case signal.CategoryMetric:
		params["metric"] = sig.Metric
	case signal.CategoryFlap:
		// Flap targets carry the original resource ID.
		if name, ok := strings.CutPrefix(sig.Target, "service:"); ok {
			params["service_name"] = name
		}
	}
	return params
}
