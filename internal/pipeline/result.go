package pipeline

import (
	"context"
	"strings"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/escalate"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/metrics"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

// settleResult reports a completed execution upstream and re-escalates
// failures. The executor already settled memory and the ticket, so the
// escalation payload built here sees the failed attempt in its
// recent-actions summary.
func (p *Pipeline) settleResult(ctx context.Context, res playbook.ExecResult) {
	outcome := "success"
	switch {
	case res.DryRun:
		outcome = "dry_run"
	case !res.Success:
		outcome = "failure"
	}
	metrics.PlaybookRuns.WithLabelValues(outcome).Inc()
	metrics.QueueDepth.Set(float64(p.deps.Queue.Depth()))

	p.send(resultFrame(p.cfg.DeviceID, res))

	if res.Success || res.DryRun {
		return
	}

	// A failed remediation goes back up under a fresh signature so the
	// cooldown on the original never swallows the failure report.
	task := res.Task
	ectx, ok := p.recent[task.SignatureID]
	src := ectx.src
	orig := ectx.sig
	if !ok {
		// Context gone, e.g. a parked action approved after a restart.
		src = failureSignal(task)
		orig = p.deps.Signatures.Generate(src)
	}
	failSig := p.deps.Signatures.ForFailure(orig, task.Runbook.ID, res.Error)
	p.remember(failSig, nil, src)
	p.escalateSignature(ctx, failSig, nil, src, escalate.OutcomeDiagnoseRootCause)
}

// resultFrame serializes one execution outcome for the control plane.
func resultFrame(deviceID string, res playbook.ExecResult) protocol.Frame {
	task := res.Task
	steps := make([]map[string]any, 0, len(res.Steps))
	for _, st := range res.Steps {
		entry := map[string]any{
			"phase":  st.Phase,
			"action": st.Action,
		}
		if st.Error != "" {
			entry["error"] = st.Error
		}
		if st.Ignored {
			entry["ignored"] = true
		}
		steps = append(steps, entry)
	}

	data := map[string]any{
		"task_id":      task.ID,
		"playbook_id":  task.Runbook.ID,
		"signature_id": task.SignatureID,
		"source":       task.Source.String(),
		"success":      res.Success,
		"duration_ms":  res.Duration.Milliseconds(),
		"rolled_back":  res.RolledBack,
		"dry_run":      res.DryRun,
		"steps":        steps,
	}
	if task.TicketID != "" {
		data["ticket_id"] = task.TicketID
	}
	if !res.Success {
		data["error"] = res.Error
		data["failed_step"] = res.FailedStep
	}
	return protocol.New(protocol.TypePlaybookResult, deviceID, data)
}

// failureSignal reconstructs an approximate source signal for a task
// whose originating context is no longer held in memory.
func failureSignal(task *playbook.Task) signal.Signal {
	category, metric, target := "", "status", ""
	if parts := strings.SplitN(task.SignalKey, "-", 3); len(parts) >= 2 && parts[0] != "" {
		category, metric = parts[0], parts[1]
		if len(parts) == 3 {
			target = parts[2]
		}
	} else if c, t, ok := strings.Cut(task.Resource, ":"); ok {
		category, target = c, t
	}
	if category == "" {
		category = signal.CategoryService
	}
	msg := "remediation failed"
	if task.Runbook != nil {
		msg = "remediation failed: " + task.Runbook.Name
	}
	return signal.NewSystemSignal(category, metric, target, signal.SeverityHigh, 0, 0, msg)
}
