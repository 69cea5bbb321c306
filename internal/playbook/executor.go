package playbook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// StepOutput records what one step did.
type StepOutput struct {
	Index   int    `json:"index"`
	Phase   string `json:"phase"` // step | verification | rollback
	Kind    string `json:"kind"`
	Action  string `json:"action"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Ignored bool   `json:"ignored,omitempty"`
}

// ExecResult is the outcome of one task execution.
type ExecResult struct {
	Task       *Task
	Success    bool
	Error      string
	FailedStep int
	Steps      []StepOutput
	RolledBack bool
	Duration   time.Duration
	DryRun     bool
}

func (q *Queue) execute(ctx context.Context, task *Task) {
	rb := task.Runbook
	dry := task.DryRun || q.cfg.DryRun
	started := time.Now()

	q.log.Info().
		Str("task_id", task.ID).
		Str("runbook", rb.ID).
		Str("source", task.Source.String()).
		Bool("dry_run", dry).
		Msg("executing playbook")

	if task.TicketID != "" && q.cfg.Tickets != nil {
		if err := q.cfg.Tickets.SetStatus(task.TicketID, ticket.StatusInProgress, nil); err != nil {
			q.log.Warn().Err(err).Str("ticket_id", task.TicketID).Msg("ticket update")
		}
	}

	res := ExecResult{Task: task, FailedStep: -1, DryRun: dry}
	runner := q.cfg.Runner
	if dry {
		runner = dryRunner{}
	}

	inferred := inferVerification(rb.Steps)
	for i, st := range rb.Steps {
		out := q.runStep(ctx, runner, task, st, dry)
		out.Index = i
		out.Phase = "step"
		if out.Error != "" && (st.AllowFailure || inferred[i]) {
			out.Ignored = true
		}
		res.Steps = append(res.Steps, out)

		if out.Error != "" && !out.Ignored {
			res.FailedStep = i
			res.Error = fmt.Sprintf("step %d (%s): %s", i, st.Action, out.Error)
			if st.RollbackOnFailure && len(rb.Rollback) > 0 {
				q.runRollback(ctx, runner, task, rb.Rollback, &res)
			}
			break
		}
	}

	if res.Error == "" {
		for i, st := range rb.Verification {
			out := q.runStep(ctx, runner, task, st, dry)
			out.Index = i
			out.Phase = "verification"
			res.Steps = append(res.Steps, out)
			if out.Error != "" {
				res.Error = fmt.Sprintf("verification failed: %s", out.Error)
				break
			}
		}
	}

	res.Success = res.Error == ""
	res.Duration = time.Since(started)
	q.settle(task, &res)
}

// settle updates memory, caches, and the ticket, then reports. The
// memory write happens before OnResult so any re-escalation payload
// built by the handler sees this attempt.
func (q *Queue) settle(task *Task, res *ExecResult) {
	rb := task.Runbook

	if res.DryRun {
		q.log.Info().Str("runbook", rb.ID).Bool("success", res.Success).Msg("dry-run complete")
		if task.TicketID != "" && q.cfg.Tickets != nil {
			_ = q.cfg.Tickets.SetStatus(task.TicketID, ticket.StatusResolved, map[string]any{"dry_run": true})
		}
		if q.cfg.OnResult != nil {
			q.cfg.OnResult(*res)
		}
		return
	}

	if q.cfg.Memory != nil && task.SignalKey != "" {
		result := memory.ResultSuccess
		if !res.Success {
			result = memory.ResultFailure
		}
		q.cfg.Memory.RecordAttempt(rb.ID, task.SignalKey, q.cfg.DeviceID, task.Resource, result, res.Duration, res.Error)
	}

	meta := map[string]any{
		"duration_ms": res.Duration.Milliseconds(),
		"steps_run":   len(res.Steps),
	}
	if res.Success {
		if task.Source == SourceServer && q.cfg.Cache != nil && task.SignatureID != "" {
			if !task.FromCache {
				q.cfg.Cache.Put(task.SignatureID, *rb)
			}
			if _, reinvestigate := q.cfg.Cache.RecordExecution(task.SignatureID); reinvestigate && q.cfg.OnReinvestigate != nil {
				q.cfg.OnReinvestigate(task.SignatureID, rb)
			}
		}
		if task.TicketID != "" && q.cfg.Tickets != nil {
			_ = q.cfg.Tickets.SetStatus(task.TicketID, ticket.StatusResolved, meta)
		}
		q.log.Info().
			Str("runbook", rb.ID).
			Dur("duration", res.Duration).
			Msg("playbook succeeded")
	} else {
		meta["error"] = res.Error
		meta["failed_step"] = res.FailedStep
		meta["rolled_back"] = res.RolledBack
		if task.TicketID != "" && q.cfg.Tickets != nil {
			_ = q.cfg.Tickets.SetStatus(task.TicketID, ticket.StatusFailed, meta)
		}
		q.log.Warn().
			Str("runbook", rb.ID).
			Str("error", res.Error).
			Bool("rolled_back", res.RolledBack).
			Msg("playbook failed")
	}

	if q.cfg.OnResult != nil {
		q.cfg.OnResult(*res)
	}
}

func (q *Queue) runRollback(ctx context.Context, runner StepRunner, task *Task, steps []runbook.Step, res *ExecResult) {
	q.log.Info().Str("runbook", task.Runbook.ID).Int("steps", len(steps)).Msg("rolling back")
	res.RolledBack = true
	for i, st := range steps {
		out := q.runStep(ctx, runner, task, st, res.DryRun)
		out.Index = i
		out.Phase = "rollback"
		out.Ignored = out.Error != ""
		res.Steps = append(res.Steps, out)
		if out.Error != "" {
			q.log.Warn().Str("action", st.Action).Str("error", out.Error).Msg("rollback step failed")
		}
	}
}

// runStep resolves placeholders, applies the safety rails for the step
// kind, and dispatches to the runner.
func (q *Queue) runStep(parent context.Context, runner StepRunner, task *Task, st runbook.Step, dry bool) StepOutput {
	out := StepOutput{Kind: string(st.Kind), Action: st.Action}

	timeout := q.cfg.StepTimeout
	if st.TimeoutSeconds > 0 {
		timeout = time.Duration(st.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	action, err := resolvePlaceholders(st.Action, task.Params, st.Kind == runbook.StepShell)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	params, err := resolveParams(st.Params, task.Params)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	var output string
	switch st.Kind {
	case runbook.StepShell:
		canonical, cerr := canonicalShell(action)
		if cerr == nil {
			cerr = checkShellProtected(canonical)
		}
		if cerr != nil {
			err = cerr
			break
		}
		output, err = runner.RunShell(ctx, canonical)

	case runbook.StepServiceControl:
		svc := firstNonEmpty(params["service_name"], params["service"], params["name"], params["target"])
		if svc == "" {
			err = fmt.Errorf("service-control step has no service name")
			break
		}
		if err = checkProtected(st.Kind, action, svc); err != nil {
			break
		}
		output, err = runner.ControlService(ctx, action, svc)

	case runbook.StepFileOp:
		output, err = runner.FileOp(ctx, action, params)

	case runbook.StepRegistryOp:
		output, err = runner.RegistryOp(ctx, action, params)

	case runbook.StepQuery:
		output, err = runner.Query(ctx, action, params)

	case runbook.StepReboot:
		delay := 0
		if raw, ok := params["delay_seconds"]; ok {
			delay, err = boundedInt(raw, 0, 3600, "reboot delay")
			if err != nil {
				break
			}
		}
		err = runner.Reboot(ctx, delay, params["reason"])
		output = fmt.Sprintf("reboot scheduled in %ds", delay)

	case runbook.StepUserPrompt:
		if dry {
			output = "dry-run: prompt skipped"
			break
		}
		if q.cfg.Prompter == nil {
			err = fmt.Errorf("no prompt surface configured")
			break
		}
		msg := firstNonEmpty(params["message"], action)
		var answer string
		answer, err = q.cfg.Prompter.Ask(ctx, task.ID, msg, splitOptions(params["options"]))
		output = "user answered: " + answer

	case runbook.StepSleep:
		secs := 1
		if raw, ok := params["seconds"]; ok {
			secs, err = boundedInt(raw, 0, 3600, "sleep seconds")
			if err != nil {
				break
			}
		}
		if dry {
			output = fmt.Sprintf("dry-run: would sleep %ds", secs)
			break
		}
		select {
		case <-time.After(time.Duration(secs) * time.Second):
			output = fmt.Sprintf("slept %ds", secs)
		case <-ctx.Done():
			err = ctx.Err()
		}

	default:
		err = fmt.Errorf("unknown step kind %q", st.Kind)
	}

	out.Output = output
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// resolvePlaceholders substitutes {{key}} markers from the task's
// parameter map. Values substituted into shell text are quoted.
func resolvePlaceholders(s string, params map[string]string, shellContext bool) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := params[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		if shellContext {
			return quoteArg(v)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func resolveParams(raw map[string]any, params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s := fmt.Sprintf("%v", v)
		resolved, err := resolvePlaceholders(s, params, false)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// inferVerification marks query steps that follow a mutation of the
// same target; their failure never fails the playbook.
func inferVerification(steps []runbook.Step) []bool {
	out := make([]bool, len(steps))
	for i, st := range steps {
		if st.Kind != runbook.StepQuery || i == 0 {
			continue
		}
		target := stepTarget(st)
		if target == "" {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if !mutatingKind(steps[j].Kind) {
				continue
			}
			if strings.EqualFold(stepTarget(steps[j]), target) {
				out[i] = true
				break
			}
		}
	}
	return out
}

func mutatingKind(k runbook.StepKind) bool {
	switch k {
	case runbook.StepShell, runbook.StepServiceControl, runbook.StepFileOp,
		runbook.StepRegistryOp, runbook.StepReboot:
		return true
	}
	return false
}

// stepTarget pulls the resource a step acts on from its params.
func stepTarget(st runbook.Step) string {
	for _, key := range []string{"service_name", "service", "name", "path", "target", "key"} {
		if v, ok := st.Params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitOptions(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
