package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/diag"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// dispatch routes one server frame. The transport already consumed
// connection-level traffic (pong, key rotation) and dropped frames that
// failed HMAC verification, so everything arriving here is addressed to
// the decision domain.
func (p *Pipeline) dispatch(ctx context.Context, f protocol.Frame) {
	data := f.Data()
	switch f.Type() {
	case protocol.TypeDecision:
		p.handleDecision(data)
	case protocol.TypePlaybook, protocol.TypeExecutePlaybook:
		p.handleServerPlaybook(data)
	case protocol.TypeDiagnosticRequest, protocol.TypeForceDiagnostic:
		p.handleDiagnosticRequest(ctx, data)
	case protocol.TypeDiagnosticComplete:
		p.log.Info().Str("request_id", protocol.Str(data, "request_id")).Msg("server-side diagnostic complete")
	case protocol.TypeAddToIgnoreList:
		p.applyIgnore(data)
	case protocol.TypeReinvestigationResponse:
		p.handleReinvestigation(ctx, data)
	case protocol.TypeExecutePendingAction:
		p.handleExecutePending(data)
	case protocol.TypeCancelPendingAction:
		p.handleCancelPending(data)
	case protocol.TypeMaintenanceWindow:
		p.handleMaintenanceWindow(data)
	case protocol.TypeCancelMaintenanceWindow:
		p.handleCancelWindow(data)
	case protocol.TypeUserPrompt:
		p.handleUserPrompt(data)
	case protocol.TypeServiceAlert:
		p.handleServiceAlert(ctx, data)
	case protocol.TypeServiceAlertResolved:
		p.handleServiceAlertResolved(data)
	case protocol.TypeTicketCreated:
		p.log.Info().
			Str("server_ticket_id", protocol.Str(data, "ticket_id")).
			Str("signature_id", protocol.Str(data, "signature_id")).
			Msg("server opened ticket")
	case protocol.TypeAdvisory:
		p.log.Info().Str("message", protocol.Str(data, "message")).Msg("server advisory")
	case protocol.TypeAck:
		p.log.Debug().Str("ref", protocol.Str(data, "ref")).Msg("server ack")
	case protocol.TypeWelcome:
		p.handleWelcome(data)
	case protocol.TypeConfigUpdate:
		p.handleConfigUpdate(data)
	case protocol.TypeUpdateAvailable:
		p.log.Info().Str("version", protocol.Str(data, "version")).Msg("agent update available")
	case protocol.TypeSessionExpired, protocol.TypeAuthFailed, protocol.TypeBillingExpired:
		p.log.Warn().Str("type", f.Type()).Msg("session invalidated by server")
	default:
		p.log.Debug().Str("type", f.Type()).Msg("frame not handled by pipeline")
	}
}

// handleDecision applies one server reply to an escalation. execute_A
// runs now, execute_B parks for approval, ignore updates the exclusion
// lists, and the advisory kinds are recorded without execution.
func (p *Pipeline) handleDecision(data map[string]any) {
	decisionType := protocol.Str(data, "decision_type")
	sigID := protocol.Str(data, "signature_id")
	log := p.log.With().Str("decision_type", decisionType).Str("signature_id", sigID).Logger()

	switch decisionType {
	case "execute_A":
		rb, embedded := p.resolveServerRunbook(data, sigID)
		if rb == nil {
			log.Warn().Msg("decision names no resolvable playbook")
			p.ack("decision", sigID, false, map[string]any{"error": "no resolvable playbook"})
			break
		}
		// Runbooks resolved from local stores count as verified content;
		// one embedded in the decision does not, because decisions ride
		// outside the HMAC envelope.
		p.queueServerTask(rb, sigID, data, !embedded)

	case "execute_B":
		rb, _ := p.resolveServerRunbook(data, sigID)
		sg := signature.Signature{ID: sigID}
		var srcKey, srcResource string
		if ectx, ok := p.recent[sigID]; ok {
			sg = ectx.sig
			srcKey, srcResource = ectx.src.Key(), ectx.src.ResourceID()
		}
		act := p.deps.Pending.AwaitReview(sg, rb, decisionMessage(data))
		if srcKey != "" {
			p.deps.Pending.Annotate(sigID, srcKey, srcResource)
		}
		log.Info().Str("ticket_id", act.TicketID).Msg("action parked pending approval")

	case "request_approval", "advisory_only", "block":
		log.Info().
			Str("justification", strings.Join(protocol.StrList(data, "justification_codes"), ",")).
			Msg("decision recorded, no execution")

	case "ignore":
		p.applyIgnore(data)

	default:
		log.Warn().Msg("unknown decision type")
	}

	if _, ok := data["cooldown_override"]; ok && sigID != "" {
		secs := protocol.Float(data, "cooldown_override", 0)
		p.deps.Escalator.OverrideCooldown(sigID, time.Duration(secs*float64(time.Second)))
	}
}

// decisionMessage is the operator-facing explanation carried in a
// decision frame, falling back to the justification codes.
func decisionMessage(data map[string]any) string {
	if msg := protocol.Str(data, "message"); msg != "" {
		return msg
	}
	return strings.Join(protocol.StrList(data, "justification_codes"), ", ")
}

// handleServerPlaybook queues a playbook pushed by the server. These
// frames are HMAC-verified at the transport when signing is on.
func (p *Pipeline) handleServerPlaybook(data map[string]any) {
	sigID := protocol.Str(data, "signature_id")
	rb, _ := p.resolveServerRunbook(data, sigID)
	if rb == nil {
		p.log.Warn().Str("signature_id", sigID).Msg("server playbook not resolvable")
		p.ack("execute_playbook", sigID, false, map[string]any{"error": "no resolvable playbook"})
		return
	}
	p.queueServerTask(rb, sigID, data, true)
}

// queueServerTask opens the audit ticket and submits a server-directed
// task at server priority.
func (p *Pipeline) queueServerTask(rb *runbook.Runbook, sigID string, data map[string]any, verified bool) {
	tk := p.deps.Tickets.Open(sigID, rb.ID, "server-directed remediation")
	task := playbook.NewTask(rb, playbook.SourceServer, playbook.PriorityHigh)
	task.SignatureID = sigID
	task.TicketID = tk.ID
	task.Verified = verified
	task.Confidence = protocol.Int(data, "confidence_server", 90)
	task.DryRun = protocol.Bool(data, "dry_run", false)

	for k, v := range protocol.Map(data, "parameters") {
		task.Params[k] = fmt.Sprintf("%v", v)
	}
	if ectx, ok := p.recent[sigID]; ok {
		task.SignalKey = ectx.src.Key()
		task.Resource = ectx.src.ResourceID()
		for k, v := range paramsFor(ectx.src) {
			if _, exists := task.Params[k]; !exists {
				task.Params[k] = v
			}
		}
	}

	if err := p.deps.Queue.Submit(task); err != nil {
		p.log.Warn().Err(err).Str("playbook", rb.ID).Msg("server task rejected")
		_ = p.deps.Tickets.SetStatus(tk.ID, ticket.StatusFailed, map[string]any{"error": err.Error()})
		p.ack("execute_playbook", sigID, false, map[string]any{"error": err.Error()})
		return
	}
	p.log.Info().Str("playbook", rb.ID).Str("signature_id", sigID).Msg("server task queued")
}

// resolveServerRunbook finds the runbook a server message refers to, in
// order: embedded definition, recommended id in the local library, the
// server cache for this signature, and finally the runbook matched at
// escalation time. embedded reports whether the definition travelled in
// the message itself.
func (p *Pipeline) resolveServerRunbook(data map[string]any, signatureID string) (rb *runbook.Runbook, embedded bool) {
	if raw := protocol.Map(data, "playbook"); len(raw) > 0 {
		parsed, err := parseRunbook(raw)
		if err == nil {
			return parsed, true
		}
		p.log.Warn().Err(err).Msg("embedded playbook rejected")
	}
	if id := protocol.Str(data, "recommended_playbook_id"); id != "" {
		if found, ok := p.deps.Library.Get(id); ok {
			return &found, false
		}
	}
	if found, ok := p.deps.ServerCache.Get(signatureID); ok {
		return &found, false
	}
	if ectx, ok := p.recent[signatureID]; ok && ectx.matched != nil {
		return ectx.matched, false
	}
	return nil, false
}

// parseRunbook decodes an embedded runbook definition. The risk class
// is always re-derived locally; a server may tighten it but whatever it
// declares never loosens what the steps imply.
func parseRunbook(raw map[string]any) (*runbook.Runbook, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode embedded playbook: %w", err)
	}
	var rb runbook.Runbook
	if err := json.Unmarshal(buf, &rb); err != nil {
		return nil, fmt.Errorf("decode embedded playbook: %w", err)
	}
	rb.Source = "server"
	rb.RiskClass = runbook.Classify(&rb)
	if err := rb.Validate(); err != nil {
		return nil, err
	}
	return &rb, nil
}

// handleDiagnosticRequest collects the requested categories and replies
// on the same request id. Collection runs probe-parallel inside the
// collector and is bounded by its own timeouts.
func (p *Pipeline) handleDiagnosticRequest(ctx context.Context, data map[string]any) {
	if p.deps.Diagnostics == nil {
		return
	}
	categories := protocol.StrList(data, "categories")
	if len(categories) == 0 {
		if c := protocol.Str(data, "category"); c != "" {
			categories = []string{c}
		} else {
			categories = diag.Categories()
		}
	}
	bundle := p.deps.Diagnostics.Collect(ctx, categories...)
	durMS, _ := bundle["collected_in_ms"].(int64)
	delete(bundle, "collected_in_ms")

	p.send(protocol.New(protocol.TypeDiagnosticResult, p.cfg.DeviceID, map[string]any{
		"request_id":  protocol.Str(data, "request_id"),
		"categories":  categories,
		"data":        p.scrub.ScrubMap(bundle),
		"duration_ms": durMS,
	}))
}

// handleReinvestigation applies the server's verdict after the agent
// reported a cached runbook was reaching its execution threshold.
func (p *Pipeline) handleReinvestigation(ctx context.Context, data map[string]any) {
	action := protocol.Str(data, "action")
	sigID := protocol.Str(data, "signature_id")

	switch action {
	case "replace_playbook":
		raw := protocol.Map(data, "playbook")
		rb, err := parseRunbook(raw)
		if err != nil {
			p.log.Warn().Err(err).Str("signature_id", sigID).Msg("replacement playbook rejected")
			return
		}
		p.deps.ServerCache.Put(sigID, *rb)
		p.deps.Escalator.ClearCooldown(sigID)
		p.log.Info().Str("signature_id", sigID).Str("playbook", rb.ID).Msg("cached playbook replaced")

	case "resolved":
		p.deps.ServerCache.Remove(sigID)
		closed := p.deps.Tickets.CloseBySignature(sigID, "resolved after reinvestigation")
		p.deps.Escalator.ClearCooldown(sigID)
		p.log.Info().Str("signature_id", sigID).Int("tickets_closed", closed).Msg("condition resolved by server")

	case "run_diagnostic":
		p.handleDiagnosticRequest(ctx, data)

	case "add_to_ignore_list":
		p.applyIgnore(data)

	default:
		p.log.Warn().Str("action", action).Msg("unknown reinvestigation action")
	}
}

// handleExecutePending releases a parked action. The approval consumes
// the pending entry; a second execute for the same signature fails.
func (p *Pipeline) handleExecutePending(data map[string]any) {
	sigID := protocol.Str(data, "signature_id")
	act, err := p.deps.Pending.Approve(sigID)
	if err != nil {
		p.log.Warn().Err(err).Str("signature_id", sigID).Msg("approval for unknown pending action")
		p.ack("execute_pending_action", sigID, false, map[string]any{"error": err.Error()})
		return
	}

	rb := act.MatchedRunbook
	if rb == nil {
		rb, _ = p.resolveServerRunbook(data, sigID)
	}
	if rb == nil {
		p.log.Warn().Str("signature_id", sigID).Msg("approved action has no playbook")
		_ = p.deps.Tickets.SetStatus(act.TicketID, ticket.StatusFailed, map[string]any{"error": "no playbook attached"})
		p.ack("execute_pending_action", sigID, false, map[string]any{"error": "no playbook attached"})
		return
	}

	task := playbook.NewTask(rb, playbook.SourceServer, playbook.PriorityHigh)
	task.SignatureID = sigID
	task.TicketID = act.TicketID
	task.Verified = true
	task.SignalKey = act.SignalKey
	task.Resource = act.Resource
	task.Params = paramsForResource(act.Resource)
	for k, v := range protocol.Map(data, "parameters") {
		task.Params[k] = fmt.Sprintf("%v", v)
	}
	if task.SignalKey == "" {
		if ectx, ok := p.recent[sigID]; ok {
			task.SignalKey = ectx.src.Key()
			task.Resource = ectx.src.ResourceID()
			for k, v := range paramsFor(ectx.src) {
				if _, exists := task.Params[k]; !exists {
					task.Params[k] = v
				}
			}
		}
	}

	if err := p.deps.Queue.Submit(task); err != nil {
		p.log.Warn().Err(err).Str("signature_id", sigID).Msg("approved task rejected")
		_ = p.deps.Tickets.SetStatus(act.TicketID, ticket.StatusFailed, map[string]any{"error": err.Error()})
		p.ack("execute_pending_action", sigID, false, map[string]any{"error": err.Error()})
		return
	}
	p.ack("execute_pending_action", sigID, true, nil)
}

func (p *Pipeline) handleCancelPending(data map[string]any) {
	sigID := protocol.Str(data, "signature_id")
	reason := protocol.StrOr(data, "reason", "cancelled by server")
	if err := p.deps.Pending.Cancel(sigID, reason); err != nil {
		p.ack("cancel_pending_action", sigID, false, map[string]any{"error": err.Error()})
		return
	}
	p.ack("cancel_pending_action", sigID, true, nil)
}

// handleMaintenanceWindow registers a server-initiated window. End may
// arrive as RFC3339 or as duration_minutes from start.
func (p *Pipeline) handleMaintenanceWindow(data map[string]any) {
	w := maintenance.Window{
		ID:                  protocol.Str(data, "id"),
		Reason:              protocol.Str(data, "reason"),
		CreatedBy:           "server",
		SuppressEscalation:  protocol.Bool(data, "suppress_escalation", false),
		SuppressRemediation: protocol.Bool(data, "suppress_remediation", false),
	}
	if protocol.Bool(data, "all", false) || protocol.Str(data, "scope") == "all" {
		w.Scope.All = true
	} else {
		w.Scope.Services = protocol.StrList(data, "services")
		w.Scope.SignalIDs = protocol.StrList(data, "signal_ids")
		if len(w.Scope.Services) == 0 && len(w.Scope.SignalIDs) == 0 {
			w.Scope.All = true
		}
	}
	if raw := protocol.Str(data, "start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			w.Start = t
		}
	}
	if raw := protocol.Str(data, "end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			w.End = t
		}
	}
	if w.End.IsZero() {
		if mins := protocol.Int(data, "duration_minutes", 0); mins > 0 {
			start := w.Start
			if start.IsZero() {
				start = p.now()
			}
			w.End = start.Add(time.Duration(mins) * time.Minute)
		}
	}

	added, err := p.deps.Windows.Add(w)
	if err != nil {
		p.ack("maintenance_window", "", false, map[string]any{"error": err.Error()})
		return
	}
	p.ack("maintenance_window", "", true, map[string]any{"window_id": added.ID})
}

func (p *Pipeline) handleCancelWindow(data map[string]any) {
	id := protocol.StrOr(data, "window_id", protocol.Str(data, "id"))
	ok := p.deps.Windows.Cancel(id)
	detail := map[string]any{"window_id": id}
	if !ok {
		detail["error"] = "no such window"
	}
	p.ack("cancel_maintenance_window", "", ok, detail)
}

// handleUserPrompt delivers an end-user answer relayed by the server to
// the playbook step waiting on it.
func (p *Pipeline) handleUserPrompt(data map[string]any) {
	promptID := protocol.Str(data, "prompt_id")
	response := protocol.Str(data, "response")
	if promptID == "" || response == "" || p.deps.Prompter == nil {
		p.log.Debug().Str("prompt_id", promptID).Msg("user prompt frame without deliverable answer")
		return
	}
	if p.deps.Prompter.Answer(promptID, response) {
		p.send(protocol.New(protocol.TypeUserPromptResponse, p.cfg.DeviceID, map[string]any{
			"prompt_id": promptID,
			"delivered": true,
		}))
		return
	}
	p.log.Warn().Str("prompt_id", promptID).Msg("answer for prompt no longer waiting")
}

// handleServiceAlert turns a server-observed service condition into a
// local signal and runs it through the full pipeline, gates included.
func (p *Pipeline) handleServiceAlert(ctx context.Context, data map[string]any) {
	name := protocol.StrOr(data, "service_name", protocol.Str(data, "target"))
	if name == "" {
		p.log.Warn().Msg("service alert without a service name")
		return
	}
	sev := signal.Severity(protocol.StrOr(data, "severity", string(signal.SeverityWarning)))
	msg := protocol.StrOr(data, "message", "service alert from server")
	sig := signal.NewSystemSignal(signal.CategoryService, "service_status", name, sev, 0, 0, msg).
		WithAttribute("state", protocol.StrOr(data, "state", "stopped")).
		WithAttribute("origin", "server")
	p.process(ctx, sig)
}

func (p *Pipeline) handleServiceAlertResolved(data map[string]any) {
	sigID := protocol.Str(data, "signature_id")
	if sigID != "" {
		closed := p.deps.Tickets.CloseBySignature(sigID, "resolved by server")
		p.deps.Escalator.ClearCooldown(sigID)
		p.log.Info().Str("signature_id", sigID).Int("tickets_closed", closed).Msg("server resolved alert")
	}
	if name := protocol.Str(data, "service_name"); name != "" {
		p.deps.Tracker.Clear("service:" + name)
	}
}

// handleWelcome absorbs the session context: the transport already
// applied the heartbeat interval, the pipeline takes the dependency map.
func (p *Pipeline) handleWelcome(data map[string]any) {
	if deps := dependencyMap(data); deps != nil {
		p.deps.Tracker.SetDependencies(deps)
	}
	p.log.Info().
		Strs("features", protocol.StrList(data, "features")).
		Msg("session established")
}

func (p *Pipeline) handleConfigUpdate(data map[string]any) {
	if deps := dependencyMap(data); deps != nil {
		p.deps.Tracker.SetDependencies(deps)
		p.log.Info().Int("services", len(deps)).Msg("service dependency map updated")
	}
}

// dependencyMap parses {"service_dependencies": {svc: [deps...]}}.
func dependencyMap(data map[string]any) map[string][]string {
	raw := protocol.Map(data, "service_dependencies")
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string][]string, len(raw))
	for svc, v := range raw {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok {
				out[svc] = append(out[svc], s)
			}
		}
	}
	return out
}

// applyIgnore executes an ignore instruction: the signature joins the
// ignore set, its tickets close, and when the instruction or the
// remembered signal names a concrete resource, the categorical
// exclusion list gains it too. Safe to replay.
func (p *Pipeline) applyIgnore(data map[string]any) {
	sigID := protocol.Str(data, "signature_id")
	reason := protocol.StrOr(data, "reason", "ignored by server decision")

	closed := 0
	if sigID != "" {
		p.deps.Exclusions.Ignore(sigID)
		closed = p.deps.Tickets.CloseBySignature(sigID, reason)
		p.deps.Escalator.ClearCooldown(sigID)
	}

	category := protocol.StrOr(data, "ignore_category", exclusion.CategoryServices)
	target := protocol.Str(data, "ignore_target")
	if target == "" && sigID != "" {
		if ectx, ok := p.recent[sigID]; ok {
			switch ectx.src.Category {
			case signal.CategoryService:
				category, target = exclusion.CategoryServices, ectx.src.Target
			case signal.CategoryProcess:
				category, target = exclusion.CategoryProcesses, ectx.src.Target
			}
		}
	}
	if target != "" {
		added, err := p.deps.Exclusions.Add(category, target)
		if err != nil {
			p.log.Warn().Err(err).Str("target", target).Msg("exclusion rejected")
		} else if added {
			p.log.Info().Str("category", category).Str("target", target).Msg("resource excluded")
		}
	}

	p.ack("ignore", sigID, true, map[string]any{"tickets_closed": closed})
}

// ack reports the outcome of applying a server instruction.
func (p *Pipeline) ack(action, signatureID string, success bool, detail map[string]any) {
	data := map[string]any{
		"action":  action,
		"success": success,
	}
	if signatureID != "" {
		data["signature_id"] = signatureID
	}
	for k, v := range detail {
		data[k] = v
	}
	p.send(protocol.New(protocol.TypeActionResult, p.cfg.DeviceID, data))
}

// paramsForResource derives template parameters from a stored resource
// id like "service:Spooler" or "disk:C".
func paramsForResource(resource string) map[string]string {
	params := map[string]string{}
	category, target, ok := strings.Cut(resource, ":")
	if !ok || target == "" {
		return params
	}
	params["target"] = target
	switch category {
	case signal.CategoryService:
		params["service_name"] = target
	case signal.CategoryProcess:
		params["process_name"] = target
	case signal.CategoryDisk:
		params["drive"] = target
	}
	return params
}
