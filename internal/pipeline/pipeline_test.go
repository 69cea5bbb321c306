package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/baseline"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/diag"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/escalate"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pending"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/track"
)

// testClock is shared by the tracker, escalator, windows and pipeline so
// a single Advance moves every gate together.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	frames    []protocol.Frame
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSender) Frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

func (s *fakeSender) framesOf(msgType string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.frames {
		if f.Type() == msgType {
			out = append(out, f)
		}
	}
	return out
}

type fakeSpool struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *fakeSpool) Enqueue(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSpool) Frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

// scriptedRunner records every OS-touching call instead of performing it.
type scriptedRunner struct {
	mu          sync.Mutex
	shell       []string
	controls    []string
	fileOps     []string
	queries     []string
	failControl bool
}

func (r *scriptedRunner) RunShell(_ context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shell = append(r.shell, command)
	return "ok", nil
}

func (r *scriptedRunner) ControlService(_ context.Context, action, service string) (string, error) {
	r.mu.Lock()
	r.controls = append(r.controls, action+" "+service)
	fail := r.failControl
	r.mu.Unlock()
	if fail {
		return "", errors.New("service control refused")
	}
	return "done", nil
}

func (r *scriptedRunner) FileOp(_ context.Context, action string, params map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileOps = append(r.fileOps, fmt.Sprintf("%s %s", action, params["path"]))
	return "done", nil
}

func (r *scriptedRunner) RegistryOp(_ context.Context, action string, params map[string]string) (string, error) {
	return "done", nil
}

func (r *scriptedRunner) Query(_ context.Context, action string, params map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, fmt.Sprintf("%s %v", action, params))
	return "Running", nil
}

func (r *scriptedRunner) Reboot(_ context.Context, delaySeconds int, reason string) error {
	return nil
}

func (r *scriptedRunner) Shell() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shell...)
}

func (r *scriptedRunner) Controls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.controls...)
}

func (r *scriptedRunner) FileOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fileOps...)
}

func (r *scriptedRunner) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

// serviceSignal is a service-status observation the builtin start runbook
// can remediate.
func serviceSignal(name, state string, sev signal.Severity) signal.Signal {
	return signal.NewSystemSignal(signal.CategoryService, "service_status", name, sev, 0, 0, name+" "+state).
		WithAttribute("state", state)
}

// availabilitySignal uses a metric no builtin matches, so the only exit
// is an escalation.
func availabilitySignal(name, state string, sev signal.Severity) signal.Signal {
	return signal.NewSystemSignal(signal.CategoryService, "availability", name, sev, 0, 0, name+" "+state).
		WithAttribute("state", state)
}

func diskSignal(drive string, freePct float64, sev signal.Severity) signal.Signal {
	msg := fmt.Sprintf("drive %s at %.0f%% free", drive, freePct)
	return signal.NewSystemSignal(signal.CategoryDisk, "free_percent", drive, sev, freePct, 10, msg)
}

type testHarness struct {
	clock   *testClock
	sender  *fakeSender
	spool   *fakeSpool
	runner  *scriptedRunner
	inbound chan protocol.Frame
	results chan playbook.ExecResult
	prompts chan playbook.Prompt
	hmacOn  bool

	tracker  *track.Tracker
	profiler *baseline.Profiler
	windows  *maintenance.Gate
	library  *runbook.Library
	cache    *runbook.ServerCache
	mem      *memory.Store
	tickets  *ticket.Store
	pend     *pending.Store
	excl     *exclusion.Lists
	esc      *escalate.Escalator
	queue    *playbook.Queue

	p *Pipeline
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	h := &testHarness{
		clock:   newTestClock(),
		sender:  &fakeSender{connected: true},
		spool:   &fakeSpool{},
		runner:  &scriptedRunner{},
		inbound: make(chan protocol.Frame, 8),
		results: make(chan playbook.ExecResult, 8),
		prompts: make(chan playbook.Prompt, 4),
	}

	h.tracker = track.New(track.Config{
		FlapTransitions: 5,
		FlapWindow:      10 * time.Minute,
		FlapQuiet:       20 * time.Minute,
		TTL:             time.Hour,
		EscalateAfter:   30 * time.Minute,
		Now:             h.clock.Now,
	})
	h.profiler = baseline.New(2, 3, 10)
	h.windows = maintenance.NewGate(filepath.Join(dir, "windows.json"), h.clock.Now, nil)
	h.library = runbook.NewLibrary("")
	h.cache = runbook.NewServerCache(filepath.Join(dir, "server_cache.json"))
	h.mem = memory.NewStore(filepath.Join(dir, "memory.json"))
	h.tickets = ticket.NewStore(filepath.Join(dir, "tickets.json"))
	h.pend = pending.NewStore(filepath.Join(dir, "pending.json"), h.tickets)
	h.excl = exclusion.NewLists(filepath.Join(dir, "exclusions.json"), filepath.Join(dir, "ignore.json"))

	h.esc = escalate.New(escalate.Config{TenantID: "tn-1", DeviceID: "dev-1"}, h.sender, escalate.Deps{
		Exclusions: h.excl,
		Pending:    h.pend,
		Tickets:    h.tickets,
		Memory:     h.mem,
		Spool:      h.spool,
	})
	h.esc.SetClock(h.clock.Now)
	t.Cleanup(h.esc.Stop)

	prompter := playbook.NewPrompter(func(pr playbook.Prompt) { h.prompts <- pr })

	h.queue = playbook.New(playbook.Config{
		DeviceID:    "dev-1",
		Capacity:    10,
		HMACEnabled: func() bool { return h.hmacOn },
		Memory:      h.mem,
		Tickets:     h.tickets,
		Cache:       h.cache,
		Runner:      h.runner,
		Prompter:    prompter,
		OnResult: func(res playbook.ExecResult) {
			h.p.HandleResult(res)
			h.results <- res
		},
	})

	h.p = New(Config{
		TenantID:        "tn-1",
		DeviceID:        "dev-1",
		SustainedBreach: 3,
		FlapWindow:      10 * time.Minute,
		Now:             h.clock.Now,
	}, Deps{
		Tracker:     h.tracker,
		Profiler:    h.profiler,
		Windows:     h.windows,
		Signatures:  signature.NewGenerator("tn-1", "dev-1", map[string]string{"site": "hq"}),
		Library:     h.library,
		ServerCache: h.cache,
		Memory:      h.mem,
		Pending:     h.pend,
		Tickets:     h.tickets,
		Exclusions:  h.excl,
		Escalator:   h.esc,
		Queue:       h.queue,
		Diagnostics: diag.NewCollector(func(ctx context.Context, script string) (string, error) { return "probe output", nil }),
		Prompter:    prompter,
		Sender:      h.sender,
		Spool:       h.spool,
	}, h.inbound)
	return h
}

// runQueue starts the executor for tests that expect tasks to run.
func (h *testHarness) runQueue(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *testHarness) waitResult(t *testing.T) playbook.ExecResult {
	t.Helper()
	select {
	case res := <-h.results:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no playbook result within 3s")
		return playbook.ExecResult{}
	}
}

func TestStoppedServiceAutoRemediates(t *testing.T) {
	h := newHarness(t)
	h.runQueue(t)
	ctx := context.Background()

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	res := h.waitResult(t)
	require.True(t, res.Success)
	assert.Equal(t, "service_start_generic", res.Task.Runbook.ID)
	assert.Equal(t, playbook.SourceLocal, res.Task.Source)
	assert.Equal(t, []string{"start W32Time"}, h.runner.Controls())

	tk, ok := h.tickets.Get(res.Task.TicketID)
	require.True(t, ok)
	assert.Equal(t, ticket.StatusResolved, tk.Status)

	pb, found := h.mem.FindCachedSolution("service-service_status-W32Time", "dev-1")
	require.True(t, found)
	assert.Equal(t, "service_start_generic", pb)

	assert.Empty(t, h.sender.framesOf(protocol.TypeEscalation), "a local fix does not escalate")

	h.p.settleResult(ctx, res)
	frames := h.sender.framesOf(protocol.TypePlaybookResult)
	require.Len(t, frames, 1)
	data := frames[0].Data()
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "service_start_generic", data["playbook_id"])
	assert.Equal(t, res.Task.TicketID, data["ticket_id"])
}

func TestDuplicateObservationSuppressed(t *testing.T) {
	h := newHarness(t)
	h.runQueue(t)
	ctx := context.Background()

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))
	res := h.waitResult(t)
	require.True(t, res.Success)

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	assert.Len(t, h.runner.Controls(), 1, "second sighting runs nothing")
	assert.Equal(t, 0, h.queue.Depth())
	_, total := h.tickets.Counts()
	assert.Equal(t, 1, total)
}

func TestRemediationFailureEscalatesFreshSignature(t *testing.T) {
	h := newHarness(t)
	h.runner.failControl = true
	h.runQueue(t)
	ctx := context.Background()

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	res := h.waitResult(t)
	require.False(t, res.Success)
	assert.Equal(t, 0, res.FailedStep)
	require.NotEmpty(t, res.Error)

	tk, ok := h.tickets.Get(res.Task.TicketID)
	require.True(t, ok)
	assert.Equal(t, ticket.StatusFailed, tk.Status)

	h.p.settleResult(ctx, res)

	results := h.sender.framesOf(protocol.TypePlaybookResult)
	require.Len(t, results, 1)
	rd := results[0].Data()
	assert.Equal(t, false, rd["success"])
	assert.Equal(t, 0, rd["failed_step"])

	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1)
	ed := escs[0].Data()
	assert.NotEqual(t, res.Task.SignatureID, ed["signature_id"], "failure gets its own signature")
	assert.Equal(t, signal.SeverityHigh, ed["severity"])
	assert.Equal(t, escalate.OutcomeDiagnoseRootCause, ed["requested_outcome"])
	assert.LessOrEqual(t, ed["local_confidence"].(int), 60)

	recent := ed["recent_actions_summary"].([]any)
	require.NotEmpty(t, recent)
	first := recent[0].(map[string]any)
	assert.Equal(t, "service_start_generic", first["playbook_id"])
	assert.Equal(t, "failure", first["result"])
}

func TestMemoryDampeningVetoesExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.mem.RecordAttempt("service_start_generic", "service-service_status-W32Time", "dev-1", "",
			memory.ResultFailure, time.Second, "start timed out")
	}

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	assert.Empty(t, h.runner.Controls())
	assert.Equal(t, 0, h.queue.Depth())
	assert.Empty(t, h.sender.framesOf(protocol.TypeEscalation))
	_, total := h.tickets.Counts()
	assert.Equal(t, 0, total)

	frames := h.sender.framesOf(protocol.TypeTelemetry)
	require.Len(t, frames, 1)
	data := frames[0].Data()
	assert.Equal(t, "suppressed_signal", data["kind"])
	assert.Equal(t, "Signal dampened", data["reason"])
	assert.Equal(t, "service-service_status-W32Time", data["signal_key"])
}

func TestClassBParksUntilApproved(t *testing.T) {
	h := newHarness(t)
	h.runQueue(t)
	ctx := context.Background()

	h.p.process(ctx, diskSignal("C", 2, signal.SeverityCritical))

	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1)
	ed := escs[0].Data()
	assert.Equal(t, escalate.OutcomeRecommendPlaybook, ed["requested_outcome"])
	assert.Equal(t, "disk_cleanup_windows_update", ed["matched_runbook_id"])
	assert.Equal(t, "B", ed["matched_runbook_risk_class"])
	flags := ed["baseline_deviation_flags"].(map[string]any)
	assert.Equal(t, true, flags["disk"])
	sigID := ed["signature_id"].(string)
	require.NotEmpty(t, sigID)
	assert.Empty(t, h.runner.Controls(), "class B never runs unattended")

	h.p.dispatch(ctx, protocol.New(protocol.TypeDecision, "srv", map[string]any{
		"decision_type": "execute_B",
		"signature_id":  sigID,
		"message":       "approve before cleanup",
	}))

	require.True(t, h.pend.Awaiting(sigID))
	act, ok := h.pend.Get(sigID)
	require.True(t, ok)
	require.NotNil(t, act.MatchedRunbook)
	assert.Equal(t, "disk_cleanup_windows_update", act.MatchedRunbook.ID)
	assert.Equal(t, "disk:C", act.Resource)
	tk, ok := h.tickets.Get(act.TicketID)
	require.True(t, ok)
	assert.Equal(t, ticket.StatusPendingReview, tk.Status)
	assert.Empty(t, h.runner.Controls())

	// the condition repeating while parked stays quiet
	h.p.process(ctx, diskSignal("C", 2, signal.SeverityCritical))
	assert.Len(t, h.sender.framesOf(protocol.TypeEscalation), 1)

	h.p.dispatch(ctx, protocol.New(protocol.TypeExecutePendingAction, "srv", map[string]any{
		"signature_id": sigID,
	}))

	acks := h.sender.framesOf(protocol.TypeActionResult)
	require.NotEmpty(t, acks)
	ad := acks[len(acks)-1].Data()
	assert.Equal(t, "execute_pending_action", ad["action"])
	assert.Equal(t, true, ad["success"])

	res := h.waitResult(t)
	require.True(t, res.Success)
	assert.Equal(t, playbook.SourceServer, res.Task.Source)
	assert.True(t, res.Task.Verified)
	assert.Equal(t, []string{"stop wuauserv", "start wuauserv"}, h.runner.Controls())
	require.Len(t, h.runner.FileOps(), 1)
	assert.Contains(t, h.runner.FileOps()[0], "delete-contents")

	tk, _ = h.tickets.Get(act.TicketID)
	assert.Equal(t, ticket.StatusResolved, tk.Status)
	cached, ok := h.cache.Get(sigID)
	require.True(t, ok)
	assert.Equal(t, "disk_cleanup_windows_update", cached.ID)
	assert.False(t, h.pend.Awaiting(sigID))

	// the approval was consumed; a replay cannot run it twice
	h.p.dispatch(ctx, protocol.New(protocol.TypeExecutePendingAction, "srv", map[string]any{
		"signature_id": sigID,
	}))
	acks = h.sender.framesOf(protocol.TypeActionResult)
	last := acks[len(acks)-1].Data()
	assert.Equal(t, false, last["success"])
	assert.Len(t, h.runner.Controls(), 2)
}

func TestFlapDetectionAndQuietRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	down := func() signal.Signal { return availabilitySignal("FlakySvc", "stopped", signal.SeverityWarning) }
	up := func() signal.Signal { return availabilitySignal("FlakySvc", "running", signal.SeverityInfo) }

	h.p.process(ctx, down()) // first sighting escalates
	assert.Equal(t, 1, h.esc.PendingBatch())

	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, up()) // transition 1, healthy, nothing emitted
	assert.Equal(t, 1, h.esc.PendingBatch())

	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, down()) // transition 2; still inside the cooldown
	assert.Equal(t, 1, h.esc.PendingBatch())

	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, up()) // transition 3

	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, down()) // transition 4; cooldown elapsed
	assert.Equal(t, 2, h.esc.PendingBatch())

	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, up()) // transition 5 crosses the threshold
	assert.Equal(t, 3, h.esc.PendingBatch(), "flap reported as its own signature")

	// while the flap is active, raw state changes are swallowed
	h.clock.Advance(2 * time.Minute)
	h.p.process(ctx, down())
	assert.Equal(t, 3, h.esc.PendingBatch())

	h.esc.FlushBatch()
	batches := h.sender.framesOf(protocol.TypeBatchEscalation)
	require.Len(t, batches, 1)
	bd := batches[0].Data()
	assert.Equal(t, 3, bd["count"])

	flapReports := 0
	for _, item := range bd["escalations"].([]any) {
		payload := item.(map[string]any)
		symptoms := payload["symptoms"].([]any)
		if symptoms[0].(map[string]any)["type"] == "flap_instability" {
			flapReports++
		}
	}
	assert.Equal(t, 1, flapReports)

	// twenty-one quiet minutes clear the record and tracking restarts
	h.clock.Advance(21 * time.Minute)
	h.p.sweep()
	_, tracked := h.tracker.Get("service:FlakySvc")
	assert.False(t, tracked)

	h.p.process(ctx, down())
	assert.Equal(t, 1, h.esc.PendingBatch())
}

func TestSustainedBreachGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cpu := func() signal.Signal {
		s := signal.NewSystemSignal(signal.CategoryMetric, "cpu_percent", "", signal.SeverityWarning, 85, 80, "cpu at 85%")
		s.Timestamp = h.clock.Now()
		return s
	}

	h.p.process(ctx, cpu())
	assert.Equal(t, 0, h.esc.PendingBatch(), "one breach is not a condition")

	h.clock.Advance(time.Minute)
	h.p.process(ctx, cpu())
	assert.Equal(t, 0, h.esc.PendingBatch())

	h.clock.Advance(time.Minute)
	h.p.process(ctx, cpu())
	assert.Equal(t, 1, h.esc.PendingBatch(), "third consecutive breach passes")

	h.esc.FlushBatch()
	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1)
	flags := escs[0].Data()["baseline_deviation_flags"].(map[string]any)
	assert.Equal(t, true, flags["cpu"])
	assert.Equal(t, false, flags["disk"])
}

func TestHardFloorBypassesSustainedBreach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := signal.NewSystemSignal(signal.CategoryMetric, "cpu_percent", "", signal.SeverityCritical, 99, 80, "cpu pegged")
	s.Timestamp = h.clock.Now()
	h.p.process(ctx, s)

	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1, "a pegged cpu goes out on first sight")
	assert.Equal(t, 0, h.esc.PendingBatch())
	flags := escs[0].Data()["baseline_deviation_flags"].(map[string]any)
	assert.Equal(t, true, flags["cpu"])
}

func TestBaselineSuppressionAndFloorOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ts := h.clock.Now()

	// two hours of history saying 7 is normal io_wait and 2% free is
	// normal for this disk
	for _, at := range []time.Time{ts.Add(-time.Hour), ts} {
		for i := 0; i < 3; i++ {
			h.profiler.Record("metric-io_wait", 7, at)
			h.profiler.Record("disk-free_percent-C", 2, at)
		}
	}

	w := signal.NewSystemSignal(signal.CategoryMetric, "io_wait", "", signal.SeverityWarning, 7, 5, "io wait elevated")
	w.Timestamp = ts
	h.p.process(ctx, w)
	assert.Empty(t, h.sender.framesOf(protocol.TypeEscalation), "within the learned band")
	assert.Equal(t, 0, h.esc.PendingBatch())

	d := diskSignal("C", 2, signal.SeverityCritical)
	d.Timestamp = ts
	h.p.process(ctx, d)
	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1, "the floor beats the baseline")
	flags := escs[0].Data()["baseline_deviation_flags"].(map[string]any)
	assert.Equal(t, true, flags["disk"])
	assert.Equal(t, false, flags["cpu"])
}

func TestMaintenanceWindowSuppressesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.windows.Add(maintenance.Window{
		Scope:  maintenance.Scope{Services: []string{"W32Time"}},
		End:    h.clock.Now().Add(time.Hour),
		Reason: "patching",
	})
	require.NoError(t, err)

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	assert.Equal(t, 0, h.queue.Depth())
	assert.Empty(t, h.sender.Frames())
	_, tracked := h.tracker.Get("service:W32Time")
	assert.False(t, tracked, "windowed signals never reach the tracker")
}

func TestMaintenanceWindowRemediationOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.windows.Add(maintenance.Window{
		Scope:               maintenance.Scope{Services: []string{"W32Time"}},
		End:                 h.clock.Now().Add(time.Hour),
		SuppressRemediation: true,
	})
	require.NoError(t, err)

	h.p.process(ctx, serviceSignal("W32Time", "stopped", signal.SeverityWarning))

	assert.Equal(t, 0, h.queue.Depth(), "remediation held")
	assert.Equal(t, 1, h.esc.PendingBatch(), "escalation still flows")

	h.esc.FlushBatch()
	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1)
	ed := escs[0].Data()
	assert.Equal(t, escalate.OutcomeRecommendPlaybook, ed["requested_outcome"])
	assert.Equal(t, "service_start_generic", ed["matched_runbook_id"])
}

func TestDependencyFailureRidesRootCause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.p.dispatch(ctx, protocol.New(protocol.TypeWelcome, "srv", map[string]any{
		"service_dependencies": map[string]any{"AppSvc": []any{"DbSvc"}},
		"features":             []any{"remote_diagnostics"},
	}))

	h.p.process(ctx, availabilitySignal("DbSvc", "stopped", signal.SeverityWarning))
	assert.Equal(t, 1, h.esc.PendingBatch())

	h.p.process(ctx, availabilitySignal("AppSvc", "stopped", signal.SeverityWarning))
	assert.Equal(t, 1, h.esc.PendingBatch(), "dependent failure rides the root cause")

	// once the dependency recovers the dependent speaks for itself
	h.tracker.Clear("service:DbSvc")
	h.p.process(ctx, availabilitySignal("AppSvc", "stopped", signal.SeverityWarning))
	assert.Equal(t, 2, h.esc.PendingBatch())
}

func TestOfflineEscalationOpensManualTicket(t *testing.T) {
	h := newHarness(t)
	h.sender.setConnected(false)
	ctx := context.Background()

	h.p.process(ctx, availabilitySignal("Fax", "crashed", signal.SeverityHigh))

	assert.Empty(t, h.sender.Frames())
	spooled := h.spool.Frames()
	require.Len(t, spooled, 1)
	assert.Equal(t, protocol.TypeEscalation, spooled[0].Type())

	tickets := h.tickets.All()
	require.Len(t, tickets, 1)
	assert.True(t, tickets[0].Manual)
}

func TestIntakeOverflowDrops(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < signalBuffer; i++ {
		require.True(t, h.p.Ingest(availabilitySignal(fmt.Sprintf("Svc%d", i), "stopped", signal.SeverityWarning)))
	}
	assert.False(t, h.p.Ingest(availabilitySignal("Overflow", "stopped", signal.SeverityWarning)))
}

func TestRunLifecycleFlushesOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	pipeDone := make(chan struct{})
	queueDone := make(chan struct{})
	go func() { defer close(pipeDone); _ = h.p.Run(ctx) }()
	go func() { defer close(queueDone); _ = h.queue.Run(ctx) }()

	require.True(t, h.p.Ingest(serviceSignal("W32Time", "stopped", signal.SeverityWarning)))
	res := h.waitResult(t)
	assert.True(t, res.Success)
	require.Eventually(t, func() bool {
		return len(h.sender.framesOf(protocol.TypePlaybookResult)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// a routine escalation parks in the batch...
	require.True(t, h.p.Ingest(availabilitySignal("DbSvc", "stopped", signal.SeverityWarning)))
	require.Eventually(t, func() bool {
		_, ok := h.tracker.Get("service:DbSvc")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	// ...and the shutdown flush still delivers it
	cancel()
	<-pipeDone
	<-queueDone

	escs := h.sender.framesOf(protocol.TypeEscalation)
	require.Len(t, escs, 1)
	assert.Equal(t, signal.SeverityWarning, escs[0].Data()["severity"])
}
