package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/config"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TenantID = "tn-test"
	cfg.DeviceID = "dev-test"
	cfg.DataDir = t.TempDir()
	// Port 1 refuses immediately, so the transport spends the test in
	// backoff instead of waiting on a dial.
	cfg.ServerURL = "ws://127.0.0.1:1/agent"
	cfg.IPCListen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := testConfig(t)
	a, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.spool.Close() })
	return a
}

func TestNewWiresEverySubsystem(t *testing.T) {
	a := newTestAgent(t)

	assert.NotNil(t, a.pipeline)
	assert.NotNil(t, a.transport)
	assert.NotNil(t, a.queue)
	assert.NotNil(t, a.collectors)
	assert.NotNil(t, a.ipc)
	assert.Greater(t, a.library.Count(), 0, "builtins load without a runbooks dir")

	// The operator token is generated next to the state files.
	info, err := os.Stat(a.cfg.IPCTokenPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	a1, err := New(&cfg)
	require.NoError(t, err)
	a1.tickets.Open("sig-restart", "restart_svc", "first run ticket")
	_, err = a1.exclusions.Add(exclusion.CategoryServices, "BackupSvc")
	require.NoError(t, err)
	a1.tracker.Observe("service:MailSvc", "service", "stopped", signal.SeverityCritical, nil)
	a1.persistState()
	require.NoError(t, a1.spool.Close())

	a2, err := New(&cfg)
	require.NoError(t, err)
	defer a2.spool.Close()

	open, total := a2.tickets.Counts()
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, total)
	assert.True(t, a2.exclusions.IsExcluded(exclusion.CategoryServices, "BackupSvc"))
	_, tracked := a2.tracker.Get("service:MailSvc")
	assert.True(t, tracked)
}

func TestRunStartsAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	a, err := New(&cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the subsystems a moment to start before pulling the plug.
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}

	// Final persist ran: the learned state is on disk.
	_, err = os.Stat(cfg.ResourceStatePath())
	assert.NoError(t, err)
	_, err = os.Stat(cfg.BaselinePath())
	assert.NoError(t, err)
}

func TestWindowExpiryClearsCoveredState(t *testing.T) {
	a := newTestAgent(t)

	a.tracker.Observe("service:MailSvc", "service", "stopped", signal.SeverityCritical, nil)
	a.tracker.Observe("disk:C", "disk", "breach", signal.SeverityWarning, nil)

	a.windowExpired(maintenance.Window{
		ID:    "mw-test",
		Scope: maintenance.Scope{Services: []string{"mailsvc"}}, // case-insensitive
	})

	_, ok := a.tracker.Get("service:MailSvc")
	assert.False(t, ok, "covered service record cleared")
	_, ok = a.tracker.Get("disk:C")
	assert.True(t, ok, "uncovered record untouched")

	a.windowExpired(maintenance.Window{ID: "mw-all", Scope: maintenance.Scope{All: true}})
	_, ok = a.tracker.Get("disk:C")
	assert.False(t, ok, "all-scope window clears everything")
}

func TestIgnoreInstructionClosesTickets(t *testing.T) {
	a := newTestAgent(t)

	a.tickets.Open("sig-noisy", "noop", "recurring noise")
	a.applyIgnoreInstruction(&playbook.Task{SignatureID: "sig-noisy"})

	assert.True(t, a.exclusions.IsIgnored("sig-noisy"))
	open, _ := a.tickets.Counts()
	assert.Equal(t, 0, open)

	// No signature, nothing to do.
	a.applyIgnoreInstruction(&playbook.Task{})
}

func TestReinvestigationSpoolsWhileOffline(t *testing.T) {
	a := newTestAgent(t)

	a.requestReinvestigation("sig-cached", &runbook.Runbook{ID: "restart_svc"})

	require.Equal(t, 1, a.spool.Count())
	e, ok := a.spool.Next()
	require.True(t, ok)
	assert.Equal(t, protocol.TypeReinvestigationRequest, e.FrameType)
	f, err := e.Frame()
	require.NoError(t, err)
	assert.Equal(t, "sig-cached", protocol.Str(f.Data(), "signature_id"))
	assert.Equal(t, "restart_svc", protocol.Str(f.Data(), "playbook_id"))
}

func TestStatusSnapshotShape(t *testing.T) {
	a := newTestAgent(t)
	a.tickets.Open("sig-snap", "restart_svc", "open ticket")

	snap := a.statusSnapshot()
	assert.Equal(t, false, snap["connected"])
	assert.Equal(t, 0, snap["queue_depth"])
	assert.Equal(t, 1, snap["tickets_open"])
	assert.Equal(t, a.library.Count(), snap["runbooks"])
}
