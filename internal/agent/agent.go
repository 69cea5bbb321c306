// Package agent assembles the subsystems into one runnable process:
// stores are opened and their state loaded in New, goroutines start in
// Run, and shutdown drains the decision domain before the learned state
// is persisted. Nothing in here contains domain logic; it is all wiring
// and lifecycle.
package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/baseline"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/collector"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/config"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/creds"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/diag"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/escalate"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ipc"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pending"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pipeline"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/sdnotify"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/spool"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/track"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/transport"
)

// Version is set at build time.
var Version = "0.4.0"

const (
	persistInterval  = 5 * time.Minute
	pruneInterval    = time.Hour
	watchdogInterval = 30 * time.Second
)

// Agent owns every subsystem. Construct with New, drive with Run.
type Agent struct {
	cfg *config.Config

	creds       *creds.File
	spool       *spool.Spool
	tracker     *track.Tracker
	profiler    *baseline.Profiler
	windows     *maintenance.Gate
	memory      *memory.Store
	tickets     *ticket.Store
	pending     *pending.Store
	exclusions  *exclusion.Lists
	library     *runbook.Library
	serverCache *runbook.ServerCache
	signatures  *signature.Generator
	diagnostics *diag.Collector
	transport   *transport.Client
	escalator   *escalate.Escalator
	prompter    *playbook.Prompter
	queue       *playbook.Queue
	pipeline    *pipeline.Pipeline
	collectors  *collector.Runner
	reporter    *collector.Reporter
	ipc         *ipc.Server

	log zerolog.Logger
}

// New builds the agent: opens every store, restores persisted state and
// wires the subsystems together. The network is not touched until Run.
func New(cfg *config.Config) (*Agent, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &Agent{
		cfg: cfg,
		log: logging.WithComponent("agent"),
	}

	var err error
	a.creds, err = creds.Open(cfg.CredentialsPath())
	if err != nil {
		return nil, err
	}
	// Bootstrap credentials arrive through the environment, never the
	// config file; values already on disk win.
	if err := a.creds.Seed(os.Getenv("OPSIS_AUTH_TOKEN"), os.Getenv("OPSIS_SHARED_SECRET")); err != nil {
		return nil, fmt.Errorf("seed credentials: %w", err)
	}

	a.spool, err = spool.OpenWithOptions(cfg.SpoolDBPath(), spool.Options{
		MaxAge: time.Duration(cfg.SpoolMaxAgeHours) * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}

	a.tracker = track.New(track.Config{
		FlapTransitions: cfg.FlapTransitions,
		FlapWindow:      time.Duration(cfg.FlapWindowSeconds) * time.Second,
		FlapQuiet:       time.Duration(cfg.FlapQuietSeconds) * time.Second,
		TTL:             time.Duration(cfg.StateTTLSeconds) * time.Second,
		EscalateAfter:   time.Duration(cfg.PersistenceEscalateSeconds) * time.Second,
	})
	a.warnOnLoad("resource state", a.tracker.Load(cfg.ResourceStatePath()))

	a.profiler = baseline.New(cfg.BaselineMinBuckets, cfg.BaselineMinSamplesPerBucket, cfg.BaselineMarginPercent)
	a.warnOnLoad("baseline", a.profiler.Load(cfg.BaselinePath()))

	a.windows = maintenance.NewGate(cfg.MaintenanceWindowsPath(), nil, a.windowExpired)
	a.warnOnLoad("maintenance windows", a.windows.Load())

	a.memory = memory.NewStore(cfg.MemoryPath())
	a.warnOnLoad("remediation memory", a.memory.Load())

	a.tickets = ticket.NewStore(cfg.TicketsPath())
	a.warnOnLoad("tickets", a.tickets.Load())

	a.pending = pending.NewStore(cfg.PendingActionsPath(), a.tickets)
	a.warnOnLoad("pending actions", a.pending.Load())

	a.exclusions = exclusion.NewLists(cfg.ExclusionsPath(), cfg.IgnoreListPath())
	a.warnOnLoad("exclusions", a.exclusions.Load())

	a.library = runbook.NewLibrary(cfg.RunbooksDir)

	a.serverCache = runbook.NewServerCache(cfg.ServerRunbooksPath())
	a.warnOnLoad("server runbooks", a.serverCache.Load())

	// One set of device facts rides on both signatures and escalations.
	envTags := map[string]string{
		"os_build":           runtime.GOOS + "/" + runtime.GOARCH,
		"os_version":         runtime.GOOS,
		"device_model_class": "unknown",
	}
	a.signatures = signature.NewGenerator(cfg.TenantID, cfg.DeviceID, envTags)
	a.diagnostics = diag.NewCollector(nil)

	hostname, _ := os.Hostname()
	a.transport = transport.New(transport.Config{
		URL:       cfg.ServerURL,
		DeviceID:  cfg.DeviceID,
		TenantID:  cfg.TenantID,
		Hostname:  hostname,
		Version:   Version,
		Heartbeat: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
	}, transport.Deps{
		Creds:  a.creds,
		Signer: protocol.NewSigner(a.creds.Current().SharedSecret),
		Spool:  a.spool,
	})

	a.escalator = escalate.New(escalate.Config{
		TenantID:    cfg.TenantID,
		DeviceID:    cfg.DeviceID,
		Cooldown:    time.Duration(cfg.EscalationCooldownSeconds) * time.Second,
		BatchWindow: time.Duration(cfg.BatchWindowSeconds) * time.Second,
		EnvTags:     envTags,
	}, a.transport, escalate.Deps{
		Exclusions:  a.exclusions,
		Pending:     a.pending,
		Tickets:     a.tickets,
		Memory:      a.memory,
		Diagnostics: a.diagnostics,
		Spool:       a.spool,
	})

	a.prompter = playbook.NewPrompter(a.publishPrompt)
	a.prompter.SetTimeout(time.Duration(cfg.PromptTimeoutSeconds) * time.Second)

	a.queue = playbook.New(playbook.Config{
		DeviceID:    cfg.DeviceID,
		Capacity:    cfg.QueueCapacity,
		StepTimeout: time.Duration(cfg.StepTimeoutSeconds) * time.Second,
		DryRun:      cfg.DryRun,
		HMACEnabled: func() bool { return a.creds.Current().SharedSecret != "" },
		Memory:      a.memory,
		Tickets:     a.tickets,
		Cache:       a.serverCache,
		Prompter:    a.prompter,
		OnResult:    func(res playbook.ExecResult) { a.pipeline.HandleResult(res) },
		OnIgnoreInstruction: func(task *playbook.Task) {
			a.applyIgnoreInstruction(task)
		},
		OnReinvestigate: a.requestReinvestigation,
	})

	a.pipeline = pipeline.New(pipeline.Config{
		TenantID:        cfg.TenantID,
		DeviceID:        cfg.DeviceID,
		SustainedBreach: cfg.SustainedBreachCycles,
		FlapWindow:      time.Duration(cfg.FlapWindowSeconds) * time.Second,
	}, pipeline.Deps{
		Tracker:     a.tracker,
		Profiler:    a.profiler,
		Windows:     a.windows,
		Signatures:  a.signatures,
		Library:     a.library,
		ServerCache: a.serverCache,
		Memory:      a.memory,
		Pending:     a.pending,
		Tickets:     a.tickets,
		Exclusions:  a.exclusions,
		Escalator:   a.escalator,
		Queue:       a.queue,
		Diagnostics: a.diagnostics,
		Prompter:    a.prompter,
		Sender:      a.transport,
		Spool:       a.spool,
	}, a.transport.Inbound())

	collectEvery := time.Duration(cfg.CollectIntervalSeconds) * time.Second
	a.collectors = collector.NewRunner(a.pipeline, collectEvery)
	a.collectors.Register(collector.NewSelfSource(collectEvery))

	a.reporter = collector.NewReporter(cfg.DeviceID,
		time.Duration(cfg.TelemetryIntervalSeconds)*time.Second,
		a.statusSnapshot, a.transport, a.spool)

	token := cfg.IPCToken
	if token == "" {
		token, err = ipc.LoadOrCreateToken(cfg.IPCTokenPath())
		if err != nil {
			return nil, fmt.Errorf("operator token: %w", err)
		}
	}
	a.ipc = ipc.New(ipc.Config{
		Listen:   cfg.IPCListen,
		Token:    token,
		DeviceID: cfg.DeviceID,
		TenantID: cfg.TenantID,
		Version:  Version,
	}, ipc.Deps{
		Domain:     a.pipeline,
		Link:       a.transport,
		Tracker:    a.tracker,
		Windows:    a.windows,
		Memory:     a.memory,
		Pending:    a.pending,
		Tickets:    a.tickets,
		Exclusions: a.exclusions,
		Queue:      a.queue,
		Prompter:   a.prompter,
		Spool:      a.spool,
	})

	return a, nil
}

// Run starts every subsystem and blocks until ctx ends or one of them
// fails. The pipeline flushes its escalation batch and the executor
// finishes its in-flight task during the drain; the learned state is
// persisted only after all of them have stopped.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().
		Str("version", Version).
		Str("tenant_id", a.cfg.TenantID).
		Str("device_id", a.cfg.DeviceID).
		Int("runbooks", a.library.Count()).
		Bool("dry_run", a.cfg.DryRun).
		Msg("agent starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.transport.Run(ctx) })
	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.queue.Run(ctx) })
	g.Go(func() error { return a.collectors.Run(ctx) })
	g.Go(func() error { return a.reporter.Run(ctx) })
	g.Go(func() error { return a.ipc.Run(ctx) })
	g.Go(func() error { return a.housekeeping(ctx) })
	g.Go(func() error {
		// Hot reload is best effort; a watcher that cannot start must
		// not take the agent down with it.
		err := a.library.Watch(ctx, func() {
			a.log.Info().Int("runbooks", a.library.Count()).Msg("runbook library reloaded")
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("runbook watch unavailable")
			<-ctx.Done()
		}
		return nil
	})

	if err := sdnotify.Ready(); err != nil {
		a.log.Warn().Err(err).Msg("sd_notify READY")
	}

	err := g.Wait()

	_ = sdnotify.Stopping()
	a.persistState()
	if cerr := a.spool.Close(); cerr != nil {
		a.log.Warn().Err(cerr).Msg("close spool")
	}
	a.log.Info().Msg("agent stopped")
	return err
}

// housekeeping persists mutable learned state periodically and prunes
// the spool, so a crash costs minutes of history instead of the run.
func (a *Agent) housekeeping(ctx context.Context) error {
	persist := time.NewTicker(persistInterval)
	defer persist.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchdog.C:
			_ = sdnotify.Watchdog()
		case <-persist.C:
			a.persistState()
			open, _ := a.tickets.Counts()
			_ = sdnotify.Status(fmt.Sprintf("%d tickets open, %d frames spooled",
				open, a.spool.Count()))
		case <-prune.C:
			if n, err := a.spool.PruneExpired(); err != nil {
				a.log.Warn().Err(err).Msg("spool prune")
			} else if n > 0 {
				a.log.Info().Int("frames", n).Msg("expired spooled frames pruned")
			}
		}
	}
}

func (a *Agent) persistState() {
	if err := a.tracker.Save(a.cfg.ResourceStatePath()); err != nil {
		a.log.Warn().Err(err).Msg("persist resource state")
	}
	if err := a.profiler.Save(a.cfg.BaselinePath()); err != nil {
		a.log.Warn().Err(err).Msg("persist baseline")
	}
}

// warnOnLoad downgrades a state-file load failure to a warning: a
// corrupt file costs history, not availability.
func (a *Agent) warnOnLoad(what string, err error) {
	if err != nil {
		a.log.Warn().Err(err).Str("state", what).Msg("starting empty")
	}
}

// windowExpired clears tracked state covered by a finished maintenance
// window, so conditions that survived the window re-emit instead of
// staying deduplicated against their pre-window episode.
func (a *Agent) windowExpired(w maintenance.Window) {
	cleared := a.tracker.ClearWhere(func(r track.Record) bool {
		if w.Scope.All {
			return true
		}
		name, ok := strings.CutPrefix(r.ResourceID, "service:")
		if !ok {
			return false
		}
		for _, svc := range w.Scope.Services {
			if strings.EqualFold(svc, name) {
				return true
			}
		}
		return false
	})
	if cleared > 0 {
		a.log.Info().
			Str("window_id", w.ID).
			Int("resources", cleared).
			Msg("window over, covered state cleared")
	}
}

// publishPrompt announces a waiting user prompt to the surfaces that
// can show it: the control plane relays it to the logged-in user, and
// the operator API lists it until answered. An offline link is not an
// error; the local operator can still answer in time.
func (a *Agent) publishPrompt(p playbook.Prompt) {
	f := protocol.New(protocol.TypeUserPrompt, a.cfg.DeviceID, map[string]any{
		"prompt_id": p.ID,
		"task_id":   p.TaskID,
		"message":   p.Message,
		"options":   p.Options,
		"deadline":  p.Deadline.Format(time.RFC3339),
	})
	if !a.transport.Connected() {
		a.log.Info().Str("prompt_id", p.ID).Msg("offline, prompt visible to local operator only")
		return
	}
	if err := a.transport.Send(f); err != nil {
		a.log.Warn().Err(err).Str("prompt_id", p.ID).Msg("prompt not delivered to server")
	}
}

// applyIgnoreInstruction handles a playbook that turned out to be an
// instruction to stop alerting: the signature joins the ignore set and
// its tickets close, same as a server-sent ignore decision.
func (a *Agent) applyIgnoreInstruction(task *playbook.Task) {
	if task.SignatureID == "" {
		return
	}
	a.exclusions.Ignore(task.SignatureID)
	closed := a.tickets.CloseBySignature(task.SignatureID, "ignore instruction from playbook")
	a.log.Info().
		Str("signature_id", task.SignatureID).
		Int("tickets_closed", closed).
		Msg("signature ignored on playbook instruction")
}

// requestReinvestigation tells the server a cached runbook has crossed
// its execution threshold and the underlying condition deserves a fresh
// look. Spooled when offline like any other outbound report.
func (a *Agent) requestReinvestigation(signatureID string, rb *runbook.Runbook) {
	f := protocol.New(protocol.TypeReinvestigationRequest, a.cfg.DeviceID, map[string]any{
		"signature_id": signatureID,
		"playbook_id":  rb.ID,
		"reason":       "execution threshold reached",
	})
	a.sendOrSpool(f)
}

func (a *Agent) sendOrSpool(f protocol.Frame) {
	if a.transport.Connected() {
		if err := a.transport.Send(f); err == nil {
			return
		}
	}
	if err := a.spool.Enqueue(f); err != nil {
		a.log.Warn().Err(err).Str("type", f.Type()).Msg("spool frame")
	}
}

// statusSnapshot is the periodic telemetry body: enough for the server
// dashboard to show agent health without a round trip.
func (a *Agent) statusSnapshot() map[string]any {
	open, total := a.tickets.Counts()
	return map[string]any{
		"connected":      a.transport.Connected(),
		"queue_depth":    a.queue.Depth(),
		"tickets_open":   open,
		"tickets_total":  total,
		"tracked":        len(a.tracker.Snapshot()),
		"spooled_frames": a.spool.Count(),
		"runbooks":       a.library.Count(),
		"windows_active": len(a.windows.Active()),
	}
}
