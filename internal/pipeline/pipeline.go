// Package pipeline is the serialized decision domain of the agent. One
// goroutine owns the intake gates, the decision engine, and every store
// the gates mutate; collector signals, server frames, playbook results
// and the batch timer all arrive here over channels, which makes gate
// order, state updates and memory writes deterministic without per-map
// locks.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/baseline"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/diag"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/escalate"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/exclusion"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/maintenance"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/metrics"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/pending"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/playbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signature"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/track"
)

// Hard resource ceilings. Readings past these are emergencies no matter
// what the learned baseline thinks, so they skip the profiler and the
// sustained-breach hysteresis.
const (
	floorCPUPercent    = 98
	floorMemoryPercent = 95
	floorDiskFree      = 3
)

const (
	signalBuffer  = 128
	resultBuffer  = 16
	sweepInterval = 30 * time.Second

	// recentContexts bounds the escalation-context map; entries older
	// than recentTTL are pruned on insert.
	recentContexts = 512
	recentTTL      = 2 * time.Hour
)

// Sender delivers frames to the control plane.
type Sender interface {
	Connected() bool
	Send(f protocol.Frame) error
}

// Spooler stores frames for replay once the connection returns.
type Spooler interface {
	Enqueue(f protocol.Frame) error
}

// Config identifies the device and tunes the gates.
type Config struct {
	TenantID string
	DeviceID string

	// SustainedBreach is how many consecutive breaching cycles a
	// threshold metric needs before its signal passes.
	SustainedBreach int

	// FlapWindow is quoted in synthetic flap signals; it must match the
	// tracker's window.
	FlapWindow time.Duration

	Now func() time.Time
}

// Deps are the pipeline's collaborators. Sender is required; Spool,
// Diagnostics and Prompter may be nil.
type Deps struct {
	Tracker     *track.Tracker
	Profiler    *baseline.Profiler
	Windows     *maintenance.Gate
	Signatures  *signature.Generator
	Library     *runbook.Library
	ServerCache *runbook.ServerCache
	Memory      *memory.Store
	Pending     *pending.Store
	Tickets     *ticket.Store
	Exclusions  *exclusion.Lists
	Escalator   *escalate.Escalator
	Queue       *playbook.Queue
	Diagnostics *diag.Collector
	Prompter    *playbook.Prompter
	Sender      Sender
	Spool       Spooler
}

// escalationContext remembers what a signature was about, so server
// replies and failure re-escalations can be correlated back to the
// originating signal without a round-trip through the wire format.
type escalationContext struct {
	sig     signature.Signature
	matched *runbook.Runbook
	src     signal.Signal
	at      time.Time
}

// Pipeline is the decision domain. Construct with New, feed signals
// through Ingest, and drive it with Run; everything else happens on the
// Run goroutine.
type Pipeline struct {
	cfg  Config
	deps Deps

	signals  chan signal.Signal
	results  chan playbook.ExecResult
	inbound  <-chan protocol.Frame
	injected chan protocol.Frame
	stopped  chan struct{}

	recent      map[string]escalationContext
	lastSamples map[string]float64

	scrub *escalate.Scrubber
	now   func() time.Time
	log   zerolog.Logger
}

// New builds the pipeline. inbound is the transport's frame channel.
func New(cfg Config, deps Deps, inbound <-chan protocol.Frame) *Pipeline {
	if cfg.SustainedBreach <= 0 {
		cfg.SustainedBreach = 3
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		cfg:         cfg,
		deps:        deps,
		signals:     make(chan signal.Signal, signalBuffer),
		results:     make(chan playbook.ExecResult, resultBuffer),
		inbound:     inbound,
		injected:    make(chan protocol.Frame, resultBuffer),
		stopped:     make(chan struct{}),
		recent:      map[string]escalationContext{},
		lastSamples: map[string]float64{},
		scrub:       escalate.NewScrubber(),
		now:         cfg.Now,
		log:         logging.WithComponent("pipeline"),
	}
}

// Ingest posts one signal into the domain. Collectors call this from
// their own goroutines; when the domain is backed up the signal is
// dropped rather than blocking the collector.
func (p *Pipeline) Ingest(sig signal.Signal) bool {
	select {
	case p.signals <- sig:
		return true
	default:
		metrics.SignalsSuppressed.WithLabelValues("intake_overflow").Inc()
		p.log.Warn().Str("resource", sig.ResourceID()).Msg("intake full, signal dropped")
		return false
	}
}

// HandleResult posts a playbook outcome into the domain. Wired to the
// queue's OnResult; runs on the executor goroutine.
func (p *Pipeline) HandleResult(res playbook.ExecResult) {
	select {
	case p.results <- res:
	case <-p.stopped:
		// Domain already gone; the executor persisted the outcome.
	}
}

// Inject posts one frame into the domain as if the control plane had
// sent it. Operator verbs that must mutate domain state (pending-action
// approval, cancellation) go through here so they serialize with
// everything else.
func (p *Pipeline) Inject(f protocol.Frame) bool {
	select {
	case p.injected <- f:
		return true
	default:
		p.log.Warn().Str("type", f.Type()).Msg("domain busy, operator frame dropped")
		return false
	}
}

// Run owns the domain until ctx ends. On shutdown the batch flushes
// synchronously before the method returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Msg("pipeline started")
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	defer close(p.stopped)
	defer p.deps.Escalator.Stop()

	for {
		select {
		case <-ctx.Done():
			p.deps.Escalator.FlushBatch()
			p.log.Info().Msg("pipeline stopped")
			return nil
		case sig := <-p.signals:
			p.process(ctx, sig)
		case f := <-p.inbound:
			p.dispatch(ctx, f)
		case f := <-p.injected:
			p.dispatch(ctx, f)
		case res := <-p.results:
			p.settleResult(ctx, res)
		case <-p.deps.Escalator.BatchC():
			p.deps.Escalator.FlushBatch()
		case <-sweep.C:
			p.sweep()
		}
	}
}

// process runs one signal through the intake gates in their fixed
// order: maintenance, state tracker, dependency suppression, flap
// rewrite, profiler, sustained breach. The first gate that suppresses
// short-circuits the rest; survivors reach the decision engine.
func (p *Pipeline) process(ctx context.Context, sig signal.Signal) {
	metrics.SignalsObserved.WithLabelValues(sig.Category).Inc()

	if p.excludedResource(sig) {
		metrics.SignalsSuppressed.WithLabelValues("excluded").Inc()
		return
	}

	escalationOK, remediationOK := true, true
	if w, ok := p.deps.Windows.Check(sig.Category, sig.Target, sig.ResourceID()); ok {
		if w.SuppressEscalation && w.SuppressRemediation {
			metrics.SignalsSuppressed.WithLabelValues("maintenance").Inc()
			p.log.Debug().Str("resource", sig.ResourceID()).Str("window", w.ID).Msg("suppressed by maintenance window")
			return
		}
		escalationOK = !w.SuppressEscalation
		remediationOK = !w.SuppressRemediation
	}

	p.recordSample(sig)

	origResource := sig.ResourceID()
	obs := p.deps.Tracker.Observe(origResource, sig.Category, stateOf(sig), sig.Severity, sig.Attributes)
	if obs.FlapActive {
		metrics.SignalsSuppressed.WithLabelValues("flap_active").Inc()
		return
	}
	if !obs.Pass {
		metrics.SignalsSuppressed.WithLabelValues(obs.Reason).Inc()
		return
	}

	if sig.Category == signal.CategoryService && sig.IsBreach() {
		if root, suppressed := p.deps.Tracker.SuppressedByDependency(sig.Target); suppressed {
			metrics.SignalsSuppressed.WithLabelValues("dependency").Inc()
			p.log.Info().
				Str("service", sig.Target).
				Str("root_cause", root).
				Msg("suppressed, dependency is down")
			return
		}
	}

	if obs.FlapStart {
		sig = signal.NewFlapSignal(sig, obs.Transitions, p.cfg.FlapWindow)
	} else if obs.EscalateSeverity {
		sig.Severity = sig.Severity.Escalated()
		sig = sig.WithAttribute("escalated_for_persistence", "true")
	}

	if thresholdMetric(sig) && !obs.FlapStart {
		if !hardFloor(sig) {
			verdict := p.deps.Profiler.Check(sig.Key(), sig.Value, sig.Timestamp)
			if verdict == baseline.WithinNormal {
				metrics.SignalsSuppressed.WithLabelValues("within_normal").Inc()
				return
			}
			if sig.IsBreach() && obs.BreachStreak < p.cfg.SustainedBreach {
				metrics.SignalsSuppressed.WithLabelValues("sustained_breach").Inc()
				return
			}
		}
	}

	if !sig.IsBreach() {
		// Recovery or informational sample: nothing to decide, but the
		// episode counts as handled so the tracker dedupes repeats.
		p.deps.Tracker.MarkEmitted(origResource)
		return
	}

	p.deps.Tracker.MarkEmitted(origResource)
	p.decide(ctx, sig, escalationOK, remediationOK)
}

// excludedResource checks the categorical exclusion sets for the
// signal's own resource.
func (p *Pipeline) excludedResource(sig signal.Signal) bool {
	switch sig.Category {
	case signal.CategoryService:
		return p.deps.Exclusions.IsExcluded(exclusion.CategoryServices, sig.Target)
	case signal.CategoryProcess:
		return p.deps.Exclusions.IsExcluded(exclusion.CategoryProcesses, sig.Target)
	case signal.CategoryFlap:
		name := strings.TrimPrefix(sig.Target, "service:")
		if name != sig.Target {
			return p.deps.Exclusions.IsExcluded(exclusion.CategoryServices, name)
		}
	}
	return false
}

// recordSample feeds metric-valued signals into the baseline and the
// last-sample table used for deviation flags. Every sample teaches the
// profiler, including ones the tracker later dedupes.
func (p *Pipeline) recordSample(sig signal.Signal) {
	if !thresholdMetric(sig) {
		return
	}
	p.deps.Profiler.Record(sig.Key(), sig.Value, sig.Timestamp)
	p.lastSamples[sig.Key()] = sig.Value
}

// deviationFlags profiles the most recent samples and marks the
// dimensions that look out of character, always including the current
// signal's own dimension when it is breaching.
func (p *Pipeline) deviationFlags(sig signal.Signal) escalate.DeviationFlags {
	var flags escalate.DeviationFlags
	for key, bad := range p.deps.Profiler.Deviations(p.lastSamples, p.now()) {
		if !bad {
			continue
		}
		markDimension(&flags, key)
	}
	if sig.IsBreach() {
		switch sig.Category {
		case signal.CategoryMetric:
			markDimension(&flags, sig.Metric)
		case signal.CategoryDisk:
			flags.Disk = true
		case signal.CategoryService:
			flags.Service = true
		case signal.CategoryFlap:
			if strings.HasPrefix(sig.Target, "service:") {
				flags.Service = true
			}
		}
	}
	return flags
}

func markDimension(flags *escalate.DeviationFlags, key string) {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "cpu"):
		flags.CPU = true
	case strings.Contains(k, "mem"):
		flags.Memory = true
	case strings.Contains(k, "disk"):
		flags.Disk = true
	}
}

// sweep runs the periodic lazy maintenance: expired windows (their
// onExpire callback clears tracked state) and quiet flap records.
func (p *Pipeline) sweep() {
	p.deps.Windows.SweepExpired()
	for _, id := range p.deps.Tracker.SweepQuiet() {
		p.log.Info().Str("resource", id).Msg("flap quieted, state cleared")
	}
	metrics.QueueDepth.Set(float64(p.deps.Queue.Depth()))
	open, _ := p.deps.Tickets.Counts()
	metrics.TicketsOpen.Set(float64(open))
}

// remember stores the escalation context for a signature, bounded in
// size and age.
func (p *Pipeline) remember(sig signature.Signature, matched *runbook.Runbook, src signal.Signal) {
	now := p.now()
	if len(p.recent) >= recentContexts {
		for id, ec := range p.recent {
			if now.Sub(ec.at) > recentTTL {
				delete(p.recent, id)
			}
		}
		// Still at capacity after TTL pruning: drop the oldest.
		if len(p.recent) >= recentContexts {
			oldestID, oldest := "", now
			for id, ec := range p.recent {
				if ec.at.Before(oldest) {
					oldestID, oldest = id, ec.at
				}
			}
			delete(p.recent, oldestID)
		}
	}
	p.recent[sig.ID] = escalationContext{sig: sig, matched: matched, src: src, at: now}
}

// send delivers a frame now or spools it for the reconnect drain.
func (p *Pipeline) send(f protocol.Frame) {
	if p.deps.Sender.Connected() {
		if err := p.deps.Sender.Send(f); err == nil {
			return
		}
	}
	if p.deps.Spool != nil {
		if err := p.deps.Spool.Enqueue(f); err != nil {
			p.log.Warn().Err(err).Str("type", f.Type()).Msg("spool frame")
		}
	}
}

// stateOf quantizes a signal into the state string the tracker dedupes
// on. Collectors report explicit states for services and processes;
// valued metrics reduce to breach / ok.
func stateOf(sig signal.Signal) string {
	if st := sig.Attributes["state"]; st != "" {
		return st
	}
	if sig.IsBreach() {
		return "breach"
	}
	return "ok"
}

// thresholdMetric reports whether the signal carries a sampled value
// the profiler and sustained-breach gates apply to.
func thresholdMetric(sig signal.Signal) bool {
	return sig.Category == signal.CategoryMetric || sig.Category == signal.CategoryDisk
}

// hardFloor reports whether the reading is past an absolute ceiling.
func hardFloor(sig signal.Signal) bool {
	m := strings.ToLower(sig.Metric)
	switch sig.Category {
	case signal.CategoryMetric:
		if strings.Contains(m, "cpu") && sig.Value >= floorCPUPercent {
			return true
		}
		if strings.Contains(m, "mem") && sig.Value >= floorMemoryPercent {
			return true
		}
	case signal.CategoryDisk:
		if strings.Contains(m, "free") && sig.Value <= floorDiskFree {
			return true
		}
	}
	return false
}
