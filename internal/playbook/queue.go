// Package playbook runs remediation runbooks: a bounded priority queue
// feeding one sequential executor, with admission control in front and
// safety rails around every step.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/memory"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/runbook"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/ticket"
)

// Source says who asked for the execution. Lower runs first.
type Source int

const (
	SourceServer Source = iota
	SourceAdmin
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceServer:
		return "server"
	case SourceAdmin:
		return "admin"
	default:
		return "local"
	}
}

// Priority orders tasks within a source. Lower runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// PriorityFromSeverity maps signal severity onto queue priority.
func PriorityFromSeverity(sev signal.Severity) Priority {
	switch sev {
	case signal.SeverityCritical:
		return PriorityCritical
	case signal.SeverityHigh:
		return PriorityHigh
	case signal.SeverityWarning:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Task is one queued runbook execution.
type Task struct {
	ID          string
	Runbook     *runbook.Runbook
	Params      map[string]string
	Source      Source
	Priority    Priority
	SignatureID string
	SignalKey   string
	Resource    string
	TicketID    string
	Confidence  int
	Verified    bool
	FromCache   bool
	DryRun      bool
	EnqueuedAt  time.Time

	seq uint64
}

// Admission errors.
var (
	ErrQueueFull         = errors.New("playbook queue full")
	ErrUnverified        = errors.New("server playbook missing valid signature")
	ErrIgnoreInstruction = errors.New("playbook is an ignore instruction")
	ErrVetoed            = errors.New("remediation vetoed by history")
)

const (
	defaultCapacity    = 50
	defaultStepTimeout = 60 * time.Second
)

// Config wires the queue to its collaborators.
type Config struct {
	DeviceID    string
	Capacity    int
	StepTimeout time.Duration
	DryRun      bool

	// HMACEnabled gates admission of unverified server tasks.
	HMACEnabled func() bool

	Memory   *memory.Store
	Tickets  *ticket.Store
	Cache    *runbook.ServerCache
	Runner   StepRunner
	Prompter *Prompter

	// OnResult fires after every execution, success or failure, with
	// memory and ticket state already updated.
	OnResult func(res ExecResult)

	// OnIgnoreInstruction fires when admission detects a playbook that
	// is really an instruction to stop alerting.
	OnIgnoreInstruction func(task *Task)

	// OnReinvestigate fires when a cached server runbook crosses its
	// execution threshold and the server should look again.
	OnReinvestigate func(signatureID string, rb *runbook.Runbook)
}

// Queue is the bounded, prioritized execution queue. Submit may be
// called from any goroutine; Run owns execution.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	items   []*Task
	nextSeq uint64

	notify chan struct{}
	log    zerolog.Logger
}

// New builds a queue from config, filling in defaults.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = NewShellRunner()
	}
	if cfg.HMACEnabled == nil {
		cfg.HMACEnabled = func() bool { return false }
	}
	return &Queue{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		log:    logging.WithComponent("playbook"),
	}
}

// NewTask builds a task with defaults filled in.
func NewTask(rb *runbook.Runbook, source Source, priority Priority) *Task {
	return &Task{
		ID:         "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Runbook:    rb,
		Params:     map[string]string{},
		Source:     source,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Submit runs admission control and enqueues the task.
func (q *Queue) Submit(task *Task) error {
	rb := task.Runbook
	if rb == nil {
		return fmt.Errorf("task %s has no runbook", task.ID)
	}

	// Server tasks must arrive over a verified envelope when HMAC is on.
	if task.Source == SourceServer && q.cfg.HMACEnabled() && !task.Verified {
		return ErrUnverified
	}

	if err := rb.Validate(); err != nil {
		return fmt.Errorf("structural validation: %w", err)
	}

	if isIgnoreInstruction(rb) {
		q.log.Info().
			Str("runbook", rb.ID).
			Str("signature_id", task.SignatureID).
			Msg("ignore-instruction playbook short-circuited")
		if q.cfg.OnIgnoreInstruction != nil {
			q.cfg.OnIgnoreInstruction(task)
		}
		return ErrIgnoreInstruction
	}

	if q.cfg.Memory != nil {
		d := q.cfg.Memory.ShouldAttempt(task.SignalKey, q.cfg.DeviceID, rb.ID, task.Resource)
		if !d.Allowed {
			return fmt.Errorf("%w: %s", ErrVetoed, d.Reason)
		}
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	task.seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, task)
	depth := len(q.items)
	q.mu.Unlock()

	q.log.Debug().
		Str("task_id", task.ID).
		Str("runbook", rb.ID).
		Str("source", task.Source.String()).
		Int("depth", depth).
		Msg("task queued")

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the best task: source first, then priority, then FIFO.
func (q *Queue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if taskLess(q.items[i], q.items[best]) {
			best = i
		}
	}
	task := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return task
}

func taskLess(a, b *Task) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

// Depth reports how many tasks wait in the queue.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of queued task ids in execution order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make([]*Task, len(q.items))
	copy(sorted, q.items)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && taskLess(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = t.Runbook.ID
	}
	return out
}

// Run executes tasks one at a time until the context ends. No two
// playbooks ever run concurrently.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info().Int("capacity", q.cfg.Capacity).Msg("playbook executor started")
	for {
		task := q.pop()
		if task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		q.execute(ctx, task)
	}
}
