package playbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// promptTimeout is how long a user-prompt step waits for an answer
// before the step is treated as declined.
const promptTimeout = 300 * time.Second

// Prompt is a question put to the logged-in user mid-playbook.
type Prompt struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Message  string    `json:"message"`
	Options  []string  `json:"options"`
	AskedAt  time.Time `json:"asked_at"`
	Deadline time.Time `json:"deadline"`
}

// Prompter correlates outstanding prompts with their answers. Ask
// blocks the executor; Answer arrives from the operator surface or the
// server on another goroutine.
type Prompter struct {
	mu      sync.Mutex
	waiting map[string]chan string
	publish func(Prompt)
	timeout time.Duration
}

// NewPrompter builds a prompter. publish delivers the prompt to
// whoever can show it; nil means prompts fail immediately.
func NewPrompter(publish func(Prompt)) *Prompter {
	return &Prompter{
		waiting: map[string]chan string{},
		publish: publish,
		timeout: promptTimeout,
	}
}

// SetTimeout overrides the answer deadline. Test hook.
func (p *Prompter) SetTimeout(d time.Duration) { p.timeout = d }

// Ask publishes a prompt and waits for its answer. Returns the chosen
// option, or an error on timeout, cancellation, or decline.
func (p *Prompter) Ask(ctx context.Context, taskID, message string, options []string) (string, error) {
	if p.publish == nil {
		return "", fmt.Errorf("no prompt surface available")
	}
	if len(options) == 0 {
		options = []string{"approve", "decline"}
	}

	id := "prompt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	ch := make(chan string, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
	}()

	now := time.Now().UTC()
	p.publish(Prompt{
		ID:       id,
		TaskID:   taskID,
		Message:  message,
		Options:  options,
		AskedAt:  now,
		Deadline: now.Add(p.timeout),
	})

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case answer := <-ch:
		if strings.EqualFold(answer, "decline") || strings.EqualFold(answer, "deny") {
			return answer, fmt.Errorf("user declined")
		}
		return answer, nil
	case <-timer.C:
		return "", fmt.Errorf("prompt timed out after %s", p.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer resolves an outstanding prompt. Unknown or expired prompt ids
// report false.
func (p *Prompter) Answer(promptID, response string) bool {
	p.mu.Lock()
	ch, ok := p.waiting[promptID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- response:
		return true
	default:
		return false
	}
}

// Outstanding lists the ids of prompts still waiting for answers.
func (p *Prompter) Outstanding() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.waiting))
	for id := range p.waiting {
		out = append(out, id)
	}
	return out
}
