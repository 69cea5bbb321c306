package playbook

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptAskAnswerRoundtrip(t *testing.T) {
	published := make(chan Prompt, 1)
	p := NewPrompter(func(pr Prompt) { published <- pr })

	done := make(chan struct{})
	var answer string
	var err error
	go func() {
		defer close(done)
		answer, err = p.Ask(context.Background(), "task-abc", "restart the print spooler?", nil)
	}()

	pr := <-published
	assert.Equal(t, "task-abc", pr.TaskID)
	assert.Equal(t, []string{"approve", "decline"}, pr.Options, "default options")
	assert.True(t, strings.HasPrefix(pr.ID, "prompt-"))
	assert.True(t, pr.Deadline.After(pr.AskedAt))

	require.True(t, p.Answer(pr.ID, "approve"))
	<-done
	require.NoError(t, err)
	assert.Equal(t, "approve", answer)

	assert.Empty(t, p.Outstanding(), "answered prompt is no longer waiting")
}

func TestPromptDeclineIsError(t *testing.T) {
	published := make(chan Prompt, 1)
	p := NewPrompter(func(pr Prompt) { published <- pr })

	done := make(chan error, 1)
	go func() {
		_, err := p.Ask(context.Background(), "task-abc", "reboot now?", []string{"yes", "decline"})
		done <- err
	}()

	pr := <-published
	require.True(t, p.Answer(pr.ID, "Decline"))
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declined")
}

func TestPromptTimesOut(t *testing.T) {
	p := NewPrompter(func(Prompt) {})
	p.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := p.Ask(context.Background(), "task-abc", "still there?", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPromptContextCancel(t *testing.T) {
	p := NewPrompter(func(Prompt) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Ask(ctx, "task-abc", "waiting", nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func TestPromptAnswerUnknownID(t *testing.T) {
	p := NewPrompter(func(Prompt) {})
	assert.False(t, p.Answer("prompt-nope", "approve"))
}

func TestPromptNoSurface(t *testing.T) {
	p := NewPrompter(nil)
	_, err := p.Ask(context.Background(), "task-abc", "anyone?", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompt surface")
}
