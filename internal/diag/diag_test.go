package diag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectServiceCategory(t *testing.T) {
	var scripts []string
	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		scripts = append(scripts, script)
		return "  probe output  \n", nil
	})

	bundle := c.Collect(context.Background(), "service")

	assert.Equal(t, "probe output", bundle["stopped_services"])
	assert.Equal(t, "probe output", bundle["recent_system_events"])
	assert.Contains(t, bundle, "collected_in_ms")
	assert.Len(t, scripts, 2)
}

func TestCollectDedupesProbesAcrossCategories(t *testing.T) {
	calls := 0
	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		calls++
		return "ok", nil
	})

	bundle := c.Collect(context.Background(), "metric", "process")

	// Both categories whitelist a top_processes probe; it runs once.
	assert.Contains(t, bundle, "top_processes")
	assert.Contains(t, bundle, "memory_summary")
	assert.Equal(t, 2, calls)
}

func TestCollectProbeFailureRecorded(t *testing.T) {
	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		return "", errors.New("command not found")
	})

	bundle := c.Collect(context.Background(), "disk")

	out, ok := bundle["disk_usage"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "probe failed:"), "got %q", out)
}

func TestCollectUnknownCategory(t *testing.T) {
	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		t.Fatal("no probe should run for an unknown category")
		return "", nil
	})

	bundle := c.Collect(context.Background(), "printers")

	assert.Len(t, bundle, 1, "only the timing key")
	assert.Contains(t, bundle, "collected_in_ms")
}

func TestCollectSkipsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		t.Fatal("probes must not run once the context is done")
		return "", nil
	})

	bundle := c.Collect(ctx, "network")

	assert.Equal(t, "skipped: diagnostic timeout", bundle["adapter_state"])
	assert.Equal(t, "skipped: diagnostic timeout", bundle["dns_resolution"])
}

func TestFlapReusesServiceProbes(t *testing.T) {
	c := NewCollector(func(ctx context.Context, script string) (string, error) {
		return "ok", nil
	})

	bundle := c.Collect(context.Background(), "flap")

	assert.Contains(t, bundle, "stopped_services")
	assert.Contains(t, bundle, "recent_system_events")
}

func TestCategoriesCoverEveryProbeTable(t *testing.T) {
	for _, cat := range Categories() {
		assert.NotEmpty(t, probes[cat], "category %s has no probes", cat)
	}
}
