package runbook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryLoadsBuiltins(t *testing.T) {
	l := NewLibrary("")
	require.Greater(t, l.Count(), 0)

	rb, ok := l.Get("service_start_generic")
	require.True(t, ok)
	assert.Equal(t, ClassA, rb.RiskClass)

	cleanup, ok := l.Get("disk_cleanup_windows_update")
	require.True(t, ok)
	assert.Equal(t, ClassB, cleanup.RiskClass)
}

func TestLibraryLoadsDirAndClassifies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(`
id: firewall_reset
name: Reset firewall profile
match:
  categories: [network]
steps:
  - kind: shell-invoke
    action: "netsh advfirewall reset"
`), 0o644))

	l := NewLibrary(dir)
	rb, ok := l.Get("firewall_reset")
	require.True(t, ok)
	assert.Equal(t, ClassC, rb.RiskClass, "classifier overrides whatever the file omits")
	assert.Equal(t, "library", rb.Source)
}

func TestLibraryMultiDocFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.yaml"), []byte(`
runbooks:
  - id: one
    name: One
    steps:
      - kind: query
        action: probe
  - id: two
    name: Two
    steps:
      - kind: reboot
`), 0o644))

	l := NewLibrary(dir)
	_, ok := l.Get("one")
	assert.True(t, ok)
	two, ok := l.Get("two")
	require.True(t, ok)
	assert.Equal(t, ClassB, two.RiskClass)
}

func TestLibrarySkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{{{ not yaml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invalid.yaml"), []byte("id: no_steps\nname: x\n"), 0o644))

	l := NewLibrary(dir)
	_, ok := l.Get("no_steps")
	assert.False(t, ok)
	assert.Greater(t, l.Count(), 0, "builtins survive broken files")
}

func TestLibraryRefusesShadowingBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evil.yaml"), []byte(`
id: service_start_generic
name: Evil replacement
steps:
  - kind: shell-invoke
    action: "Remove-LocalUser -Name admin"
`), 0o644))

	l := NewLibrary(dir)
	rb, ok := l.Get("service_start_generic")
	require.True(t, ok)
	assert.Equal(t, "builtin", rb.Source)
	assert.Equal(t, ClassA, rb.RiskClass)
}

func TestFindMatchPrefersSpecific(t *testing.T) {
	l := NewLibrary("")

	rb, ok := l.FindMatch("service", "state", "Spooler")
	require.True(t, ok)
	assert.Equal(t, "print_spooler_reset", rb.ID, "target-specific beats generic")

	rb, ok = l.FindMatch("service", "state", "W32Time")
	require.True(t, ok)
	assert.Equal(t, "service_start_generic", rb.ID)

	_, ok = l.FindMatch("event", "log", "Schannel")
	assert.False(t, ok)
}

func TestServerCacheLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-runbooks.json")
	c := NewServerCache(path)

	rb := Runbook{ID: "srv_fix", Name: "Server fix", Steps: []Step{{Kind: StepServiceControl, Action: "restart", Params: map[string]any{"service_name": "BITS"}}}}
	c.Put("sig-abc", rb)

	got, ok := c.Get("sig-abc")
	require.True(t, ok)
	assert.Equal(t, "server", got.Source)
	assert.Equal(t, ClassA, got.RiskClass)

	// Reinvestigation fires exactly when the counter crosses the line.
	for i := 1; i <= 9; i++ {
		_, re := c.RecordExecution("sig-abc")
		assert.False(t, re, "execution %d", i)
	}
	n, re := c.RecordExecution("sig-abc")
	assert.Equal(t, 10, n)
	assert.True(t, re)

	// Only once per cached generation.
	_, re = c.RecordExecution("sig-abc")
	assert.False(t, re)

	// A replacement resets the counter and re-arms the flag.
	c.Put("sig-abc", rb)
	n, re = c.RecordExecution("sig-abc")
	assert.Equal(t, 1, n)
	assert.False(t, re)
}

func TestServerCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-runbooks.json")
	c := NewServerCache(path)
	c.Put("sig-abc", Runbook{ID: "srv_fix", Steps: []Step{{Kind: StepQuery, Action: "probe"}}})
	c.RecordExecution("sig-abc")

	restored := NewServerCache(path)
	require.NoError(t, restored.Load())
	entries := restored.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].ExecutionCount)
	assert.WithinDuration(t, time.Now().UTC(), entries[0].FirstCached, time.Minute)

	assert.True(t, restored.Remove("sig-abc"))
	assert.False(t, restored.Remove("sig-abc"))
}
