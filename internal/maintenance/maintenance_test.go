package maintenance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckScopes(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	g := NewGate(filepath.Join(t.TempDir(), "mw.json"), func() time.Time { return now }, nil)

	_, err := g.Add(Window{
		Scope: Scope{Services: []string{"Spooler"}},
		End:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = g.Add(Window{
		Scope: Scope{SignalIDs: []string{"sig-abc123"}},
		End:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, covered := g.Check("service", "Spooler", "sig-zzz")
	assert.True(t, covered)
	_, covered = g.Check("service", "spooler", "sig-zzz")
	assert.True(t, covered, "service match is case-insensitive")
	_, covered = g.Check("service", "W32Time", "sig-zzz")
	assert.False(t, covered)
	_, covered = g.Check("disk", "C", "sig-abc123")
	assert.True(t, covered)

	_, err = g.Add(Window{Scope: Scope{All: true}, End: now.Add(time.Hour)})
	require.NoError(t, err)
	_, covered = g.Check("disk", "C", "sig-anything")
	assert.True(t, covered)
}

func TestWindowNotActiveOutsideRange(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	g := NewGate(filepath.Join(t.TempDir(), "mw.json"), func() time.Time { return clock }, nil)

	_, err := g.Add(Window{
		Scope: Scope{All: true},
		Start: now.Add(time.Hour),
		End:   now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, covered := g.Check("service", "Spooler", "sig")
	assert.False(t, covered, "future window must not cover now")

	clock = now.Add(90 * time.Minute)
	_, covered = g.Check("service", "Spooler", "sig")
	assert.True(t, covered)

	clock = now.Add(3 * time.Hour)
	_, covered = g.Check("service", "Spooler", "sig")
	assert.False(t, covered, "ended window must not cover now")
}

func TestAddRejectsInvertedRange(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	g := NewGate(filepath.Join(t.TempDir(), "mw.json"), func() time.Time { return now }, nil)

	_, err := g.Add(Window{Scope: Scope{All: true}, Start: now, End: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestSweepExpiredFiresCallback(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	var expired []Window
	g := NewGate(filepath.Join(t.TempDir(), "mw.json"), func() time.Time { return clock }, func(w Window) {
		expired = append(expired, w)
	})

	w, err := g.Add(Window{Scope: Scope{Services: []string{"Spooler"}}, End: now.Add(time.Hour)})
	require.NoError(t, err)

	assert.Empty(t, g.SweepExpired())
	require.Empty(t, expired)

	clock = now.Add(2 * time.Hour)
	swept := g.SweepExpired()
	require.Len(t, swept, 1)
	require.Len(t, expired, 1)
	assert.Equal(t, w.ID, expired[0].ID)

	_, covered := g.Check("service", "Spooler", "sig")
	assert.False(t, covered)
}

func TestCancelFiresCallback(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var expired []Window
	g := NewGate(filepath.Join(t.TempDir(), "mw.json"), func() time.Time { return now }, func(w Window) {
		expired = append(expired, w)
	})

	w, err := g.Add(Window{Scope: Scope{All: true}, End: now.Add(time.Hour)})
	require.NoError(t, err)

	assert.True(t, g.Cancel(w.ID))
	assert.Len(t, expired, 1)
	assert.False(t, g.Cancel(w.ID), "double cancel is a no-op")
	assert.Len(t, expired, 1)
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mw.json")
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	g := NewGate(path, func() time.Time { return now }, nil)
	live, err := g.Add(Window{Scope: Scope{Services: []string{"Spooler"}}, End: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = g.Add(Window{Scope: Scope{All: true}, Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)})
	assert.Error(t, err, "already-ended window cannot be added")

	reloaded := NewGate(path, func() time.Time { return now }, nil)
	require.NoError(t, reloaded.Load())

	active := reloaded.Active()
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)

	// Defaults: a window with neither flag set suppresses both.
	assert.True(t, active[0].SuppressEscalation)
	assert.True(t, active[0].SuppressRemediation)
}
