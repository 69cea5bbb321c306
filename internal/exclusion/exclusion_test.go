package exclusion

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLists(t *testing.T) *Lists {
	t.Helper()
	dir := t.TempDir()
	return NewLists(filepath.Join(dir, "exclusions.json"), filepath.Join(dir, "ignore-list.json"))
}

func TestAddIsIdempotent(t *testing.T) {
	l := newTestLists(t)

	changed, err := l.Add(CategoryServices, "Fax")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = l.Add(CategoryServices, "Fax")
	require.NoError(t, err)
	assert.False(t, changed, "second add of the same name must be a no-op")

	assert.True(t, l.IsExcluded(CategoryServices, "Fax"))
}

func TestServiceNamesCaseInsensitive(t *testing.T) {
	l := newTestLists(t)

	_, err := l.Add(CategoryServices, "Spooler")
	require.NoError(t, err)

	assert.True(t, l.IsExcluded(CategoryServices, "spooler"))
	assert.True(t, l.IsExcluded(CategoryServices, "SPOOLER"))
}

func TestSignatureExclusionExactMatch(t *testing.T) {
	l := newTestLists(t)

	_, err := l.Add(CategorySignatures, "sig-abc123def4567890")
	require.NoError(t, err)

	assert.True(t, l.IsExcluded(CategorySignatures, "sig-abc123def4567890"))
	assert.False(t, l.IsExcluded(CategorySignatures, "sig-ABC123DEF4567890"))
}

func TestUnknownCategoryRejected(t *testing.T) {
	l := newTestLists(t)

	_, err := l.Add("printers", "HP LaserJet")
	assert.Error(t, err)
}

func TestIgnoreList(t *testing.T) {
	l := newTestLists(t)

	assert.True(t, l.Ignore("sig-1111111111111111"))
	assert.False(t, l.Ignore("sig-1111111111111111"))
	assert.True(t, l.IsIgnored("sig-1111111111111111"))
	assert.False(t, l.IsIgnored("sig-2222222222222222"))
}

func TestSignatureExclusionAlsoIgnores(t *testing.T) {
	l := newTestLists(t)

	_, err := l.Add(CategorySignatures, "sig-3333333333333333")
	require.NoError(t, err)

	assert.True(t, l.IsIgnored("sig-3333333333333333"))
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	exclPath := filepath.Join(dir, "exclusions.json")
	ignPath := filepath.Join(dir, "ignore-list.json")

	l := NewLists(exclPath, ignPath)
	_, err := l.Add(CategoryServices, "Fax")
	require.NoError(t, err)
	_, err = l.Add(CategoryProcesses, "chrome.exe")
	require.NoError(t, err)
	l.Ignore("sig-4444444444444444")

	reloaded := NewLists(exclPath, ignPath)
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.IsExcluded(CategoryServices, "fax"))
	assert.True(t, reloaded.IsExcluded(CategoryProcesses, "chrome.exe"))
	assert.True(t, reloaded.IsIgnored("sig-4444444444444444"))

	services, processes, _, ignored := reloaded.Snapshot()
	assert.Equal(t, []string{"fax"}, services)
	assert.Equal(t, []string{"chrome.exe"}, processes)
	assert.Equal(t, []string{"sig-4444444444444444"}, ignored)
}

func TestLoadMissingFilesStartsEmpty(t *testing.T) {
	l := newTestLists(t)
	require.NoError(t, l.Load())

	services, processes, signatures, ignored := l.Snapshot()
	assert.Empty(t, services)
	assert.Empty(t, processes)
	assert.Empty(t, signatures)
	assert.Empty(t, ignored)
}
