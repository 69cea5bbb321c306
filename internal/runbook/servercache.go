package runbook

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

// reinvestigateAfter is how many executions a cached server runbook gets
// before the agent asks the server to take another look at the root
// cause. A remedy that keeps being needed is masking something.
const reinvestigateAfter = 10

// CacheEntry is one server-supplied runbook bound to the signature it
// fixes.
type CacheEntry struct {
	SignatureID          string    `json:"signature_id"`
	Runbook              Runbook   `json:"runbook"`
	ExecutionCount       int       `json:"execution_count"`
	FirstCached          time.Time `json:"first_cached"`
	LastExecuted         time.Time `json:"last_executed,omitempty"`
	ReinvestigationAsked bool      `json:"reinvestigation_asked,omitempty"`
}

// ServerCache persists runbooks the server sent down, so a known fix
// applies even while disconnected.
type ServerCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	path    string
	now     func() time.Time
	log     zerolog.Logger
}

// NewServerCache returns a cache persisting to path.
func NewServerCache(path string) *ServerCache {
	return &ServerCache{
		entries: make(map[string]*CacheEntry),
		path:    path,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logging.WithComponent("runbooks"),
	}
}

// Load restores the cache from disk.
func (c *ServerCache) Load() error {
	var doc struct {
		Entries map[string]*CacheEntry `json:"entries"`
	}
	found, err := statefile.Load(c.path, &doc)
	if err != nil {
		return err
	}
	if found && doc.Entries != nil {
		c.mu.Lock()
		c.entries = doc.Entries
		c.mu.Unlock()
	}
	return nil
}

func (c *ServerCache) persistLocked() {
	doc := struct {
		Entries map[string]*CacheEntry `json:"entries"`
	}{Entries: c.entries}
	if err := statefile.Save(c.path, doc); err != nil {
		c.log.Warn().Err(err).Msg("persist server runbook cache")
	}
}

// Put stores or replaces the runbook for a signature. A replacement
// resets the execution counter; the server had a fresh look.
func (c *ServerCache) Put(signatureID string, rb Runbook) {
	rb.Source = "server"
	rb.RiskClass = Classify(&rb)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[signatureID] = &CacheEntry{
		SignatureID: signatureID,
		Runbook:     rb,
		FirstCached: c.now(),
	}
	c.persistLocked()
}

// Get returns the cached runbook for a signature.
func (c *ServerCache) Get(signatureID string) (Runbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[signatureID]
	if !ok {
		return Runbook{}, false
	}
	return e.Runbook, true
}

// RecordExecution bumps the counter and reports whether this execution
// crossed the reinvestigation threshold. The flag fires once per cached
// generation.
func (c *ServerCache) RecordExecution(signatureID string) (count int, reinvestigate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[signatureID]
	if !ok {
		return 0, false
	}
	e.ExecutionCount++
	e.LastExecuted = c.now()
	if e.ExecutionCount >= reinvestigateAfter && !e.ReinvestigationAsked {
		e.ReinvestigationAsked = true
		reinvestigate = true
	}
	c.persistLocked()
	return e.ExecutionCount, reinvestigate
}

// Remove drops one cached entry (reinvestigation resolved it, or the
// server ordered the signature ignored).
func (c *ServerCache) Remove(signatureID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[signatureID]; !ok {
		return false
	}
	delete(c.entries, signatureID)
	c.persistLocked()
	return true
}

// Snapshot returns a copy of all entries for status reporting.
func (c *ServerCache) Snapshot() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}
