package baseline

import (
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

type persisted struct {
	Metrics map[string]*series `json:"metrics"`
}

// Save writes the learned history to path.
func (p *Profiler) Save(path string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return statefile.Save(path, persisted{Metrics: p.metrics})
}

// Load restores history from path. A missing file leaves the profiler
// empty; history simply starts accumulating again.
func (p *Profiler) Load(path string) error {
	var doc persisted
	found, err := statefile.Load(path, &doc)
	if err != nil {
		return err
	}
	if !found || doc.Metrics == nil {
		return nil
	}
	p.mu.Lock()
	p.metrics = doc.Metrics
	p.mu.Unlock()
	return nil
}
