package track

import (
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

type persisted struct {
	Records map[string]*Record `json:"records"`
}

// Save writes all records to path.
func (t *Tracker) Save(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return statefile.Save(path, persisted{Records: t.records})
}

// Load restores records from path; missing file starts empty.
func (t *Tracker) Load(path string) error {
	var doc persisted
	found, err := statefile.Load(path, &doc)
	if err != nil {
		return err
	}
	if !found || doc.Records == nil {
		return nil
	}
	t.mu.Lock()
	t.records = doc.Records
	t.mu.Unlock()
	return nil
}
