package runbook

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
)

// Library is the set of locally available runbooks: builtins plus
// whatever the runbooks directory contains. Reload replaces the whole
// set; a broken file is skipped, never fatal.
type Library struct {
	dir string
	log zerolog.Logger

	mu    sync.RWMutex
	books map[string]*Runbook
}

// NewLibrary loads builtins and the directory once. dir may be empty.
func NewLibrary(dir string) *Library {
	l := &Library{
		dir: dir,
		log: logging.WithComponent("runbooks"),
	}
	l.Reload()
	return l
}

// Reload re-reads the directory and swaps the active set.
func (l *Library) Reload() {
	books := make(map[string]*Runbook)

	for _, rb := range builtins() {
		rb.RiskClass = Classify(rb)
		books[rb.ID] = rb
	}

	if l.dir != "" {
		l.loadDir(books)
	}

	l.mu.Lock()
	l.books = books
	l.mu.Unlock()
	l.log.Info().Int("count", len(books)).Msg("runbook library loaded")
}

func (l *Library) loadDir(books map[string]*Runbook) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn().Err(err).Str("file", name).Msg("read runbook file")
			continue
		}

		var doc struct {
			Runbooks []*Runbook `json:"runbooks" yaml:"runbooks"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Runbooks) == 0 {
			// Single-runbook file.
			var one Runbook
			if err := yaml.Unmarshal(data, &one); err != nil {
				l.log.Warn().Err(err).Str("file", name).Msg("parse runbook file")
				continue
			}
			doc.Runbooks = []*Runbook{&one}
		}

		for _, rb := range doc.Runbooks {
			if err := rb.Validate(); err != nil {
				l.log.Warn().Err(err).Str("file", name).Msg("invalid runbook skipped")
				continue
			}
			if _, exists := books[rb.ID]; exists && books[rb.ID].Source == "builtin" {
				l.log.Warn().Str("id", rb.ID).Str("file", name).Msg("runbook shadows a builtin, skipped")
				continue
			}
			rb.RiskClass = Classify(rb)
			if rb.Source == "" {
				rb.Source = "library"
			}
			books[rb.ID] = rb
		}
	}
}

// Get returns a copy of one runbook.
func (l *Library) Get(id string) (Runbook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rb, ok := l.books[id]
	if !ok {
		return Runbook{}, false
	}
	return *rb, true
}

// FindMatch returns the best runbook declaring itself a remedy for the
// signal coordinates. Specific target matches beat wildcard ones.
func (l *Library) FindMatch(category, metric, target string) (Runbook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	best := ""
	bestScore := -1
	for id, rb := range l.books {
		if !rb.MatchesSignal(category, metric, target) {
			continue
		}
		score := 0
		if len(rb.Match.Targets) > 0 {
			score += 2
		}
		if len(rb.Match.Metrics) > 0 {
			score++
		}
		if score > bestScore || (score == bestScore && id < best) {
			best = id
			bestScore = score
		}
	}
	if best == "" {
		return Runbook{}, false
	}
	return *l.books[best], true
}

// Count returns the number of loaded runbooks.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.books)
}

// IDs returns the loaded ids, sorted.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.books))
	for id := range l.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the library when files in the runbooks directory change.
// Events are debounced so an editor save burst reloads once. Blocks
// until ctx is done; callers run it in its own goroutine.
func (l *Library) Watch(ctx context.Context, onReload func()) error {
	if l.dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn().Err(err).Msg("runbook watcher")
		case <-reload:
			l.Reload()
			if onReload != nil {
				onReload()
			}
		}
	}
}
