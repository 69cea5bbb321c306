// Package exclusion holds the permanent suppression sets: resources the
// operator or server decided this agent should stop caring about. Sets
// are additive and idempotent; applying the same decision twice is a
// no-op.
package exclusion

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/statefile"
)

// Categories an exclusion can target.
const (
	CategoryServices   = "services"
	CategoryProcesses  = "processes"
	CategorySignatures = "signatures"
)

type sets struct {
	Services   []string `json:"services"`
	Processes  []string `json:"processes"`
	Signatures []string `json:"signatures"`
}

// Lists is the three categorical exclusion sets plus the signature
// ignore list. Both persist to their own files.
type Lists struct {
	mu         sync.RWMutex
	services   map[string]bool
	processes  map[string]bool
	signatures map[string]bool
	ignored    map[string]bool

	exclusionsPath string
	ignorePath     string
	log            zerolog.Logger
}

// NewLists returns empty lists persisting to the given files.
func NewLists(exclusionsPath, ignorePath string) *Lists {
	return &Lists{
		services:       map[string]bool{},
		processes:      map[string]bool{},
		signatures:     map[string]bool{},
		ignored:        map[string]bool{},
		exclusionsPath: exclusionsPath,
		ignorePath:     ignorePath,
		log:            logging.WithComponent("exclusions"),
	}
}

// Load restores both files; missing files start empty.
func (l *Lists) Load() error {
	var excl sets
	if _, err := statefile.Load(l.exclusionsPath, &excl); err != nil {
		return err
	}
	var ign struct {
		Signatures []string `json:"signatures"`
	}
	if _, err := statefile.Load(l.ignorePath, &ign); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range excl.Services {
		l.services[normalize(s)] = true
	}
	for _, p := range excl.Processes {
		l.processes[normalize(p)] = true
	}
	for _, sig := range excl.Signatures {
		l.signatures[sig] = true
	}
	for _, id := range ign.Signatures {
		l.ignored[id] = true
	}
	return nil
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Add puts name into the given category set. Returns true when the set
// actually changed.
func (l *Lists) Add(category, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("empty exclusion name")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var set map[string]bool
	key := name
	switch category {
	case CategoryServices:
		set, key = l.services, normalize(name)
	case CategoryProcesses:
		set, key = l.processes, normalize(name)
	case CategorySignatures:
		set = l.signatures
	default:
		return false, fmt.Errorf("unknown exclusion category %q", category)
	}

	if set[key] {
		return false, nil
	}
	set[key] = true
	l.persistExclusionsLocked()
	l.log.Info().Str("category", category).Str("name", name).Msg("exclusion added")
	return true, nil
}

// Ignore adds a signature id to the ignore list.
func (l *Lists) Ignore(signatureID string) bool {
	if signatureID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ignored[signatureID] {
		return false
	}
	l.ignored[signatureID] = true
	l.persistIgnoreLocked()
	return true
}

// IsIgnored reports whether a signature is on the ignore list or in the
// signature exclusion set.
func (l *Lists) IsIgnored(signatureID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ignored[signatureID] || l.signatures[signatureID]
}

// IsExcluded reports whether a resource in the given category is
// excluded from monitoring.
func (l *Lists) IsExcluded(category, name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch category {
	case CategoryServices:
		return l.services[normalize(name)]
	case CategoryProcesses:
		return l.processes[normalize(name)]
	case CategorySignatures:
		return l.signatures[name]
	}
	return false
}

// Snapshot returns sorted copies of all four sets.
func (l *Lists) Snapshot() (services, processes, signatures, ignored []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.services), sortedKeys(l.processes), sortedKeys(l.signatures), sortedKeys(l.ignored)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Lists) persistExclusionsLocked() {
	doc := sets{
		Services:   sortedKeys(l.services),
		Processes:  sortedKeys(l.processes),
		Signatures: sortedKeys(l.signatures),
	}
	if err := statefile.Save(l.exclusionsPath, doc); err != nil {
		l.log.Warn().Err(err).Msg("persist exclusions")
	}
}

func (l *Lists) persistIgnoreLocked() {
	doc := struct {
		Signatures []string `json:"signatures"`
	}{Signatures: sortedKeys(l.ignored)}
	if err := statefile.Save(l.ignorePath, doc); err != nil {
		l.log.Warn().Err(err).Msg("persist ignore list")
	}
}
