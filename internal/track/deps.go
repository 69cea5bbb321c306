package track

// SetDependencies replaces the service dependency map. Keys are service
// names, values their direct dependencies (the services they need). The
// provider refreshes this periodically from OS queries.
func (t *Tracker) SetDependencies(deps map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = deps
}

// SuppressedByDependency reports whether a DOWN service should be held
// back because a service it depends on is itself down. Only the root
// cause is emitted. Returns the first ancestor found down.
func (t *Tracker) SuppressedByDependency(serviceName string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := map[string]bool{serviceName: true}
	queue := append([]string(nil), t.deps[serviceName]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		if rec, ok := t.records["service:"+name]; ok && !rec.healthy() {
			return name, true
		}
		queue = append(queue, t.deps[name]...)
	}
	return "", false
}
