package machines

import "sync"

// LoadingTracker marks machines that are mid-transition (booting or
// shutting down) so the state payload can report loading=true between the
// start and success events.
type LoadingTracker struct {
	mu      sync.RWMutex
	loading map[string]struct{}
}

// NewLoadingTracker returns an empty tracker.
func NewLoadingTracker() *LoadingTracker {
	return &LoadingTracker{loading: make(map[string]struct{})}
}

// SetLoading flags or clears the transition state of a machine.
func (t *LoadingTracker) SetLoading(id string, loading bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if loading {
		t.loading[id] = struct{}{}
	} else {
		delete(t.loading, id)
	}
}

// IsLoading reports whether the machine is mid-transition.
func (t *LoadingTracker) IsLoading(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.loading[id]
	return ok
}
