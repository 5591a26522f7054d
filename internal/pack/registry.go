package pack

import "sync"

// registry tracks one handle per pack id. Terminal handles stay
// registered so finished progress remains queryable; starting a new
// download replaces them.
type registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

// add registers a handle for a pack. It reports false if the pack
// already has a non-terminal handle.
func (r *registry) add(packID string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handles == nil {
		r.handles = make(map[string]*handle)
	}

	if existing, ok := r.handles[packID]; ok {
		if !existing.Snapshot().Status.Terminal() {
			return false
		}
	}

	r.handles[packID] = h
	return true
}

func (r *registry) get(packID string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[packID]
	return h, ok
}

func (r *registry) snapshots() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Progress, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Snapshot())
	}
	return out
}
