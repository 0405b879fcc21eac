// Package housekeeping implements the standing scratch-handle leak sweep:
// the "residual handles are reported" half of the Stage 3 emergency-cleanup
// invariant (spec.md §4.7), turned into a cron-scheduled safety net instead
// of only a shutdown-time action, per SPEC_FULL.md §4's domain-stack
// wiring for github.com/adhocore/gronx (declared in the teacher's go.mod,
// with no call site in the retrieved slice).
package housekeeping

import (
	"strconv"
	"sync"
	"time"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Registry tracks every live ScratchHandle across the lifetime of the
// process, independent of any single forward run, so a crashed or killed
// run's orphaned handles are still discoverable. It satisfies
// forward.Tracker structurally.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	handle    protocol.ScratchHandle
	createdAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register records a newly created ScratchHandle, using h.CreatedAt as the
// staleness clock if set, or the registration moment otherwise.
func (r *Registry) Register(h protocol.ScratchHandle) {
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(h)] = entry{handle: h, createdAt: createdAt}
}

// Unregister removes a handle once it has been reclaimed.
func (r *Registry) Unregister(h protocol.ScratchHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key(h))
}

// Stale returns every registered handle older than threshold, as of now.
func (r *Registry) Stale(now time.Time, threshold time.Duration) []protocol.ScratchHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ScratchHandle
	for _, e := range r.entries {
		if now.Sub(e.createdAt) >= threshold {
			out = append(out, e.handle)
		}
	}
	return out
}

// Len reports how many handles are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func key(h protocol.ScratchHandle) string {
	return h.OwningSession + "/" + strconv.FormatInt(h.ScratchMsgID, 10)
}
