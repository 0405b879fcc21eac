// Package bus implements the one-way progress/log event stream of
// spec.md Design Notes §9 ("Back-references between workers and UI...
// Replace with a one-way event stream the driver emits; consumers (UI,
// log) subscribe"). The Workflow Driver publishes Events, including the
// forward pipeline's unit outcomes; nothing downstream calls back into it. Grounded on the
// teacher's internal/bus.EventPublisher (Subscribe/Unsubscribe/Broadcast),
// adapted from WebSocket client fan-out to run-progress fan-out.
package bus

import (
	"sync"
	"time"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Kind enumerates the events the driver emits.
type Kind string

const (
	KindStageStarted   Kind = "stage_started"
	KindStageCompleted Kind = "stage_completed"
	KindUnitOutcome    Kind = "unit_outcome"
	KindLog            Kind = "log"
)

// Event is one progress or log notification.
type Event struct {
	Kind    Kind
	Time    time.Time
	Stage   string
	Message string
	Unit    *protocol.UnitOutcome
}

// Handler consumes a broadcast Event.
type Handler func(Event)

// Publisher abstracts event broadcast and subscription, matching the
// teacher's EventPublisher interface.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process Publisher implementation. It does not retain
// events: a subscriber that joins after an event was broadcast never sees
// it, matching the teacher's own MessageBus semantics.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers event to every current subscriber, synchronously and
// in no particular order. Handlers must not block.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subs {
		h(event)
	}
}
