package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vanducng/mediarelay/internal/remote"
)

// Factory builds a fresh, unconnected transport handle for one session
// name. The Pool calls this once per enrolled session; swapping the
// factory (e.g. in tests) swaps the transport without touching Pool logic.
type Factory func(name string) (remote.Client, error)

// Pool owns every enrolled Session and enforces the §4.1 invariants: at
// least one session must remain logged in while the engine runs, logins
// happen sequentially at startup, and leases hand out exclusive access to
// one session's Client at a time. Grounded on the teacher's
// internal/sessions.Manager (mutex-guarded map, composite lookups) adapted
// from chat-session bookkeeping to transport-session lifecycle.
type Pool struct {
	mu       sync.RWMutex
	order    []string // enrolment order, used for deterministic iteration
	sessions map[string]*Session
}

// NewPool builds a Pool from enrolled session names, each created via
// factory with its persisted artifact (nil if never enrolled) and initial
// enabled flag.
func NewPool(factory Factory, entries []Entry) (*Pool, error) {
	p := &Pool{sessions: make(map[string]*Session)}
	for _, e := range entries {
		client, err := factory(e.Name)
		if err != nil {
			return nil, fmt.Errorf("session: build transport for %q: %w", e.Name, err)
		}
		p.sessions[e.Name] = newSession(e.Name, client, e.Artifact, e.Enabled)
		p.order = append(p.order, e.Name)
	}
	return p, nil
}

// Entry is one persisted session enrolment record, as loaded from the auth
// store (internal/store/file.AuthStore).
type Entry struct {
	Name     string
	Artifact []byte
	Enabled  bool
}

// StartEnabled performs the §4.1 "silent re-login on startup" sequence for
// every enabled session, sequentially and in enrolment order — concurrent
// logins are explicitly out of scope (spec.md §4.1 Non-goals). It returns
// after all enabled sessions have attempted login, regardless of individual
// failures; call ListLoggedIn afterward to check the at-least-one invariant.
func (p *Pool) StartEnabled(ctx context.Context) []error {
	var errs []error
	for _, name := range p.order {
		s := p.get(name)
		if s == nil || !s.enabled {
			continue
		}
		if err := s.silentLogin(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", name, err))
		}
	}
	return errs
}

// StopAll disconnects every logged-in session, best-effort.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.sessions {
		if s.State() == StateLoggedIn {
			_ = s.client.Disconnect(ctx)
		}
	}
}

func (p *Pool) get(name string) *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[name]
}

// ListLoggedIn returns the names of sessions currently in StateLoggedIn,
// sorted by session name.
func (p *Pool) ListLoggedIn() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, name := range p.order {
		if p.sessions[name].State() == StateLoggedIn {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ListAll returns a snapshot Info for every enrolled session, in enrolment
// order — the source for `relay sessions` output.
func (p *Pool) ListAll() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.sessions[name].info())
	}
	return out
}

// Enable flips a session's enabled flag on and attempts a login if it is
// not already logged in. Safe to call on an already-enabled session.
func (p *Pool) Enable(ctx context.Context, name string) error {
	s := p.get(name)
	if s == nil {
		return fmt.Errorf("session: unknown session %q", name)
	}
	s.mu.Lock()
	s.enabled = true
	needsLogin := s.state != StateLoggedIn
	s.mu.Unlock()
	if needsLogin {
		return s.silentLogin(ctx)
	}
	return nil
}

// Disable flips a session's enabled flag off and disconnects it, unless it
// is the sole remaining logged-in session (spec.md §4.1 invariant), in
// which case it returns ErrLastSessionProtected and makes no change.
func (p *Pool) Disable(ctx context.Context, name string) error {
	s := p.get(name)
	if s == nil {
		return fmt.Errorf("session: unknown session %q", name)
	}

	if s.State() == StateLoggedIn && len(p.ListLoggedIn()) <= 1 {
		return ErrLastSessionProtected
	}

	s.mu.Lock()
	s.enabled = false
	wasLoggedIn := s.state == StateLoggedIn
	s.state = StateDisabled
	s.mu.Unlock()

	if wasLoggedIn {
		return s.client.Disconnect(ctx)
	}
	return nil
}

// Handle is a leased, exclusive reference to one session's transport
// Client plus the metadata callers need for rate-limit admission and
// caption capping.
type Handle struct {
	Name       string
	Client     remote.Client
	CaptionCap int
	release    func()
}

// Release returns the session to the pool. Every successful Lease must be
// paired with exactly one Release.
func (h *Handle) Release() {
	if h.release != nil {
		h.release()
	}
}

// Lease returns an exclusive Handle for the named session, or an error if
// it is not currently logged in. Lease blocks until any other outstanding
// lease on the same session is released, enforcing spec.md §5's "one
// outstanding call per session" — the remote client is not re-entrant per
// session, so callers across stages (e.g. forward's per-destination fan-out
// in stage 2) may call Lease concurrently on the same name and still only
// ever hold one Client call against it at a time. Every successful Lease
// must be paired with exactly one Handle.Release, including on error paths,
// or the session deadlocks for the rest of the run.
func (p *Pool) Lease(name string) (*Handle, error) {
	s := p.get(name)
	if s == nil {
		return nil, fmt.Errorf("session: unknown session %q", name)
	}
	if s.State() != StateLoggedIn {
		return nil, fmt.Errorf("session: %q is not logged in (state=%s)", name, s.State())
	}

	s.callMu.Lock()
	if s.State() != StateLoggedIn {
		s.callMu.Unlock()
		return nil, fmt.Errorf("session: %q is not logged in (state=%s)", name, s.State())
	}
	s.touch()

	var once sync.Once
	return &Handle{Name: name, Client: s.client, CaptionCap: s.CaptionCap(), release: func() { once.Do(s.callMu.Unlock) }}, nil
}

// LeaseAny returns a Handle for the least-recently-used logged-in session,
// for callers that need any available session rather than a specific one.
func (p *Pool) LeaseAny() (*Handle, error) {
	names := p.ListLoggedIn()
	if len(names) == 0 {
		return nil, fmt.Errorf("session: no logged-in sessions available")
	}
	p.mu.RLock()
	sort.Slice(names, func(i, j int) bool {
		return p.sessions[names[i]].lastActive.Before(p.sessions[names[j]].lastActive)
	})
	p.mu.RUnlock()
	return p.Lease(names[0])
}

// MarkError transitions name into the unrecoverable error state, dropping
// it from ListLoggedIn for the remainder of the run (spec.md §4.1
// "Failure").
func (p *Pool) MarkError(name, reason string) {
	if s := p.get(name); s != nil {
		s.markError(reason)
	}
}
