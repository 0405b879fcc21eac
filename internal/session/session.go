// Package session implements the Session Pool of spec.md §4.1 (component
// C3): ownership of authenticated transport handles, lifecycle tracking,
// the "at-least-one-logged-in" invariant, and deterministic session
// selection for assignment. It is grounded on the teacher's
// internal/sessions package (session identity, composite keys, a
// concurrency-safe map owned by one Manager-like type) adapted from a chat
// conversation registry to an authenticated-transport registry.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vanducng/mediarelay/internal/remote"
)

// State is the Session lifecycle of spec.md §3.
type State string

const (
	StateDisabled     State = "disabled"
	StateNotLoggedIn  State = "not-logged-in"
	StateLoggingIn    State = "logging-in"
	StateLoggedIn     State = "logged-in"
	StateLoginFailed  State = "login-failed"
	StateError        State = "error"
)

// Session is one authenticated transport handle owned exclusively by the
// Pool. ScratchHandles it owns (forward mode) are tracked by the forward
// package, not here — the Pool only owns lifecycle and the Client itself.
type Session struct {
	mu sync.Mutex

	// callMu serializes every leased call against this session's Client,
	// per spec.md §5 "the remote library is not re-entrant per session".
	// It is distinct from mu, which only guards lifecycle fields and must
	// never be held across a Client call.
	callMu sync.Mutex

	Name      string
	client    remote.Client
	artifact  []byte // opaque persisted auth blob; nil if never enrolled
	enabled   bool
	state     State
	failReason string
	isPremium bool
	lastActive time.Time
}

func newSession(name string, client remote.Client, artifact []byte, enabled bool) *Session {
	state := StateNotLoggedIn
	if !enabled {
		state = StateDisabled
	}
	return &Session{Name: name, client: client, artifact: artifact, enabled: enabled, state: state}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsPremium reports the cached Premium-capability flag, which governs the
// caption length cap (1024 normal / 4096 Premium — spec.md §4.1).
func (s *Session) IsPremium() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPremium
}

// CaptionCap returns the per-session caption character cap.
func (s *Session) CaptionCap() int {
	if s.IsPremium() {
		return 4096
	}
	return 1024
}

// Client returns the underlying transport handle. Callers must go through
// Pool.Lease rather than calling this directly so rate-limit admission and
// the single-outstanding-call invariant are respected.
func (s *Session) Client() remote.Client { return s.client }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// silentLogin performs the §4.1 "Silent re-login on startup" sequence:
// instantiate transport, connect, fetch self-identity, and on success move
// to logged-in while recording Premium capability. Failures move to
// login-failed with the recorded reason.
func (s *Session) silentLogin(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateLoggingIn
	artifact := s.artifact
	s.mu.Unlock()

	if len(artifact) == 0 {
		s.mu.Lock()
		s.state = StateNotLoggedIn
		s.mu.Unlock()
		return nil
	}

	if err := s.client.Connect(ctx, artifact); err != nil {
		s.mu.Lock()
		s.state = StateLoginFailed
		s.failReason = err.Error()
		s.mu.Unlock()
		return err
	}

	identity, err := s.client.SelfIdentity(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateLoginFailed
		s.failReason = err.Error()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateLoggedIn
	s.isPremium = identity.IsPremium
	s.failReason = ""
	s.mu.Unlock()
	s.touch()
	return nil
}

// markError transitions the session to the unrecoverable error state
// (spec.md §4.1 "Failure"): dropped from ListLoggedIn but kept for
// inspection.
func (s *Session) markError(reason string) {
	s.mu.Lock()
	s.state = StateError
	s.failReason = reason
	s.mu.Unlock()
}

// Info is a read-only snapshot of a session's lifecycle for reporting.
type Info struct {
	Name       string
	State      State
	Enabled    bool
	IsPremium  bool
	FailReason string
	LastActive time.Time
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:       s.Name,
		State:      s.state,
		Enabled:    s.enabled,
		IsPremium:  s.isPremium,
		FailReason: s.failReason,
		LastActive: s.lastActive,
	}
}

// ErrLastSessionProtected is returned by Disable when called on the sole
// logged-in session (spec.md §4.1 invariant).
var ErrLastSessionProtected = fmt.Errorf("session: cannot disable the last logged-in session")
