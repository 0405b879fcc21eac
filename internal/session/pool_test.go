package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// fakeClient is a minimal remote.Client stub for pool lifecycle tests. Only
// the methods the Pool exercises (Connect, Disconnect, SelfIdentity) do
// anything interesting; the rest panic if ever called, so a test that
// reaches them fails loudly instead of silently returning zero values.
type fakeClient struct {
	connectErr error
	premium    bool
}

func (f *fakeClient) Connect(ctx context.Context, artifact []byte) error { return f.connectErr }
func (f *fakeClient) Disconnect(ctx context.Context) error               { return nil }
func (f *fakeClient) SelfIdentity(ctx context.Context) (remote.SelfIdentity, error) {
	return remote.SelfIdentity{ID: "1", Name: "fake", IsPremium: f.premium}, nil
}
func (f *fakeClient) FetchMessages(ctx context.Context, channel string, ids []int64) ([]protocol.Message, error) {
	panic("not used by pool tests")
}
func (f *fakeClient) DownloadMediaSmall(ctx context.Context, msg protocol.Message) ([]byte, error) {
	panic("not used by pool tests")
}
func (f *fakeClient) StreamMedia(ctx context.Context, msg protocol.Message) (func() ([]byte, bool, error), func(), error) {
	panic("not used by pool tests")
}
func (f *fakeClient) SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (remote.SentMessage, error) {
	panic("not used by pool tests")
}
func (f *fakeClient) SendMediaByRef(ctx context.Context, dest string, kind protocol.MediaKind, mediaRef, caption string) (remote.SentMessage, error) {
	panic("not used by pool tests")
}
func (f *fakeClient) SendMediaGroup(ctx context.Context, dest string, items []remote.GroupItem, caption string) ([]remote.SentMessage, error) {
	panic("not used by pool tests")
}
func (f *fakeClient) DeleteMessages(ctx context.Context, chat string, ids []int64) error {
	panic("not used by pool tests")
}

func newTestPool(t *testing.T, entries []Entry, clients map[string]*fakeClient) *Pool {
	t.Helper()
	p, err := NewPool(func(name string) (remote.Client, error) {
		return clients[name], nil
	}, entries)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func TestStartEnabledLogsInEnabledSessions(t *testing.T) {
	clients := map[string]*fakeClient{
		"a": {premium: true},
		"b": {},
	}
	p := newTestPool(t, []Entry{
		{Name: "a", Artifact: []byte("tok"), Enabled: true},
		{Name: "b", Artifact: []byte("tok"), Enabled: false},
	}, clients)

	errs := p.StartEnabled(context.Background())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	logged := p.ListLoggedIn()
	if len(logged) != 1 || logged[0] != "a" {
		t.Fatalf("expected only %q logged in, got %v", "a", logged)
	}

	all := p.ListAll()
	for _, info := range all {
		if info.Name == "b" && info.State != StateDisabled {
			t.Fatalf("expected disabled session to stay disabled, got %v", info.State)
		}
	}
}

func TestStartEnabledWithoutArtifactStaysNotLoggedIn(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Enabled: true}}, map[string]*fakeClient{"a": {}})
	p.StartEnabled(context.Background())
	if got := p.get("a").State(); got != StateNotLoggedIn {
		t.Fatalf("expected not-logged-in, got %v", got)
	}
}

func TestDisableLastLoggedInSessionRejected(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}}, map[string]*fakeClient{"a": {}})
	p.StartEnabled(context.Background())

	if err := p.Disable(context.Background(), "a"); err != ErrLastSessionProtected {
		t.Fatalf("expected ErrLastSessionProtected, got %v", err)
	}
	if len(p.ListLoggedIn()) != 1 {
		t.Fatalf("session should remain logged in after rejected disable")
	}
}

func TestDisableNonLastSessionSucceeds(t *testing.T) {
	p := newTestPool(t, []Entry{
		{Name: "a", Artifact: []byte("tok"), Enabled: true},
		{Name: "b", Artifact: []byte("tok"), Enabled: true},
	}, map[string]*fakeClient{"a": {}, "b": {}})
	p.StartEnabled(context.Background())

	if err := p.Disable(context.Background(), "b"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	logged := p.ListLoggedIn()
	if len(logged) != 1 || logged[0] != "a" {
		t.Fatalf("expected only %q logged in, got %v", "a", logged)
	}
}

func TestLeaseRejectsSessionNotLoggedIn(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Enabled: false}}, map[string]*fakeClient{"a": {}})
	if _, err := p.Lease("a"); err == nil {
		t.Fatalf("expected error leasing a disabled session")
	}
}

func TestLeaseReturnsPremiumCaptionCap(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}}, map[string]*fakeClient{"a": {premium: true}})
	p.StartEnabled(context.Background())

	h, err := p.Lease("a")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if h.CaptionCap != 4096 {
		t.Fatalf("expected premium caption cap 4096, got %d", h.CaptionCap)
	}
}

func TestLeaseAnyPicksLoggedInSession(t *testing.T) {
	p := newTestPool(t, []Entry{
		{Name: "a", Artifact: []byte("tok"), Enabled: true},
		{Name: "b", Enabled: false},
	}, map[string]*fakeClient{"a": {}, "b": {}})
	p.StartEnabled(context.Background())

	h, err := p.LeaseAny()
	if err != nil {
		t.Fatalf("LeaseAny: %v", err)
	}
	if h.Name != "a" {
		t.Fatalf("expected session %q, got %q", "a", h.Name)
	}
}

func TestLeaseAnyErrorsWhenNoneLoggedIn(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Enabled: false}}, map[string]*fakeClient{"a": {}})
	if _, err := p.LeaseAny(); err == nil {
		t.Fatalf("expected error when no sessions are logged in")
	}
}

func TestLeaseSerializesConcurrentCallersOnSameSession(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}}, map[string]*fakeClient{"a": {}})
	p.StartEnabled(context.Background())

	const n = 20
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Lease("a")
			if err != nil {
				t.Errorf("Lease: %v", err)
				return
			}
			cur := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			h.Release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected at most one concurrent lease on the same session, observed %d", got)
	}
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}}, map[string]*fakeClient{"a": {}})
	p.StartEnabled(context.Background())

	h, err := p.Lease("a")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	h.Release()
	h.Release() // must not panic or double-unlock

	if _, err := p.Lease("a"); err != nil {
		t.Fatalf("expected session to be leasable again after release: %v", err)
	}
}

func TestMarkErrorDropsFromLoggedIn(t *testing.T) {
	p := newTestPool(t, []Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}}, map[string]*fakeClient{"a": {}})
	p.StartEnabled(context.Background())

	p.MarkError("a", "boom")
	if len(p.ListLoggedIn()) != 0 {
		t.Fatalf("expected session in error state to be excluded from ListLoggedIn")
	}
}
