package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// fakeClient is a minimal, concurrency-safe remote.Client good enough to
// drive the whole pipeline: every successful send takes the next id from
// nextID, and sendFail makes SendMediaByRef fail.
type fakeClient struct {
	mu        sync.Mutex
	selfID    string
	nextID    int64
	sendFail  bool
}

func (f *fakeClient) Connect(ctx context.Context, artifact []byte) error { return nil }
func (f *fakeClient) Disconnect(ctx context.Context) error               { return nil }
func (f *fakeClient) SelfIdentity(ctx context.Context) (remote.SelfIdentity, error) {
	return remote.SelfIdentity{ID: f.selfID}, nil
}
func (f *fakeClient) FetchMessages(ctx context.Context, channel string, ids []int64) ([]protocol.Message, error) {
	panic("unused")
}
func (f *fakeClient) DownloadMediaSmall(ctx context.Context, msg protocol.Message) ([]byte, error) {
	return []byte("payload"), nil
}
func (f *fakeClient) StreamMedia(ctx context.Context, msg protocol.Message) (func() ([]byte, bool, error), func(), error) {
	panic("unused")
}
func (f *fakeClient) SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (remote.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return remote.SentMessage{RemoteMsgID: f.nextID, MediaRef: "ref"}, nil
}
func (f *fakeClient) SendMediaByRef(ctx context.Context, dest string, kind protocol.MediaKind, mediaRef, caption string) (remote.SentMessage, error) {
	if f.sendFail {
		return remote.SentMessage{}, &remote.FloodWaitError{Seconds: 0}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return remote.SentMessage{RemoteMsgID: f.nextID}, nil
}
func (f *fakeClient) SendMediaGroup(ctx context.Context, dest string, items []remote.GroupItem, caption string) ([]remote.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.SentMessage, len(items))
	for i := range items {
		f.nextID++
		out[i] = remote.SentMessage{RemoteMsgID: f.nextID}
	}
	return out, nil
}
func (f *fakeClient) DeleteMessages(ctx context.Context, chat string, ids []int64) error {
	return nil
}

func buildPipelinePool(t *testing.T, client *fakeClient) *session.Pool {
	t.Helper()
	p, err := session.NewPool(func(name string) (remote.Client, error) { return client, nil },
		[]session.Entry{{Name: "a", Artifact: []byte("tok"), Enabled: true}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if errs := p.StartEnabled(context.Background()); len(errs) != 0 {
		t.Fatalf("StartEnabled: %v", errs)
	}
	return p
}

func TestPipelineRunFullSuccess(t *testing.T) {
	client := &fakeClient{selfID: "self"}
	pool := buildPipelinePool(t, client)
	limiter := ratelimit.NewController(ratelimit.DefaultConfig())
	pipeline := New(pool, limiter, CleanupPolicy{})

	msg := protocol.Message{MessageID: 1, Kind: protocol.MediaDocument, FileName: "a.pdf", AuthorAt: time.Now()}
	assignment := protocol.Assignment{"a": {protocol.NewSingleton(msg)}}

	out := pipeline.Run(context.Background(), assignment, []string{"dest1"}, "source-chan")
	if out.FinalState != StateDoneSuccess {
		t.Fatalf("expected success, got %v (units=%+v)", out.FinalState, out.Units)
	}
	if len(out.Units) != 1 || out.Units[0].Status != protocol.UnitOK {
		t.Fatalf("expected one OK unit, got %+v", out.Units)
	}
	if len(out.Retained) != 0 {
		t.Fatalf("expected no retained scratch on full success, got %d", len(out.Retained))
	}
}

// cancelAfterStage1Client lets every Stage 1 send complete normally, then
// fires cancel once the last expected send has gone through, so the
// pipeline observes ctx.Err() != nil right after Stage 1 finishes but
// before Stage 2 sends anything.
type cancelAfterStage1Client struct {
	fakeClient
	cancel context.CancelFunc
	want   int
	sent   int
}

func (c *cancelAfterStage1Client) SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (remote.SentMessage, error) {
	c.mu.Lock()
	c.sent++
	done := c.sent >= c.want
	c.mu.Unlock()
	sent, err := c.fakeClient.SendMedia(ctx, dest, kind, mediaSource, fileName, caption)
	if done {
		c.cancel()
	}
	return sent, err
}

func TestPipelineRunEmergencyCleansUpOnCancelAfterStage1(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &cancelAfterStage1Client{fakeClient: fakeClient{selfID: "self"}, cancel: cancel, want: 4}
	pool := buildPipelinePool(t, client)
	limiter := ratelimit.NewController(ratelimit.DefaultConfig())
	pipeline := New(pool, limiter, CleanupPolicy{})

	msgs := []protocol.Message{
		{MessageID: 1, Kind: protocol.MediaDocument, FileName: "a.pdf", AuthorAt: time.Now()},
		{MessageID: 2, Kind: protocol.MediaDocument, FileName: "b.pdf", AuthorAt: time.Now()},
		{MessageID: 3, Kind: protocol.MediaDocument, FileName: "c.pdf", AuthorAt: time.Now()},
		{MessageID: 4, Kind: protocol.MediaDocument, FileName: "d.pdf", AuthorAt: time.Now()},
	}
	units := make([]protocol.AtomicUnit, 0, len(msgs))
	for _, m := range msgs {
		units = append(units, protocol.NewSingleton(m))
	}
	assignment := protocol.Assignment{"a": units}

	out := pipeline.Run(ctx, assignment, []string{"dest1"}, "source-chan")

	if out.FinalState != StateEmergencyCleanup {
		t.Fatalf("expected emergency cleanup, got %v", out.FinalState)
	}
	if len(out.Retained) != 0 {
		t.Fatalf("expected all scratch reclaimed by emergency cleanup, got %d retained", len(out.Retained))
	}
	if len(out.Units) != len(msgs) {
		t.Fatalf("expected one outcome per unit, got %d", len(out.Units))
	}
	for _, u := range out.Units {
		if u.Status != protocol.UnitCancelled {
			t.Fatalf("expected unit %d to be cancelled, got %v", u.SourceID, u.Status)
		}
		if len(u.Destinations) != 0 {
			t.Fatalf("expected no destination to have received unit %d, got %+v", u.SourceID, u.Destinations)
		}
	}
}

// dyingClient succeeds at its first `succeedFor` downloads, then reports
// every subsequent one as unauthorized, simulating a session that dies
// partway through its assigned units.
type dyingClient struct {
	fakeClient
	succeedFor int
	calls      int
}

func (c *dyingClient) DownloadMediaSmall(ctx context.Context, msg protocol.Message) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	ok := c.calls <= c.succeedFor
	c.mu.Unlock()
	if !ok {
		return nil, remote.ErrUnauthorized
	}
	return c.fakeClient.DownloadMediaSmall(ctx, msg)
}

func buildMultiSessionPool(t *testing.T, clients map[string]remote.Client) *session.Pool {
	t.Helper()
	entries := make([]session.Entry, 0, len(clients))
	for name := range clients {
		entries = append(entries, session.Entry{Name: name, Artifact: []byte("tok"), Enabled: true})
	}
	p, err := session.NewPool(func(name string) (remote.Client, error) { return clients[name], nil }, entries)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if errs := p.StartEnabled(context.Background()); len(errs) != 0 {
		t.Fatalf("StartEnabled: %v", errs)
	}
	return p
}

func TestPipelineRunRedistributesUnprocessedUnitsOnSessionLoss(t *testing.T) {
	// clientA dies on its very first unit; its second, not-yet-started
	// unit must be redistributed to session b rather than failed outright.
	clientA := &dyingClient{fakeClient: fakeClient{selfID: "self-a"}, succeedFor: 0}
	clientB := &fakeClient{selfID: "self-b"}
	pool := buildMultiSessionPool(t, map[string]remote.Client{"a": clientA, "b": clientB})
	limiter := ratelimit.NewController(ratelimit.DefaultConfig())
	pipeline := New(pool, limiter, CleanupPolicy{})

	msg1 := protocol.Message{MessageID: 1, Kind: protocol.MediaDocument, FileName: "a.pdf", AuthorAt: time.Now()}
	msg2 := protocol.Message{MessageID: 2, Kind: protocol.MediaDocument, FileName: "b.pdf", AuthorAt: time.Now()}
	assignment := protocol.Assignment{
		"a": {protocol.NewSingleton(msg1), protocol.NewSingleton(msg2)},
		"b": nil,
	}

	out := pipeline.Run(context.Background(), assignment, []string{"dest1"}, "source-chan")

	byID := make(map[int64]protocol.UnitOutcome, len(out.Units))
	for _, u := range out.Units {
		byID[u.SourceID] = u
	}
	if len(byID) != 2 {
		t.Fatalf("expected both units accounted for, got %+v", out.Units)
	}
	if got := byID[1].Status; got != protocol.UnitFailed {
		t.Fatalf("expected unit 1 (already in flight when session a died) to fail, got %v", got)
	}
	if got := byID[2].Status; got != protocol.UnitOK {
		t.Fatalf("expected unit 2 (not yet started) to succeed after redistribution to session b, got %v (%s)", got, byID[2].Detail)
	}
	if got := pool.ListLoggedIn(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected session %q marked errored and only %q left logged in, got %v", "a", "b", got)
	}
}

func TestPipelineRunRetainsScratchOnSendFailure(t *testing.T) {
	client := &fakeClient{selfID: "self", sendFail: true}
	pool := buildPipelinePool(t, client)
	limiter := ratelimit.NewController(ratelimit.DefaultConfig())
	pipeline := New(pool, limiter, CleanupPolicy{}) // default: retain on failure

	msg := protocol.Message{MessageID: 1, Kind: protocol.MediaVoice, FileName: "v.ogg", AuthorAt: time.Now()}
	assignment := protocol.Assignment{"a": {protocol.NewSingleton(msg)}}

	out := pipeline.Run(context.Background(), assignment, []string{"dest1"}, "source-chan")
	if out.FinalState != StateDonePartial {
		t.Fatalf("expected partial outcome, got %v", out.FinalState)
	}
	if len(out.Retained) == 0 {
		t.Fatalf("expected retained scratch for the failed unit's destination")
	}
}
