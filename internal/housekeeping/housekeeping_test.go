package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

type fakeClient struct {
	selfID   string
	deleted  []int64
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
	panic("unused")
}
func (f *fakeClient) StreamMedia(ctx context.Context, msg protocol.Message) (func() ([]byte, bool, error), func(), error) {
	panic("unused")
}
func (f *fakeClient) SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (remote.SentMessage, error) {
	panic("unused")
}
func (f *fakeClient) SendMediaByRef(ctx context.Context, dest string, kind protocol.MediaKind, mediaRef, caption string) (remote.SentMessage, error) {
	panic("unused")
}
func (f *fakeClient) SendMediaGroup(ctx context.Context, dest string, items []remote.GroupItem, caption string) ([]remote.SentMessage, error) {
	panic("unused")
}
func (f *fakeClient) DeleteMessages(ctx context.Context, chat string, ids []int64) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func buildPool(t *testing.T, client *fakeClient) *session.Pool {
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

func TestSweepReclaimsStaleHandles(t *testing.T) {
	client := &fakeClient{selfID: "self"}
	pool := buildPool(t, client)
	registry := NewRegistry()
	registry.Register(protocol.ScratchHandle{OwningSession: "a", ScratchMsgID: 1, CreatedAt: time.Now().Add(-time.Hour)})

	sweeper := NewSweeper(pool, registry, time.Minute)
	residual := sweeper.Sweep(context.Background())

	if len(residual) != 0 {
		t.Fatalf("expected no residual, got %d", len(residual))
	}
	if len(client.deleted) != 1 || client.deleted[0] != 1 {
		t.Fatalf("expected scratch message 1 to be deleted, got %v", client.deleted)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected registry to drop reclaimed handle")
	}
}

func TestSweepSkipsFreshHandles(t *testing.T) {
	client := &fakeClient{selfID: "self"}
	pool := buildPool(t, client)
	registry := NewRegistry()
	registry.Register(protocol.ScratchHandle{OwningSession: "a", ScratchMsgID: 2})

	sweeper := NewSweeper(pool, registry, time.Hour)
	sweeper.Sweep(context.Background())

	if len(client.deleted) != 0 {
		t.Fatalf("expected fresh handle to be left alone, got %v", client.deleted)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected fresh handle to remain tracked")
	}
}

func TestRegistryUnregisterRemovesEntry(t *testing.T) {
	registry := NewRegistry()
	h := protocol.ScratchHandle{OwningSession: "a", ScratchMsgID: 3}
	registry.Register(h)
	registry.Unregister(h)
	if registry.Len() != 0 {
		t.Fatalf("expected registry to be empty after unregister")
	}
}
