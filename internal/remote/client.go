// Package remote defines the external-collaborator contract of spec.md §6:
// a remote messaging-service client capable of authenticated transport,
// media fetch/download/upload, and batch-send. The core engine (fetch,
// download, forward packages) depends only on this interface; concrete
// transports live in subpackages (e.g. internal/remote/telegram).
package remote

import (
	"context"
	"time"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// FloodWaitError is the remote service's flood-wait directive: pause this
// session for Seconds before the next call.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return "flood wait"
}

// Sentinel errors for the other §6 error kinds. Transient network/timeout
// errors are not sentinels — any error not matching one of these, or a
// *FloodWaitError, is treated as transient.
var (
	ErrUnauthorized  = staticErr("unauthorized")
	ErrChannelPrivate = staticErr("channel private")
	ErrRateLimited   = staticErr("rate limited")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

// SelfIdentity describes the authenticated session's own account.
type SelfIdentity struct {
	ID        string
	Name      string
	IsPremium bool // governs caption length cap: 1024 normal / 4096 Premium
}

// SentMessage is what a send/forward call returns: enough to build a
// ScratchHandle or record a DistributionResult.
type SentMessage struct {
	RemoteMsgID int64
	MediaRef    string
}

// Client is the per-session transport handle contract of spec.md §6. A
// Client instance is bound to exactly one authenticated session and must
// not be shared across concurrent calls (the Pool's lease enforces one
// outstanding call per session, §5 "Shared-resource policy").
type Client interface {
	// Connect establishes the transport using a persisted auth artifact.
	// An empty artifact means "not yet authenticated" — the caller is
	// expected to route to the (out-of-scope) enrollment flow.
	Connect(ctx context.Context, artifact []byte) error
	Disconnect(ctx context.Context) error

	SelfIdentity(ctx context.Context) (SelfIdentity, error)

	// FetchMessages retrieves the given message ids from channel, in any
	// order; missing ids (deleted in the source) are silently omitted
	// from the result, not errored.
	FetchMessages(ctx context.Context, channel string, ids []int64) ([]protocol.Message, error)

	// DownloadMediaSmall downloads msg's media fully into memory. Used for
	// declared sizes under the small-file threshold (spec.md §4.6).
	DownloadMediaSmall(ctx context.Context, msg protocol.Message) ([]byte, error)

	// StreamMedia downloads msg's media as a sequence of chunks, used for
	// large/streaming transfers. The returned function yields io.EOF (via
	// ok=false) when exhausted.
	StreamMedia(ctx context.Context, msg protocol.Message) (next func() (chunk []byte, ok bool, err error), cancel func(), err error)

	// SendMedia uploads mediaSource (raw bytes) of the given kind to dest
	// with an optional caption, returning the remote message.
	SendMedia(ctx context.Context, dest string, kind protocol.MediaKind, mediaSource []byte, fileName, caption string) (SentMessage, error)

	// SendMediaByRef re-sends an already-uploaded media item (identified
	// by a prior SentMessage.MediaRef) without re-uploading bytes. This is
	// the scratch-handle reuse path that stage 2 depends on.
	SendMediaByRef(ctx context.Context, dest string, kind protocol.MediaKind, mediaRef, caption string) (SentMessage, error)

	// SendMediaGroup batch-sends multiple already-uploaded media items as
	// one album; caption is attached to the first item only, per remote
	// convention.
	SendMediaGroup(ctx context.Context, dest string, items []GroupItem, caption string) ([]SentMessage, error)

	DeleteMessages(ctx context.Context, chat string, ids []int64) error
}

// GroupItem is one member of a SendMediaGroup call.
type GroupItem struct {
	Kind     protocol.MediaKind
	MediaRef string
}

// Timeouts holds the per-operation timeouts of spec.md §5.
type Timeouts struct {
	Fetch          time.Duration
	DownloadSmall  time.Duration
	Upload         time.Duration
	Delete         time.Duration
}

// DefaultTimeouts matches spec.md §5 ("fetch: 30 s; download-small: 60 s;
// upload: 300 s; delete: 10 s"). download-stream is deliberately absent:
// it is unbounded with a progress timeout, handled by the streaming caller.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Fetch:         30 * time.Second,
		DownloadSmall: 60 * time.Second,
		Upload:        300 * time.Second,
		Delete:        10 * time.Second,
	}
}
