package protocol

import "time"

// ScratchHandle is an opaque reference to a media payload now resident in
// the remote service, uploaded by a specific session into that session's
// self-chat. It is usable in subsequent batch-send calls without
// re-uploading bytes. See spec.md §3 "ScratchHandle" and §4.7 Stage 1.
type ScratchHandle struct {
	OwningSession string
	ScratchMsgID  int64 // remote-message-id in the owning session's self-chat
	MediaRef      string
	Kind          MediaKind
	Caption       string // original caption, preserved verbatim from the source message
	CreatedAt     time.Time
}

// ScratchUnit mirrors an AtomicUnit's structure (singleton or group) over
// ScratchHandles, produced by Stage 1 and consumed by Stage 2.
type ScratchUnit struct {
	SourceID int64   // the originating AtomicUnit's SourceID, for ordering
	Source   Message // the originating AtomicUnit's first message, for caption templating
	Handles  []ScratchHandle
}

// BatchKind is the remote service's media-group compatibility class: the
// rule that decides what can be packed into one SendBatch (spec.md §3
// SendBatch "Typing rule").
type BatchKind int

const (
	BatchPhotoVideo BatchKind = iota // photo and video may coexist
	BatchDocument                    // documents batch only with documents
	BatchAudio                       // audio batches only with audio
	BatchSingleton                   // voice, video-note, animation: individual
)

// SendBatch is a bounded group (<=10) of ScratchHandles destined for one
// destination, typed by BatchKind.
type SendBatch struct {
	SourceID int64 // SourceID of the originating AtomicUnit, for ordering
	Kind     BatchKind
	Handles  []ScratchHandle
}

// MaxBatchSize is the remote service's per-batch cap.
const MaxBatchSize = 10

// DistributionResult is the per-destination outcome of sending one
// SendBatch.
type DistributionResult struct {
	Destination    string
	Success        bool
	RemoteMsgIDs   []int64
	ErrorKind      string
	RetryCount     int
}
