package forward

import (
	"testing"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

func handle(kind protocol.MediaKind) protocol.ScratchHandle {
	return protocol.ScratchHandle{OwningSession: "a", Kind: kind}
}

func TestPartitionBatchesMergesPhotoAndVideo(t *testing.T) {
	batches := partitionBatches([]protocol.ScratchHandle{
		handle(protocol.MediaPhoto), handle(protocol.MediaVideo), handle(protocol.MediaPhoto),
	})
	if len(batches) != 1 || len(batches[0].Handles) != 3 {
		t.Fatalf("expected photo+video to merge into one batch, got %+v", batches)
	}
}

func TestPartitionBatchesSeparatesDocumentsFromPhotos(t *testing.T) {
	batches := partitionBatches([]protocol.ScratchHandle{
		handle(protocol.MediaPhoto), handle(protocol.MediaDocument),
	})
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
}

func TestPartitionBatchesCapsAtTen(t *testing.T) {
	var handles []protocol.ScratchHandle
	for i := 0; i < 13; i++ {
		handles = append(handles, handle(protocol.MediaPhoto))
	}
	batches := partitionBatches(handles)
	if len(batches) != 2 || len(batches[0].Handles) != protocol.MaxBatchSize || len(batches[1].Handles) != 3 {
		t.Fatalf("expected a 10/3 split, got %+v", batches)
	}
}

func TestPartitionBatchesVoiceIsAlwaysSingleton(t *testing.T) {
	batches := partitionBatches([]protocol.ScratchHandle{
		handle(protocol.MediaVoice), handle(protocol.MediaVoice),
	})
	if len(batches) != 2 {
		t.Fatalf("expected 2 singleton batches, got %d", len(batches))
	}
	for _, b := range batches {
		if len(b.Handles) != 1 {
			t.Fatalf("expected singleton batch, got %d handles", len(b.Handles))
		}
	}
}
