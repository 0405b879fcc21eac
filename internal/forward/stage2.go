package forward

import (
	"context"
	"errors"
	"sync"

	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/internal/template"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// maxSendRetries bounds both the "other transient error" retry count and
// the suspend-then-retry-on-same-session count of spec.md §4.7 Stage 2.
const maxSendRetries = 3

// SendOutcome is one SendBatch's terminal result at one destination.
type SendOutcome struct {
	SourceID    int64
	Destination string
	Result      protocol.DistributionResult
	Caption     string
	Truncated   bool
}

// Stage2 regroups each ScratchUnit into compatibility-typed SendBatches
// and sends them to every destination, preserving per-destination source
// order (spec.md §4.7 Stage 2). Destinations are processed concurrently;
// within a destination, units are sent strictly in source order.
func Stage2(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, units []protocol.ScratchUnit, destinations []string, sourceChannelName string) []SendOutcome {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		outcomes []SendOutcome
	)

	for _, dest := range destinations {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			local := stage2Destination(ctx, pool, limiter, units, dest, sourceChannelName)
			mu.Lock()
			outcomes = append(outcomes, local...)
			mu.Unlock()
		}(dest)
	}
	wg.Wait()
	return outcomes
}

func stage2Destination(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, units []protocol.ScratchUnit, dest, sourceChannelName string) []SendOutcome {
	var outcomes []SendOutcome

	for _, unit := range units {
		batches := partitionBatches(unit.Handles)
		if len(batches) == 0 {
			continue
		}

		captionCap := 1024
		if h, err := pool.Lease(unit.Handles[0].OwningSession); err == nil {
			captionCap = h.CaptionCap
			h.Release()
		}
		vars := template.Variables(unit.Source, sourceChannelName)
		rendered := template.Render(template.Default, vars)
		trunc := template.Truncate(rendered, captionCap)

		for i, batch := range batches {
			caption := ""
			if i == 0 {
				caption = trunc.Text
			}
			result := sendBatchWithRetry(ctx, pool, limiter, batch, dest, caption)
			outcomes = append(outcomes, SendOutcome{
				SourceID:    unit.SourceID,
				Destination: dest,
				Result:      result,
				Caption:     caption,
				Truncated:   i == 0 && trunc.Truncated,
			})
		}
	}
	return outcomes
}

// sendBatchWithRetry implements the §4.7 Stage 2 retry policy: short
// flood-waits are absorbed inline and retried on the same session; long
// flood-waits suspend the owning session and are retried on it (never
// reassigned, since ScratchHandles are only valid within the owning
// session) up to maxSendRetries; other transient errors retry up to the
// same bound.
func sendBatchWithRetry(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, batch protocol.SendBatch, dest, caption string) protocol.DistributionResult {
	sessionName := batch.Handles[0].OwningSession

	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err := limiter.Admit(ctx, sessionName, ratelimit.OpUpload); err != nil {
			return protocol.DistributionResult{Destination: dest, Success: false, ErrorKind: "cancelled", RetryCount: attempt}
		}

		handle, err := pool.Lease(sessionName)
		if err != nil {
			return protocol.DistributionResult{Destination: dest, Success: false, ErrorKind: "session_unavailable", RetryCount: attempt}
		}

		ids, err := sendOnce(ctx, handle.Client, dest, batch, caption)
		handle.Release()

		if err == nil {
			limiter.ObserveSuccess(sessionName)
			return protocol.DistributionResult{Destination: dest, Success: true, RemoteMsgIDs: ids, RetryCount: attempt}
		}
		lastErr = err

		var fw *remote.FloodWaitError
		if errors.As(err, &fw) {
			if limiter.ObserveFloodWait(ctx, sessionName, fw.Seconds) == ratelimit.Suspend {
				continue // retry on the same session once its suspension lifts
			}
			continue // absorbed inline by ObserveFloodWait; retry immediately
		}
		// other transient error: fall through to the bounded retry loop
	}

	return protocol.DistributionResult{Destination: dest, Success: false, ErrorKind: classify(lastErr), RetryCount: maxSendRetries}
}

func sendOnce(ctx context.Context, client remote.Client, dest string, batch protocol.SendBatch, caption string) ([]int64, error) {
	if len(batch.Handles) == 1 {
		sent, err := client.SendMediaByRef(ctx, dest, batch.Handles[0].Kind, batch.Handles[0].MediaRef, caption)
		if err != nil {
			return nil, err
		}
		return []int64{sent.RemoteMsgID}, nil
	}

	items := make([]remote.GroupItem, 0, len(batch.Handles))
	for _, h := range batch.Handles {
		items = append(items, remote.GroupItem{Kind: h.Kind, MediaRef: h.MediaRef})
	}
	sent, err := client.SendMediaGroup(ctx, dest, items, caption)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(sent))
	for _, s := range sent {
		ids = append(ids, s.RemoteMsgID)
	}
	return ids, nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, remote.ErrUnauthorized):
		return "authorization"
	case errors.Is(err, remote.ErrChannelPrivate):
		return "authorization"
	default:
		return "transient"
	}
}

// partitionBatches splits a ScratchUnit's handles into SendBatches by
// media-kind compatibility (spec.md §4.7 "Regrouping"): photo and video
// may share a batch, documents batch only with documents, audio only with
// audio, and voice/video-note/animation are always singleton batches.
// Compatible runs are capped at protocol.MaxBatchSize.
func partitionBatches(handles []protocol.ScratchHandle) []protocol.SendBatch {
	var batches []protocol.SendBatch
	var current *protocol.SendBatch

	flush := func() {
		if current != nil {
			batches = append(batches, *current)
			current = nil
		}
	}

	for _, h := range handles {
		class, singleton := batchKindOf(h.Kind)
		if singleton {
			flush()
			batches = append(batches, protocol.SendBatch{Kind: class, Handles: []protocol.ScratchHandle{h}})
			continue
		}

		if current != nil && current.Kind == class && len(current.Handles) < protocol.MaxBatchSize {
			current.Handles = append(current.Handles, h)
			continue
		}

		flush()
		current = &protocol.SendBatch{Kind: class, Handles: []protocol.ScratchHandle{h}}
	}
	flush()
	return batches
}

func batchKindOf(kind protocol.MediaKind) (protocol.BatchKind, bool) {
	switch kind {
	case protocol.MediaPhoto, protocol.MediaVideo:
		return protocol.BatchPhotoVideo, false
	case protocol.MediaDocument:
		return protocol.BatchDocument, false
	case protocol.MediaAudio:
		return protocol.BatchAudio, false
	default: // voice, video-note, animation
		return protocol.BatchSingleton, true
	}
}
