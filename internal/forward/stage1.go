package forward

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// FailedUnit records a stage-1 AtomicUnit that could not be fully
// acquired: its partial ScratchHandles still need emergency cleanup
// (spec.md §4.7 Stage 1 "On per-message failure").
type FailedUnit struct {
	SourceID        int64
	Session         string
	Err             error
	PartialHandles  []protocol.ScratchHandle
}

// Stage1Result is the Acquisition stage's output: successfully scratched
// units in global source order, any units that failed outright, and any
// units a now-dead session never got to attempt.
type Stage1Result struct {
	ScratchUnits []protocol.ScratchUnit
	Failed       []FailedUnit
	// Unprocessed holds units still queued for a session that died
	// mid-run (spec.md §8 scenario S5): the pipeline redistributes these
	// across the remaining logged-in sessions for one retry pass rather
	// than failing them outright.
	Unprocessed []protocol.AtomicUnit
}

// Stage1 moves every assigned Message's media into its owning session's
// self-chat, obtaining a ScratchHandle per message (spec.md §4.7 Stage 1).
// Distinct sessions run in parallel; within a session, work is sequential
// to preserve source order and respect the per-session rate limit.
func Stage1(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, assignment protocol.Assignment) Stage1Result {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		result  Stage1Result
	)

	for sessionName, units := range assignment {
		wg.Add(1)
		go func(sessionName string, units []protocol.AtomicUnit) {
			defer wg.Done()
			scratched, failed, unprocessed := stage1Session(ctx, pool, limiter, sessionName, units)
			mu.Lock()
			result.ScratchUnits = append(result.ScratchUnits, scratched...)
			result.Failed = append(result.Failed, failed...)
			result.Unprocessed = append(result.Unprocessed, unprocessed...)
			mu.Unlock()
		}(sessionName, units)
	}
	wg.Wait()

	sort.Slice(result.ScratchUnits, func(i, j int) bool {
		return result.ScratchUnits[i].SourceID < result.ScratchUnits[j].SourceID
	})
	return result
}

// stage1Session processes one session's assigned units sequentially. If the
// session dies partway through — SelfIdentity or a later call comes back
// unauthorized — it marks the session errored in the pool and returns every
// unit it had not yet started as unprocessed, so Run can redistribute them
// to a session that is still alive (spec.md §8 scenario S5) instead of
// failing them outright. Any other SelfIdentity error fails every unit
// assigned to the session.
func stage1Session(ctx context.Context, pool *session.Pool, limiter *ratelimit.Controller, sessionName string, units []protocol.AtomicUnit) (scratched []protocol.ScratchUnit, failed []FailedUnit, unprocessed []protocol.AtomicUnit) {
	handle, err := pool.Lease(sessionName)
	if err != nil {
		for _, u := range units {
			failed = append(failed, FailedUnit{SourceID: u.SourceID(), Session: sessionName, Err: err})
		}
		return nil, failed, nil
	}
	defer handle.Release()

	identity, err := handle.Client.SelfIdentity(ctx)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			pool.MarkError(sessionName, err.Error())
			return nil, nil, units
		}
		for _, u := range units {
			failed = append(failed, FailedUnit{SourceID: u.SourceID(), Session: sessionName, Err: err})
		}
		return nil, failed, nil
	}
	selfChat := identity.ID

	for i, unit := range units {
		messages := unit.Messages()
		handles := make([]protocol.ScratchHandle, 0, len(messages))
		var unitErr error
		sessionLost := false

		for _, msg := range messages {
			if err := limiter.Admit(ctx, sessionName, ratelimit.OpUpload); err != nil {
				unitErr = err
				break
			}

			data, err := handle.Client.DownloadMediaSmall(ctx, msg)
			if err != nil {
				if errors.Is(err, remote.ErrUnauthorized) {
					sessionLost = true
				}
				unitErr = err
				break
			}

			sent, err := handle.Client.SendMedia(ctx, selfChat, msg.Kind, data, msg.FileName, msg.Caption)
			if err != nil {
				var fw *remote.FloodWaitError
				if errors.As(err, &fw) {
					limiter.ObserveFloodWait(ctx, sessionName, fw.Seconds)
				} else if errors.Is(err, remote.ErrUnauthorized) {
					sessionLost = true
				}
				unitErr = err
				break
			}
			limiter.ObserveSuccess(sessionName)

			handles = append(handles, protocol.ScratchHandle{
				OwningSession: sessionName,
				ScratchMsgID:  sent.RemoteMsgID,
				MediaRef:      sent.MediaRef,
				Kind:          msg.Kind,
				Caption:       msg.Caption,
				CreatedAt:     time.Now(),
			})
		}

		if sessionLost {
			pool.MarkError(sessionName, unitErr.Error())
			failed = append(failed, FailedUnit{SourceID: unit.SourceID(), Session: sessionName, Err: unitErr, PartialHandles: handles})
			unprocessed = append(unprocessed, units[i+1:]...)
			return scratched, failed, unprocessed
		}

		if unitErr != nil {
			failed = append(failed, FailedUnit{SourceID: unit.SourceID(), Session: sessionName, Err: unitErr, PartialHandles: handles})
			continue
		}

		scratched = append(scratched, protocol.ScratchUnit{
			SourceID: unit.SourceID(),
			Source:   messages[0],
			Handles:  handles,
		})
	}

	return scratched, failed, nil
}
