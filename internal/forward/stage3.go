package forward

import (
	"context"
	"sync"
	"time"

	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// CleanupPolicy controls whether scratch for a partially-failed or fully
// successful unit is reclaimed or retained for inspection (spec.md §4.7
// Stage 3, §6 `--cleanup-failure` / `--no-cleanup-success`).
type CleanupPolicy struct {
	// OnFailure, when true, always reclaims scratch even if ≥ 1 destination
	// send failed ("cleanup-on-failure", default off).
	OnFailure bool
	// RetainOnSuccess, when true, keeps scratch even for units every
	// destination received successfully ("no-cleanup-success", default off).
	RetainOnSuccess bool
}

// unitFailed reports whether any destination failed to receive unit's
// media, derived from this unit's SendOutcomes.
func unitFailed(sourceID int64, outcomes []SendOutcome) bool {
	for _, o := range outcomes {
		if o.SourceID == sourceID && !o.Result.Success {
			return true
		}
	}
	return false
}

// Stage3 reclaims every ScratchHandle whose unit is eligible under policy:
// on success unless policy.RetainOnSuccess is set, and on failure only
// when policy.OnFailure is set. Ineligible handles are returned as
// Retained for the RunReport (spec.md §4.7 "never lost" invariant).
func Stage3(ctx context.Context, pool *session.Pool, units []protocol.ScratchUnit, outcomes []SendOutcome, policy CleanupPolicy) (retained []protocol.ScratchHandle) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	bySession := make(map[string][]protocol.ScratchHandle)
	for _, unit := range units {
		failed := unitFailed(unit.SourceID, outcomes)
		if failed && !policy.OnFailure {
			mu.Lock()
			retained = append(retained, unit.Handles...)
			mu.Unlock()
			continue
		}
		if !failed && policy.RetainOnSuccess {
			mu.Lock()
			retained = append(retained, unit.Handles...)
			mu.Unlock()
			continue
		}
		for _, h := range unit.Handles {
			bySession[h.OwningSession] = append(bySession[h.OwningSession], h)
		}
	}

	for sessionName, handles := range bySession {
		wg.Add(1)
		go func(sessionName string, handles []protocol.ScratchHandle) {
			defer wg.Done()
			if err := reclaim(ctx, pool, sessionName, handles); err != nil {
				mu.Lock()
				retained = append(retained, handles...)
				mu.Unlock()
			}
		}(sessionName, handles)
	}
	wg.Wait()
	return retained
}

func reclaim(ctx context.Context, pool *session.Pool, sessionName string, handles []protocol.ScratchHandle) error {
	handle, err := pool.Lease(sessionName)
	if err != nil {
		return err
	}
	defer handle.Release()

	ids := make([]int64, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ScratchMsgID)
	}

	identity, err := handle.Client.SelfIdentity(ctx)
	if err != nil {
		return err
	}
	return handle.Client.DeleteMessages(ctx, identity.ID, ids)
}

// EmergencyCleanup attempts best-effort reclamation of every still-owned
// handle within a short deadline, for use when the pipeline is aborted
// mid-flight (spec.md §4.7 "Emergency cleanup"). Handles that cannot be
// reclaimed in time are returned as residual.
func EmergencyCleanup(pool *session.Pool, handles []protocol.ScratchHandle) (residual []protocol.ScratchHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bySession := make(map[string][]protocol.ScratchHandle)
	for _, h := range handles {
		bySession[h.OwningSession] = append(bySession[h.OwningSession], h)
	}

	for sessionName, hs := range bySession {
		if err := reclaim(ctx, pool, sessionName, hs); err != nil {
			residual = append(residual, hs...)
		}
	}
	return residual
}
