package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Sweeper reclaims scratch handles the registry has tracked past a
// staleness threshold, one session lease at a time, mirroring
// internal/forward's own reclaim-by-owning-session pattern.
type Sweeper struct {
	pool      *session.Pool
	registry  *Registry
	threshold time.Duration
}

func NewSweeper(pool *session.Pool, registry *Registry, threshold time.Duration) *Sweeper {
	return &Sweeper{pool: pool, registry: registry, threshold: threshold}
}

// Sweep reclaims every handle older than the configured threshold and
// returns the ones it could not reclaim (still residual afterward).
func (s *Sweeper) Sweep(ctx context.Context) []protocol.ScratchHandle {
	stale := s.registry.Stale(time.Now(), s.threshold)
	if len(stale) == 0 {
		return nil
	}

	bySession := make(map[string][]protocol.ScratchHandle)
	for _, h := range stale {
		bySession[h.OwningSession] = append(bySession[h.OwningSession], h)
	}

	var residual []protocol.ScratchHandle
	for sessionName, handles := range bySession {
		if err := s.reclaim(ctx, sessionName, handles); err != nil {
			slog.Warn("housekeeping: failed to reclaim stale scratch", "session", sessionName, "count", len(handles), "error", err)
			residual = append(residual, handles...)
			continue
		}
		for _, h := range handles {
			s.registry.Unregister(h)
		}
		slog.Info("housekeeping: reclaimed stale scratch", "session", sessionName, "count", len(handles))
	}
	return residual
}

func (s *Sweeper) reclaim(ctx context.Context, sessionName string, handles []protocol.ScratchHandle) error {
	handle, err := s.pool.Lease(sessionName)
	if err != nil {
		return err
	}
	defer handle.Release()

	identity, err := handle.Client.SelfIdentity(ctx)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ScratchMsgID)
	}
	return handle.Client.DeleteMessages(ctx, identity.ID, ids)
}
