// Package fetch implements the Message Fetcher of spec.md §4.3 (component
// C4): range-partitioned, multi-session retrieval of a channel's messages
// by id. It is grounded on the teacher's fan-out-over-sessions style in
// internal/channels/telegram/media.go (retry-with-backoff per call) and on
// internal/sessions.Manager for session selection, adapted from a
// single-session reactive model to parallel range partitioning across a
// pool.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// BatchSize is the maximum number of message-ids requested in one remote
// call (spec.md §4.3: "batch size ≤ 100").
const BatchSize = 100

// Result is the outcome of one Fetch call: the merged, ordered messages
// plus any whole-slice failures that survived retry on every session.
type Result struct {
	Messages []protocol.Message
	Errors   []error
}

// Fetcher partitions an id range across the pool's logged-in sessions and
// merges their results in ascending message-id order.
type Fetcher struct {
	pool    *session.Pool
	limiter *ratelimit.Controller
}

func New(pool *session.Pool, limiter *ratelimit.Controller) *Fetcher {
	return &Fetcher{pool: pool, limiter: limiter}
}

type slice struct {
	startID, endID int64
}

// partition splits [startID, endID] into k contiguous, roughly equal
// slices. k must be ≥ 1.
func partition(startID, endID int64, k int) []slice {
	total := endID - startID + 1
	if total <= 0 || k <= 0 {
		return nil
	}
	if int64(k) > total {
		k = int(total)
	}
	base := total / int64(k)
	rem := total % int64(k)

	slices := make([]slice, 0, k)
	cur := startID
	for i := 0; i < k; i++ {
		size := base
		if int64(i) < rem {
			size++
		}
		if size == 0 {
			continue
		}
		slices = append(slices, slice{startID: cur, endID: cur + size - 1})
		cur += size
	}
	return slices
}

// batches splits a slice into ≤ BatchSize id-count chunks.
func (s slice) batches() []slice {
	var out []slice
	cur := s.startID
	for cur <= s.endID {
		end := cur + BatchSize - 1
		if end > s.endID {
			end = s.endID
		}
		out = append(out, slice{startID: cur, endID: end})
		cur = end + 1
	}
	return out
}

func idRange(s slice) []int64 {
	ids := make([]int64, 0, s.endID-s.startID+1)
	for id := s.startID; id <= s.endID; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Fetch retrieves every message in [startID, endID] from channel, using
// K = len(pool.ListLoggedIn()) concurrent sessions, per spec.md §4.3.
func (f *Fetcher) Fetch(ctx context.Context, channel string, startID, endID int64) Result {
	sessions := f.pool.ListLoggedIn()
	if len(sessions) == 0 {
		return Result{Errors: []error{fmt.Errorf("fetch: no logged-in sessions available")}}
	}
	sort.Strings(sessions)

	slices := partition(startID, endID, len(sessions))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		all     []protocol.Message
		allErrs []error
	)

	for i, sl := range slices {
		wg.Add(1)
		ownerName := sessions[i%len(sessions)]
		go func(sl slice, preferred string) {
			defer wg.Done()
			msgs, err := f.fetchSlice(ctx, channel, sl, preferred, sessions)
			mu.Lock()
			all = append(all, msgs...)
			if err != nil {
				allErrs = append(allErrs, err)
			}
			mu.Unlock()
		}(sl, ownerName)
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i].MessageID < all[j].MessageID })
	return Result{Messages: all, Errors: allErrs}
}

// fetchSlice fetches one contiguous id range, retrying the whole slice on
// an alternate session if the owning session's attempt fails outright.
// Missing individual ids within a successful attempt are not errors: the
// transport already omits them (spec.md §4.3 "silently skipped").
func (f *Fetcher) fetchSlice(ctx context.Context, channel string, sl slice, preferred string, candidates []string) ([]protocol.Message, error) {
	tried := make(map[string]bool)
	order := append([]string{preferred}, candidates...)

	var lastErr error
	for _, name := range order {
		if tried[name] {
			continue
		}
		tried[name] = true

		msgs, err := f.fetchSliceOn(ctx, channel, sl, name)
		if err == nil {
			return msgs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch: slice [%d,%d] failed on all sessions: %w", sl.startID, sl.endID, lastErr)
}

func (f *Fetcher) fetchSliceOn(ctx context.Context, channel string, sl slice, sessionName string) ([]protocol.Message, error) {
	handle, err := f.pool.Lease(sessionName)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var out []protocol.Message
	for _, b := range sl.batches() {
		if err := f.limiter.Admit(ctx, sessionName, ratelimit.OpOther); err != nil {
			return out, err
		}
		msgs, err := handle.Client.FetchMessages(ctx, channel, idRange(b))
		if err != nil {
			return out, err
		}
		f.limiter.ObserveSuccess(sessionName)
		out = append(out, msgs...)
	}
	return out, nil
}
