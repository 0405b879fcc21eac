// Package distribute implements the Task Distributor of spec.md §4.5
// (component C6): a greedy longest-processing-time bin-packing scheduler
// that assigns AtomicUnits to sessions. It is grounded on the teacher's
// own preference for small, pure, dependency-free scheduling helpers (the
// same style as internal/channels/telegram/media.go's pure transforms);
// no example repo has a bin-packing scheduler, so this is original logic
// built in the teacher's idiom rather than adapted from a specific file.
package distribute

import (
	"errors"
	"sort"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// ErrNoSessionsAvailable is returned when sessions is empty (spec.md §4.5
// "NoSessionsAvailable").
var ErrNoSessionsAvailable = errors.New("distribute: no sessions available")

// Distribute assigns units across sessions using greedy longest-processing
// -time bin-packing: units are sorted by weight descending, and each is
// placed into the session with the current minimum total weight, ties
// broken by session name for determinism.
func Distribute(units []protocol.AtomicUnit, sessions []string) (protocol.Assignment, error) {
	if len(sessions) == 0 {
		return nil, ErrNoSessionsAvailable
	}

	assignment := make(protocol.Assignment, len(sessions))
	names := append([]string(nil), sessions...)
	sort.Strings(names)
	for _, name := range names {
		assignment[name] = nil
	}

	if len(units) == 0 {
		return assignment, nil
	}

	ordered := append([]protocol.AtomicUnit(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Weight() > ordered[j].Weight()
	})

	for _, u := range ordered {
		target := names[0]
		min := assignment.TotalWeight(target)
		for _, name := range names[1:] {
			if w := assignment.TotalWeight(name); w < min {
				min = w
				target = name
			}
		}
		assignment[target] = append(assignment[target], u)
	}

	// Downstream stages (local download, forward stage 1) process a
	// session's assigned units sequentially and rely on source order being
	// preserved within that session's list (spec.md §4.6, §4.7 stage 1).
	// The weight-descending placement above does not produce that order,
	// so restore it per session after assignment.
	for _, name := range names {
		list := assignment[name]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].SourceID() < list[j].SourceID()
		})
	}

	return assignment, nil
}
