package protocol

// Assignment maps a session name to its ordered list of AtomicUnits,
// produced by the Task Distributor (spec.md §4.5). Invariants: every
// AtomicUnit appears in exactly one assignment; no MediaGroup is split
// across assignments; load imbalance by byte weight is bounded.
type Assignment map[string][]AtomicUnit

// TotalWeight sums the byte weight of all units assigned to a session.
func (a Assignment) TotalWeight(session string) int64 {
	var total int64
	for _, u := range a[session] {
		total += u.Weight()
	}
	return total
}

// UnitCount returns the total number of AtomicUnits across all sessions.
func (a Assignment) UnitCount() int {
	n := 0
	for _, units := range a {
		n += len(units)
	}
	return n
}

// Imbalance returns (max-min)/max over per-session total weights, 0 if
// every session carries the same weight (including all zero). An empty
// session beside a loaded one counts as weight 0, giving 1.
func (a Assignment) Imbalance() float64 {
	var max, min int64 = 0, -1
	for session := range a {
		w := a.TotalWeight(session)
		if w > max {
			max = w
		}
		if min < 0 || w < min {
			min = w
		}
	}
	if max == 0 {
		return 0
	}
	return float64(max-min) / float64(max)
}
