// Package forward implements the Staged-Forward Pipeline of spec.md §4.7
// (component C8): acquisition into scratch, regroup-and-distribute to
// every destination, and cleanup. It is grounded on the teacher's
// internal/channels/telegram/media.go send helpers for the per-kind send
// dispatch idiom, adapted from a single reactive send into a three-stage
// batch pipeline with its own state machine.
package forward

import (
	"context"
	"sort"
	"strconv"

	"github.com/vanducng/mediarelay/internal/distribute"
	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// State is the pipeline-level aggregate state of spec.md §4.7 "Pipeline
// State Machine".
type State string

const (
	StateIdle                State = "idle"
	StateStaging              State = "staging"
	StateStaged               State = "staged"
	StateDistributing         State = "distributing"
	StateDistributed          State = "distributed"
	StatePartialDistributed   State = "partial-distributed"
	StateCleaning             State = "cleaning"
	StateStage1Failed         State = "stage1-failed"
	StateEmergencyCleanup     State = "emergency-cleanup"
	StateDoneSuccess          State = "done-success"
	StateDonePartial          State = "done-partial"
	StateDoneFailure          State = "done-failure"
)

// Outcome is the forward pipeline's terminal result.
type Outcome struct {
	FinalState State
	Units      []protocol.UnitOutcome
	Retained   []protocol.ScratchHandle
}

// Tracker observes ScratchHandle lifecycle independent of a single run, so
// a standing sweep (internal/housekeeping) can find handles a crashed or
// killed run never got to reclaim. Registration happens as soon as stage 1
// creates a handle; unregistration happens once stage 3 (or emergency
// cleanup) confirms reclamation.
type Tracker interface {
	Register(protocol.ScratchHandle)
	Unregister(protocol.ScratchHandle)
}

// Pipeline drives one forward run's stage1 -> stage2 -> stage3 sequence.
type Pipeline struct {
	pool    *session.Pool
	limiter *ratelimit.Controller
	policy  CleanupPolicy
	tracker Tracker
}

func New(pool *session.Pool, limiter *ratelimit.Controller, policy CleanupPolicy) *Pipeline {
	return &Pipeline{pool: pool, limiter: limiter, policy: policy}
}

// WithTracker attaches a Tracker that observes every ScratchHandle this
// pipeline creates and reclaims, for housekeeping's leak sweep.
func (p *Pipeline) WithTracker(t Tracker) *Pipeline {
	p.tracker = t
	return p
}

// Run executes the full pipeline against one distributor Assignment,
// targeting destinations, with sourceChannelName used for caption
// templating variables.
func (p *Pipeline) Run(ctx context.Context, assignment protocol.Assignment, destinations []string, sourceChannelName string) Outcome {
	state := StateStaging
	stage1 := Stage1(ctx, p.pool, p.limiter, assignment)
	p.registerAll(stage1)
	stage1 = p.redistributeUnprocessed(ctx, stage1)

	unitOutcomes := make(map[int64]*protocol.UnitOutcome)
	for _, f := range stage1.Failed {
		unitOutcomes[f.SourceID] = &protocol.UnitOutcome{
			SourceID:  f.SourceID,
			Session:   f.Session,
			Status:    protocol.UnitFailed,
			ErrorKind: "transient",
			Detail:    errString(f.Err),
		}
	}

	var retained []protocol.ScratchHandle
	for _, f := range stage1.Failed {
		retained = append(retained, f.PartialHandles...)
	}

	if len(stage1.ScratchUnits) == 0 {
		state = StateStage1Failed
		if ctx.Err() != nil {
			before := retained
			retained = EmergencyCleanup(p.pool, retained)
			p.unregisterReclaimed(before, retained)
			state = StateEmergencyCleanup
		}
		return p.finish(state, unitOutcomes, retained)
	}

	state = StateStaged

	if ctx.Err() != nil {
		before := retained
		for _, u := range stage1.ScratchUnits {
			before = append(before, u.Handles...)
			unitOutcomes[u.SourceID] = &protocol.UnitOutcome{
				SourceID: u.SourceID,
				Session:  u.Handles[0].OwningSession,
				Status:   protocol.UnitCancelled,
			}
		}
		retained = EmergencyCleanup(p.pool, before)
		p.unregisterReclaimed(before, retained)
		return p.finish(StateEmergencyCleanup, unitOutcomes, retained)
	}

	state = StateDistributing
	outcomes := Stage2(ctx, p.pool, p.limiter, stage1.ScratchUnits, destinations, sourceChannelName)

	anyFailure := false
	for _, unit := range stage1.ScratchUnits {
		dests := make(map[string]bool, len(destinations))
		var bytes int64
		ok := true
		for _, o := range outcomes {
			if o.SourceID != unit.SourceID {
				continue
			}
			dests[o.Destination] = o.Result.Success
			if !o.Result.Success {
				ok = false
			}
		}
		status := protocol.UnitOK
		if !ok {
			status = protocol.UnitPartial
			anyFailure = true
		}
		unitOutcomes[unit.SourceID] = &protocol.UnitOutcome{
			SourceID:     unit.SourceID,
			Session:      unit.Handles[0].OwningSession,
			Status:       status,
			Bytes:        bytes,
			Destinations: dests,
		}
	}

	if anyFailure {
		state = StatePartialDistributed
	} else {
		state = StateDistributed
	}

	state = StateCleaning
	var allHandles []protocol.ScratchHandle
	for _, u := range stage1.ScratchUnits {
		allHandles = append(allHandles, u.Handles...)
	}
	stage3Retained := Stage3(ctx, p.pool, stage1.ScratchUnits, outcomes, p.policy)
	p.unregisterReclaimed(allHandles, stage3Retained)
	retained = append(retained, stage3Retained...)

	final := StateDoneSuccess
	if ctx.Err() != nil {
		final = StateDonePartial
	} else if anyFailure || len(stage1.Failed) > 0 {
		final = StateDonePartial
	}
	return p.finish(final, unitOutcomes, retained)
}

// redistributeUnprocessed implements spec.md §8 scenario S5: when a
// session dies mid-run, stage 1 hands back its not-yet-attempted units as
// Unprocessed instead of failing them. Here they get one retry pass across
// whichever sessions are still logged in; units that still can't be placed
// (no sessions left) become outright failures.
func (p *Pipeline) redistributeUnprocessed(ctx context.Context, stage1 Stage1Result) Stage1Result {
	if len(stage1.Unprocessed) == 0 {
		return stage1
	}

	remaining := p.pool.ListLoggedIn()
	if len(remaining) == 0 {
		for _, u := range stage1.Unprocessed {
			stage1.Failed = append(stage1.Failed, FailedUnit{SourceID: u.SourceID(), Err: distribute.ErrNoSessionsAvailable})
		}
		stage1.Unprocessed = nil
		return stage1
	}

	retryAssignment, err := distribute.Distribute(stage1.Unprocessed, remaining)
	if err != nil {
		for _, u := range stage1.Unprocessed {
			stage1.Failed = append(stage1.Failed, FailedUnit{SourceID: u.SourceID(), Err: err})
		}
		stage1.Unprocessed = nil
		return stage1
	}

	retry := Stage1(ctx, p.pool, p.limiter, retryAssignment)
	p.registerAll(retry)

	stage1.ScratchUnits = append(stage1.ScratchUnits, retry.ScratchUnits...)
	stage1.Failed = append(stage1.Failed, retry.Failed...)
	// A second session dying mid-retry is not chased further; its
	// remaining units are reported as failed rather than retried again.
	for _, u := range retry.Unprocessed {
		stage1.Failed = append(stage1.Failed, FailedUnit{SourceID: u.SourceID(), Err: distribute.ErrNoSessionsAvailable})
	}
	sort.Slice(stage1.ScratchUnits, func(i, j int) bool {
		return stage1.ScratchUnits[i].SourceID < stage1.ScratchUnits[j].SourceID
	})
	return stage1
}

func (p *Pipeline) finish(state State, unitOutcomes map[int64]*protocol.UnitOutcome, retained []protocol.ScratchHandle) Outcome {
	out := Outcome{FinalState: state, Retained: retained}
	for _, u := range unitOutcomes {
		out.Units = append(out.Units, *u)
	}
	return out
}

// registerAll tells the tracker about every handle stage 1 created,
// including partial handles from failed units, which still need eventual
// reclamation.
func (p *Pipeline) registerAll(stage1 Stage1Result) {
	if p.tracker == nil {
		return
	}
	for _, u := range stage1.ScratchUnits {
		for _, h := range u.Handles {
			p.tracker.Register(h)
		}
	}
	for _, f := range stage1.Failed {
		for _, h := range f.PartialHandles {
			p.tracker.Register(h)
		}
	}
}

// unregisterReclaimed tells the tracker about every handle from before that
// is no longer present in after (still-owned, to-be-retained set).
func (p *Pipeline) unregisterReclaimed(before, after []protocol.ScratchHandle) {
	if p.tracker == nil {
		return
	}
	still := make(map[string]bool, len(after))
	for _, h := range after {
		still[handleKey(h)] = true
	}
	for _, h := range before {
		if !still[handleKey(h)] {
			p.tracker.Unregister(h)
		}
	}
}

func handleKey(h protocol.ScratchHandle) string {
	return h.OwningSession + "/" + strconv.FormatInt(h.ScratchMsgID, 10)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
