// Package workflow implements the Workflow Driver of spec.md §4.8
// (component C10): the top-level state machine that sequences
// fetch -> group -> distribute -> (download | forward) -> report. It is
// grounded on the teacher's cmd/gateway.go startup sequencing idiom
// (sequential, fail-fast setup steps logged with log/slog) rather than a
// single teacher file, since the teacher's own entrypoint is a long-lived
// server bootstrap, not a bounded run-to-completion pipeline; the driver
// adapts that sequencing style to a one-shot state machine and publishes
// its transitions on internal/bus instead of just logging them.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vanducng/mediarelay/internal/bus"
	"github.com/vanducng/mediarelay/internal/distribute"
	"github.com/vanducng/mediarelay/internal/download"
	"github.com/vanducng/mediarelay/internal/fetch"
	"github.com/vanducng/mediarelay/internal/forward"
	"github.com/vanducng/mediarelay/internal/group"
	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/internal/telemetry"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Mode selects the driver's terminal stage, per spec.md §4.8's
// "(local | forward)" branch.
type Mode string

const (
	ModeDownload Mode = "download"
	ModeForward  Mode = "forward"
)

// Request is one run's parameters, supplied by the CLI (spec.md §6 "CLI
// surface").
type Request struct {
	Mode         Mode
	Source       string
	StartID      int64
	EndID        int64
	Targets      []string // forward mode only
	DestDir      string   // download mode only
	Filter       download.Filter
	CleanupPolicy forward.CleanupPolicy
}

// Driver sequences one run of the pipeline against a live session pool.
type Driver struct {
	pool    *session.Pool
	limiter *ratelimit.Controller
	bus     bus.Publisher
	tel     *telemetry.Telemetry
	tracker forward.Tracker
}

func New(pool *session.Pool, limiter *ratelimit.Controller, publisher bus.Publisher) *Driver {
	if publisher == nil {
		publisher = bus.New()
	}
	return &Driver{pool: pool, limiter: limiter, bus: publisher, tel: telemetry.Disabled()}
}

// WithTelemetry attaches a Telemetry instance that spans every stage of the
// run; pass telemetry.Disabled() (the New() default) to turn spans off.
func (d *Driver) WithTelemetry(tel *telemetry.Telemetry) *Driver {
	if tel != nil {
		d.tel = tel
	}
	return d
}

// WithTracker attaches a housekeeping tracker that observes every
// ScratchHandle the forward pipeline creates, so a standing sweep can
// reclaim what a crashed or killed run left behind.
func (d *Driver) WithTracker(t forward.Tracker) *Driver {
	d.tracker = t
	return d
}

// Run executes start -> fetch -> group -> distribute -> (download |
// forward) -> report -> done. Any stage error short-circuits straight to
// the terminal report with a diagnosis, per spec.md §4.8.
func (d *Driver) Run(ctx context.Context, req Request) protocol.RunReport {
	runID := uuid.NewString()
	started := time.Now()
	report := protocol.RunReport{RunID: runID, Mode: string(req.Mode), Source: req.Source, Targets: req.Targets, Started: started}

	ctx, runSpan := d.tel.StartStage(ctx, "run")
	defer runSpan.End()

	fetchCtx, fetchSpan := d.tel.StartStage(ctx, "fetch")
	d.stage("fetch", fmt.Sprintf("fetching messages %d..%d from %s", req.StartID, req.EndID, req.Source))
	loggedIn := d.pool.ListLoggedIn()
	if len(loggedIn) == 0 {
		fetchSpan.End()
		return d.fail(report, "no sessions logged in")
	}

	fetcher := fetch.New(d.pool, d.limiter)
	fetchResult := fetcher.Fetch(fetchCtx, req.Source, req.StartID, req.EndID)
	fetchSpan.End()
	if len(fetchResult.Messages) == 0 && len(fetchResult.Errors) > 0 {
		return d.fail(report, fmt.Sprintf("fetch failed entirely: %v", fetchResult.Errors[0]))
	}
	d.stageDone("fetch", fmt.Sprintf("fetched %d messages, %d range errors", len(fetchResult.Messages), len(fetchResult.Errors)))

	_, groupSpan := d.tel.StartStage(ctx, "group")
	d.stage("group", "folding messages into atomic units")
	units := group.Group(fetchResult.Messages)
	groupSpan.End()
	d.stageDone("group", fmt.Sprintf("%d atomic units", len(units)))

	_, distSpan := d.tel.StartStage(ctx, "distribute")
	d.stage("distribute", "assigning units across sessions")
	assignment, err := distribute.Distribute(units, loggedIn)
	distSpan.End()
	if err != nil {
		return d.fail(report, err.Error())
	}
	d.stageDone("distribute", fmt.Sprintf("imbalance=%.2f", assignment.Imbalance()))

	switch req.Mode {
	case ModeForward:
		d.runForward(ctx, req, assignment, &report)
	default:
		d.runDownload(ctx, req, assignment, &report)
	}

	report.Finished = time.Now()
	d.stage("report", fmt.Sprintf("success_rate=%.2f exit_code=%d", report.SuccessRate(), report.ExitCode()))
	return report
}

func (d *Driver) runDownload(ctx context.Context, req Request, assignment protocol.Assignment, report *protocol.RunReport) {
	ctx, span := d.tel.StartStage(ctx, "download")
	defer span.End()
	d.stage("download", "downloading assigned units locally")
	dl := download.New(d.pool, d.limiter, req.DestDir, req.Filter)
	results := dl.Run(ctx, assignment, req.Source)

	byUnit := make(map[int64]*protocol.UnitOutcome)
	for _, r := range results {
		u, ok := byUnit[r.UnitID]
		if !ok {
			u = &protocol.UnitOutcome{SourceID: r.UnitID, Session: r.Session, Status: protocol.UnitOK}
			byUnit[r.UnitID] = u
		}
		u.Bytes += r.Bytes
		if r.Status == download.StatusFailed {
			u.Status = protocol.UnitFailed
			u.Detail = errString(r.Err)
		}
	}
	for _, u := range byUnit {
		report.UnitOutcomes = append(report.UnitOutcomes, *u)
		d.bus.Broadcast(bus.Event{Kind: bus.KindUnitOutcome, Time: time.Now(), Stage: "download", Unit: u})
	}
	d.stageDone("download", fmt.Sprintf("%d units processed", len(byUnit)))
}

func (d *Driver) runForward(ctx context.Context, req Request, assignment protocol.Assignment, report *protocol.RunReport) {
	ctx, span := d.tel.StartStage(ctx, "forward")
	defer span.End()
	d.stage("forward", "staging and distributing units to destinations")
	pipeline := forward.New(d.pool, d.limiter, req.CleanupPolicy)
	if d.tracker != nil {
		pipeline = pipeline.WithTracker(d.tracker)
	}
	outcome := pipeline.Run(ctx, assignment, req.Targets, req.Source)

	report.UnitOutcomes = outcome.Units
	report.RetainedScratch = outcome.Retained
	for i := range report.UnitOutcomes {
		d.bus.Broadcast(bus.Event{Kind: bus.KindUnitOutcome, Time: time.Now(), Stage: "forward", Unit: &report.UnitOutcomes[i]})
	}
	d.stageDone("forward", fmt.Sprintf("final_state=%s retained=%d", outcome.FinalState, len(outcome.Retained)))
}

func (d *Driver) fail(report protocol.RunReport, reason string) protocol.RunReport {
	report.FatalError = reason
	report.Finished = time.Now()
	slog.Error("run failed", "run_id", report.RunID, "reason", reason)
	d.bus.Broadcast(bus.Event{Kind: bus.KindLog, Time: time.Now(), Stage: "report", Message: reason})
	return report
}

func (d *Driver) stage(name, message string) {
	slog.Info(message, "stage", name)
	d.bus.Broadcast(bus.Event{Kind: bus.KindStageStarted, Time: time.Now(), Stage: name, Message: message})
}

func (d *Driver) stageDone(name, message string) {
	slog.Info(message, "stage", name)
	d.bus.Broadcast(bus.Event{Kind: bus.KindStageCompleted, Time: time.Now(), Stage: name, Message: message})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
