package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultExpr runs the sweep every 10 minutes, per SPEC_FULL.md §4's
// default for the scratch-handle leak sweep.
const DefaultExpr = "*/10 * * * *"

// Scheduler evaluates a cron expression once a minute and runs a Sweep
// whenever it is due. gronx itself is a pure expression evaluator with no
// built-in runner, so the minute-resolution poll loop below is this
// module's own scheduling wrapper around it.
type Scheduler struct {
	expr    string
	sweeper *Sweeper
	gron    gronx.Gronx
}

func NewScheduler(expr string, sweeper *Sweeper) *Scheduler {
	if expr == "" {
		expr = DefaultExpr
	}
	return &Scheduler{expr: expr, sweeper: sweeper, gron: gronx.New()}
}

// Run polls once a minute until ctx is cancelled, invoking Sweep whenever
// the cron expression is due.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.gron.IsDue(s.expr)
	if err != nil {
		slog.Error("housekeeping: invalid cron expression", "expr", s.expr, "error", err)
		return
	}
	if !due {
		return
	}
	residual := s.sweeper.Sweep(ctx)
	if len(residual) > 0 {
		slog.Warn("housekeeping: residual scratch after sweep", "count", len(residual))
	}
}
