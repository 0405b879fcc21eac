// Package ratelimit implements the Rate-Limit Controller of spec.md §4.2:
// three layered limiters (global, op-class, per-session), flood-wait
// absorb-vs-suspend policy, and adaptive tuning. The limiter primitive is
// golang.org/x/time/rate, the same package the pack uses for its own
// per-entity rate limiting (teranos-QNTX/ats/watcher/engine.go builds one
// rate.Limiter per watcher; this controller builds one per op-class and
// one per session, composed with a single shared global limiter).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OpClass distinguishes download vs upload admission, per spec.md §4.2.
type OpClass string

const (
	OpDownload OpClass = "download"
	OpUpload   OpClass = "upload"
	OpOther    OpClass = "other"
)

// Config tunes the controller's three tiers and adaptive behavior.
type Config struct {
	GlobalPerMinute      float64       // default 30
	DownloadPerMinute    float64       // default 20
	UploadPerMinute      float64       // default 20
	PerSessionPerMinute  float64       // default 10
	FloodWaitThreshold   time.Duration // default 10s: <= absorbed inline, > suspends the session
	AdaptiveFloodWindow  int           // consecutive flood-waits before throttling down, default 3
	AdaptiveSuccessRatio float64       // success ratio required to restore rates, default 0.95
}

// DefaultConfig matches the illustrative figures in spec.md §4.2.
func DefaultConfig() Config {
	return Config{
		GlobalPerMinute:      30,
		DownloadPerMinute:    20,
		UploadPerMinute:      20,
		PerSessionPerMinute:  10,
		FloodWaitThreshold:   10 * time.Second,
		AdaptiveFloodWindow:  3,
		AdaptiveSuccessRatio: 0.95,
	}
}

// sessionState is the RateLimitState of spec.md §3, plus its private
// adaptive-tuning bookkeeping.
type sessionState struct {
	limiter        *rate.Limiter
	backoffUntil   time.Time
	floodWaitCount int
	successStreak  int
	recentFloods   int // consecutive floods observed, resets on success
	calls          int
	successes      int
}

// Controller owns the global and op-class limiters, plus one per-session
// limiter created lazily on first admission for that session.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	global   *rate.Limiter
	download *rate.Limiter
	upload   *rate.Limiter
	sessions map[string]*sessionState
}

func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:      cfg,
		global:   rate.NewLimiter(perMinute(cfg.GlobalPerMinute), 1),
		download: rate.NewLimiter(perMinute(cfg.DownloadPerMinute), 1),
		upload:   rate.NewLimiter(perMinute(cfg.UploadPerMinute), 1),
		sessions: make(map[string]*sessionState),
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return 0
	}
	return rate.Limit(n / 60.0)
}

func (c *Controller) sessionFor(name string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[name]
	if !ok {
		s = &sessionState{limiter: rate.NewLimiter(perMinute(c.cfg.PerSessionPerMinute), 1)}
		c.sessions[name] = s
	}
	return s
}

// Suspended reports whether session is currently within its back-off
// deadline (spec.md §3 RateLimitState invariant: "now < back-off deadline
// implies the session is not dispatched").
func (c *Controller) Suspended(session string) (bool, time.Time) {
	s := c.sessionFor(session)
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(s.backoffUntil), s.backoffUntil
}

// Admit blocks until session has a permit from all three applicable
// limiters (global, op-class, per-session), or returns an error if ctx is
// done first (spec.md §4.2 "Cancellation"). The tiers are waited on one
// after another: the tier whose wait is cancelled gives its permit back,
// but a permit already taken from an earlier tier in the same call is not
// returned.
func (c *Controller) Admit(ctx context.Context, session string, class OpClass) error {
	if suspended, until := c.Suspended(session); suspended {
		select {
		case <-time.After(time.Until(until)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	limiters := []*rate.Limiter{c.global}
	switch class {
	case OpDownload:
		limiters = append(limiters, c.download)
	case OpUpload:
		limiters = append(limiters, c.upload)
	}
	limiters = append(limiters, c.sessionFor(session).limiter)

	for _, l := range limiters {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}

	s := c.sessionFor(session)
	c.mu.Lock()
	s.calls++
	c.mu.Unlock()
	return nil
}

// FloodWaitOutcome tells the caller what ObserveFloodWait decided.
type FloodWaitOutcome int

const (
	Absorbed FloodWaitOutcome = iota // inline wait performed, caller should retry on the same session
	Suspend                          // session suspended; caller should reassign (stage1/local) or bounded-retry-same-session (stage2)
)

// ObserveFloodWait applies the §4.2 policy: seconds <= threshold are
// absorbed with an inline wait on the same session; longer ones suspend
// the session until now+seconds and return Suspend so the caller can
// decide how to proceed (spec.md §4.2, §4.7 Stage 2).
func (c *Controller) ObserveFloodWait(ctx context.Context, session string, seconds int) FloodWaitOutcome {
	s := c.sessionFor(session)

	c.mu.Lock()
	s.floodWaitCount++
	s.recentFloods++
	s.successStreak = 0
	s.calls++
	c.mu.Unlock()

	c.maybeThrottleDown(s)

	wait := time.Duration(seconds) * time.Second
	if wait <= c.cfg.FloodWaitThreshold {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return Absorbed
	}

	c.mu.Lock()
	s.backoffUntil = time.Now().Add(wait)
	c.mu.Unlock()
	return Suspend
}

// ObserveSuccess records a successful call for adaptive tuning.
func (c *Controller) ObserveSuccess(session string) {
	s := c.sessionFor(session)
	c.mu.Lock()
	s.successes++
	s.successStreak++
	s.recentFloods = 0
	c.mu.Unlock()
	c.maybeRestoreUp(s)
}

// maybeThrottleDown halves the op-class permit rates after
// AdaptiveFloodWindow consecutive flood-waits on any session, per spec.md
// §4.2 "Adaptive tuning".
func (c *Controller) maybeThrottleDown(s *sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.recentFloods < c.cfg.AdaptiveFloodWindow {
		return
	}
	s.recentFloods = 0
	c.download.SetLimit(c.download.Limit() * 0.5)
	c.upload.SetLimit(c.upload.Limit() * 0.5)
}

// maybeRestoreUp nudges permit rates back up by 10% after a sustained
// success streak, capped at the configured defaults.
func (c *Controller) maybeRestoreUp(s *sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.calls == 0 {
		return
	}
	ratio := float64(s.successes) / float64(s.calls)
	if ratio < c.cfg.AdaptiveSuccessRatio || s.successStreak < 10 {
		return
	}
	s.successStreak = 0
	if cap := perMinute(c.cfg.DownloadPerMinute); c.download.Limit() < cap {
		c.download.SetLimit(min(cap, c.download.Limit()*1.1))
	}
	if cap := perMinute(c.cfg.UploadPerMinute); c.upload.Limit() < cap {
		c.upload.SetLimit(min(cap, c.upload.Limit()*1.1))
	}
}

func min(a, b rate.Limit) rate.Limit {
	if a < b {
		return a
	}
	return b
}

// Snapshot exposes call counts, back-off deadlines, and success rate for
// the scheduler's session-selection decisions (spec.md §4.2).
type Snapshot struct {
	Calls          int
	Successes      int
	FloodWaitCount int
	BackoffUntil   time.Time
}

func (c *Controller) Snapshot(session string) Snapshot {
	s := c.sessionFor(session)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Calls:          s.calls,
		Successes:      s.successes,
		FloodWaitCount: s.floodWaitCount,
		BackoffUntil:   s.backoffUntil,
	}
}
