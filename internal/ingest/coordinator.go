// Package ingest turns raw transport events into fragment applications and
// reports one of four outcomes the transport can act on.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lukasbauer/negocia/internal/eventlog"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/metrics"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/session"
)

// Outcome is the transport-facing result of one ingest call.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeRejectedTerminal  Outcome = "rejected-terminal"
	OutcomeRejectedRetryable Outcome = "rejected-retryable"
	OutcomeRejectedOverload  Outcome = "rejected-overload"
)

// Result describes what happened to one raw event.
type Result struct {
	Outcome   Outcome
	SessionID string
	Seq       int64
	Err       error
	Apply     session.Outcome // zero unless a fragment was applied
	Closed    bool            // an end event closed the session
}

// Retryable reports whether the transport may redeliver the event.
func (r Result) Retryable() bool {
	return r.Outcome == OutcomeRejectedRetryable || r.Outcome == OutcomeRejectedOverload
}

// Config bounds the per-session arrival rate.
type Config struct {
	RatePerSec float64 // 0 disables rate limiting
	Burst      int
}

// DefaultConfig returns the default ingest limits.
func DefaultConfig() Config {
	return Config{RatePerSec: 20, Burst: 40}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *log.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithEventLog(l *eventlog.Logger) Option { return func(c *Coordinator) { c.events = l } }

// WithClock overrides the arrival-time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator validates raw events and applies them through the registry.
type Coordinator struct {
	registry *registry.Registry
	cfg      Config
	logger   *log.Logger
	events   *eventlog.Logger
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCoordinator creates a coordinator that resolves sessions through reg.
func NewCoordinator(reg *registry.Registry, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: reg,
		cfg:      cfg,
		logger:   log.New(io.Discard, "", 0),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest handles one raw event. It never panics and never returns a
// half-applied fragment: the result is either accepted with the fragment
// fully applied, or a rejection with no state mutated.
func (c *Coordinator) Ingest(ctx context.Context, ev RawEvent) Result {
	res := c.ingest(ctx, ev)
	metrics.RecordIngest(string(res.Outcome))
	if res.Outcome != OutcomeAccepted {
		c.logger.Printf("ingest: rejected session_id=%s seq=%d outcome=%s err=%v",
			res.SessionID, res.Seq, res.Outcome, res.Err)
		c.events.LogAsync(res.SessionID, eventlog.FragmentRejected{
			Seq:     res.Seq,
			Outcome: string(res.Outcome),
			Error:   fmt.Sprint(res.Err),
		})
	}
	return res
}

func (c *Coordinator) ingest(ctx context.Context, ev RawEvent) Result {
	res := Result{SessionID: ev.SessionID, Seq: ev.SeqOrZero()}
	if err := ev.Validate(); err != nil {
		return reject(res, err)
	}
	if err := ctx.Err(); err != nil {
		return reject(res, fmt.Errorf("%w: %v", insight.ErrTransient, err))
	}

	if ev.IsEnd() {
		if err := c.registry.Close(ctx, ev.SessionID); err != nil {
			return reject(res, err)
		}
		res.Outcome = OutcomeAccepted
		res.Closed = true
		return res
	}

	if !c.limiter(ev.SessionID).Allow() {
		return reject(res, fmt.Errorf("session %s over %.0f events/s: %w",
			ev.SessionID, c.cfg.RatePerSec, insight.ErrTooManyFragments))
	}

	agg, err := c.registry.GetOrCreate(ev.SessionID)
	if err != nil {
		return reject(res, err)
	}

	f := ev.Fragment(c.now())
	start := time.Now()
	out, err := safeApply(agg, f)
	metrics.RecordApply(time.Since(start).Seconds())
	if err != nil {
		return reject(res, err)
	}

	res.Outcome = OutcomeAccepted
	res.Apply = out
	c.observe(f, out)
	return res
}

// safeApply runs Apply, turning a panic into insight.ErrTransient. Apply
// commits only after classification and merge succeed, so a panic leaves the
// session untouched.
func safeApply(agg *session.Aggregator, f insight.Fragment) (out session.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("apply panicked: %v: %w", p, insight.ErrTransient)
		}
	}()
	return agg.Apply(f)
}

func (c *Coordinator) observe(f insight.Fragment, out session.Outcome) {
	if out.Kind == session.OutcomeDuplicate {
		metrics.RecordDuplicate()
		return
	}
	if out.Gap != nil {
		metrics.RecordGap()
		c.logger.Printf("ingest: gap session_id=%s from=%d to=%d", f.SessionID, out.Gap.From, out.Gap.To)
		c.events.LogAsync(f.SessionID, eventlog.GapDetected{From: out.Gap.From, To: out.Gap.To})
	}
	if out.ClassifyErr != nil {
		metrics.RecordClassifyFailure()
		c.logger.Printf("ingest: classify failed session_id=%s seq=%d err=%v", f.SessionID, f.Seq, out.ClassifyErr)
		c.events.LogAsync(f.SessionID, eventlog.ClassifyFailed{Seq: f.Seq, Error: out.ClassifyErr.Error()})
	}
	if out.New > 0 || out.Merged > 0 {
		c.events.LogAsync(f.SessionID, eventlog.SignalDetected{Seq: f.Seq, New: out.New, Merged: out.Merged})
	}
}

func reject(res Result, err error) Result {
	res.Err = err
	switch {
	case errors.Is(err, insight.ErrMalformedEvent),
		errors.Is(err, insight.ErrSessionClosed),
		errors.Is(err, insight.ErrNotFound):
		res.Outcome = OutcomeRejectedTerminal
	case errors.Is(err, insight.ErrTooManyFragments):
		res.Outcome = OutcomeRejectedOverload
	default:
		res.Outcome = OutcomeRejectedRetryable
	}
	return res
}

func (c *Coordinator) limiter(id string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[id]
	if !ok {
		limit := rate.Limit(c.cfg.RatePerSec)
		if c.cfg.RatePerSec <= 0 {
			limit = rate.Inf
		}
		l = rate.NewLimiter(limit, c.cfg.Burst)
		c.limiters[id] = l
	}
	return l
}

// Forget drops the rate limiter of an evicted session.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.limiters, sessionID)
	c.mu.Unlock()
}
