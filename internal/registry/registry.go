// Package registry maps session ids to their aggregators and drives the
// session lifecycle: lazy creation, idle and closed transitions, eviction
// with export to a persistence collaborator.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lukasbauer/negocia/internal/eventlog"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/metrics"
	"github.com/lukasbauer/negocia/internal/session"
)

// Persister stores the final state of a session.
type Persister interface {
	Persist(ctx context.Context, sessionID string, rec insight.Record) error
}

// Notifier is told about sessions that just closed.
type Notifier interface {
	SessionClosed(ctx context.Context, snap insight.Snapshot)
}

// Policy holds the time-based lifecycle settings.
type Policy struct {
	IdleAfter      time.Duration // active -> idle
	IdleCloseAfter time.Duration // idle -> closed; 0 disables
	Retention      time.Duration // closed -> evicted
}

// DefaultPolicy returns the default lifecycle settings.
func DefaultPolicy() Policy {
	return Policy{
		IdleAfter:      2 * time.Minute,
		IdleCloseAfter: 30 * time.Minute,
		Retention:      10 * time.Minute,
	}
}

// Option configures a Registry.
type Option func(*Registry)

func WithPersister(p Persister) Option { return func(r *Registry) { r.persister = p } }

func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notifier = n } }

func WithEventLog(l *eventlog.Logger) Option { return func(r *Registry) { r.events = l } }

func WithLogger(l *log.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides the time source of the registry and its aggregators.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithEvictHook registers fn to run after a session is evicted.
func WithEvictHook(fn func(sessionID string)) Option {
	return func(r *Registry) { r.onEvict = append(r.onEvict, fn) }
}

// Registry owns every live session aggregator.
type Registry struct {
	cfg        session.Config
	policy     Policy
	classifier session.Classifier
	persister  Persister
	notifier   Notifier
	events     *eventlog.Logger
	logger     *log.Logger
	now        func() time.Time
	onEvict    []func(string)

	mu         sync.RWMutex
	sessions   map[string]*session.Aggregator
	tombstones map[string]time.Time // evicted id -> eviction time
	draining   bool
}

// New creates an empty registry.
func New(cfg session.Config, policy Policy, c session.Classifier, opts ...Option) *Registry {
	r := &Registry{
		cfg:        cfg,
		policy:     policy,
		classifier: c,
		logger:     log.New(io.Discard, "", 0),
		now:        time.Now,
		sessions:   make(map[string]*session.Aggregator),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the aggregator for id, creating it on first use.
// Concurrent first arrivals for the same id all receive the same instance.
// Evicted ids fail with insight.ErrSessionClosed until their tombstone
// expires; a draining registry fails with insight.ErrTransient.
func (r *Registry) GetOrCreate(id string) (*session.Aggregator, error) {
	r.mu.RLock()
	agg, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return agg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if agg, ok := r.sessions[id]; ok {
		return agg, nil
	}
	if _, evicted := r.tombstones[id]; evicted {
		return nil, fmt.Errorf("session %s was evicted: %w", id, insight.ErrSessionClosed)
	}
	if r.draining {
		return nil, fmt.Errorf("registry is shutting down: %w", insight.ErrTransient)
	}
	agg = session.New(id, r.cfg, r.classifier, session.WithClock(r.now))
	r.sessions[id] = agg
	r.logger.Printf("registry: session created session_id=%s", id)
	r.events.LogAsync(id, eventlog.SessionCreated{})
	return agg, nil
}

// Get returns the aggregator for id or insight.ErrNotFound.
func (r *Registry) Get(id string) (*session.Aggregator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, insight.ErrNotFound)
	}
	return agg, nil
}

// Close moves session id to closed. Closing a closed session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	agg, err := r.Get(id)
	if err != nil {
		return err
	}
	if agg.Close() {
		r.closed(ctx, agg, "explicit")
	}
	return nil
}

func (r *Registry) closed(ctx context.Context, agg *session.Aggregator, reason string) {
	snap := agg.Snapshot()
	r.logger.Printf("registry: session closed session_id=%s reason=%s fragments=%d signals=%d",
		snap.SessionID, reason, snap.FragmentCount, snap.Total())
	r.events.LogAsync(snap.SessionID, eventlog.SessionClosed{
		Reason:    reason,
		Fragments: snap.FragmentCount,
		Signals:   snap.Counts(),
	})
	if r.notifier != nil {
		r.notifier.SessionClosed(ctx, snap)
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Idled   int
	Closed  int
	Evicted int
	Failed  int // evictions kept back because the export failed
}

// Sweep advances time-based transitions for every session as of now. Each
// transition check holds a single session's lock only for that check. A
// cancelled ctx stops the sweep between sessions.
func (r *Registry) Sweep(ctx context.Context, now time.Time) SweepResult {
	start := time.Now()
	var res SweepResult

	for _, agg := range r.aggregators() {
		if ctx.Err() != nil {
			break
		}
		if agg.MarkIdleIfStale(now, r.policy.IdleAfter) {
			res.Idled++
			r.events.LogAsync(agg.ID(), eventlog.SessionIdle{})
		}
		if agg.CloseIfIdleFor(now, r.policy.IdleCloseAfter) {
			res.Closed++
			r.closed(ctx, agg, "idle_timeout")
		}
		if d, ok := agg.ClosedFor(now); ok && d >= r.policy.Retention {
			if err := r.evict(ctx, agg); err != nil {
				res.Failed++
				continue
			}
			res.Evicted++
		}
	}
	r.pruneTombstones(now)
	r.updateGauges()

	metrics.RecordSweep(time.Since(start).Seconds())
	if res != (SweepResult{}) {
		r.logger.Printf("registry: sweep idled=%d closed=%d evicted=%d failed=%d",
			res.Idled, res.Closed, res.Evicted, res.Failed)
	}
	return res
}

// evict exports agg and removes it. A failed export keeps the session so a
// later sweep retries.
func (r *Registry) evict(ctx context.Context, agg *session.Aggregator) error {
	id := agg.ID()
	if err := r.persist(ctx, agg); err != nil {
		metrics.RecordEviction(false)
		r.logger.Printf("registry: persist failed session_id=%s err=%v", id, err)
		r.events.LogAsync(id, eventlog.PersistFailed{Error: err.Error()})
		return err
	}

	r.mu.Lock()
	if r.sessions[id] == agg {
		delete(r.sessions, id)
		r.tombstones[id] = r.now()
	}
	r.mu.Unlock()

	metrics.RecordEviction(true)
	r.events.LogAsync(id, eventlog.SessionEvicted{})
	for _, fn := range r.onEvict {
		fn(id)
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, agg *session.Aggregator) error {
	if r.persister == nil {
		return nil
	}
	rec := insight.Record{
		Snapshot:   agg.Snapshot(),
		Transcript: agg.Transcript(),
		ExportedAt: r.now().UTC(),
	}
	return r.persister.Persist(ctx, agg.ID(), rec)
}

func (r *Registry) pruneTombstones(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.tombstones {
		if now.Sub(at) >= r.policy.Retention {
			delete(r.tombstones, id)
		}
	}
}

func (r *Registry) aggregators() []*session.Aggregator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Aggregator, 0, len(r.sessions))
	for _, agg := range r.sessions {
		out = append(out, agg)
	}
	return out
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []insight.Snapshot {
	aggs := r.aggregators()
	out := make([]insight.Snapshot, 0, len(aggs))
	for _, agg := range aggs {
		out = append(out, agg.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Stats aggregates counters across live sessions.
type Stats struct {
	Sessions   int                      `json:"sessions"`
	Active     int                      `json:"active"`
	Idle       int                      `json:"idle"`
	Closed     int                      `json:"closed"`
	Fragments  int                      `json:"fragments"`
	Duplicates int                      `json:"duplicates"`
	Signals    map[insight.Category]int `json:"signals"`
	Tombstones int                      `json:"tombstones"`
}

func (r *Registry) Stats() Stats {
	st := Stats{Signals: make(map[insight.Category]int)}
	for _, agg := range r.aggregators() {
		snap := agg.Snapshot()
		st.Sessions++
		st.Fragments += snap.FragmentCount
		st.Duplicates += snap.Duplicates
		switch snap.Status {
		case insight.StatusActive:
			st.Active++
		case insight.StatusIdle:
			st.Idle++
		case insight.StatusClosed:
			st.Closed++
		}
		for cat, n := range snap.Counts() {
			st.Signals[cat] += n
		}
	}
	r.mu.RLock()
	st.Tombstones = len(r.tombstones)
	r.mu.RUnlock()
	return st
}

func (r *Registry) updateGauges() {
	st := r.Stats()
	metrics.SetSessions(st.Active, st.Idle, st.Closed)
}

// Shutdown stops session creation and exports every live session. Sessions
// stay readable afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	var errs []error
	exported := 0
	for _, agg := range r.aggregators() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.persist(ctx, agg); err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", agg.ID(), err))
			continue
		}
		exported++
	}
	r.logger.Printf("registry: shutdown exported=%d failed=%d", exported, len(errs))
	return errors.Join(errs...)
}
