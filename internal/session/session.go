// Package session owns the accumulated insight state of a single
// conversation and applies transcript fragments to it.
//
// Every mutation runs under the aggregator's mutex and commits a freshly
// built state in one step; the committed state is then published as an
// immutable snapshot through an atomic pointer, so readers never take the
// lock and never observe a half-applied merge.
package session

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/insight"
)

// Classifier proposes candidate signals for a fragment.
type Classifier interface {
	Classify(f insight.Fragment, recent []insight.Fragment) ([]classifier.Candidate, error)
}

// Config holds the aggregation policy.
type Config struct {
	MinConfidence       float64 // candidates below are discarded
	SimilarityThreshold float64 // same-category candidates at or above merge
	ContextWindow       int     // preceding fragments handed to the classifier
	MaxFragments        int     // fragment log cap; 0 means unbounded
}

// DefaultConfig returns the default aggregation policy.
func DefaultConfig() Config {
	return Config{
		MinConfidence:       0.5,
		SimilarityThreshold: 0.6,
		ContextWindow:       5,
		MaxFragments:        5000,
	}
}

// OutcomeKind describes what Apply did with a fragment.
type OutcomeKind string

const (
	OutcomeApplied   OutcomeKind = "applied"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome reports the effect of one Apply call.
type Outcome struct {
	Kind      OutcomeKind
	Gap       *insight.Gap // gap recorded by this fragment, if any
	Late      bool         // fragment arrived below the highest applied sequence
	New       int          // signals appended
	Merged    int          // candidates merged into existing signals
	Discarded int          // candidates below MinConfidence

	// ClassifyErr is set when classification failed. The fragment was still
	// logged, with zero derived signals.
	ClassifyErr error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator accumulates the state of one session.
//
// Signals are always the result of merging the classifier verdicts of the
// applied fragments in sequence order. Fragments arriving in order extend
// that replay incrementally; a late fragment is classified, the fragments
// whose context window it joins are classified again, and the signals are
// rebuilt from the stored verdicts. The insight state therefore depends on
// the set of applied fragments, not on their arrival order.
type Aggregator struct {
	id         string
	cfg        Config
	classifier Classifier
	now        func() time.Time

	mu               sync.Mutex
	status           insight.Status
	ordered          []insight.Fragment // sequence order, replaced on every commit
	verdicts         map[int64]verdict
	highest          int64
	gaps             []insight.Gap
	signals          map[insight.Category][]insight.Signal
	classifyFailures int
	createdAt        time.Time
	lastActivity     time.Time
	closedAt         *time.Time
	version          uint64

	duplicates atomic.Int64
	cur        atomic.Pointer[published]
}

// verdict is the classifier output for one applied fragment, computed with
// the context window the fragment has in the current sequence order.
type verdict struct {
	cands []classifier.Candidate
	err   error
}

// published is the committed state readers see.
type published struct {
	snap    insight.Snapshot
	ordered []insight.Fragment
}

// New creates an active aggregator for session id.
func New(id string, cfg Config, c Classifier, opts ...Option) *Aggregator {
	a := &Aggregator{
		id:         id,
		cfg:        cfg,
		classifier: c,
		now:        time.Now,
		status:     insight.StatusActive,
		verdicts:   make(map[int64]verdict),
		signals:    make(map[insight.Category][]insight.Signal),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.createdAt = a.now().UTC()
	a.lastActivity = a.createdAt
	a.publish()
	return a
}

// ID returns the session id.
func (a *Aggregator) ID() string { return a.id }

// Apply adds f to the session. It fails with insight.ErrSessionClosed on a
// closed session and insight.ErrTooManyFragments once the fragment log is
// full; neither mutates state. Re-delivery of an already applied sequence is
// a no-op reported as OutcomeDuplicate.
func (a *Aggregator) Apply(f insight.Fragment) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == insight.StatusClosed {
		return Outcome{}, fmt.Errorf("apply %s seq %d: %w", a.id, f.Seq, insight.ErrSessionClosed)
	}
	if _, dup := a.verdicts[f.Seq]; dup {
		a.duplicates.Add(1)
		return Outcome{Kind: OutcomeDuplicate}, nil
	}
	if a.cfg.MaxFragments > 0 && len(a.ordered) >= a.cfg.MaxFragments {
		return Outcome{}, fmt.Errorf("apply %s: %d fragments: %w", a.id, len(a.ordered), insight.ErrTooManyFragments)
	}

	now := a.now().UTC()
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	out := Outcome{Kind: OutcomeApplied}
	first := len(a.ordered) == 0

	gaps := a.gaps
	switch {
	case !first && f.Seq > a.highest+1:
		g := insight.Gap{From: a.highest + 1, To: f.Seq - 1, RecordedAt: now}
		gaps = append(append([]insight.Gap(nil), a.gaps...), g)
		out.Gap = &g
	case !first && f.Seq < a.highest:
		out.Late = true
		gaps = append([]insight.Gap(nil), a.gaps...)
		for i := range gaps {
			if gaps[i].Contains(f.Seq) {
				gaps[i].Filled++
			}
		}
	}

	ordered := insertOrdered(a.ordered, f)
	failures := a.classifyFailures
	var (
		v        verdict
		verdicts map[int64]verdict
		signals  map[insight.Category][]insight.Signal
	)
	if out.Late {
		verdicts, failures = a.reclassify(ordered, f.Seq)
		v = verdicts[f.Seq]
		signals = a.replay(ordered, verdicts, f.Seq, &out)
	} else {
		v = a.classify(ordered, len(ordered)-1)
		if v.err != nil {
			failures++
		}
		signals = cloneSignals(a.signals)
		a.merge(signals, f, v.cands, &out)
	}
	out.ClassifyErr = v.err

	// Commit.
	if out.Late {
		a.verdicts = verdicts
	} else {
		a.verdicts[f.Seq] = v
	}
	a.signals = signals
	a.gaps = gaps
	a.classifyFailures = failures
	a.ordered = ordered
	if f.Seq > a.highest || first {
		a.highest = f.Seq
	}
	a.status = insight.StatusActive
	a.lastActivity = now
	a.publish()
	return out, nil
}

// classify runs the classifier on ordered[i] with the fragments preceding it
// as context. A failed classification yields no candidates.
func (a *Aggregator) classify(ordered []insight.Fragment, i int) verdict {
	cands, err := a.classifier.Classify(ordered[i], window(ordered, i, a.cfg.ContextWindow))
	if err != nil {
		return verdict{err: err}
	}
	return verdict{cands: cands}
}

// reclassify returns the verdicts for ordered once seq has joined it, along
// with the number of failed classifications. The new fragment and the
// ContextWindow fragments following it are classified again; every other
// verdict is reused.
func (a *Aggregator) reclassify(ordered []insight.Fragment, seq int64) (map[int64]verdict, int) {
	verdicts := make(map[int64]verdict, len(ordered))
	for s, v := range a.verdicts {
		verdicts[s] = v
	}
	k := sort.Search(len(ordered), func(i int) bool { return ordered[i].Seq >= seq })
	last := k + max(a.cfg.ContextWindow, 0)
	if last > len(ordered)-1 {
		last = len(ordered) - 1
	}
	for i := k; i <= last; i++ {
		verdicts[ordered[i].Seq] = a.classify(ordered, i)
	}

	failures := 0
	for _, v := range verdicts {
		if v.err != nil {
			failures++
		}
	}
	return verdicts, failures
}

// replay merges the verdicts of ordered from scratch in sequence order. The
// counts of out describe the candidates of fragment seq.
func (a *Aggregator) replay(ordered []insight.Fragment, verdicts map[int64]verdict, seq int64, out *Outcome) map[insight.Category][]insight.Signal {
	signals := make(map[insight.Category][]insight.Signal)
	for _, f := range ordered {
		var counts *Outcome
		if f.Seq == seq {
			counts = out
		}
		a.merge(signals, f, verdicts[f.Seq].cands, counts)
	}
	return signals
}

// merge folds the candidates of f into signals, counting into out when it
// is not nil.
func (a *Aggregator) merge(signals map[insight.Category][]insight.Signal, f insight.Fragment, cands []classifier.Candidate, out *Outcome) {
	for _, c := range cands {
		if c.Confidence < a.cfg.MinConfidence {
			if out != nil {
				out.Discarded++
			}
			continue
		}
		merged := mergeCandidate(signals, c, f, a.cfg.SimilarityThreshold)
		switch {
		case out == nil:
		case merged:
			out.Merged++
		default:
			out.New++
		}
	}
}

// window returns up to n fragments preceding ordered[i], oldest first.
func window(ordered []insight.Fragment, i, n int) []insight.Fragment {
	if n <= 0 {
		return nil
	}
	return append([]insight.Fragment(nil), ordered[max(i-n, 0):i]...)
}

// insertOrdered returns a new slice with f inserted in sequence order.
// ordered itself is left untouched since readers may share it.
func insertOrdered(ordered []insight.Fragment, f insight.Fragment) []insight.Fragment {
	i := sort.Search(len(ordered), func(i int) bool { return ordered[i].Seq > f.Seq })
	out := make([]insight.Fragment, 0, len(ordered)+1)
	out = append(out, ordered[:i]...)
	out = append(out, f)
	return append(out, ordered[i:]...)
}

// Snapshot returns a deep copy of the last committed state. It never blocks
// on a concurrent Apply.
func (a *Aggregator) Snapshot() insight.Snapshot {
	snap := cloneSnapshot(a.cur.Load().snap)
	snap.Duplicates = int(a.duplicates.Load())
	return snap
}

// Version returns the number of committed state changes.
func (a *Aggregator) Version() uint64 {
	return a.cur.Load().snap.Version
}

// Status returns the current lifecycle status.
func (a *Aggregator) Status() insight.Status {
	return a.cur.Load().snap.Status
}

// Transcript returns the applied fragments of the last commit in sequence
// order. Like Snapshot it never takes the lock.
func (a *Aggregator) Transcript() []insight.Fragment {
	return append([]insight.Fragment(nil), a.cur.Load().ordered...)
}

// MarkIdleIfStale moves an active session to idle when it has seen no
// activity for idleAfter. It reports whether the status changed.
//
// An Apply that holds the lock when the sweep arrives wins: the sweep then
// reads the fresh activity timestamp and leaves the session active.
func (a *Aggregator) MarkIdleIfStale(now time.Time, idleAfter time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != insight.StatusActive || now.Sub(a.lastActivity) < idleAfter {
		return false
	}
	a.status = insight.StatusIdle
	a.publish()
	return true
}

// CloseIfIdleFor closes an idle session whose inactivity reached d.
func (a *Aggregator) CloseIfIdleFor(now time.Time, d time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d <= 0 || a.status != insight.StatusIdle || now.Sub(a.lastActivity) < d {
		return false
	}
	a.closeLocked(now)
	return true
}

// Close moves the session to the terminal closed status. It reports false if
// the session was already closed.
func (a *Aggregator) Close() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == insight.StatusClosed {
		return false
	}
	a.closeLocked(a.now())
	return true
}

func (a *Aggregator) closeLocked(now time.Time) {
	at := now.UTC()
	a.status = insight.StatusClosed
	a.closedAt = &at
	a.publish()
}

// ClosedFor reports how long the session has been closed, and false if it is
// not closed.
func (a *Aggregator) ClosedFor(now time.Time) (time.Duration, bool) {
	s := a.cur.Load().snap
	if s.ClosedAt == nil {
		return 0, false
	}
	return now.Sub(*s.ClosedAt), true
}

// publish stores the committed state as the current snapshot. Callers hold
// a.mu. The signal map, gap slice and fragment slice are replaced, never
// mutated, after a commit, so the snapshot may share them.
func (a *Aggregator) publish() {
	a.version++
	a.cur.Store(&published{
		snap: insight.Snapshot{
			SessionID:        a.id,
			Status:           a.status,
			Signals:          a.signals,
			FragmentCount:    len(a.ordered),
			HighestSeq:       a.highest,
			Gaps:             a.gaps,
			ClassifyFailures: a.classifyFailures,
			CreatedAt:        a.createdAt,
			LastActivity:     a.lastActivity,
			ClosedAt:         a.closedAt,
			Version:          a.version,
		},
		ordered: a.ordered,
	})
}

func cloneSignals(in map[insight.Category][]insight.Signal) map[insight.Category][]insight.Signal {
	out := make(map[insight.Category][]insight.Signal, len(in))
	for cat, sigs := range in {
		cp := make([]insight.Signal, len(sigs))
		for i, s := range sigs {
			cp[i] = s.Clone()
		}
		out[cat] = cp
	}
	return out
}

func cloneSnapshot(s insight.Snapshot) insight.Snapshot {
	s.Signals = cloneSignals(s.Signals)
	s.Gaps = append([]insight.Gap(nil), s.Gaps...)
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		s.ClosedAt = &at
	}
	return s
}
