// Package insight holds the data model shared by the transcript-to-insight
// pipeline: transcript fragments, detected signals and per-session snapshots.
package insight

import (
	"sort"
	"time"
)

// Role identifies who spoke a fragment.
type Role string

const (
	RoleRep      Role = "rep"
	RoleProspect Role = "prospect"
	RoleUnknown  Role = "unknown"
)

// Category is the kind of negotiation insight a signal represents.
type Category string

const (
	CategoryObjection         Category = "objection"
	CategoryBuyingSignal      Category = "buying_signal"
	CategoryCompetitorMention Category = "competitor_mention"
	CategoryNextStep          Category = "next_step"
)

// CoreCategories returns the built-in categories in display order.
func CoreCategories() []Category {
	return []Category{
		CategoryObjection,
		CategoryBuyingSignal,
		CategoryCompetitorMention,
		CategoryNextStep,
	}
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Fragment is one utterance unit delivered by the transcription upstream.
// Fragments are values and are never mutated after creation.
type Fragment struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Speaker   string    `json:"speaker,omitempty"` // raw diarization label, if any
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// Signal is a deduplicated unit of meaning detected in a session.
type Signal struct {
	Category       Category  `json:"category"`
	Summary        string    `json:"summary"`
	Confidence     float64   `json:"confidence"`
	Phrase         string    `json:"matched_phrase,omitempty"`
	Suggestion     string    `json:"suggestion,omitempty"`
	Sources        []int64   `json:"sources"` // fragment sequence numbers, ascending
	Strongest      int64     `json:"strongest_source"`
	FirstSeen      time.Time `json:"first_seen"`
	LastReinforced time.Time `json:"last_reinforced"`
}

// Clone returns a deep copy of the signal.
func (s Signal) Clone() Signal {
	s.Sources = append([]int64(nil), s.Sources...)
	return s
}

// FirstSource returns the lowest fragment sequence that produced the signal.
func (s Signal) FirstSource() int64 {
	if len(s.Sources) == 0 {
		return 0
	}
	return s.Sources[0]
}

// Gap records a skip in the fragment sequence of a session.
type Gap struct {
	From       int64     `json:"from"` // first missing sequence
	To         int64     `json:"to"`   // last missing sequence
	RecordedAt time.Time `json:"recorded_at"`
	Filled     int       `json:"filled"` // late fragments that arrived inside the range
}

// Open reports whether any sequence inside the gap is still missing.
func (g Gap) Open() bool {
	return int64(g.Filled) < g.To-g.From+1
}

// Contains reports whether seq falls inside the gap.
func (g Gap) Contains(seq int64) bool {
	return seq >= g.From && seq <= g.To
}

// Snapshot is an immutable read view of a session. Callers own the returned
// value; nothing in it aliases live session state.
type Snapshot struct {
	SessionID        string                `json:"session_id"`
	Status           Status                `json:"status"`
	Signals          map[Category][]Signal `json:"signals"`
	FragmentCount    int                   `json:"fragment_count"`
	HighestSeq       int64                 `json:"highest_seq"`
	Gaps             []Gap                 `json:"gaps,omitempty"`
	ClassifyFailures int                   `json:"classify_failures"`
	Duplicates       int                   `json:"duplicates"` // re-deliveries ignored
	CreatedAt        time.Time             `json:"created_at"`
	LastActivity     time.Time             `json:"last_activity"`
	ClosedAt         *time.Time            `json:"closed_at,omitempty"`
	Version          uint64                `json:"version"`
}

// Total returns the number of signals across all categories.
func (s Snapshot) Total() int {
	n := 0
	for _, sigs := range s.Signals {
		n += len(sigs)
	}
	return n
}

// Counts returns the number of signals per category.
func (s Snapshot) Counts() map[Category]int {
	counts := make(map[Category]int, len(s.Signals))
	for cat, sigs := range s.Signals {
		if len(sigs) > 0 {
			counts[cat] = len(sigs)
		}
	}
	return counts
}

// Categories returns the categories present in the snapshot, core categories
// first and any custom ones after them in lexical order.
func (s Snapshot) Categories() []Category {
	seen := make(map[Category]bool, len(s.Signals))
	var out []Category
	for _, cat := range CoreCategories() {
		if _, ok := s.Signals[cat]; ok {
			out = append(out, cat)
			seen[cat] = true
		}
	}
	var extra []Category
	for cat := range s.Signals {
		if !seen[cat] {
			extra = append(extra, cat)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Record is the export of a session handed to a persistence collaborator.
type Record struct {
	Snapshot   Snapshot   `json:"snapshot"`
	Transcript []Fragment `json:"transcript,omitempty"` // sequence order
	ExportedAt time.Time  `json:"exported_at"`
}
