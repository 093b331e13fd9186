// Package query serves read views of sessions. Every method reads published
// snapshots or copies of the fragment log and never blocks ingestion.
package query

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/registry"
)

// CoachingMinConfidence is the confidence a signal needs to be surfaced as a
// coaching tip.
const CoachingMinConfidence = 0.6

// Service answers read queries against the registry.
type Service struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Service {
	return &Service{registry: reg}
}

// GetInsights returns the current snapshot of session id, or
// insight.ErrNotFound for unknown and evicted sessions.
func (s *Service) GetInsights(id string) (insight.Snapshot, error) {
	agg, err := s.registry.Get(id)
	if err != nil {
		return insight.Snapshot{}, err
	}
	return agg.Snapshot(), nil
}

// Version returns the snapshot version of session id. It changes whenever
// the session state does.
func (s *Service) Version(id string) (uint64, error) {
	agg, err := s.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return agg.Version(), nil
}

// Filter narrows the signals of an insight view.
type Filter struct {
	Category      insight.Category // empty matches all
	MinConfidence float64
}

// Insights is a filtered snapshot plus per-category counts of what remains.
type Insights struct {
	insight.Snapshot
	Total   int                      `json:"total_insights"`
	Summary map[insight.Category]int `json:"summary"`
}

// FilteredInsights returns the snapshot of id with only the signals matching f.
func (s *Service) FilteredInsights(id string, f Filter) (Insights, error) {
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return Insights{}, fmt.Errorf("min_confidence %v outside [0, 1]", f.MinConfidence)
	}
	snap, err := s.GetInsights(id)
	if err != nil {
		return Insights{}, err
	}
	kept := make(map[insight.Category][]insight.Signal, len(snap.Signals))
	for cat, sigs := range snap.Signals {
		if f.Category != "" && cat != f.Category {
			continue
		}
		for _, sig := range sigs {
			if sig.Confidence >= f.MinConfidence {
				kept[cat] = append(kept[cat], sig)
			}
		}
	}
	snap.Signals = kept
	return Insights{Snapshot: snap, Total: snap.Total(), Summary: snap.Counts()}, nil
}

// Tip is one actionable suggestion for the rep.
type Tip struct {
	Suggestion string  `json:"suggestion"`
	Trigger    string  `json:"trigger"`
	Confidence float64 `json:"confidence"`
	Sources    []int64 `json:"sources"`
}

// Coaching groups the suggestions of confident signals by category.
type Coaching struct {
	SessionID string                     `json:"session_id"`
	Coaching  map[insight.Category][]Tip `json:"coaching"`
	Total     int                        `json:"total_suggestions"`
}

// Coaching returns the suggestions of signals at or above
// CoachingMinConfidence, in category display order.
func (s *Service) Coaching(id string) (Coaching, error) {
	snap, err := s.GetInsights(id)
	if err != nil {
		return Coaching{}, err
	}
	out := Coaching{SessionID: id, Coaching: make(map[insight.Category][]Tip)}
	for _, cat := range snap.Categories() {
		for _, sig := range snap.Signals[cat] {
			if sig.Confidence < CoachingMinConfidence || sig.Suggestion == "" {
				continue
			}
			trigger := sig.Phrase
			if trigger == "" {
				trigger = sig.Summary
			}
			out.Coaching[cat] = append(out.Coaching[cat], Tip{
				Suggestion: sig.Suggestion,
				Trigger:    trigger,
				Confidence: sig.Confidence,
				Sources:    sig.Sources,
			})
			out.Total++
		}
	}
	return out, nil
}

// SpeakerStats aggregates one speaker's share of the conversation.
type SpeakerStats struct {
	Speaker   string       `json:"speaker"`
	Role      insight.Role `json:"role"`
	Segments  int          `json:"segment_count"`
	Words     int          `json:"word_count"`
	TalkRatio float64      `json:"talk_ratio"` // percent of all words, one decimal
}

// Summary is a high-level view of a session transcript.
type Summary struct {
	SessionID       string         `json:"session_id"`
	Status          insight.Status `json:"status"`
	TotalSegments   int            `json:"total_segments"`
	TotalWords      int            `json:"total_words"`
	Speakers        []SpeakerStats `json:"speakers"`
	DurationSeconds *float64       `json:"duration_seconds"` // nil with fewer than two segments
	Signals         int            `json:"total_insights"`
}

// Summary computes speaker statistics for session id. Speakers are listed in
// order of first appearance.
func (s *Service) Summary(id string) (Summary, error) {
	agg, err := s.registry.Get(id)
	if err != nil {
		return Summary{}, err
	}
	snap := agg.Snapshot()
	frags := agg.Transcript()

	out := Summary{SessionID: id, Status: snap.Status, TotalSegments: len(frags), Signals: snap.Total()}
	index := make(map[string]int)
	for _, f := range frags {
		label := speakerLabel(f)
		i, ok := index[label]
		if !ok {
			i = len(out.Speakers)
			index[label] = i
			out.Speakers = append(out.Speakers, SpeakerStats{Speaker: label, Role: f.Role})
		}
		words := len(strings.Fields(f.Text))
		out.Speakers[i].Segments++
		out.Speakers[i].Words += words
		out.TotalWords += words
	}
	total := out.TotalWords
	if total == 0 {
		total = 1
	}
	for i := range out.Speakers {
		out.Speakers[i].TalkRatio = math.Round(float64(out.Speakers[i].Words)/float64(total)*1000) / 10
	}

	if len(frags) >= 2 {
		first, last := frags[0].Timestamp, frags[0].Timestamp
		for _, f := range frags[1:] {
			if f.Timestamp.Before(first) {
				first = f.Timestamp
			}
			if f.Timestamp.After(last) {
				last = f.Timestamp
			}
		}
		d := last.Sub(first).Seconds()
		out.DurationSeconds = &d
	}
	return out, nil
}

// Line is one transcript line.
type Line struct {
	Seq       int64        `json:"seq"`
	Speaker   string       `json:"speaker"`
	Role      insight.Role `json:"role"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"timestamp_ms"`
}

// Transcript is the speaker-labelled transcript of a session.
type Transcript struct {
	SessionID string `json:"session_id"`
	Lines     []Line `json:"lines"`
	PlainText string `json:"plain_text"`
}

// Transcript returns the fragments of session id in sequence order.
func (s *Service) Transcript(id string) (Transcript, error) {
	agg, err := s.registry.Get(id)
	if err != nil {
		return Transcript{}, err
	}
	frags := agg.Transcript()
	out := Transcript{SessionID: id, Lines: make([]Line, 0, len(frags))}
	var b strings.Builder
	for i, f := range frags {
		label := speakerLabel(f)
		out.Lines = append(out.Lines, Line{
			Seq:       f.Seq,
			Speaker:   label,
			Role:      f.Role,
			Text:      f.Text,
			Timestamp: f.Timestamp.UnixMilli(),
		})
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]: %s", label, f.Text)
	}
	out.PlainText = b.String()
	return out, nil
}

func speakerLabel(f insight.Fragment) string {
	if f.Speaker != "" {
		return f.Speaker
	}
	return strings.ToUpper(string(f.Role))
}

// SessionInfo is one row of the session list.
type SessionInfo struct {
	SessionID    string                   `json:"session_id"`
	Status       insight.Status           `json:"status"`
	Fragments    int                      `json:"fragment_count"`
	Signals      map[insight.Category]int `json:"signals"`
	LastActivity int64                    `json:"last_activity_ms"`
}

// List returns the live sessions, oldest first, with aggregate stats.
func (s *Service) List() ([]SessionInfo, registry.Stats) {
	snaps := s.registry.List()
	out := make([]SessionInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, SessionInfo{
			SessionID:    snap.SessionID,
			Status:       snap.Status,
			Fragments:    snap.FragmentCount,
			Signals:      snap.Counts(),
			LastActivity: snap.LastActivity.UnixMilli(),
		})
	}
	return out, s.registry.Stats()
}

// Strongest returns the n most confident signals across categories, ties
// broken by earliest source.
func Strongest(snap insight.Snapshot, n int) []insight.Signal {
	var all []insight.Signal
	for _, cat := range snap.Categories() {
		all = append(all, snap.Signals[cat]...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].FirstSource() < all[j].FirstSource()
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
