package session

import (
	"sort"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/insight"
)

// mergeCandidate folds c, derived from fragment f, into signals. It reports
// true when c reinforced an existing signal and false when it was appended.
//
// Callers merge fragments in sequence order, so the first source of a signal
// supplies its summary and phrase for good and every signal created here is
// below threshold against the summaries already present. The strongest
// source supplies the suggestion, confidence is the maximum and the
// timestamps span all sources.
func mergeCandidate(signals map[insight.Category][]insight.Signal, c classifier.Candidate, f insight.Fragment, threshold float64) bool {
	sigs := signals[c.Category]
	best, bestScore := -1, 0.0
	for i, s := range sigs {
		score := Similarity(s.Summary, c.Summary)
		if score >= threshold && score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		signals[c.Category] = insertByFirstSource(sigs, insight.Signal{
			Category:       c.Category,
			Summary:        c.Summary,
			Confidence:     c.Confidence,
			Phrase:         c.Phrase,
			Suggestion:     c.Suggestion,
			Sources:        []int64{f.Seq},
			Strongest:      f.Seq,
			FirstSeen:      f.Timestamp,
			LastReinforced: f.Timestamp,
		})
		return false
	}

	s := &sigs[best]
	for _, seq := range s.Sources {
		if seq == f.Seq {
			// One fragment reinforces a signal at most once.
			return true
		}
	}
	if stronger(c, f.Seq, s) {
		s.Suggestion = c.Suggestion
		s.Strongest = f.Seq
	}
	if c.Confidence > s.Confidence {
		s.Confidence = c.Confidence
	}
	if f.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = f.Timestamp
	}
	if f.Timestamp.After(s.LastReinforced) {
		s.LastReinforced = f.Timestamp
	}
	s.Sources = insertSeq(s.Sources, f.Seq)
	return true
}

// stronger reports whether candidate c from seq outranks the current
// strongest source of s: higher confidence first, then the earlier sequence.
// s.Confidence is always the strongest source's confidence.
func stronger(c classifier.Candidate, seq int64, s *insight.Signal) bool {
	if c.Confidence != s.Confidence {
		return c.Confidence > s.Confidence
	}
	return seq < s.Strongest
}

func insertSeq(seqs []int64, seq int64) []int64 {
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= seq })
	if i < len(seqs) && seqs[i] == seq {
		return seqs
	}
	seqs = append(seqs, 0)
	copy(seqs[i+1:], seqs[i:])
	seqs[i] = seq
	return seqs
}

func insertByFirstSource(sigs []insight.Signal, s insight.Signal) []insight.Signal {
	sigs = append(sigs, s)
	sortByFirstSource(sigs)
	return sigs
}

func sortByFirstSource(sigs []insight.Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		return sigs[i].FirstSource() < sigs[j].FirstSource()
	})
}
