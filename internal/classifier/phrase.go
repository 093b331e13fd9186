package classifier

import (
	"sort"

	"github.com/lukasbauer/negocia/internal/insight"
)

// RoleWeights scales rule confidence by speaker role. Missing roles weigh 1.
type RoleWeights map[insight.Role]float64

// damped discounts statements the rep makes about the prospect's position:
// a rep saying "too expensive" is not a prospect objection.
var damped = RoleWeights{
	insight.RoleRep:     0.5,
	insight.RoleUnknown: 0.9,
}

func (w RoleWeights) of(role insight.Role) float64 {
	if v, ok := w[role]; ok {
		return v
	}
	return 1
}

// PhraseDetector matches a list of phrase rules. Per fragment it emits at most
// one candidate: the strongest matching rule, ties broken by the longer
// phrase and then by rule order.
type PhraseDetector struct {
	category insight.Category
	rules    []Rule
	weights  RoleWeights
}

// NewPhraseDetector creates a detector for category. Rules with an empty
// phrase are ignored.
func NewPhraseDetector(category insight.Category, rules []Rule, weights RoleWeights) *PhraseDetector {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.Phrase = normalize(r.Phrase)
		if r.Phrase != "" {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Confidence != kept[j].Confidence {
			return kept[i].Confidence > kept[j].Confidence
		}
		return len(kept[i].Phrase) > len(kept[j].Phrase)
	})
	return &PhraseDetector{category: category, rules: kept, weights: weights}
}

func (d *PhraseDetector) Category() insight.Category { return d.category }

func (d *PhraseDetector) Detect(f insight.Fragment, _ []insight.Fragment) ([]Candidate, error) {
	r, ok := d.match(f.Text)
	if !ok {
		return nil, nil
	}
	return []Candidate{d.candidate(f, r)}, nil
}

func (d *PhraseDetector) match(text string) (Rule, bool) {
	norm := normalize(text)
	for _, r := range d.rules {
		if containsPhrase(norm, r.Phrase) {
			return r, true
		}
	}
	return Rule{}, false
}

func (d *PhraseDetector) candidate(f insight.Fragment, r Rule) Candidate {
	return Candidate{
		Category:   d.category,
		Summary:    matchingSentence(f.Text, r.Phrase),
		Confidence: clamp(r.Confidence * d.weights.of(f.Role)),
		Phrase:     r.Phrase,
		Suggestion: r.Suggestion,
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
