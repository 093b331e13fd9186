package classifier

import (
	"strings"

	"github.com/lukasbauer/negocia/internal/insight"
)

const (
	affirmationConfidence = 0.7
	affirmationMaxWords   = 6
	affirmationSuggestion = "They agreed to your proposal. Lock in the detail before moving on."
)

var affirmations = []string{
	"yes", "yeah", "yep", "sure", "absolutely", "definitely", "deal",
	"sounds good", "sounds great", "that works", "works for me",
	"i agree", "agreed", "let's do that", "perfect", "okay let's do it",
}

// proposalCues mark a rep utterance that asks for a commitment.
var proposalCues = []string{
	"would you", "shall we", "should we", "does that work", "can we",
	"how about", "do you want", "want to", "are you open", "if we",
}

// BuyingSignalDetector combines phrase rules with a context rule: a short
// prospect affirmation directly after a rep proposal is a buying signal even
// though "yes" alone carries no meaning.
type BuyingSignalDetector struct {
	phrases *PhraseDetector
}

// NewBuyingSignalDetector creates the buying signal detector.
func NewBuyingSignalDetector(rules []Rule) *BuyingSignalDetector {
	return &BuyingSignalDetector{
		phrases: NewPhraseDetector(insight.CategoryBuyingSignal, rules, damped),
	}
}

func (d *BuyingSignalDetector) Category() insight.Category {
	return insight.CategoryBuyingSignal
}

func (d *BuyingSignalDetector) Detect(f insight.Fragment, recent []insight.Fragment) ([]Candidate, error) {
	if cands, _ := d.phrases.Detect(f, recent); len(cands) > 0 {
		return cands, nil
	}
	if c, ok := affirmation(f, recent); ok {
		return []Candidate{c}, nil
	}
	return nil, nil
}

func affirmation(f insight.Fragment, recent []insight.Fragment) (Candidate, bool) {
	if f.Role == insight.RoleRep || len(recent) == 0 || wordCount(f.Text) > affirmationMaxWords {
		return Candidate{}, false
	}
	prev := recent[len(recent)-1]
	if prev.Role != insight.RoleRep {
		return Candidate{}, false
	}

	norm := normalize(f.Text)
	phrase := ""
	for _, a := range affirmations {
		if containsPhrase(norm, a) && len(a) > len(phrase) {
			phrase = a
		}
	}
	if phrase == "" || containsPhrase(norm, "not") || containsPhrase(norm, "no") {
		return Candidate{}, false
	}

	proposal := ""
	for _, s := range sentences(prev.Text) {
		ns := normalize(s)
		if strings.HasSuffix(ns, "?") || hasAny(ns, proposalCues) {
			proposal = s
		}
	}
	if proposal == "" {
		return Candidate{}, false
	}

	return Candidate{
		Category:   insight.CategoryBuyingSignal,
		Summary:    "Agreed to: " + proposal,
		Confidence: affirmationConfidence,
		Phrase:     phrase,
		Suggestion: affirmationSuggestion,
	}, true
}

func hasAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(text, p) {
			return true
		}
	}
	return false
}
