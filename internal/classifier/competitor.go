package classifier

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/lukasbauer/negocia/internal/insight"
)

const competitorNameConfidence = 0.85

const competitorNameSuggestion = "Ask what they like about %s, then differentiate on your strengths."

// competitorCues precede a vendor name, e.g. "we're evaluating Acme Corp".
var competitorCues = [][]string{
	{"evaluating"},
	{"looking", "at"},
	{"comparing", "with"},
	{"comparing"},
	{"compared", "to"},
	{"talking", "to"},
	{"switching", "from"},
	{"currently", "using"},
	{"currently", "on"},
	{"already", "using"},
	{"we", "use"},
	{"going", "with"},
	{"considering"},
	{"quote", "from"},
	{"demo", "from"},
}

// nameConnectors may appear inside a multi-word vendor name.
var nameConnectors = map[string]bool{"&": true, "of": true}

// CompetitorDetector extracts vendor names introduced by evaluation cues and
// falls back to generic phrase rules ("other vendor") when no name is found.
type CompetitorDetector struct {
	generic *PhraseDetector
}

// NewCompetitorDetector creates the competitor detector with the given
// generic rules.
func NewCompetitorDetector(rules []Rule) *CompetitorDetector {
	return &CompetitorDetector{
		generic: NewPhraseDetector(insight.CategoryCompetitorMention, rules, RoleWeights{
			insight.RoleRep:     0.6,
			insight.RoleUnknown: 0.9,
		}),
	}
}

func (d *CompetitorDetector) Category() insight.Category {
	return insight.CategoryCompetitorMention
}

func (d *CompetitorDetector) Detect(f insight.Fragment, recent []insight.Fragment) ([]Candidate, error) {
	names := competitorNames(f.Text)
	if len(names) == 0 {
		return d.generic.Detect(f, recent)
	}
	weight := d.generic.weights.of(f.Role)
	out := make([]Candidate, 0, len(names))
	for _, name := range names {
		out = append(out, Candidate{
			Category:   insight.CategoryCompetitorMention,
			Summary:    "Competitor mentioned: " + name,
			Confidence: clamp(competitorNameConfidence * weight),
			Phrase:     strings.ToLower(name),
			Suggestion: fmt.Sprintf(competitorNameSuggestion, name),
		})
	}
	return out, nil
}

// competitorNames returns distinct capitalised names that directly follow a
// cue, in order of appearance.
func competitorNames(text string) []string {
	tokens := strings.Fields(apostrophes.Replace(text))
	lower := make([]string, len(tokens))
	for i, t := range tokens {
		lower[i] = strings.ToLower(strings.TrimFunc(t, isTrim))
	}

	seen := map[string]bool{}
	var names []string
	for i := 0; i < len(tokens); i++ {
		n := cueLength(lower, i)
		if n == 0 {
			continue
		}
		// Punctuation on the cue's last token ends the clause.
		if strings.ContainsAny(tokens[i+n-1], ",.;:!?") {
			continue
		}
		name := nameAt(tokens, i+n)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		names = append(names, name)
	}
	return names
}

func cueLength(lower []string, i int) int {
	best := 0
	for _, cue := range competitorCues {
		if len(cue) <= best || i+len(cue) > len(lower) {
			continue
		}
		match := true
		for k, w := range cue {
			if lower[i+k] != w {
				match = false
				break
			}
		}
		if match {
			best = len(cue)
		}
	}
	return best
}

// nameAt collects the run of capitalised tokens starting at i.
func nameAt(tokens []string, i int) string {
	var parts []string
	for ; i < len(tokens); i++ {
		raw := tokens[i]
		word := strings.TrimFunc(raw, isTrim)
		if word == "" {
			break
		}
		if len(parts) > 0 && nameConnectors[strings.ToLower(word)] {
			parts = append(parts, word)
			continue
		}
		r := []rune(word)[0]
		if !unicode.IsUpper(r) || word == "I" || strings.HasPrefix(word, "I'") {
			break
		}
		parts = append(parts, word)
		if strings.ContainsAny(raw, ",.;:!?") {
			break
		}
	}
	// A trailing connector is not part of the name.
	for len(parts) > 0 && nameConnectors[strings.ToLower(parts[len(parts)-1])] {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, " ")
}

func isTrim(r rune) bool {
	return unicode.IsPunct(r) && r != '&'
}
