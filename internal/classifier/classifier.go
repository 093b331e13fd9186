// Package classifier maps transcript fragments to candidate insight signals.
//
// A Classifier is a fixed, ordered list of Detectors, one per category. Each
// detector looks at a fragment (plus the recent fragments that precede it in
// the session) and independently returns zero or more candidates. The
// classifier output is the concatenation of all detector outputs in detector
// order. Classification is deterministic for identical input and never
// consults global state.
//
// Confidence thresholds are not applied here; the session aggregator decides
// which candidates are kept.
package classifier

import (
	"errors"
	"fmt"

	"github.com/lukasbauer/negocia/internal/insight"
)

// Candidate is a signal proposed by a detector for a single fragment.
type Candidate struct {
	Category   insight.Category
	Summary    string
	Confidence float64
	Phrase     string
	Suggestion string
}

// Detector finds candidates of a single category.
type Detector interface {
	Category() insight.Category
	// Detect inspects f. recent holds up to N fragments that precede f in
	// sequence order, oldest first.
	Detect(f insight.Fragment, recent []insight.Fragment) ([]Candidate, error)
}

// DetectorError wraps a failure of one detector.
type DetectorError struct {
	Category insight.Category
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Category, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// Classifier runs a fixed list of detectors.
type Classifier struct {
	detectors []Detector
}

// New creates a classifier from the given detectors, kept in order.
func New(detectors ...Detector) *Classifier {
	return &Classifier{detectors: append([]Detector(nil), detectors...)}
}

// Default returns a classifier built from DefaultRules.
func Default() *Classifier {
	return FromRules(DefaultRules())
}

// FromRules builds the built-in detectors from rs. Core categories get their
// specialised detectors; any other category in rs becomes a PhraseDetector.
func FromRules(rs RuleSet) *Classifier {
	detectors := []Detector{
		NewPhraseDetector(insight.CategoryObjection, rs[insight.CategoryObjection], damped),
		NewBuyingSignalDetector(rs[insight.CategoryBuyingSignal]),
		NewCompetitorDetector(rs[insight.CategoryCompetitorMention]),
		NewPhraseDetector(insight.CategoryNextStep, rs[insight.CategoryNextStep], nil),
	}
	for _, cat := range rs.customCategories() {
		detectors = append(detectors, NewPhraseDetector(cat, rs[cat], nil))
	}
	return New(detectors...)
}

// detectorList returns the detectors in evaluation order.
func (c *Classifier) detectorList() []Detector {
	return append([]Detector(nil), c.detectors...)
}

// Classify runs every detector against f. A failing or panicking detector
// does not stop the others; its error is returned joined with any other
// failures alongside the candidates of the healthy detectors.
func (c *Classifier) Classify(f insight.Fragment, recent []insight.Fragment) ([]Candidate, error) {
	var (
		out  []Candidate
		errs []error
	)
	for _, d := range c.detectors {
		cands, err := runDetector(d, f, recent)
		if err != nil {
			errs = append(errs, &DetectorError{Category: d.Category(), Err: err})
			continue
		}
		out = append(out, cands...)
	}
	return out, errors.Join(errs...)
}

func runDetector(d Detector, f insight.Fragment, recent []insight.Fragment) (cands []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			cands = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Detect(f, recent)
}
