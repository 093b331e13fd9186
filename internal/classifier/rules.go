package classifier

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/negocia/internal/insight"
)

// Rule is a single phrase detection rule.
type Rule struct {
	Phrase     string  `yaml:"phrase"`
	Confidence float64 `yaml:"confidence"`
	Suggestion string  `yaml:"suggestion"`
}

// RuleSet maps a category to its phrase rules.
type RuleSet map[insight.Category][]Rule

type rulesFile struct {
	Categories map[string][]Rule `yaml:"categories"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	return RuleSet{
		insight.CategoryObjection: {
			{"too expensive", 0.9, "Acknowledge the concern, then pivot to ROI and value delivered."},
			{"over our budget", 0.9, "Ask what their budget range is and explore phased rollout."},
			{"out of budget", 0.9, "Ask what their budget range is and explore phased rollout."},
			{"above budget", 0.85, "Ask what their budget range is and explore phased rollout."},
			{"above our budget", 0.9, "Ask what their budget range is and explore phased rollout."},
			{"over budget", 0.85, "Ask what their budget range is and explore phased rollout."},
			{"can't afford", 0.85, "Explore payment plans or a smaller starter package."},
			{"cost is too high", 0.85, "Break down the cost per user per month to reframe the investment."},
			{"not in the budget", 0.85, "Ask about their budget cycle. Can this be planned for next quarter?"},
			{"pricing is steep", 0.8, "Compare against the cost of not solving the problem."},
			{"too pricey", 0.8, "Compare against the cost of not solving the problem."},
			{"cheaper option", 0.8, "Differentiate on value, support and total cost of ownership."},
			{"price is a concern", 0.8, "Validate the concern, then present a business case with projected savings."},
			{"budget constraints", 0.75, "Propose a phased implementation to spread costs."},
			{"spend that much", 0.7, "Anchor the conversation on business impact, not just price."},
			{"not a priority right now", 0.85, "Ask what is a priority and whether this problem gets worse over time."},
			{"timing isn't right", 0.75, "Explore what would make the timing right. Is there a triggering event?"},
			{"not ready yet", 0.7, "Ask what would make them ready and what is blocking the decision."},
			{"maybe next quarter", 0.7, "Understand what changes next quarter and create urgency for acting sooner."},
			{"think about it", 0.65, "Ask what specific concerns remain and try to address them now."},
			{"need more time", 0.6, "Ask what specific information they need to make a decision."},
			{"circle back later", 0.6, "Pin down a specific date and send a calendar invite."},
		},
		insight.CategoryBuyingSignal: {
			{"send me a proposal", 0.95, "Send the proposal within 24 hours while interest is hot."},
			{"send a proposal", 0.95, "Send the proposal within 24 hours while interest is hot."},
			{"ready to move forward", 0.95, "Confirm scope and timeline, then start onboarding."},
			{"sign the contract", 0.95, "Prepare the contract and schedule a signing call."},
			{"ready to buy", 0.95, "Close the deal. Confirm the order details and next steps."},
			{"move forward", 0.9, "Clarify the next step: contract review, pilot or sign-off."},
			{"start a pilot", 0.9, "Define the pilot scope, success criteria and timeline."},
			{"when can we start", 0.9, "Provide a concrete onboarding timeline."},
			{"how soon can", 0.85, "This signals urgency. Respond with a fast-track option."},
			{"let's do it", 0.85, "Confirm their decision and outline the immediate next steps."},
			{"looks good", 0.6, "Positive signal. Ask a closing question to advance the deal."},
			{"interested in", 0.5, "Moderate interest. Explore what specifically excites them."},
			{"i like", 0.5, "Positive sentiment. Reinforce the value they see."},
		},
		insight.CategoryCompetitorMention: {
			{"competitor", 0.8, "Ask what they like about the competitor, then differentiate on your strengths."},
			{"other vendor", 0.8, "Ask where they are in the evaluation. Are they actively comparing?"},
			{"other provider", 0.8, "Ask where they are in the evaluation. Are they actively comparing?"},
			{"alternative solution", 0.75, "Understand their evaluation criteria and position your advantages."},
			{"evaluated another", 0.75, "Ask what they learned and how you can address any gaps."},
			{"looking at other", 0.7, "Understand their timeline and what would make them choose you."},
		},
		insight.CategoryNextStep: {
			{"schedule a follow-up", 0.9, "Suggest specific dates and times. Don't leave it open-ended."},
			{"book a meeting", 0.9, "Send a calendar invite before they leave the call."},
			{"set up a demo", 0.9, "Confirm the demo scope and who should attend."},
			{"loop in my team", 0.85, "Ask who specifically and offer to present to them."},
			{"follow up next week", 0.8, "Confirm the day and send a calendar hold."},
			{"talk to my manager", 0.7, "Offer to join the internal discussion or provide a one-pager."},
			{"discuss internally", 0.65, "Offer a concise summary document they can share internally."},
			{"internal discussion", 0.65, "Ask what information they need for the internal discussion."},
			{"get back to you", 0.6, "Pin down a specific date: when works best to reconnect?"},
		},
	}
}

// LoadRules reads a YAML rule file and merges it over DefaultRules. A rule
// whose phrase already exists in its category replaces the default; new
// phrases and new categories are appended.
//
//	categories:
//	  objection:
//	    - phrase: "way too pricey"
//	      confidence: 0.85
//	      suggestion: "Reframe on ROI."
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}

	rs := DefaultRules()
	for name, rules := range f.Categories {
		cat := insight.Category(name)
		for _, r := range rules {
			if r.Confidence < 0 || r.Confidence > 1 {
				return nil, fmt.Errorf("rules %s: %s %q: confidence %.2f out of range", path, name, r.Phrase, r.Confidence)
			}
			rs.set(cat, r)
		}
	}
	return rs, nil
}

func (rs RuleSet) set(cat insight.Category, r Rule) {
	key := normalize(r.Phrase)
	for i, existing := range rs[cat] {
		if normalize(existing.Phrase) == key {
			rs[cat][i] = r
			return
		}
	}
	rs[cat] = append(rs[cat], r)
}

func (rs RuleSet) customCategories() []insight.Category {
	core := map[insight.Category]bool{}
	for _, c := range insight.CoreCategories() {
		core[c] = true
	}
	var out []insight.Category
	for cat := range rs {
		if !core[cat] {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
