package derive

import "github.com/AnTengye/contractbill/model"

// Rule names, in precedence order.
const (
	RuleUnitRateCard = "unit_rate_card"
	RuleAnyRateCard  = "any_rate_card"
)

// MatchRule finds the clause that prices an event, if it can.
type MatchRule struct {
	Name string
	Find func(x *Index, ev model.WorkEvent) (model.Clause, bool)
}

// MatchRules is the ordered matcher: the first rule that finds a clause wins.
// The second rule applies a rate card even when its unit differs from the
// event's; with several incompatible rate cards in one contract that picks the
// first one.
var MatchRules = []MatchRule{
	{Name: RuleUnitRateCard, Find: unitRateCard},
	{Name: RuleAnyRateCard, Find: anyRateCard},
}

// Match is the outcome of matching one event.
type Match struct {
	Clause model.Clause
	Rule   string
}

// MatchEvent runs MatchRules in order. ok is false when no rule applies; the
// event then has no rate basis and produces no line.
func MatchEvent(x *Index, ev model.WorkEvent) (Match, bool) {
	for _, rule := range MatchRules {
		if c, ok := rule.Find(x, ev); ok {
			return Match{Clause: c, Rule: rule.Name}, true
		}
	}
	return Match{}, false
}

func unitRateCard(x *Index, ev model.WorkEvent) (model.Clause, bool) {
	for _, c := range x.ByUnit(ev.UnitType) {
		if c.Type == model.ClauseRateCard {
			return c, true
		}
	}
	return model.Clause{}, false
}

func anyRateCard(x *Index, _ model.WorkEvent) (model.Clause, bool) {
	if cards := x.ByType(model.ClauseRateCard); len(cards) > 0 {
		return cards[0], true
	}
	return model.Clause{}, false
}
