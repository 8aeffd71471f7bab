package derive

import (
	"fmt"
	"strings"

	"github.com/AnTengye/contractbill/model"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMilestoneConfidence applies to milestone clauses without a stored confidence.
	DefaultMilestoneConfidence = 0.80
	// MilestoneDiscount scales milestone confidence: keyword detection is weaker
	// evidence than a rate match.
	MilestoneDiscount = 0.9
)

// MilestoneKeywords mark an event as evidence of milestone completion.
var MilestoneKeywords = []string{"milestone", "deliverable", "acceptance", "complete"}

// triggerEvents returns the ids of events whose description mentions a
// milestone keyword.
func triggerEvents(events []model.WorkEvent) []string {
	var ids []string
	for _, ev := range events {
		desc := strings.ToLower(ev.Description)
		for _, kw := range MilestoneKeywords {
			if strings.Contains(desc, kw) {
				ids = append(ids, ev.ID)
				break
			}
		}
	}
	return ids
}

// milestoneLines emits one line per milestone clause once any event looks like
// a completion. The check is keyword based and does not tie an event to a
// specific milestone; the reasoning asks for manual verification.
func milestoneLines(x *Index, events []model.WorkEvent, threshold float64) ([]model.InvoiceLine, error) {
	clauses := x.ByType(model.ClauseMilestonePayment)
	if len(clauses) == 0 {
		return nil, nil
	}
	triggers := triggerEvents(events)
	if len(triggers) == 0 {
		return nil, nil
	}

	lines := make([]model.InvoiceLine, 0, len(clauses))
	for _, clause := range clauses {
		value, err := clause.Amount()
		if err != nil {
			return nil, err
		}
		conf := decimal.NewFromFloat(clause.ConfidenceOr(DefaultMilestoneConfidence)).
			Mul(decimal.NewFromFloat(MilestoneDiscount))
		confidence := model.RoundConfidence(conf.InexactFloat64())
		isException, reason := model.ExceptionFor(confidence, threshold)
		ids := append([]string(nil), triggers...)

		lines = append(lines, model.InvoiceLine{
			Kind:                model.LineMilestone,
			Description:         clause.Description,
			Quantity:            decimal.NewFromInt(1),
			Unit:                "fixed",
			UnitPrice:           value,
			Amount:              value,
			SourceClauseID:      clause.ID,
			SourceEventIDs:      ids,
			Explain:             fmt.Sprintf("Milestone payment triggered by events: %s", strings.Join(ids, ", ")),
			Reasoning:           milestoneReasoning(clause, value, ids),
			Confidence:          confidence,
			IsException:         isException,
			ExceptionReason:     reason,
			RequiresCFOApproval: clause.RequiresCFOApproval,
		})
	}
	return lines, nil
}
