package derive

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/contractbill/model"
	"github.com/shopspring/decimal"
)

func usageReasoning(ev model.WorkEvent, clause model.Clause, rate, amount decimal.Decimal, note string) string {
	unit := clause.Unit
	if unit == "" {
		unit = "unit"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The contract clause %s (%s) specifies a rate of $%s per %s. ", clause.ID, clause.Type, formatMoney(rate), unit)
	fmt.Fprintf(&b, "The original clause text states: '%s...'. ", clip(clause.ExtractedText, 150))
	fmt.Fprintf(&b, "Work event %s recorded on %s describes '%s' with %s units. ", ev.ID, formatDate(ev.Date), ev.Description, ev.Quantity)
	fmt.Fprintf(&b, "Calculation: %s units × $%s/unit = $%s. ", ev.Quantity, formatMoney(rate), formatMoney(amount))
	b.WriteString(note)
	return b.String()
}

func milestoneReasoning(clause model.Clause, value decimal.Decimal, events []string) string {
	return fmt.Sprintf(
		"The contract clause %s specifies a milestone payment of $%s. "+
			"Work events %s indicate potential milestone completion. "+
			"The original clause text states: '%s...'. "+
			"Manual verification of milestone acceptance is recommended.",
		clause.ID, formatMoney(value), strings.Join(events, ", "), clip(clause.ExtractedText, 100))
}

// Summarize renders the invoice-level explanation. Clause and event ids are
// listed once each, in first-seen order; exception and CFO sentences only
// appear when their counts are non-zero.
func Summarize(d *model.InvoiceDraft) string {
	var clauses []string
	seen := make(map[string]bool)
	exceptions, cfo := 0, 0
	for _, l := range d.Lines {
		if !seen[l.SourceClauseID] {
			seen[l.SourceClauseID] = true
			clauses = append(clauses, l.SourceClauseID)
		}
		if l.IsException {
			exceptions++
		}
		if l.RequiresCFOApproval {
			cfo++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Invoice derived from contract %s with %d line(s). ", d.ContractID, len(d.Lines))
	fmt.Fprintf(&b, "Used clauses: %s. ", strings.Join(clauses, ", "))
	fmt.Fprintf(&b, "Linked work events: %s. ", strings.Join(d.EventIDs(), ", "))
	fmt.Fprintf(&b, "Aggregate confidence: %s. ", model.Percent(d.AggregateConfidence))
	if exceptions > 0 {
		fmt.Fprintf(&b, "%d line(s) flagged as exceptions requiring review. ", exceptions)
	}
	if cfo > 0 {
		fmt.Fprintf(&b, "%d line(s) require CFO approval due to revenue recognition complexity. ", cfo)
	}
	return b.String()
}

// formatMoney renders d with two decimals and thousands separators.
func formatMoney(d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "unknown date"
	}
	return t.Format("2006-01-02")
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
