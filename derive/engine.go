package derive

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AnTengye/contractbill/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// DefaultThreshold is the human-in-the-loop confidence threshold.
	DefaultThreshold = 0.80
	// DraftedBy tags drafts produced by this engine.
	DraftedBy = "agent_v0.1"
	// DefaultClauseConfidence applies to rate clauses without a stored confidence.
	DefaultClauseConfidence = 0.70
)

var ErrInvalidTaxRate = errors.New("tax rate must be within [0, 1]")

var (
	exactBonus      = decimal.RequireFromString("0.05")
	mismatchPenalty = decimal.RequireFromString("0.15")
	confidenceFloor = decimal.RequireFromString("0.3")
	varianceLimit   = decimal.NewFromInt(5)
	hundred         = decimal.NewFromInt(100)
)

// Options configures one derivation. Zero values pick the defaults: a random
// invoice id, today as invoice date, no tax and DefaultThreshold.
type Options struct {
	InvoiceID   string
	InvoiceDate time.Time
	TaxRate     decimal.Decimal
	Threshold   float64
	Now         func() time.Time
}

func (o Options) threshold() float64 {
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

// Result is a derived draft plus the bookkeeping that is not part of it.
type Result struct {
	Draft model.InvoiceDraft
	// Unmatched lists events that had no rate basis, in input order.
	Unmatched []string
	// Rules maps event id to the match rule that priced it.
	Rules map[string]string
}

// Derive matches events against the contract's clauses and assembles an
// invoice draft. It is a pure function of its inputs apart from generated ids
// and timestamps. Unmatched events are skipped; an unparsable clause value on
// a clause that is actually used is an error.
func Derive(c model.Contract, events []model.WorkEvent, opts Options) (Result, error) {
	if opts.TaxRate.IsNegative() || opts.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidTaxRate, opts.TaxRate)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	created := now().UTC()
	invoiceDate := opts.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = created
	}
	id := opts.InvoiceID
	if id == "" {
		id = "inv_" + uuid.New().String()
	}
	threshold := opts.threshold()

	x := NewIndex(c.Clauses)
	res := Result{Rules: make(map[string]string)}
	var lines []model.InvoiceLine

	for _, ev := range events {
		m, ok := MatchEvent(x, ev)
		if !ok {
			slog.Warn("no matching clause for work event", "contract_id", c.ID, "event_id", ev.ID)
			res.Unmatched = append(res.Unmatched, ev.ID)
			continue
		}
		line, err := usageLine(ev, m.Clause, threshold)
		if err != nil {
			return Result{}, err
		}
		line.ID = fmt.Sprintf("l%d", len(lines)+1)
		lines = append(lines, line)
		res.Rules[ev.ID] = m.Rule
	}

	milestones, err := milestoneLines(x, events, threshold)
	if err != nil {
		return Result{}, err
	}
	for _, line := range milestones {
		line.ID = fmt.Sprintf("l%d", len(lines)+1)
		lines = append(lines, line)
	}

	res.Draft = model.InvoiceDraft{
		ID:          id,
		ContractID:  c.ID,
		DraftedBy:   DraftedBy,
		Currency:    c.Currency,
		Lines:       lines,
		TaxRate:     opts.TaxRate,
		InvoiceDate: invoiceDate,
		DueDate:     invoiceDate.AddDate(0, 0, c.Terms()),
		Unmatched:   res.Unmatched,
		CreatedAt:   created,
	}
	Finalize(&res.Draft)
	return res, nil
}

func usageLine(ev model.WorkEvent, clause model.Clause, threshold float64) (model.InvoiceLine, error) {
	rate, err := clause.Amount()
	if err != nil {
		return model.InvoiceLine{}, err
	}
	unit := clause.Unit
	if unit == "" {
		unit = ev.UnitType
	}
	amount := model.RoundMoney(ev.Quantity.Mul(rate))
	conf, note := crossValidate(decimal.NewFromFloat(clause.ConfidenceOr(DefaultClauseConfidence)), amount, ev.Amount)
	confidence := model.RoundConfidence(conf.InexactFloat64())
	isException, reason := model.ExceptionFor(confidence, threshold)

	return model.InvoiceLine{
		Kind:                model.LineUsage,
		Description:         fmt.Sprintf("%s (%s%s @ $%s/%s)", ev.Description, ev.Quantity, unit, rate, unit),
		Quantity:            ev.Quantity,
		Unit:                unit,
		UnitPrice:           rate,
		Amount:              amount,
		SourceClauseID:      clause.ID,
		SourceEventIDs:      []string{ev.ID},
		Explain:             fmt.Sprintf("Derived from work event %s on %s", ev.ID, formatDate(ev.Date)),
		Reasoning:           usageReasoning(ev, clause, rate, amount, note),
		Confidence:          confidence,
		IsException:         isException,
		ExceptionReason:     reason,
		RequiresCFOApproval: clause.RequiresCFOApproval,
	}, nil
}

// crossValidate adjusts a base confidence against an independently reported
// amount. An exact match earns a bonus capped at 1, a difference above 5% a
// penalty floored at 0.3; smaller differences leave it unchanged.
func crossValidate(base, calculated decimal.Decimal, reported *decimal.Decimal) (decimal.Decimal, string) {
	if reported == nil {
		return base, ""
	}
	if calculated.Equal(*reported) {
		return decimal.Min(base.Add(exactBonus), decimal.NewFromInt(1)), "Amount matches pre-calculated value."
	}
	if reported.IsZero() {
		return base, "Pre-calculated amount is zero; no validation applied."
	}
	diff := calculated.Sub(*reported).Abs().Div(reported.Abs()).Mul(hundred)
	if diff.GreaterThan(varianceLimit) {
		return decimal.Max(base.Sub(mismatchPenalty), confidenceFloor),
			fmt.Sprintf("Amount differs from pre-calculated by %s%%.", diff.StringFixed(1))
	}
	return base, fmt.Sprintf("Minor variance (%s%%) from pre-calculated.", diff.StringFixed(1))
}

// Finalize recomputes totals, aggregate confidence, status and the invoice
// explainability from the current lines. Drafts past approval keep their
// status.
func Finalize(d *model.InvoiceDraft) {
	subtotal := decimal.Zero
	confSum := decimal.Zero
	for _, l := range d.Lines {
		subtotal = subtotal.Add(l.Amount)
		confSum = confSum.Add(decimal.NewFromFloat(l.Confidence))
	}
	d.Subtotal = subtotal
	d.Tax = model.RoundMoney(subtotal.Mul(d.TaxRate))
	d.Total = subtotal.Add(d.Tax)

	d.AggregateConfidence = 0
	if n := len(d.Lines); n > 0 {
		d.AggregateConfidence = confSum.Div(decimal.NewFromInt(int64(n))).Round(2).InexactFloat64()
	}
	if d.Status == "" || d.Status.Editable() {
		d.Status = ResolveStatus(d.Lines)
	}
	d.Explainability = Summarize(d)
}

// ResolveStatus applies the status law: any exception line makes the draft an
// exception, otherwise any CFO line makes it pending CFO review.
func ResolveStatus(lines []model.InvoiceLine) model.InvoiceStatus {
	cfo := false
	for _, l := range lines {
		if l.IsException {
			return model.InvoiceException
		}
		cfo = cfo || l.RequiresCFOApproval
	}
	if cfo {
		return model.InvoicePendingCFO
	}
	return model.InvoiceDraftStatus
}
