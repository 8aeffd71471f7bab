package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvoiceLocked = errors.New("invoice can no longer be edited")
	ErrLineNotFound  = errors.New("invoice line not found")
)

// InvoiceStatus is the lifecycle state of an invoice draft.
type InvoiceStatus string

const (
	InvoiceDraftStatus      InvoiceStatus = "draft"
	InvoicePendingCFO       InvoiceStatus = "pending_cfo_review"
	InvoiceException        InvoiceStatus = "exception"
	InvoiceApproved         InvoiceStatus = "approved"
	InvoicePushed           InvoiceStatus = "pushed"
	InvoiceRejected         InvoiceStatus = "rejected"
	InvoiceNeedsRemediation InvoiceStatus = "needs_remediation"
)

// Editable reports whether lines may still change in this status.
func (s InvoiceStatus) Editable() bool {
	switch s {
	case InvoiceDraftStatus, InvoicePendingCFO, InvoiceException, InvoiceNeedsRemediation:
		return true
	}
	return false
}

// LineKind distinguishes rate-based lines from milestone lines.
type LineKind string

const (
	LineUsage     LineKind = "usage"
	LineMilestone LineKind = "milestone"
)

// InvoiceLine is one derived billable line.
type InvoiceLine struct {
	ID                  string          `json:"line_id"`
	Kind                LineKind        `json:"kind"`
	Description         string          `json:"description"`
	Quantity            decimal.Decimal `json:"quantity"`
	Unit                string          `json:"unit"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	Amount              decimal.Decimal `json:"amount"`
	SourceClauseID      string          `json:"source_clause_id"`
	SourceEventIDs      []string        `json:"source_event_ids"`
	Explain             string          `json:"explain"`
	Reasoning           string          `json:"agent_reasoning"`
	Confidence          float64         `json:"confidence"`
	IsException         bool            `json:"is_exception"`
	ExceptionReason     string          `json:"exception_reason,omitempty"`
	RequiresCFOApproval bool            `json:"requires_cfo_approval"`
	ManuallyEdited      bool            `json:"manually_edited,omitempty"`
}

// LineRevision is a superseded line version kept for audit.
type LineRevision struct {
	Line         InvoiceLine `json:"line"`
	SupersededAt time.Time   `json:"superseded_at"`
	SupersededBy string      `json:"superseded_by"`
}

// InvoiceDraft is one invoice candidate and its lifecycle record.
type InvoiceDraft struct {
	ID                  string          `json:"invoice_id"`
	ContractID          string          `json:"contract_id"`
	DraftedBy           string          `json:"drafted_by"`
	Currency            string          `json:"currency"`
	Lines               []InvoiceLine   `json:"lines"`
	LineRevisions       []LineRevision  `json:"line_revisions,omitempty"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	InvoiceDate         time.Time       `json:"invoice_date"`
	DueDate             time.Time       `json:"due_date"`
	Status              InvoiceStatus   `json:"status"`
	Explainability      string          `json:"explainability"`
	AggregateConfidence float64         `json:"aggregate_confidence"`
	Unmatched           []string        `json:"unmatched_event_ids,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           *time.Time      `json:"updated_at,omitempty"`
	UpdatedBy           string          `json:"updated_by,omitempty"`

	ApprovalID        string     `json:"approval_id,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	RejectedBy        string     `json:"rejected_by,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	ERPType           string     `json:"erp_type,omitempty"`
	ERPInvoiceID      string     `json:"erp_invoice_id,omitempty"`
	PushedAt          *time.Time `json:"pushed_at,omitempty"`
	RemediationReason string     `json:"remediation_reason,omitempty"`
	ERPRemediation    string     `json:"erp_remediation_note,omitempty"`
}

// RoundMoney rounds half-up to two decimal places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundConfidence rounds a confidence score to two decimal places.
func RoundConfidence(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

// EventIDs returns the de-duplicated event ids across all lines, in first-seen order.
func (d *InvoiceDraft) EventIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, l := range d.Lines {
		for _, id := range l.SourceEventIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// LineEdit carries manual line corrections; nil fields are left unchanged.
type LineEdit struct {
	Description *string          `json:"description,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Confidence  *float64         `json:"confidence,omitempty"`
}

// SupersedeLine replaces a line with an edited version, keeping the previous
// one in LineRevisions. Amount is recomputed from quantity and unit price and
// the exception flag follows the (possibly new) confidence. Totals and status
// are left to the caller.
func (d *InvoiceDraft) SupersedeLine(id string, edit LineEdit, editor string, at time.Time, threshold float64) (InvoiceLine, error) {
	if !d.Status.Editable() {
		return InvoiceLine{}, fmt.Errorf("invoice %s (%s): %w", d.ID, d.Status, ErrInvoiceLocked)
	}
	for i, current := range d.Lines {
		if current.ID != id {
			continue
		}
		next := current
		if edit.Description != nil {
			next.Description = *edit.Description
		}
		if edit.Quantity != nil {
			if edit.Quantity.IsNegative() {
				return InvoiceLine{}, fmt.Errorf("line %s: %w", id, ErrNegativeQuantity)
			}
			next.Quantity = *edit.Quantity
		}
		if edit.UnitPrice != nil {
			next.UnitPrice = *edit.UnitPrice
		}
		if edit.Confidence != nil {
			if *edit.Confidence < 0 || *edit.Confidence > 1 {
				return InvoiceLine{}, fmt.Errorf("line %s: %w", id, ErrConfidenceOutOfRange)
			}
			next.Confidence = RoundConfidence(*edit.Confidence)
		}
		next.Amount = RoundMoney(next.Quantity.Mul(next.UnitPrice))
		next.IsException, next.ExceptionReason = ExceptionFor(next.Confidence, threshold)
		next.ManuallyEdited = true

		d.LineRevisions = append(d.LineRevisions, LineRevision{
			Line:         current,
			SupersededAt: at,
			SupersededBy: editor,
		})
		d.Lines[i] = next
		updated := at
		d.UpdatedAt = &updated
		d.UpdatedBy = editor
		return next, nil
	}
	return InvoiceLine{}, fmt.Errorf("invoice %s: %w: %s", d.ID, ErrLineNotFound, id)
}

// ExceptionFor applies the human-in-the-loop threshold to a confidence score.
func ExceptionFor(confidence, threshold float64) (bool, string) {
	if confidence < threshold {
		return true, fmt.Sprintf("Confidence %s below threshold %s", Percent(confidence), Percent(threshold))
	}
	return false, ""
}

// Percent renders a [0,1] score as a whole percentage, e.g. 0.77 -> "77%".
func Percent(f float64) string {
	return decimal.NewFromFloat(f).Mul(decimal.NewFromInt(100)).Round(0).String() + "%"
}
