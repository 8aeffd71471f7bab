package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConfidenceOutOfRange = errors.New("confidence must be within [0, 1]")
	ErrInvalidClauseValue   = errors.New("clause value is not a decimal number")
	ErrUnknownClauseType    = errors.New("unknown clause type")
	ErrClauseNotFound       = errors.New("clause not found")
)

// ClauseType is the closed set of billing-relevant clause categories.
type ClauseType string

const (
	ClauseRateCard         ClauseType = "rate_card"
	ClauseMilestonePayment ClauseType = "milestone_payment"
	ClauseFixedFee         ClauseType = "fixed_fee"
	ClauseRecurringFee     ClauseType = "recurring_fee"
	ClausePaymentTerms     ClauseType = "payment_terms"
	ClausePenalty          ClauseType = "penalty"
	ClauseDiscount         ClauseType = "discount"
	ClauseRevRec           ClauseType = "rev_rec"
	ClauseOther            ClauseType = "other"
)

// ClauseTypes lists every clause type in catalog order.
var ClauseTypes = []ClauseType{
	ClauseRateCard,
	ClauseMilestonePayment,
	ClauseFixedFee,
	ClauseRecurringFee,
	ClausePaymentTerms,
	ClausePenalty,
	ClauseDiscount,
	ClauseRevRec,
	ClauseOther,
}

// Valid reports whether t is one of the known clause types.
func (t ClauseType) Valid() bool {
	for _, known := range ClauseTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseClauseType maps free-form text onto a clause type, falling back to other.
func ParseClauseType(s string) ClauseType {
	t := ClauseType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return ClauseOther
}

// Clause is one extracted contractual term.
type Clause struct {
	ID                  string     `json:"clause_id"`
	Type                ClauseType `json:"type"`
	Description         string     `json:"description"`
	ExtractedText       string     `json:"extracted_text"`
	Value               string     `json:"value"`
	Unit                string     `json:"unit"`
	Confidence          *float64   `json:"confidence,omitempty"`
	RequiresCFOApproval bool       `json:"requires_cfo_approval"`
	RevRecTreatment     string     `json:"rev_rec_treatment,omitempty"`
	ManuallyReviewed    bool       `json:"manually_reviewed,omitempty"`
	ReviewedBy          string     `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
}

// Conf returns a pointer suitable for Clause.Confidence.
func Conf(v float64) *float64 {
	return &v
}

// ConfidenceOr returns the stored confidence or def when none was recorded.
func (c Clause) ConfidenceOr(def float64) float64 {
	if c.Confidence == nil {
		return def
	}
	return *c.Confidence
}

// Validate checks the invariants every stored clause must satisfy.
func (c Clause) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("clause: missing id")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("clause %s: %w: %q", c.ID, ErrUnknownClauseType, c.Type)
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return fmt.Errorf("clause %s: %w: %v", c.ID, ErrConfidenceOutOfRange, *c.Confidence)
	}
	return nil
}

// Amount parses the clause value as an exact decimal. Thousands separators and
// a leading currency symbol are tolerated; anything else is an error.
func (c Clause) Amount() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Value)
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return decimal.Zero, fmt.Errorf("clause %s: %w: empty value", c.ID, ErrInvalidClauseValue)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("clause %s: %w: %q", c.ID, ErrInvalidClauseValue, c.Value)
	}
	return d, nil
}

// ClausePatch carries reviewer corrections; nil fields are left unchanged.
type ClausePatch struct {
	Type                *ClauseType `json:"type,omitempty"`
	Description         *string     `json:"description,omitempty"`
	Value               *string     `json:"value,omitempty"`
	Unit                *string     `json:"unit,omitempty"`
	Confidence          *float64    `json:"confidence,omitempty"`
	RequiresCFOApproval *bool       `json:"requires_cfo_approval,omitempty"`
	RevRecTreatment     *string     `json:"rev_rec_treatment,omitempty"`
}

// ClauseRevision is a superseded clause version kept for audit.
type ClauseRevision struct {
	Clause       Clause    `json:"clause"`
	SupersededAt time.Time `json:"superseded_at"`
	SupersededBy string    `json:"superseded_by"`
}

func (p ClausePatch) apply(c Clause) Clause {
	if p.Type != nil {
		c.Type = *p.Type
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Value != nil {
		c.Value = *p.Value
	}
	if p.Unit != nil {
		c.Unit = *p.Unit
	}
	if p.Confidence != nil {
		c.Confidence = Conf(*p.Confidence)
	}
	if p.RequiresCFOApproval != nil {
		c.RequiresCFOApproval = *p.RequiresCFOApproval
	}
	if p.RevRecTreatment != nil {
		c.RevRecTreatment = *p.RevRecTreatment
	}
	return c
}
