package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeQuantity = errors.New("quantity must not be negative")
	ErrEventBilled      = errors.New("work event is referenced by an approved invoice")
)

// WorkEvent is one unit of recorded billable activity.
type WorkEvent struct {
	ID          string           `json:"event_id"`
	ContractID  string           `json:"contract_id"`
	Date        time.Time        `json:"date"`
	Description string           `json:"description"`
	Quantity    decimal.Decimal  `json:"units"`
	UnitType    string           `json:"unit_type"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	ExternalRef string           `json:"external_ref,omitempty"`
	UploadedBy  string           `json:"uploaded_by,omitempty"`
	UploadedAt  time.Time        `json:"uploaded_at"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
	InvoiceID   string           `json:"invoice_id,omitempty"`
}

// Validate checks the event invariants.
func (e WorkEvent) Validate() error {
	if e.Quantity.IsNegative() {
		return fmt.Errorf("work event %s: %w: %s", e.ID, ErrNegativeQuantity, e.Quantity)
	}
	return nil
}

// Billed reports whether an approved invoice already references the event.
func (e WorkEvent) Billed() bool {
	return e.InvoiceID != ""
}

// WorkEventPatch carries partial updates; nil fields are left unchanged.
type WorkEventPatch struct {
	Date        *time.Time       `json:"date,omitempty"`
	Description *string          `json:"description,omitempty"`
	Quantity    *decimal.Decimal `json:"units,omitempty"`
	UnitType    *string          `json:"unit_type,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	ExternalRef *string          `json:"external_ref,omitempty"`
}

// Apply returns a copy of e with the patch applied, refusing billed events.
func (p WorkEventPatch) Apply(e WorkEvent, at time.Time) (WorkEvent, error) {
	if e.Billed() {
		return e, fmt.Errorf("work event %s: %w", e.ID, ErrEventBilled)
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Quantity != nil {
		e.Quantity = *p.Quantity
	}
	if p.UnitType != nil {
		e.UnitType = *p.UnitType
	}
	if p.Amount != nil {
		amount := *p.Amount
		e.Amount = &amount
	}
	if p.ExternalRef != nil {
		e.ExternalRef = *p.ExternalRef
	}
	updated := at
	e.UpdatedAt = &updated
	return e, e.Validate()
}
