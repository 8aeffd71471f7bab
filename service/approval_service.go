package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
)

var ErrAlreadyRevoked = errors.New("approval already revoked")

// erpRemediationNote is attached to invoices whose approval is revoked after
// they reached the ERP.
const erpRemediationNote = "Invoice was pushed to ERP before approval revocation. Manual correction in ERP system required."

type ApprovalService struct {
	repo     *Repository
	invoices *InvoiceService
	audit    AuditSink
	now      func() time.Time
}

func NewApprovalService(repo *Repository, invoices *InvoiceService, audit AuditSink) *ApprovalService {
	return &ApprovalService{repo: repo, invoices: invoices, audit: audit, now: time.Now}
}

// Get returns an approval whose invoice is visible to actor.
func (s *ApprovalService) Get(ctx context.Context, actor Actor, id string) (*model.Approval, error) {
	a, err := s.repo.Approval(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.invoices.Get(ctx, actor, a.InvoiceID); err != nil {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// ForInvoice lists every approval ever given to an invoice, revoked ones included.
func (s *ApprovalService) ForInvoice(ctx context.Context, actor Actor, invoiceID string) ([]*model.Approval, error) {
	if _, err := s.invoices.Get(ctx, actor, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.Approvals(ctx, func(a *model.Approval) bool {
		return a.InvoiceID == invoiceID
	})
}

// Revoke withdraws an approval and sends its invoice to remediation. Work
// events are released for re-billing unless the invoice already reached the ERP.
func (s *ApprovalService) Revoke(ctx context.Context, actor Actor, id, reason string) (*model.Approval, *model.InvoiceDraft, error) {
	if reason == "" {
		return nil, nil, ErrReasonRequired
	}
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Revoked {
		return nil, nil, fmt.Errorf("approval %s: %w", id, ErrAlreadyRevoked)
	}

	now := s.now().UTC()
	a.Revoked = true
	a.RevokedAt = &now
	a.RevokedBy = actor.ID
	a.RevocationReason = reason
	if err := s.repo.SaveApproval(ctx, a); err != nil {
		return nil, nil, err
	}

	d, err := s.repo.Invoice(ctx, a.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	// Only the approval currently backing the invoice changes its status.
	if d.ApprovalID == a.ID {
		pushed := d.Status == model.InvoicePushed
		d.Status = model.InvoiceNeedsRemediation
		d.RemediationReason = reason
		d.UpdatedAt = &now
		d.UpdatedBy = actor.ID
		if pushed {
			d.ERPRemediation = erpRemediationNote
		} else if err := s.releaseEvents(ctx, d); err != nil {
			return nil, nil, err
		}
		if err := s.repo.SaveInvoice(ctx, d); err != nil {
			return nil, nil, err
		}
	}

	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditApprovalRevoked,
		EntityType: "approval",
		EntityID:   a.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"invoice_id":     a.InvoiceID,
			"reason":         reason,
			"invoice_status": string(d.Status),
			"erp_note":       d.ERPRemediation,
		},
	})
	logger.Warn(ctx, "approval revoked",
		"approval_id", a.ID,
		"invoice_id", a.InvoiceID,
		"erp_remediation", d.ERPRemediation != "",
	)
	return a, d, nil
}

func (s *ApprovalService) releaseEvents(ctx context.Context, d *model.InvoiceDraft) error {
	for _, id := range d.EventIDs() {
		e, err := s.repo.Event(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e.InvoiceID != d.ID {
			continue
		}
		e.InvoiceID = ""
		if err := s.repo.SaveEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
