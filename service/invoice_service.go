package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/derive"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrContractNotReady   = errors.New("contract has not been parsed")
	ErrNoEvents           = errors.New("no unbilled work events to invoice")
	ErrReviewNotConfirmed = errors.New("approval requires confirm_reviewed")
	ErrCFORequired        = errors.New("invoice requires CFO approval")
	ErrNotApprovable      = errors.New("invoice cannot be approved in its current status")
	ErrReasonRequired     = errors.New("a reason is required")
)

// approvalMethod tags approvals made through the API.
const approvalMethod = "UI-click"

// GenerateInput selects what goes into a new invoice draft. Without EventIDs
// every unbilled event of the contract is used.
type GenerateInput struct {
	EventIDs    []string
	InvoiceDate *time.Time
	TaxRate     *decimal.Decimal
}

// InvoiceFilter narrows an invoice listing. Zero values match everything.
type InvoiceFilter struct {
	ContractID string
	Status     model.InvoiceStatus
}

// ApproveInput is a sign-off request.
type ApproveInput struct {
	ConfirmReviewed bool
	Note            string
}

type InvoiceService struct {
	repo      *Repository
	audit     AuditSink
	threshold float64
	taxRate   decimal.Decimal
	now       func() time.Time
}

// NewInvoiceService builds the service from billing settings. An empty or
// unparsable default tax rate means no tax.
func NewInvoiceService(repo *Repository, audit AuditSink, cfg *config.BillingConfig) *InvoiceService {
	s := &InvoiceService{repo: repo, audit: audit, threshold: derive.DefaultThreshold, now: time.Now}
	if cfg != nil {
		if cfg.ConfidenceThreshold > 0 {
			s.threshold = cfg.ConfidenceThreshold
		}
		if rate, err := decimal.NewFromString(cfg.DefaultTaxRate); err == nil {
			s.taxRate = rate
		}
	}
	return s
}

// Generate derives a new draft from a parsed contract and its work events.
func (s *InvoiceService) Generate(ctx context.Context, actor Actor, contractID string, in GenerateInput) (*model.InvoiceDraft, error) {
	c, err := visibleContract(ctx, s.repo, actor, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ContractParsed && c.Status != model.ContractNeedsReview {
		return nil, fmt.Errorf("contract %s (%s): %w", c.ID, c.Status, ErrContractNotReady)
	}

	events, err := s.selectEvents(ctx, contractID, in.EventIDs)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrNoEvents)
	}

	opts := derive.Options{
		InvoiceID: "inv_" + uuid.NewString(),
		TaxRate:   s.taxRate,
		Threshold: s.threshold,
		Now:       s.now,
	}
	if in.InvoiceDate != nil {
		opts.InvoiceDate = *in.InvoiceDate
	}
	if in.TaxRate != nil {
		opts.TaxRate = *in.TaxRate
	}

	res, err := derive.Derive(*c, events, opts)
	if err != nil {
		return nil, err
	}
	d := &res.Draft
	if err := s.repo.SaveInvoice(ctx, d); err != nil {
		return nil, err
	}

	confidence := d.AggregateConfidence
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditInvoiceGenerated,
		EntityType: "invoice",
		EntityID:   d.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"contract_id":    contractID,
			"event_ids":      d.EventIDs(),
			"unmatched":      res.Unmatched,
			"line_count":     len(d.Lines),
			"total":          d.Total.StringFixed(2),
			"match_rules":    res.Rules,
			"invoice_status": string(d.Status),
		},
		Confidence:     &confidence,
		Explainability: d.Explainability,
	})
	logger.Info(ctx, "invoice drafted",
		"invoice_id", d.ID,
		"contract_id", contractID,
		"lines", len(d.Lines),
		"unmatched", len(res.Unmatched),
		"status", d.Status,
	)
	return d, nil
}

func (s *InvoiceService) selectEvents(ctx context.Context, contractID string, ids []string) ([]model.WorkEvent, error) {
	var picked []*model.WorkEvent
	if len(ids) == 0 {
		all, err := s.repo.Events(ctx, func(e *model.WorkEvent) bool {
			return e.ContractID == contractID && !e.Billed()
		})
		if err != nil {
			return nil, err
		}
		picked = all
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			e, err := s.repo.Event(ctx, id)
			if err != nil {
				return nil, err
			}
			if e.ContractID != contractID {
				return nil, fmt.Errorf("work_event %s: %w", id, ErrNotFound)
			}
			if e.Billed() {
				return nil, fmt.Errorf("work event %s: %w", id, model.ErrEventBilled)
			}
			picked = append(picked, e)
		}
	}
	sortEvents(picked)

	events := make([]model.WorkEvent, len(picked))
	for i, e := range picked {
		events[i] = *e
	}
	return events, nil
}

// Get returns an invoice visible to actor.
func (s *InvoiceService) Get(ctx context.Context, actor Actor, id string) (*model.InvoiceDraft, error) {
	d, err := s.repo.Invoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := visibleContract(ctx, s.repo, actor, d.ContractID); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return d, nil
}

// List returns invoices in creation order.
func (s *InvoiceService) List(ctx context.Context, actor Actor, f InvoiceFilter) ([]*model.InvoiceDraft, error) {
	var visible map[string]bool
	if actor.Tenant != "" {
		contracts, err := s.repo.Contracts(ctx, func(c *model.Contract) bool {
			return c.Tenant == actor.Tenant
		})
		if err != nil {
			return nil, err
		}
		visible = make(map[string]bool, len(contracts))
		for _, c := range contracts {
			visible[c.ID] = true
		}
	}
	return s.repo.Invoices(ctx, func(d *model.InvoiceDraft) bool {
		if visible != nil && !visible[d.ContractID] {
			return false
		}
		return (f.ContractID == "" || d.ContractID == f.ContractID) &&
			(f.Status == "" || d.Status == f.Status)
	})
}

// EditLine supersedes one line and recomputes totals and status.
func (s *InvoiceService) EditLine(ctx context.Context, actor Actor, invoiceID, lineID string, edit model.LineEdit) (*model.InvoiceDraft, error) {
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	d, err := s.Get(ctx, actor, invoiceID)
	if err != nil {
		return nil, err
	}
	line, err := d.SupersedeLine(lineID, edit, actor.ID, s.now().UTC(), s.threshold)
	if err != nil {
		return nil, err
	}
	derive.Finalize(d)
	if err := s.repo.SaveInvoice(ctx, d); err != nil {
		return nil, err
	}

	confidence := line.Confidence
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditInvoiceLineEdited,
		EntityType: "invoice",
		EntityID:   invoiceID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"line_id": lineID,
			"edit":    edit,
			"amount":  line.Amount.StringFixed(2),
			"status":  string(d.Status),
		},
		Confidence: &confidence,
	})
	return d, nil
}

// approvable lists the statuses an invoice can be signed off from.
var approvable = []model.InvoiceStatus{
	model.InvoiceDraftStatus,
	model.InvoicePendingCFO,
	model.InvoiceException,
	model.InvoiceNeedsRemediation,
}

func requiresCFO(d *model.InvoiceDraft) bool {
	if d.Status == model.InvoicePendingCFO {
		return true
	}
	return slices.ContainsFunc(d.Lines, func(l model.InvoiceLine) bool {
		return l.RequiresCFOApproval
	})
}

// Approve signs off an invoice and marks its work events billed. Of two
// approvals competing for the same work event only the first succeeds.
func (s *InvoiceService) Approve(ctx context.Context, actor Actor, invoiceID string, in ApproveInput) (*model.InvoiceDraft, *model.Approval, error) {
	if !in.ConfirmReviewed {
		return nil, nil, ErrReviewNotConfirmed
	}
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	d, err := s.Get(ctx, actor, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if !slices.Contains(approvable, d.Status) {
		return nil, nil, fmt.Errorf("invoice %s (%s): %w", d.ID, d.Status, ErrNotApprovable)
	}
	if requiresCFO(d) && actor.Role != model.RoleCFO && actor.Role != model.RoleAdmin {
		return nil, nil, fmt.Errorf("invoice %s: %w", d.ID, ErrCFORequired)
	}

	events := make([]*model.WorkEvent, 0)
	for _, id := range d.EventIDs() {
		e, err := s.repo.Event(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if e.Billed() && e.InvoiceID != d.ID {
			return nil, nil, fmt.Errorf("work event %s: %w", id, model.ErrEventBilled)
		}
		events = append(events, e)
	}

	now := s.now().UTC()
	snapshot, err := HashJSON(d)
	if err != nil {
		return nil, nil, err
	}
	approvalID := "app_" + uuid.NewString()
	signature, err := HashJSON(map[string]any{
		"approval_id":    approvalID,
		"invoice_id":     d.ID,
		"approver_email": actor.ID,
		"timestamp":      now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, nil, err
	}
	a := &model.Approval{
		ID:                 approvalID,
		InvoiceID:          d.ID,
		Approver:           actor.ID,
		ApproverName:       actor.Name,
		ApproverRole:       actor.Role,
		ApprovedAt:         now,
		Note:               in.Note,
		SignatureHash:      signature,
		InvoiceHash:        snapshot,
		ConfidenceSnapshot: d.AggregateConfidence,
		Method:             approvalMethod,
	}
	if err := s.repo.SaveApproval(ctx, a); err != nil {
		return nil, nil, err
	}

	d.Status = model.InvoiceApproved
	d.ApprovalID = a.ID
	d.ApprovedBy = actor.ID
	d.ApprovedAt = &now
	d.UpdatedAt = &now
	d.UpdatedBy = actor.ID
	if err := s.repo.SaveInvoice(ctx, d); err != nil {
		return nil, nil, err
	}
	for _, e := range events {
		e.InvoiceID = d.ID
		if err := s.repo.SaveEvent(ctx, e); err != nil {
			return nil, nil, err
		}
	}

	confidence := a.ConfidenceSnapshot
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditInvoiceApproved,
		EntityType: "invoice",
		EntityID:   d.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"approval_id":    a.ID,
			"invoice_hash":   a.InvoiceHash,
			"signature_hash": a.SignatureHash,
			"note":           in.Note,
		},
		Confidence:     &confidence,
		Explainability: d.Explainability,
	})
	logger.Info(ctx, "invoice approved", "invoice_id", d.ID, "approval_id", a.ID)
	return d, a, nil
}

// Reject closes a draft with a reason. Its work events stay unbilled.
func (s *InvoiceService) Reject(ctx context.Context, actor Actor, invoiceID, reason string) (*model.InvoiceDraft, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	d, err := s.Get(ctx, actor, invoiceID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Editable() {
		return nil, fmt.Errorf("invoice %s (%s): %w", d.ID, d.Status, model.ErrInvoiceLocked)
	}
	now := s.now().UTC()
	d.Status = model.InvoiceRejected
	d.RejectedBy = actor.ID
	d.RejectedAt = &now
	d.RejectionReason = reason
	d.UpdatedAt = &now
	d.UpdatedBy = actor.ID
	if err := s.repo.SaveInvoice(ctx, d); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditInvoiceRejected,
		EntityType: "invoice",
		EntityID:   d.ID,
		Actor:      actor.ID,
		Payload:    map[string]any{"reason": reason},
	})
	logger.Info(ctx, "invoice rejected", "invoice_id", d.ID)
	return d, nil
}
