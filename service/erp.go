package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
)

var (
	ErrApprovalRequired  = errors.New("invoice must be approved before pushing to ERP")
	ErrApprovalMismatch  = errors.New("approval does not belong to invoice")
	ErrApprovalRevoked   = errors.New("approval has been revoked")
	ErrAutoPushDisabled  = errors.New("auto-push is disabled; invoices require manual approval")
	ErrERPDeliveryFailed = errors.New("ERP delivery failed")
)

// ERPLine is one invoice line in ERP-neutral form.
type ERPLine struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
	Taxable     bool   `json:"taxable"`
}

// ERPPayload is the neutral invoice document handed to a connector.
type ERPPayload struct {
	CustomerRef string    `json:"customer_ref"`
	Currency    string    `json:"currency"`
	Lines       []ERPLine `json:"lines"`
	InvoiceDate string    `json:"invoice_date"`
	DueDate     string    `json:"due_date,omitempty"`
	Subtotal    string    `json:"subtotal"`
	TaxTotal    string    `json:"tax_total"`
	Total       string    `json:"total"`
	Memo        string    `json:"memo"`
	InvoiceID   string    `json:"invoice_id"`
	ApprovalID  string    `json:"approval_id"`
}

// BuildERPPayload maps an approved invoice to the neutral payload.
func BuildERPPayload(d *model.InvoiceDraft, customerRef string) ERPPayload {
	p := ERPPayload{
		CustomerRef: customerRef,
		Currency:    d.Currency,
		Lines:       make([]ERPLine, 0, len(d.Lines)),
		InvoiceDate: d.InvoiceDate.Format(time.DateOnly),
		Subtotal:    d.Subtotal.StringFixed(2),
		TaxTotal:    d.Tax.StringFixed(2),
		Total:       d.Total.StringFixed(2),
		Memo:        "Generated by contractbill; invoice_id=" + d.ID,
		InvoiceID:   d.ID,
		ApprovalID:  d.ApprovalID,
	}
	if !d.DueDate.IsZero() {
		p.DueDate = d.DueDate.Format(time.DateOnly)
	}
	for _, l := range d.Lines {
		p.Lines = append(p.Lines, ERPLine{
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice.StringFixed(2),
			Amount:      l.Amount.StringFixed(2),
		})
	}
	return p
}

// Connector delivers invoices to an ERP system.
type Connector interface {
	Name() string
	// Push delivers the payload and returns the ERP's invoice reference.
	Push(ctx context.Context, p ERPPayload) (string, error)
}

// NewConnector picks the configured connector. Anything but "webhook" is a dry run.
func NewConnector(cfg *config.ERPConfig) Connector {
	if cfg.Connector == "webhook" && cfg.WebhookURL != "" {
		return NewWebhookConnector(cfg)
	}
	return &DryRunConnector{now: time.Now}
}

func erpReference(name string, at time.Time) string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(name), at.UTC().Format("20060102150405"))
}

// DryRunConnector records nothing outside the process and always succeeds.
type DryRunConnector struct {
	now func() time.Time
}

func (c *DryRunConnector) Name() string { return "dry_run" }

func (c *DryRunConnector) Push(ctx context.Context, p ERPPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ref := erpReference("dryrun", now())
	logger.Info(ctx, "dry-run ERP push", "invoice_id", p.InvoiceID, "erp_invoice_id", ref, "total", p.Total)
	return ref, nil
}

// WebhookConnector POSTs the payload as JSON to a configured endpoint.
type WebhookConnector struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhookConnector(cfg *config.ERPConfig) *WebhookConnector {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookConnector{
		url:        cfg.WebhookURL,
		token:      cfg.WebhookToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookConnector) Name() string { return "webhook" }

func (c *WebhookConnector) Push(ctx context.Context, p ERPPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ApprovalID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrERPDeliveryFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrERPDeliveryFailed, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		ERPInvoiceID string `json:"erp_invoice_id"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &result) == nil && result.ERPInvoiceID != "" {
		return result.ERPInvoiceID, nil
	}
	return erpReference(c.Name(), time.Now()), nil
}

// PushInput names the approval a push relies on.
type PushInput struct {
	ApprovalID  string
	CustomerRef string
	AutoPush    bool
}

// PushResult is the outcome of a successful push.
type PushResult struct {
	Invoice *model.InvoiceDraft
	Payload ERPPayload
}

type ERPService struct {
	repo      *Repository
	invoices  *InvoiceService
	connector Connector
	audit     AuditSink
	now       func() time.Time
}

func NewERPService(repo *Repository, invoices *InvoiceService, connector Connector, audit AuditSink) *ERPService {
	return &ERPService{repo: repo, invoices: invoices, connector: connector, audit: audit, now: time.Now}
}

// Push delivers an approved invoice. The invoice must carry a valid approval
// matching in.ApprovalID when one is given.
func (s *ERPService) Push(ctx context.Context, actor Actor, invoiceID string, in PushInput) (*PushResult, error) {
	if in.AutoPush {
		return nil, ErrAutoPushDisabled
	}
	d, err := s.invoices.Get(ctx, actor, invoiceID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.InvoiceApproved || d.ApprovalID == "" {
		return nil, fmt.Errorf("invoice %s (%s): %w", d.ID, d.Status, ErrApprovalRequired)
	}
	if in.ApprovalID != "" && in.ApprovalID != d.ApprovalID {
		return nil, fmt.Errorf("invoice %s: %w: %s", d.ID, ErrApprovalMismatch, in.ApprovalID)
	}
	a, err := s.repo.Approval(ctx, d.ApprovalID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("invoice %s: %w", d.ID, ErrApprovalRequired)
	}
	if err != nil {
		return nil, err
	}
	if a.InvoiceID != d.ID {
		return nil, fmt.Errorf("invoice %s: %w: %s", d.ID, ErrApprovalMismatch, a.ID)
	}
	if !a.Valid() {
		return nil, fmt.Errorf("approval %s: %w", a.ID, ErrApprovalRevoked)
	}

	customerRef := in.CustomerRef
	if customerRef == "" {
		customerRef = s.defaultCustomer(ctx, d.ContractID)
	}
	payload := BuildERPPayload(d, customerRef)

	ref, err := s.connector.Push(ctx, payload)
	if err != nil {
		logger.Error(ctx, "ERP push failed", "invoice_id", d.ID, "connector", s.connector.Name(), "error", err)
		return nil, err
	}

	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	current, err := s.repo.Invoice(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == model.InvoicePushed && current.ApprovalID == a.ID {
		logger.Warn(ctx, "invoice already pushed by a concurrent request", "invoice_id", d.ID, "erp_invoice_id", current.ERPInvoiceID)
		return &PushResult{Invoice: current, Payload: payload}, nil
	}
	now := s.now().UTC()
	current.ERPType = s.connector.Name()
	current.ERPInvoiceID = ref
	current.PushedAt = &now
	current.UpdatedAt = &now
	current.UpdatedBy = actor.ID
	if current.Status != model.InvoiceApproved || current.ApprovalID != a.ID {
		// Revoked while the connector was working.
		current.ERPRemediation = erpRemediationNote
		if err := s.repo.SaveInvoice(ctx, current); err != nil {
			return nil, err
		}
		logger.Error(ctx, "invoice reached ERP after revocation", "invoice_id", d.ID, "erp_invoice_id", ref)
		return nil, fmt.Errorf("approval %s: %w", a.ID, ErrApprovalRevoked)
	}
	current.Status = model.InvoicePushed
	d = current
	if err := s.repo.SaveInvoice(ctx, d); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditInvoicePushed,
		EntityType: "invoice",
		EntityID:   d.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"erp_type":       d.ERPType,
			"erp_invoice_id": ref,
			"approval_id":    a.ID,
			"total":          payload.Total,
		},
	})
	logger.Info(ctx, "invoice pushed to ERP", "invoice_id", d.ID, "erp_invoice_id", ref, "connector", d.ERPType)
	return &PushResult{Invoice: d, Payload: payload}, nil
}

// defaultCustomer falls back to the contract's client party.
func (s *ERPService) defaultCustomer(ctx context.Context, contractID string) string {
	c, err := s.repo.Contract(ctx, contractID)
	if err != nil {
		return ""
	}
	for _, p := range c.Parties {
		if strings.EqualFold(p.Role, "client") {
			if p.Identifier != "" {
				return p.Identifier
			}
			return p.Name
		}
	}
	return ""
}
