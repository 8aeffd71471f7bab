package service

import (
	"context"
	"testing"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/model"
	"github.com/shopspring/decimal"
)

var (
	testNow    = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	fixedClock = func() time.Time { return testNow }

	financeActor = Actor{ID: "fin@acme.com", Name: "Finance", Tenant: "acme", Role: model.RoleFinance}
	cfoActor     = Actor{ID: "cfo@acme.com", Name: "CFO", Tenant: "acme", Role: model.RoleCFO}
	otherTenant  = Actor{ID: "ops@globex.com", Tenant: "globex", Role: model.RoleAdmin}
)

type testEnv struct {
	repo      *Repository
	audit     *RepoAuditSink
	events    *WorkEventService
	invoices  *InvoiceService
	approvals *ApprovalService
	erp       *ERPService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, &DryRunConnector{now: fixedClock})
}

func newTestEnvWith(t *testing.T, connector Connector) *testEnv {
	t.Helper()
	repo := NewRepository(NewMemoryStore(0))
	audit := NewAuditSink(repo)
	audit.now = fixedClock

	events := NewWorkEventService(repo, audit)
	events.now = fixedClock
	invoices := NewInvoiceService(repo, audit, &config.BillingConfig{ConfidenceThreshold: 0.80, DefaultTaxRate: "0"})
	invoices.now = fixedClock
	approvals := NewApprovalService(repo, invoices, audit)
	approvals.now = fixedClock
	erp := NewERPService(repo, invoices, connector, audit)
	erp.now = fixedClock

	return &testEnv{repo: repo, audit: audit, events: events, invoices: invoices, approvals: approvals, erp: erp}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func rateCard(id, value, unit string, conf float64, cfo bool) model.Clause {
	return model.Clause{
		ID:                  id,
		Type:                model.ClauseRateCard,
		Description:         "Consulting rate",
		ExtractedText:       "Rate: $" + value + " per " + unit,
		Value:               value,
		Unit:                unit,
		Confidence:          model.Conf(conf),
		RequiresCFOApproval: cfo,
	}
}

// seedContract stores a parsed acme contract with the given clauses.
func (e *testEnv) seedContract(t *testing.T, id string, clauses ...model.Clause) *model.Contract {
	t.Helper()
	c := &model.Contract{
		ID:               id,
		SourceFilename:   "msa.txt",
		UploadedBy:       financeActor.ID,
		Tenant:           "acme",
		Currency:         "USD",
		Parties:          []model.Party{{Role: "vendor", Name: "Acme Consulting"}, {Role: "client", Name: "Globex Industries", Identifier: "GI-1a2b"}},
		Clauses:          clauses,
		PaymentTermsDays: 30,
		Status:           model.ContractParsed,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	if err := e.repo.SaveContract(context.Background(), c); err != nil {
		t.Fatalf("Failed to seed contract: %v", err)
	}
	return c
}

func (e *testEnv) seedEvent(t *testing.T, contractID, id, units string, amount *decimal.Decimal) *model.WorkEvent {
	t.Helper()
	ev, err := e.events.Create(context.Background(), financeActor, contractID, EventInput{
		ID:          id,
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Description: "Architecture review",
		Quantity:    dec(units),
		UnitType:    "hour",
		Amount:      amount,
	})
	if err != nil {
		t.Fatalf("Failed to seed event: %v", err)
	}
	return ev
}

// approvedInvoice drafts and approves an invoice for one 10-hour event.
func (e *testEnv) approvedInvoice(t *testing.T) (*model.InvoiceDraft, *model.Approval) {
	t.Helper()
	ctx := context.Background()
	e.seedContract(t, "ctr_1", rateCard("c1", "200", "hour", 0.92, false))
	e.seedEvent(t, "ctr_1", "we_1", "10", decp("2000"))

	d, err := e.invoices.Generate(ctx, financeActor, "ctr_1", GenerateInput{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	d, a, err := e.invoices.Approve(ctx, financeActor, d.ID, ApproveInput{ConfirmReviewed: true})
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	return d, a
}

func (e *testEnv) auditKinds(t *testing.T, entityType, entityID string) []string {
	t.Helper()
	entries, err := e.audit.Entries(context.Background(), entityType, entityID)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	kinds := make([]string, len(entries))
	for i, entry := range entries {
		kinds[i] = entry.Kind
	}
	return kinds
}
