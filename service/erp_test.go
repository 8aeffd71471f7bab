package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/model"
)

func TestBuildERPPayload(t *testing.T) {
	d := &model.InvoiceDraft{
		ID:          "inv_1",
		Currency:    "USD",
		InvoiceDate: testNow,
		DueDate:     testNow.AddDate(0, 0, 30),
		Subtotal:    dec("2500"),
		Tax:         dec("0"),
		Total:       dec("2500"),
		ApprovalID:  "app_1",
		Lines: []model.InvoiceLine{
			{Description: "Review", Quantity: dec("12.5"), UnitPrice: dec("200"), Amount: dec("2500")},
		},
	}
	p := BuildERPPayload(d, "GI-1")

	if p.InvoiceDate != "2024-04-01" || p.DueDate != "2024-05-01" {
		t.Errorf("Unexpected dates %s %s", p.InvoiceDate, p.DueDate)
	}
	if p.Total != "2500.00" || p.TaxTotal != "0.00" || p.Lines[0].UnitPrice != "200.00" || p.Lines[0].Quantity != "12.5" {
		t.Errorf("Unexpected amounts %+v", p)
	}
	if p.Memo != "Generated by contractbill; invoice_id=inv_1" || p.ApprovalID != "app_1" || p.CustomerRef != "GI-1" {
		t.Errorf("Unexpected references %+v", p)
	}
	if p.Lines[0].Taxable {
		t.Error("Expected lines to be non-taxable")
	}
}

func TestPushDryRun(t *testing.T) {
	env := newTestEnv(t)
	d, a := env.approvedInvoice(t)
	ctx := context.Background()

	res, err := env.erp.Push(ctx, financeActor, d.ID, PushInput{ApprovalID: a.ID})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	inv := res.Invoice
	if inv.Status != model.InvoicePushed || inv.ERPType != "dry_run" || inv.PushedAt == nil {
		t.Errorf("Unexpected pushed invoice %+v", inv)
	}
	if inv.ERPInvoiceID != "DRYRUN-20240401090000" {
		t.Errorf("Unexpected ERP reference %q", inv.ERPInvoiceID)
	}
	if res.Payload.CustomerRef != "GI-1a2b" || res.Payload.Total != "2000.00" {
		t.Errorf("Unexpected payload %+v", res.Payload)
	}

	ev, _ := env.repo.Event(ctx, "we_1")
	if ev.InvoiceID != d.ID {
		t.Error("Expected pushed work event to stay billed")
	}
	if _, err := env.erp.Push(ctx, financeActor, d.ID, PushInput{}); !errors.Is(err, ErrApprovalRequired) {
		t.Errorf("Expected second push to be refused, got %v", err)
	}
}

func TestPushGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	approved, a := env.approvedInvoice(t)

	env.seedContract(t, "ctr_2", rateCard("c1", "100", "hour", 0.9, false))
	env.seedEvent(t, "ctr_2", "we_9", "1", nil)
	draft, err := env.invoices.Generate(ctx, financeActor, "ctr_2", GenerateInput{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		invoice string
		in      PushInput
		want    error
	}{
		{"auto push", approved.ID, PushInput{AutoPush: true}, ErrAutoPushDisabled},
		{"not approved", draft.ID, PushInput{}, ErrApprovalRequired},
		{"wrong approval", approved.ID, PushInput{ApprovalID: "app_other"}, ErrApprovalMismatch},
		{"missing invoice", "inv_missing", PushInput{}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.erp.Push(ctx, financeActor, tt.invoice, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	// A revoked approval that still backs an approved invoice blocks the push.
	a.Revoked = true
	if err := env.repo.SaveApproval(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := env.erp.Push(ctx, financeActor, approved.ID, PushInput{}); !errors.Is(err, ErrApprovalRevoked) {
		t.Errorf("Expected ErrApprovalRevoked, got %v", err)
	}
}

func TestPushWebhook(t *testing.T) {
	var got ERPPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer erp-token" {
			t.Error("Expected bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Bad body: %v", err)
		}
		if r.Header.Get("Idempotency-Key") != got.ApprovalID {
			t.Error("Expected approval id as idempotency key")
		}
		_, _ = w.Write([]byte(`{"erp_invoice_id":"QB-1042"}`))
	}))
	defer server.Close()

	connector := NewConnector(&config.ERPConfig{Connector: "webhook", WebhookURL: server.URL, WebhookToken: "erp-token", TimeoutSeconds: 5})
	env := newTestEnvWith(t, connector)
	d, a := env.approvedInvoice(t)

	res, err := env.erp.Push(context.Background(), financeActor, d.ID, PushInput{CustomerRef: "BLUE-900"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if res.Invoice.ERPInvoiceID != "QB-1042" || res.Invoice.ERPType != "webhook" {
		t.Errorf("Unexpected invoice %+v", res.Invoice)
	}
	if got.InvoiceID != d.ID || got.ApprovalID != a.ID || got.CustomerRef != "BLUE-900" || len(got.Lines) != 1 {
		t.Errorf("Unexpected delivered payload %+v", got)
	}
}

func TestPushWebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "customer not found", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	env := newTestEnvWith(t, NewWebhookConnector(&config.ERPConfig{WebhookURL: server.URL}))
	d, _ := env.approvedInvoice(t)
	ctx := context.Background()

	_, err := env.erp.Push(ctx, financeActor, d.ID, PushInput{})
	if !errors.Is(err, ErrERPDeliveryFailed) || !strings.Contains(err.Error(), "customer not found") {
		t.Errorf("Expected delivery failure, got %v", err)
	}
	inv, _ := env.repo.Invoice(ctx, d.ID)
	if inv.Status != model.InvoiceApproved {
		t.Errorf("Expected invoice to stay approved, got %s", inv.Status)
	}
}

func TestNewConnector(t *testing.T) {
	if _, ok := NewConnector(&config.ERPConfig{Connector: "dry_run"}).(*DryRunConnector); !ok {
		t.Error("Expected dry-run connector")
	}
	if _, ok := NewConnector(&config.ERPConfig{Connector: "webhook"}).(*DryRunConnector); !ok {
		t.Error("Expected dry-run connector without a webhook url")
	}
	if _, ok := NewConnector(&config.ERPConfig{Connector: "webhook", WebhookURL: "http://erp"}).(*WebhookConnector); !ok {
		t.Error("Expected webhook connector")
	}
}
