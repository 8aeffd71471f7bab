package service

import (
	"context"
	"errors"
	"testing"

	"github.com/AnTengye/contractbill/model"
)

func TestApprovalLookup(t *testing.T) {
	env := newTestEnv(t)
	d, a := env.approvedInvoice(t)
	ctx := context.Background()

	got, err := env.approvals.Get(ctx, financeActor, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.InvoiceID != d.ID || got.SignatureHash != a.SignatureHash {
		t.Errorf("Unexpected approval %+v", got)
	}
	list, err := env.approvals.ForInvoice(ctx, financeActor, d.ID)
	if err != nil {
		t.Fatalf("ForInvoice failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("Expected one approval, got %d", len(list))
	}
	if _, err := env.approvals.Get(ctx, otherTenant, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound across tenants, got %v", err)
	}
}

func TestRevokeApproval(t *testing.T) {
	env := newTestEnv(t)
	d, a := env.approvedInvoice(t)
	ctx := context.Background()

	if _, _, err := env.approvals.Revoke(ctx, cfoActor, a.ID, ""); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("Expected ErrReasonRequired, got %v", err)
	}

	revoked, inv, err := env.approvals.Revoke(ctx, cfoActor, a.ID, "rate was renegotiated")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !revoked.Revoked || revoked.RevokedBy != cfoActor.ID || revoked.RevokedAt == nil {
		t.Errorf("Unexpected approval %+v", revoked)
	}
	if inv.Status != model.InvoiceNeedsRemediation || inv.RemediationReason != "rate was renegotiated" {
		t.Errorf("Unexpected invoice %+v", inv)
	}
	if inv.ERPRemediation != "" {
		t.Errorf("Expected no ERP note for an unpushed invoice, got %q", inv.ERPRemediation)
	}

	ev, _ := env.repo.Event(ctx, "we_1")
	if ev.Billed() {
		t.Error("Expected work event to be released")
	}

	if _, _, err := env.approvals.Revoke(ctx, cfoActor, a.ID, "again"); !errors.Is(err, ErrAlreadyRevoked) {
		t.Errorf("Expected ErrAlreadyRevoked, got %v", err)
	}

	// A remediated invoice can be signed off again.
	again, second, err := env.invoices.Approve(ctx, financeActor, d.ID, ApproveInput{ConfirmReviewed: true})
	if err != nil {
		t.Fatalf("Re-approve failed: %v", err)
	}
	if again.ApprovalID != second.ID || second.ID == a.ID {
		t.Errorf("Expected a fresh approval, got %s", again.ApprovalID)
	}
	list, _ := env.approvals.ForInvoice(ctx, financeActor, d.ID)
	if len(list) != 2 {
		t.Errorf("Expected both approvals kept, got %d", len(list))
	}
}

func TestRevokeAfterPush(t *testing.T) {
	env := newTestEnv(t)
	d, a := env.approvedInvoice(t)
	ctx := context.Background()

	if _, err := env.erp.Push(ctx, financeActor, d.ID, PushInput{ApprovalID: a.ID}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	_, inv, err := env.approvals.Revoke(ctx, cfoActor, a.ID, "duplicate billing")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if inv.Status != model.InvoiceNeedsRemediation || inv.ERPRemediation != erpRemediationNote {
		t.Errorf("Expected ERP remediation note, got %+v", inv)
	}
	ev, _ := env.repo.Event(ctx, "we_1")
	if !ev.Billed() {
		t.Error("Expected pushed work event to stay billed")
	}

	kinds := env.auditKinds(t, "approval", a.ID)
	if len(kinds) != 1 || kinds[0] != AuditApprovalRevoked {
		t.Errorf("Expected revocation audit entry, got %v", kinds)
	}
}
