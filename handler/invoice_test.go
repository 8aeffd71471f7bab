package handler

import (
	"net/http"
	"strings"
	"testing"

	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

// draftInvoice seeds a contract with one 10-hour event and drafts its invoice.
func (s *testServer) draftInvoice(t *testing.T, router *gin.Engine) model.InvoiceDraft {
	t.Helper()
	s.seedContract(t, "ctr_1")
	w := doJSON(t, router, http.MethodPost, "/contracts/ctr_1/events", map[string]any{
		"event_id":    "we_1",
		"date":        "2024-03-15",
		"description": "Architecture review",
		"units":       "10",
		"unit_type":   "hour",
		"amount":      "2000",
	})
	expectStatus(t, w, http.StatusCreated)

	w = doJSON(t, router, http.MethodPost, "/contracts/ctr_1/invoices", GenerateRequest{InvoiceDate: "2024-04-01"})
	expectStatus(t, w, http.StatusCreated)
	var d model.InvoiceDraft
	decode(t, w, &d)
	return d
}

func approve(t *testing.T, router *gin.Engine, invoiceID string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/invoices/"+invoiceID+"/approve", ApproveRequest{ConfirmReviewed: true})
	expectStatus(t, w, http.StatusOK)
	var res struct {
		ApprovalID    string `json:"approval_id"`
		Status        string `json:"status"`
		SignatureHash string `json:"signature_hash"`
	}
	decode(t, w, &res)
	if res.Status != string(model.InvoiceApproved) || !strings.HasPrefix(res.SignatureHash, "sha256:") {
		t.Fatalf("Unexpected approval %+v", res)
	}
	return res.ApprovalID
}

func TestInvoiceHandlerGenerate(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)

	if d.Status != model.InvoiceDraftStatus || len(d.Lines) != 1 {
		t.Fatalf("Unexpected draft %+v", d)
	}
	if d.Total.String() != "2000" || d.DueDate.Format("2006-01-02") != "2024-05-01" {
		t.Errorf("Unexpected totals %s due %s", d.Total, d.DueDate)
	}

	w := doJSON(t, router, http.MethodGet, "/invoices/"+d.ID, nil)
	expectStatus(t, w, http.StatusOK)

	w = doJSON(t, router, http.MethodGet, "/invoices?contract_id=ctr_1&status=draft", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Invoices []map[string]any `json:"invoices"`
		Total    int              `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || list.Invoices[0]["total"] != "2000.00" {
		t.Errorf("Unexpected invoice list %+v", list)
	}

	w = doJSON(t, router, http.MethodPost, "/contracts/ctr_1/invoices", GenerateRequest{InvoiceDate: "soon"})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodPost, "/contracts/ctr_1/invoices", GenerateRequest{EventIDs: []string{"we_missing"}})
	expectStatus(t, w, http.StatusNotFound)
}

func TestInvoiceHandlerEditLine(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)
	lineID := d.Lines[0].ID

	w := doJSON(t, router, http.MethodPatch, "/invoices/"+d.ID+"/lines/"+lineID, map[string]any{"quantity": "12"})
	expectStatus(t, w, http.StatusOK)
	var edited model.InvoiceDraft
	decode(t, w, &edited)
	if edited.Total.String() != "2400" || len(edited.LineRevisions) != 1 {
		t.Errorf("Expected re-totalled invoice, got total %s revisions %d", edited.Total, len(edited.LineRevisions))
	}

	w = doJSON(t, router, http.MethodPatch, "/invoices/"+d.ID+"/lines/l_missing", map[string]any{"quantity": "1"})
	expectStatus(t, w, http.StatusNotFound)
}

func TestInvoiceHandlerApproveAndPush(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)

	w := doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/push", nil)
	expectStatus(t, w, http.StatusConflict)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/approve", ApproveRequest{})
	expectStatus(t, w, http.StatusBadRequest)

	approvalID := approve(t, router, d.ID)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/approve", ApproveRequest{ConfirmReviewed: true})
	expectStatus(t, w, http.StatusConflict)

	w = doJSON(t, router, http.MethodPatch, "/invoices/"+d.ID+"/lines/"+d.Lines[0].ID, map[string]any{"quantity": "1"})
	expectStatus(t, w, http.StatusConflict)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/push", PushRequest{AutoPush: true})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/push", PushRequest{ApprovalID: "app_other"})
	expectStatus(t, w, http.StatusConflict)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/push", PushRequest{ApprovalID: approvalID})
	expectStatus(t, w, http.StatusOK)
	var pushed struct {
		ERPInvoiceID string             `json:"erp_invoice_id"`
		ERPType      string             `json:"erp_type"`
		Status       string             `json:"status"`
		Payload      service.ERPPayload `json:"payload"`
	}
	decode(t, w, &pushed)
	if !strings.HasPrefix(pushed.ERPInvoiceID, "DRYRUN-") || pushed.ERPType != "dry_run" || pushed.Status != string(model.InvoicePushed) {
		t.Errorf("Unexpected push response %+v", pushed)
	}
	if pushed.Payload.CustomerRef != "GI-1a2b" || pushed.Payload.ApprovalID != approvalID {
		t.Errorf("Unexpected payload %+v", pushed.Payload)
	}

	w = doJSON(t, router, http.MethodGet, "/events/we_1", nil)
	var ev model.WorkEvent
	decode(t, w, &ev)
	if ev.InvoiceID != d.ID {
		t.Errorf("Expected event billed to %s, got %q", d.ID, ev.InvoiceID)
	}
	w = doJSON(t, router, http.MethodDelete, "/events/we_1", nil)
	expectStatus(t, w, http.StatusConflict)
}

func TestInvoiceHandlerCFORequired(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)

	w := doJSON(t, s.cfo(), http.MethodPatch, "/contracts/ctr_1/clauses/c1", map[string]any{"requires_cfo_approval": true})
	expectStatus(t, w, http.StatusOK)
	w = doJSON(t, router, http.MethodPost, "/contracts/ctr_1/invoices", GenerateRequest{EventIDs: []string{"we_1"}})
	expectStatus(t, w, http.StatusCreated)
	var gated model.InvoiceDraft
	decode(t, w, &gated)
	if gated.Status != model.InvoicePendingCFO {
		t.Fatalf("Expected pending_cfo_review, got %s", gated.Status)
	}

	w = doJSON(t, router, http.MethodPost, "/invoices/"+gated.ID+"/approve", ApproveRequest{ConfirmReviewed: true})
	expectStatus(t, w, http.StatusForbidden)
	approve(t, s.cfo(), gated.ID)

	// The first draft shares the now billed event.
	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/approve", ApproveRequest{ConfirmReviewed: true})
	expectStatus(t, w, http.StatusConflict)

	viewer := s.router("viewer@acme.com", "acme", "viewer")
	w = doJSON(t, viewer, http.MethodPost, "/invoices/"+d.ID+"/approve", ApproveRequest{ConfirmReviewed: true})
	expectStatus(t, w, http.StatusForbidden)
}

func TestInvoiceHandlerReject(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)

	w := doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/reject", map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/reject", ReasonRequest{Reason: "Wrong rate"})
	expectStatus(t, w, http.StatusOK)
	var res map[string]any
	decode(t, w, &res)
	if res["status"] != string(model.InvoiceRejected) || res["rejection_reason"] != "Wrong rate" {
		t.Errorf("Unexpected rejection %+v", res)
	}

	w = doJSON(t, router, http.MethodPost, "/invoices/"+d.ID+"/reject", ReasonRequest{Reason: "Again"})
	expectStatus(t, w, http.StatusConflict)
}

func TestApprovalHandlerRevoke(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)
	approvalID := approve(t, router, d.ID)

	w := doJSON(t, router, http.MethodGet, "/approvals/"+approvalID, nil)
	expectStatus(t, w, http.StatusOK)

	w = doJSON(t, router, http.MethodPost, "/approvals/"+approvalID+"/revoke", ReasonRequest{Reason: "Wrong period"})
	expectStatus(t, w, http.StatusForbidden)

	cfo := s.cfo()
	w = doJSON(t, cfo, http.MethodPost, "/approvals/"+approvalID+"/revoke", map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	w = doJSON(t, cfo, http.MethodPost, "/approvals/"+approvalID+"/revoke", ReasonRequest{Reason: "Wrong period"})
	expectStatus(t, w, http.StatusOK)
	var res map[string]any
	decode(t, w, &res)
	if res["invoice_status"] != string(model.InvoiceNeedsRemediation) || res["status"] != "revoked" {
		t.Errorf("Unexpected revocation %+v", res)
	}

	w = doJSON(t, cfo, http.MethodPost, "/approvals/"+approvalID+"/revoke", ReasonRequest{Reason: "Again"})
	expectStatus(t, w, http.StatusConflict)

	w = doJSON(t, router, http.MethodGet, "/invoices/"+d.ID+"/approvals", nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		Approvals []model.Approval `json:"approvals"`
	}
	decode(t, w, &list)
	if len(list.Approvals) != 1 || !list.Approvals[0].Revoked {
		t.Errorf("Expected one revoked approval, got %+v", list.Approvals)
	}

	w = doJSON(t, router, http.MethodGet, "/events/we_1", nil)
	var ev model.WorkEvent
	decode(t, w, &ev)
	if ev.InvoiceID != "" {
		t.Errorf("Expected revoked invoice to release its event, got %q", ev.InvoiceID)
	}
}

func TestAuditHandlerList(t *testing.T) {
	s := newTestServer(t)
	router := s.finance()
	d := s.draftInvoice(t, router)
	approve(t, router, d.ID)

	w := doJSON(t, router, http.MethodGet, "/audit?entity_type=invoice&entity_id="+d.ID, nil)
	expectStatus(t, w, http.StatusOK)
	var res struct {
		Entries []model.AuditEntry `json:"entries"`
		Total   int                `json:"total"`
	}
	decode(t, w, &res)
	if res.Total < 2 {
		t.Fatalf("Expected generation and approval entries, got %d", res.Total)
	}
	for _, e := range res.Entries {
		if e.EntityID != d.ID || !strings.HasPrefix(e.PayloadHash, "sha256:") {
			t.Errorf("Unexpected entry %+v", e)
		}
	}
}
