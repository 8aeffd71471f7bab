package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/middleware"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

type testServer struct {
	repo      *service.Repository
	contracts *service.ContractService
	handlers  struct {
		contract *ContractHandler
		event    *WorkEventHandler
		invoice  *InvoiceHandler
		approval *ApprovalHandler
		audit    *AuditHandler
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := service.NewRepository(service.NewMemoryStore(0))
	audit := service.NewAuditSink(repo)

	contracts := service.NewContractService(repo, extract.NewExtractor(), nil, nil, audit)
	events := service.NewWorkEventService(repo, audit)
	invoices := service.NewInvoiceService(repo, audit, &config.BillingConfig{ConfidenceThreshold: 0.80, DefaultTaxRate: "0"})
	approvals := service.NewApprovalService(repo, invoices, audit)
	erp := service.NewERPService(repo, invoices, service.NewConnector(&config.ERPConfig{Connector: "dry_run"}), audit)

	s := &testServer{repo: repo, contracts: contracts}
	s.handlers.contract = NewContractHandler(contracts, 1)
	s.handlers.event = NewWorkEventHandler(events)
	s.handlers.invoice = NewInvoiceHandler(invoices, erp)
	s.handlers.approval = NewApprovalHandler(approvals)
	s.handlers.audit = NewAuditHandler(audit)
	return s
}

// router serves every route as the given user.
func (s *testServer) router(username, tenant, role string) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("username", username)
		c.Set("tenant", tenant)
		c.Set("role", role)
		c.Next()
	})

	h := s.handlers
	router.POST("/contracts", h.contract.Upload)
	router.GET("/contracts", h.contract.List)
	router.GET("/contracts/:id", h.contract.Get)
	router.GET("/contracts/:id/status", h.contract.GetStatus)
	router.POST("/contracts/:id/reparse", h.contract.Reparse)
	router.POST("/contracts/:id/archive", h.contract.Archive)
	router.PATCH("/contracts/:id/clauses/:clause_id", h.contract.CorrectClause)

	router.POST("/contracts/:id/events/import", h.event.Import)
	router.POST("/contracts/:id/events", h.event.Create)
	router.GET("/contracts/:id/events", h.event.List)
	router.GET("/events/:event_id", h.event.Get)
	router.PATCH("/events/:event_id", h.event.Update)
	router.DELETE("/events/:event_id", h.event.Delete)

	router.POST("/contracts/:id/invoices", h.invoice.Generate)
	router.GET("/invoices", h.invoice.List)
	router.GET("/invoices/:id", h.invoice.Get)
	router.PATCH("/invoices/:id/lines/:line_id", h.invoice.EditLine)
	router.POST("/invoices/:id/approve",
		middleware.RequireRole(middleware.RoleFinance, middleware.RoleCFO), h.invoice.Approve)
	router.POST("/invoices/:id/reject", h.invoice.Reject)
	router.POST("/invoices/:id/push", h.invoice.Push)

	router.GET("/invoices/:id/approvals", h.approval.ForInvoice)
	router.GET("/approvals/:id", h.approval.Get)
	router.POST("/approvals/:id/revoke", middleware.RequireRole(middleware.RoleCFO), h.approval.Revoke)

	router.GET("/audit", h.audit.List)
	return router
}

func (s *testServer) finance() *gin.Engine { return s.router("fin@acme.com", "acme", "finance") }
func (s *testServer) cfo() *gin.Engine     { return s.router("cfo@acme.com", "acme", "cfo") }

// seedContract stores a parsed acme contract with one $200/hour rate card.
func (s *testServer) seedContract(t *testing.T, id string) {
	t.Helper()
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	c := &model.Contract{
		ID:             id,
		SourceFilename: "msa.txt",
		UploadedBy:     "fin@acme.com",
		Tenant:         "acme",
		Currency:       "USD",
		Parties: []model.Party{
			{Role: "vendor", Name: "Acme Consulting"},
			{Role: "client", Name: "Globex Industries", Identifier: "GI-1a2b"},
		},
		Clauses: []model.Clause{{
			ID:            "c1",
			Type:          model.ClauseRateCard,
			Description:   "Senior engineer rate",
			ExtractedText: "Rate: $200 per hour",
			Value:         "200",
			Unit:          "hour",
			Confidence:    model.Conf(0.95),
		}},
		PaymentTermsDays: 30,
		Status:           model.ContractParsed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.SaveContract(context.Background(), c); err != nil {
		t.Fatalf("Failed to seed contract: %v", err)
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doRequest(router, req)
}

func doRequest(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doFile(t *testing.T, router http.Handler, path, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}
