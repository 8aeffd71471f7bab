package handler

import (
	"net/http"
	"time"

	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type InvoiceHandler struct {
	svc *service.InvoiceService
	erp *service.ERPService
}

func NewInvoiceHandler(svc *service.InvoiceService, erp *service.ERPService) *InvoiceHandler {
	return &InvoiceHandler{svc: svc, erp: erp}
}

// GenerateRequest drafts an invoice. All fields are optional.
type GenerateRequest struct {
	EventIDs    []string         `json:"event_ids"`
	InvoiceDate string           `json:"invoice_date"`
	TaxRate     *decimal.Decimal `json:"tax_rate"`
}

type ApproveRequest struct {
	ConfirmReviewed bool   `json:"confirm_reviewed"`
	ApprovalNote    string `json:"approval_note"`
}

type ReasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type PushRequest struct {
	ApprovalID  string `json:"approval_id"`
	CustomerRef string `json:"customer_ref"`
	AutoPush    bool   `json:"auto_push"`
}

// Generate drafts an invoice for the contract in the path.
func (h *InvoiceHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
	}
	in := service.GenerateInput{EventIDs: req.EventIDs, TaxRate: req.TaxRate}
	if req.InvoiceDate != "" {
		date, err := extract.ParseDate(req.InvoiceDate)
		if err != nil {
			badRequest(c, "Invalid invoice_date")
			return
		}
		in.InvoiceDate = &date
	}

	d, err := h.svc.Generate(c.Request.Context(), actor(c), c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// List supports ?contract_id= and ?status=.
func (h *InvoiceHandler) List(c *gin.Context) {
	invoices, err := h.svc.List(c.Request.Context(), actor(c), service.InvoiceFilter{
		ContractID: c.Query("contract_id"),
		Status:     model.InvoiceStatus(c.Query("status")),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	result := make([]gin.H, len(invoices))
	for i, d := range invoices {
		result[i] = gin.H{
			"invoice_id":           d.ID,
			"contract_id":          d.ContractID,
			"status":               d.Status,
			"currency":             d.Currency,
			"total":                d.Total.StringFixed(2),
			"aggregate_confidence": d.AggregateConfidence,
			"invoice_date":         d.InvoiceDate.Format(time.DateOnly),
			"created_at":           d.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"invoices": result, "total": len(result)})
}

func (h *InvoiceHandler) Get(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// EditLine supersedes one line of an open invoice.
func (h *InvoiceHandler) EditLine(c *gin.Context) {
	var edit model.LineEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	d, err := h.svc.EditLine(c.Request.Context(), actor(c), c.Param("id"), c.Param("line_id"), edit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *InvoiceHandler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	d, a, err := h.svc.Approve(c.Request.Context(), actor(c), c.Param("id"), service.ApproveInput{
		ConfirmReviewed: req.ConfirmReviewed,
		Note:            req.ApprovalNote,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice_id":     d.ID,
		"status":         d.Status,
		"approval_id":    a.ID,
		"approved_by":    a.Approver,
		"approved_at":    a.ApprovedAt,
		"signature_hash": a.SignatureHash,
	})
}

func (h *InvoiceHandler) Reject(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "A rejection reason is required")
		return
	}
	d, err := h.svc.Reject(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice_id":       d.ID,
		"status":           d.Status,
		"rejected_by":      d.RejectedBy,
		"rejection_reason": d.RejectionReason,
	})
}

// Push delivers an approved invoice to the configured ERP connector.
func (h *InvoiceHandler) Push(c *gin.Context) {
	var req PushRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
	}
	res, err := h.erp.Push(c.Request.Context(), actor(c), c.Param("id"), service.PushInput{
		ApprovalID:  req.ApprovalID,
		CustomerRef: req.CustomerRef,
		AutoPush:    req.AutoPush,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice_id":     res.Invoice.ID,
		"erp_invoice_id": res.Invoice.ERPInvoiceID,
		"erp_type":       res.Invoice.ERPType,
		"status":         res.Invoice.Status,
		"pushed_at":      res.Invoice.PushedAt,
		"payload":        res.Payload,
	})
}
