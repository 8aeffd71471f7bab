package handler

import (
	"net/http"

	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

type ApprovalHandler struct {
	svc *service.ApprovalService
}

func NewApprovalHandler(svc *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{svc: svc}
}

func (h *ApprovalHandler) Get(c *gin.Context) {
	a, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ForInvoice lists every approval of the invoice in the path.
func (h *ApprovalHandler) ForInvoice(c *gin.Context) {
	approvals, err := h.svc.ForInvoice(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals, "total": len(approvals)})
}

// Revoke withdraws an approval and sends its invoice to remediation.
func (h *ApprovalHandler) Revoke(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "A revocation reason is required")
		return
	}
	a, d, err := h.svc.Revoke(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approval_id":          a.ID,
		"status":               "revoked",
		"revoked_at":           a.RevokedAt,
		"invoice_id":           d.ID,
		"invoice_status":       d.Status,
		"remediation_required": true,
		"erp_remediation_note": d.ERPRemediation,
	})
}
