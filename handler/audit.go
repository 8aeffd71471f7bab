package handler

import (
	"net/http"

	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	sink *service.RepoAuditSink
}

func NewAuditHandler(sink *service.RepoAuditSink) *AuditHandler {
	return &AuditHandler{sink: sink}
}

// List returns audit entries, filtered by ?entity_type= and ?entity_id=.
func (h *AuditHandler) List(c *gin.Context) {
	entries, err := h.sink.Entries(c.Request.Context(), c.Query("entity_type"), c.Query("entity_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}
