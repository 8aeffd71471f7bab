package handler

import (
	"errors"
	"net/http"

	"github.com/AnTengye/contractbill/derive"
	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/middleware"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

var errorStatuses = []struct {
	err    error
	status int
}{
	{service.ErrNotFound, http.StatusNotFound},
	{model.ErrClauseNotFound, http.StatusNotFound},
	{model.ErrLineNotFound, http.StatusNotFound},

	{service.ErrCFORequired, http.StatusForbidden},

	{model.ErrInvalidTransition, http.StatusConflict},
	{model.ErrInvoiceLocked, http.StatusConflict},
	{model.ErrEventBilled, http.StatusConflict},
	{service.ErrParseInFlight, http.StatusConflict},
	{service.ErrContractNotReady, http.StatusConflict},
	{service.ErrNotApprovable, http.StatusConflict},
	{service.ErrAlreadyRevoked, http.StatusConflict},
	{service.ErrApprovalRequired, http.StatusConflict},
	{service.ErrApprovalRevoked, http.StatusConflict},
	{service.ErrApprovalMismatch, http.StatusConflict},

	{service.ErrNoEvents, http.StatusUnprocessableEntity},

	{service.ErrERPDeliveryFailed, http.StatusBadGateway},

	{extract.ErrUnsupportedFileType, http.StatusBadRequest},
	{service.ErrEmptyUpload, http.StatusBadRequest},
	{service.ErrInvalidCSV, http.StatusBadRequest},
	{service.ErrInvalidEvent, http.StatusBadRequest},
	{service.ErrReviewNotConfirmed, http.StatusBadRequest},
	{service.ErrReasonRequired, http.StatusBadRequest},
	{service.ErrAutoPushDisabled, http.StatusBadRequest},
	{derive.ErrInvalidTaxRate, http.StatusBadRequest},
	{model.ErrNegativeQuantity, http.StatusBadRequest},
	{model.ErrConfidenceOutOfRange, http.StatusBadRequest},
	{model.ErrInvalidClauseValue, http.StatusBadRequest},
	{model.ErrUnknownClauseType, http.StatusBadRequest},
}

// errorStatus maps a service error onto an HTTP status.
func errorStatus(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// respondError writes err as a JSON error body. Unexpected errors are logged
// and hidden from the client.
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// actor builds the service identity from the authenticated request.
func actor(c *gin.Context) service.Actor {
	return service.Actor{
		ID:     middleware.GetUsername(c),
		Name:   middleware.GetUsername(c),
		Tenant: middleware.GetTenant(c),
		Role:   middleware.GetRole(c),
	}
}
