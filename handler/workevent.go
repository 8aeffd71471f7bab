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

type WorkEventHandler struct {
	svc *service.WorkEventService
}

func NewWorkEventHandler(svc *service.WorkEventService) *WorkEventHandler {
	return &WorkEventHandler{svc: svc}
}

// WorkEventRequest is a single event. Dates use any common layout, e.g. 2024-03-15.
type WorkEventRequest struct {
	EventID     string           `json:"event_id"`
	Date        string           `json:"date" binding:"required"`
	Description string           `json:"description" binding:"required"`
	Units       decimal.Decimal  `json:"units"`
	UnitType    string           `json:"unit_type"`
	Amount      *decimal.Decimal `json:"amount"`
	ExternalRef string           `json:"external_ref"`
}

// WorkEventPatchRequest updates an event; absent fields are kept.
type WorkEventPatchRequest struct {
	Date        *string          `json:"date"`
	Description *string          `json:"description"`
	Units       *decimal.Decimal `json:"units"`
	UnitType    *string          `json:"unit_type"`
	Amount      *decimal.Decimal `json:"amount"`
	ExternalRef *string          `json:"external_ref"`
}

// Import loads a CSV file of work events for a contract.
func (h *WorkEventHandler) Import(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "No file provided")
		return
	}
	defer file.Close()

	res, err := h.svc.Import(c.Request.Context(), actor(c), c.Param("id"), header.Filename, file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkEventHandler) Create(c *gin.Context) {
	var req WorkEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	date, err := extract.ParseDate(req.Date)
	if err != nil {
		badRequest(c, "Invalid date")
		return
	}
	ev, err := h.svc.Create(c.Request.Context(), actor(c), c.Param("id"), service.EventInput{
		ID:          req.EventID,
		Date:        date,
		Description: req.Description,
		Quantity:    req.Units,
		UnitType:    req.UnitType,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// List returns a contract's events. Supports ?start=, ?end= and ?unbilled=true.
func (h *WorkEventHandler) List(c *gin.Context) {
	var f service.EventFilter
	for param, dst := range map[string]**time.Time{"start": &f.Start, "end": &f.End} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := extract.ParseDate(raw)
		if err != nil {
			badRequest(c, "Invalid "+param+" date")
			return
		}
		*dst = &t
	}
	f.UnbilledOnly = c.Query("unbilled") == "true"

	events, err := h.svc.List(c.Request.Context(), actor(c), c.Param("id"), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (h *WorkEventHandler) Get(c *gin.Context) {
	ev, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("event_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *WorkEventHandler) Update(c *gin.Context) {
	var req WorkEventPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	patch := model.WorkEventPatch{
		Description: req.Description,
		Quantity:    req.Units,
		UnitType:    req.UnitType,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
	}
	if req.Date != nil {
		date, err := extract.ParseDate(*req.Date)
		if err != nil {
			badRequest(c, "Invalid date")
			return
		}
		patch.Date = &date
	}

	ev, err := h.svc.Update(c.Request.Context(), actor(c), c.Param("event_id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *WorkEventHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), actor(c), c.Param("event_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Work event deleted"})
}
