package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/service"
	"github.com/gin-gonic/gin"
)

type ContractHandler struct {
	svc       *service.ContractService
	maxUpload int64
}

// NewContractHandler limits uploads to maxUploadMB megabytes; zero means 50.
func NewContractHandler(svc *service.ContractService, maxUploadMB int) *ContractHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &ContractHandler{svc: svc, maxUpload: int64(maxUploadMB) << 20}
}

// TextUploadRequest submits pasted contract text instead of a file.
type TextUploadRequest struct {
	Filename string `json:"filename"`
	Text     string `json:"text" binding:"required"`
}

// Upload accepts a multipart "file" field or a JSON body with pasted text.
func (h *ContractHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var in service.UploadInput
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req TextUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		in = service.UploadInput{Filename: req.Filename, ContentType: "text/plain", Data: []byte(req.Text)}
		if in.Filename == "" {
			in.Filename = "contract.txt"
		}
	} else {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
				return
			}
			badRequest(c, "No file provided")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			badRequest(c, "Failed to read file")
			return
		}
		in = service.UploadInput{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}
	}

	contract, err := h.svc.Upload(c.Request.Context(), actor(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"contract_id":     contract.ID,
		"source_filename": contract.SourceFilename,
		"status":          contract.Status,
		"object_key":      contract.ObjectKey,
	})
}

// List returns contract summaries, optionally filtered by ?status=.
func (h *ContractHandler) List(c *gin.Context) {
	contracts, err := h.svc.List(c.Request.Context(), actor(c), service.ContractFilter{
		Status: model.ContractStatus(c.Query("status")),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	result := make([]gin.H, len(contracts))
	for i, contract := range contracts {
		result[i] = gin.H{
			"contract_id":     contract.ID,
			"source_filename": contract.SourceFilename,
			"status":          contract.Status,
			"currency":        contract.Currency,
			"clause_count":    len(contract.Clauses),
			"uploaded_by":     contract.UploadedBy,
			"created_at":      contract.CreatedAt,
			"updated_at":      contract.UpdatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"contracts": result, "total": len(result)})
}

func (h *ContractHandler) Get(c *gin.Context) {
	contract, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// GetStatus returns the parsing status of a contract
func (h *ContractHandler) GetStatus(c *gin.Context) {
	contract, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_id": contract.ID,
		"status":      contract.Status,
		"error_msg":   contract.ErrorMsg,
	})
}

func (h *ContractHandler) Reparse(c *gin.Context) {
	contract, err := h.svc.Reparse(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"contract_id": contract.ID, "status": contract.Status})
}

// Archive retires a contract; archived contracts stay readable.
func (h *ContractHandler) Archive(c *gin.Context) {
	contract, err := h.svc.Archive(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract_id": contract.ID, "status": contract.Status})
}

// CorrectClause applies a reviewer's correction to one clause.
func (h *ContractHandler) CorrectClause(c *gin.Context) {
	var patch model.ClausePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	contract, err := h.svc.CorrectClause(c.Request.Context(), actor(c), c.Param("id"), c.Param("clause_id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	clause, _ := contract.Clause(c.Param("clause_id"))
	c.JSON(http.StatusOK, clause)
}
