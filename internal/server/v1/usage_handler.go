package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/server/validator"
	"github.com/nulzo/token-ledger-api/pkg/api"
)

// UsageHandler exposes the charge path to the inference collaborator.
type UsageHandler struct {
	svc *ledger.Service
}

func NewUsageHandler(svc *ledger.Service) *UsageHandler {
	return &UsageHandler{svc: svc}
}

// RecordUsage handles POST /v1/usage.
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	var req api.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:     api.CodeInvalidInput,
			Message:  "Validation failed",
			Metadata: map[string]interface{}{"errors": validator.ParseError(err)},
		})
		return
	}

	result, err := h.svc.RecordUsage(c.Request.Context(), ledger.OperationInput{
		UserID:    req.UserID,
		ScopeID:   req.ScopeID,
		Operation: req.Operation,
		Provider:  req.Provider,
		Model:     req.Model,
		Usage: ledger.RawUsage{
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
			TotalTokens:  req.TotalTokens,
			ImageCount:   req.ImageCount,
			ImageSize:    req.ImageSize,
		},
		Success:        req.Success,
		ErrorMessage:   req.ErrorMessage,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Refund handles POST /v1/usage/:id/refund.
func (h *UsageHandler) Refund(c *gin.Context) {
	result, err := h.svc.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
