package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/server/validator"
	"github.com/nulzo/token-ledger-api/pkg/api"
)

// PurchaseHandler receives payment-processor webhook callbacks.
type PurchaseHandler struct {
	svc *ledger.Service
}

func NewPurchaseHandler(svc *ledger.Service) *PurchaseHandler {
	return &PurchaseHandler{svc: svc}
}

// PurchaseCompleted handles POST /v1/purchases.
func (h *PurchaseHandler) PurchaseCompleted(c *gin.Context) {
	var req api.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:     api.CodeInvalidInput,
			Message:  "Validation failed",
			Metadata: map[string]interface{}{"errors": validator.ParseError(err)},
		})
		return
	}

	var (
		result *ledger.PurchaseResult
		err    error
	)
	if req.AutoRecharge {
		result, err = h.svc.AutoRechargeCompleted(c.Request.Context(), req.UserID, req.ScopeID, req.PaymentRef)
	} else {
		result, err = h.svc.PurchaseCompleted(c.Request.Context(), req.UserID, req.ScopeID, req.PackageID, req.PaymentRef)
	}
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
