package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler maps ledger errors pushed via c.Error onto the standard
// response shape. Handlers stay thin: attach the error and abort.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			// structured rejection so the calling UI can show a purchase prompt
			c.JSON(http.StatusPaymentRequired, api.ErrorResponse{
				Code:    api.CodeInsufficientBalance,
				Message: "Insufficient token balance",
				Metadata: map[string]interface{}{
					"required":       insufficient.Required,
					"available":      insufficient.Available,
					"usage_event_id": insufficient.UsageEventID,
				},
			})
			return
		}

		var notActive *ledger.AccountNotActiveError
		if errors.As(err, &notActive) {
			c.JSON(http.StatusForbidden, api.ErrorResponse{
				Code:    api.CodeAccountNotActive,
				Message: "Account is not active",
				Metadata: map[string]interface{}{
					"status": notActive.Status,
				},
			})
			return
		}

		var violation *ledger.ConsistencyViolationError
		if errors.As(err, &violation) {
			logger.Error("consistency violation surfaced to API",
				zap.String("account_id", violation.AccountID),
				zap.Error(violation))
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{
				Code:    api.CodeConsistency,
				Message: "Ledger consistency violation; operators have been alerted",
			})
			return
		}

		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, api.ErrorResponse{
				Code: api.CodeNotFound, Message: err.Error(),
			})
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Code: api.CodeInvalidAmount, Message: err.Error(),
			})
		case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrNotCharged):
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Code: api.CodeInvalidInput, Message: err.Error(),
			})
		case errors.Is(err, ledger.ErrUnauthorized):
			c.JSON(http.StatusForbidden, api.ErrorResponse{
				Code: api.CodeUnauthorized, Message: err.Error(),
			})
		case errors.Is(err, ledger.ErrConcurrentModification):
			c.JSON(http.StatusConflict, api.ErrorResponse{
				Code: api.CodeConflict, Message: "Concurrent balance update, retry the request",
			})
		default:
			logger.Error("unhandled error", zap.Error(err))
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{
				Code: api.CodeInternal, Message: "An unexpected error occurred",
			})
		}
	}
}
