package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/server/middleware"
	"github.com/nulzo/token-ledger-api/internal/server/validator"
	"github.com/nulzo/token-ledger-api/pkg/api"
)

// AdminHandler serves the administrative surface: balance adjustments,
// account lifecycle, reporting, and ledger verification.
type AdminHandler struct {
	svc *ledger.Service
}

func NewAdminHandler(svc *ledger.Service) *AdminHandler {
	return &AdminHandler{svc: svc}
}

func adminID(c *gin.Context) string {
	return c.GetString(middleware.ContextKeyAdminID)
}

// GrantTokens handles POST /v1/admin/accounts/:userID/grant.
func (h *AdminHandler) GrantTokens(c *gin.Context) {
	h.adjust(c, true)
}

// DeductTokens handles POST /v1/admin/accounts/:userID/deduct.
func (h *AdminHandler) DeductTokens(c *gin.Context) {
	h.adjust(c, false)
}

func (h *AdminHandler) adjust(c *gin.Context, grant bool) {
	var req api.AdminAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:     api.CodeInvalidInput,
			Message:  "Validation failed",
			Metadata: map[string]interface{}{"errors": validator.ParseError(err)},
		})
		return
	}

	userID := c.Param("userID")
	var (
		result *ledger.AdminResult
		err    error
	)
	if grant {
		result, err = h.svc.GrantTokens(c.Request.Context(), userID, req.ScopeID, req.Amount, req.Reason, adminID(c))
	} else {
		result, err = h.svc.DeductTokens(c.Request.Context(), userID, req.ScopeID, req.Amount, req.Reason, adminID(c))
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SetStatus handles POST /v1/admin/accounts/:userID/status.
func (h *AdminHandler) SetStatus(c *gin.Context) {
	var req api.AccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:     api.CodeInvalidInput,
			Message:  "Validation failed",
			Metadata: map[string]interface{}{"errors": validator.ParseError(err)},
		})
		return
	}

	acct, err := h.svc.SetAccountStatus(c.Request.Context(), c.Param("userID"), req.ScopeID, req.Status, adminID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// VerifyAccount handles POST /v1/admin/accounts/:userID/verify.
func (h *AdminHandler) VerifyAccount(c *gin.Context) {
	userID := c.Param("userID")
	err := h.svc.VerifyAccount(c.Request.Context(), userID, c.Query("scope"))
	if err != nil {
		var violation *ledger.ConsistencyViolationError
		if errors.As(err, &violation) {
			c.JSON(http.StatusOK, api.VerifyResponse{
				AccountID:  violation.AccountID,
				Consistent: false,
				Detail:     violation.Error(),
			})
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.VerifyResponse{Consistent: true})
}

// ListAccounts handles GET /v1/admin/accounts?limit=&offset=&q=
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	accounts, total, err := h.svc.ListAccounts(c.Request.Context(), limit, offset, c.Query("q"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.AccountListResponse{
		Accounts: accounts,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// Overview handles GET /v1/admin/reports/overview.
func (h *AdminHandler) Overview(c *gin.Context) {
	stats, err := h.svc.Overview(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DailyUsage handles GET /v1/admin/reports/usage?days=
func (h *AdminHandler) DailyUsage(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	stats, err := h.svc.DailyUsage(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}

// ModelUsage handles GET /v1/admin/reports/models?days=
func (h *AdminHandler) ModelUsage(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	stats, err := h.svc.ModelUsage(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": stats})
}

// OperationUsage handles GET /v1/admin/reports/operations?days=
func (h *AdminHandler) OperationUsage(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	stats, err := h.svc.OperationUsage(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": stats})
}
