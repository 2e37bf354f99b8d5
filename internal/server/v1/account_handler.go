package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/ledger"
)

// AccountHandler serves point-in-time reads for UI/reporting collaborators.
type AccountHandler struct {
	svc *ledger.Service
}

func NewAccountHandler(svc *ledger.Service) *AccountHandler {
	return &AccountHandler{svc: svc}
}

// GetAccount handles GET /v1/accounts/:userID?scope=
func (h *AccountHandler) GetAccount(c *gin.Context) {
	acct, err := h.svc.GetAccount(c.Request.Context(), c.Param("userID"), c.Query("scope"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ListTransactions handles GET /v1/accounts/:userID/transactions?scope=&limit=
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.svc.ListTransactions(c.Request.Context(), c.Param("userID"), c.Query("scope"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// ListPackages handles GET /v1/packages.
func (h *AccountHandler) ListPackages(c *gin.Context) {
	pkgs, err := h.svc.ListPackages(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}
