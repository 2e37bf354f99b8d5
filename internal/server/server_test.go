package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/config"
	"github.com/nulzo/token-ledger-api/internal/events"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/server"
	"github.com/nulzo/token-ledger-api/internal/server/validator"
	"github.com/nulzo/token-ledger-api/internal/store/memory"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"github.com/nulzo/token-ledger-api/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	serviceKey = "svc-key"
	adminKey   = "admin-key"
)

func setupServer(t *testing.T) (http.Handler, *memory.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Init()

	cfg := &config.Config{
		Server:    config.ServerConfig{Env: "test"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Auth: config.AuthConfig{
			APIKeys:   []string{serviceKey},
			AdminKeys: []string{adminKey},
		},
	}

	repo := memory.NewRepository()
	svc := ledger.NewService(repo, events.NewMemoryPublisher(), zap.NewNop())
	return server.New(cfg, zap.NewNop(), svc).Handler(), repo
}

func doJSON(handler http.Handler, method, path, key string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func grantBalance(t *testing.T, handler http.Handler, userID string, amount int64) {
	t.Helper()
	w := doJSON(handler, http.MethodPost, "/v1/admin/accounts/"+userID+"/grant", adminKey,
		api.AdminAdjustRequest{Amount: amount, Reason: "test seed"},
		map[string]string{"X-Admin-ID": "admin-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func usageBody(key string, tokens int64) api.RecordUsageRequest {
	return api.RecordUsageRequest{
		UserID:         "u1",
		Operation:      model.OpChatResponse,
		Provider:       model.ProviderOpenAI,
		Model:          "gpt-4",
		TotalTokens:    tokens,
		Success:        true,
		IdempotencyKey: key,
	}
}

func TestHealthIsPublic(t *testing.T) {
	handler, _ := setupServer(t)
	w := doJSON(handler, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	handler, _ := setupServer(t)

	w := doJSON(handler, http.MethodGet, "/v1/packages", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(handler, http.MethodGet, "/v1/packages", "wrong-key", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(handler, http.MethodGet, "/v1/packages", serviceKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecordUsageEndpoint(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 1000)

	w := doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 100), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res ledger.ChargeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Charged)
	assert.Equal(t, int64(900), res.NewBalance)

	// replay returns 200, not 201
	w = doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 100), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dup ledger.ChargeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
	assert.True(t, dup.Duplicate)
	assert.Equal(t, res.TransactionID, dup.TransactionID)
}

func TestRecordUsageValidation(t *testing.T) {
	handler, _ := setupServer(t)

	body := usageBody("", 100) // missing idempotency key
	w := doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.CodeInvalidInput, resp.Code)
}

func TestInsufficientBalanceReturns402(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 50)

	w := doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 200), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.CodeInsufficientBalance, resp.Code)
	assert.Equal(t, float64(200), resp.Metadata["required"])
	assert.Equal(t, float64(50), resp.Metadata["available"])
	assert.NotEmpty(t, resp.Metadata["usage_event_id"])

	// retrying the same key replays the 402, not a duplicate success
	w = doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 200), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var replay api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	assert.Equal(t, resp.Metadata, replay.Metadata)
}

func TestRefundEndpoint(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 1000)

	w := doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 100), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var charge ledger.ChargeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &charge))

	w = doJSON(handler, http.MethodPost, "/v1/usage/"+charge.UsageEventID+"/refund", serviceKey, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refund ledger.RefundResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.Equal(t, int64(1000), refund.NewBalance)

	w = doJSON(handler, http.MethodPost, "/v1/usage/no-such-event/refund", serviceKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccountEndpoints(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 1000)

	w := doJSON(handler, http.MethodGet, "/v1/accounts/u1", serviceKey, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct model.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.Equal(t, int64(1000), acct.Balance)

	w = doJSON(handler, http.MethodGet, "/v1/accounts/ghost", serviceKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(handler, http.MethodGet, "/v1/accounts/u1/transactions", serviceKey, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPurchaseEndpoint(t *testing.T) {
	handler, repo := setupServer(t)
	require.NoError(t, repo.Packages().Upsert(context.Background(), &model.PricingPackage{
		ID:         "starter",
		Name:       "Starter",
		Tokens:     10000,
		PriceCents: 500,
		IsActive:   true,
	}))

	body := api.PurchaseRequest{UserID: "u1", PackageID: "starter", PaymentRef: "pay-001"}
	w := doJSON(handler, http.MethodPost, "/v1/purchases", serviceKey, body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res ledger.PurchaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(10000), res.NewBalance)

	// webhook redelivery
	w = doJSON(handler, http.MethodPost, "/v1/purchases", serviceKey, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dup ledger.PurchaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
	assert.True(t, dup.Duplicate)
}

func TestAdminSurfaceIsGated(t *testing.T) {
	handler, _ := setupServer(t)
	body := api.AdminAdjustRequest{Amount: 100, Reason: "x"}

	// service keys cannot reach admin routes
	w := doJSON(handler, http.MethodPost, "/v1/admin/accounts/u1/grant", serviceKey, body,
		map[string]string{"X-Admin-ID": "admin-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// admin key without attribution header
	w = doJSON(handler, http.MethodPost, "/v1/admin/accounts/u1/grant", adminKey, body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(handler, http.MethodPost, "/v1/admin/accounts/u1/grant", adminKey, body,
		map[string]string{"X-Admin-ID": "admin-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminStatusAndVerify(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 1000)
	adminHdr := map[string]string{"X-Admin-ID": "admin-1"}

	w := doJSON(handler, http.MethodPost, "/v1/admin/accounts/u1/status", adminKey,
		api.AccountStatusRequest{Status: model.AccountSuspended}, adminHdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// suspended account rejects charges with 403
	w = doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody("key-1", 100), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(handler, http.MethodPost, "/v1/admin/accounts/u1/verify", adminKey, nil, adminHdr)
	require.Equal(t, http.StatusOK, w.Code)
	var verify api.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.True(t, verify.Consistent)
}

func TestAdminReports(t *testing.T) {
	handler, _ := setupServer(t)
	grantBalance(t, handler, "u1", 1000)
	for i := 0; i < 3; i++ {
		w := doJSON(handler, http.MethodPost, "/v1/usage", serviceKey, usageBody(fmt.Sprintf("key-%d", i), 100), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	adminHdr := map[string]string{"X-Admin-ID": "admin-1"}

	for _, path := range []string{
		"/v1/admin/reports/overview",
		"/v1/admin/reports/usage",
		"/v1/admin/reports/models",
		"/v1/admin/reports/operations",
		"/v1/admin/accounts",
	} {
		w := doJSON(handler, http.MethodGet, path, adminKey, nil, adminHdr)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
