package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Account status values.
const (
	AccountActive    = "active"
	AccountSuspended = "suspended"
	AccountBlocked   = "blocked"
)

// Transaction types. The ledger is append-only; every balance change is one of these.
const (
	TxPurchase       = "purchase"
	TxUsage          = "usage"
	TxAdminGrant     = "admin_grant"
	TxAdminDeduction = "admin_deduction"
	TxRefund         = "refund"
	TxBonus          = "bonus"
	TxAutoRecharge   = "auto_recharge"
)

// Billable operation types.
const (
	OpContentGeneration     = "content_generation"
	OpContentRefinement     = "content_refinement"
	OpContentRepurpose      = "content_repurpose"
	OpChatResponse          = "chat_response"
	OpImageGeneration       = "image_generation"
	OpImagePromptGeneration = "image_prompt_generation"
)

// Upstream providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Charge types produced by the pricing resolver.
const (
	ChargeMultiplier = "multiplier"
	ChargeFixed      = "fixed"
)

// Account holds the cached token balance for one (user, scope) pair.
// Balance is a materialized view over the transactions table; it must always
// equal the running sum of that account's ledger entries.
type Account struct {
	ID                    string         `db:"id" json:"id"`
	UserID                string         `db:"user_id" json:"user_id"`
	ScopeID               string         `db:"scope_id" json:"scope_id"`
	Balance               int64          `db:"balance" json:"balance"`
	LifetimePurchased     int64          `db:"lifetime_purchased" json:"lifetime_purchased"`
	LifetimeUsed          int64          `db:"lifetime_used" json:"lifetime_used"`
	LifetimeRawUsed       int64          `db:"lifetime_raw_used" json:"lifetime_raw_used"`
	LifetimeSpentCents    int64          `db:"lifetime_spent_cents" json:"lifetime_spent_cents"`
	AutoRechargeEnabled   bool           `db:"auto_recharge_enabled" json:"auto_recharge_enabled"`
	AutoRechargeThreshold int64          `db:"auto_recharge_threshold" json:"auto_recharge_threshold"`
	AutoRechargeTopUp     int64          `db:"auto_recharge_top_up" json:"auto_recharge_top_up"`
	ProcessorCustomerID   sql.NullString `db:"processor_customer_id" json:"processor_customer_id,omitempty"`
	Currency              string         `db:"currency" json:"currency"`
	Status                string         `db:"status" json:"status"`
	LastPurchaseAt        sql.NullTime   `db:"last_purchase_at" json:"last_purchase_at,omitempty"`
	Version               int64          `db:"version" json:"-"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
}

// Transaction is one append-only ledger row. Never updated, never deleted.
// BalanceAfter must always equal BalanceBefore + Amount.
type Transaction struct {
	ID            string         `db:"id" json:"id"`
	AccountID     string         `db:"account_id" json:"account_id"`
	UserID        string         `db:"user_id" json:"user_id"`
	Type          string         `db:"type" json:"type"`
	Amount        int64          `db:"amount" json:"amount"` // signed: debits negative, credits positive
	BalanceBefore int64          `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64          `db:"balance_after" json:"balance_after"`
	AmountCents   sql.NullInt64  `db:"amount_cents" json:"amount_cents,omitempty"`
	UsageEventID  sql.NullString `db:"usage_event_id" json:"usage_event_id,omitempty"`
	PaymentRef    sql.NullString `db:"payment_ref" json:"payment_ref,omitempty"`
	AdminUserID   sql.NullString `db:"admin_user_id" json:"admin_user_id,omitempty"`
	Description   string         `db:"description" json:"description"`
	MetaJSON      string         `db:"meta_json" json:"meta_json,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// UsageEvent records one billed (or rejected) AI operation. Immutable once written.
type UsageEvent struct {
	ID             string         `db:"id" json:"id"`
	AccountID      string         `db:"account_id" json:"account_id"`
	UserID         string         `db:"user_id" json:"user_id"`
	ScopeID        string         `db:"scope_id" json:"scope_id"`
	Operation      string         `db:"operation" json:"operation"`
	Provider       string         `db:"provider" json:"provider"`
	Model          string         `db:"model" json:"model"`
	InputTokens    int64          `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int64          `db:"output_tokens" json:"output_tokens"`
	TotalTokens    int64          `db:"total_tokens" json:"total_tokens"`
	ImageCount     int64          `db:"image_count" json:"image_count"`
	ImageSize      string         `db:"image_size" json:"image_size,omitempty"`
	BillableTokens int64          `db:"billable_tokens" json:"billable_tokens"`
	ChargeType     string         `db:"charge_type" json:"charge_type"`
	RateApplied    float64        `db:"rate_applied" json:"rate_applied"` // multiplier used, or fixed cost
	Charged        bool           `db:"charged" json:"charged"`
	Success        bool           `db:"success" json:"success"`
	ErrorMessage   string         `db:"error_message" json:"error_message,omitempty"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	TransactionID  sql.NullString `db:"transaction_id" json:"transaction_id,omitempty"`
	MetaJSON       string         `db:"meta_json" json:"meta_json,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// PricingPackage is a purchasable token bundle. Read-only on the charge path.
type PricingPackage struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Tokens           int64     `db:"tokens" json:"tokens"`
	PriceCents       int64     `db:"price_cents" json:"price_cents"`
	Currency         string    `db:"currency" json:"currency"`
	IsPopular        bool      `db:"is_popular" json:"is_popular"`
	SortOrder        int       `db:"sort_order" json:"sort_order"`
	ProcessorPriceID string    `db:"processor_price_id" json:"processor_price_id,omitempty"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// SystemSettings is the global billing configuration (singleton row).
// The metering engine reads it once per charge and passes the snapshot down,
// so a settings change mid-flight never alters an in-progress charge.
type SystemSettings struct {
	ID                       int       `db:"id" json:"-"`
	TokenMultiplier          float64   `db:"token_multiplier" json:"token_multiplier"`
	DefaultImageCost         int64     `db:"default_image_cost" json:"default_image_cost"`
	ImageCostsJSON           string    `db:"image_costs_json" json:"-"`
	TokensPerCent            int64     `db:"tokens_per_cent" json:"tokens_per_cent"`
	MinPurchaseCents         int64     `db:"min_purchase_cents" json:"min_purchase_cents"`
	WelcomeBonus             int64     `db:"welcome_bonus" json:"welcome_bonus"`
	LowBalanceThreshold      int64     `db:"low_balance_threshold" json:"low_balance_threshold"`
	CriticalBalanceThreshold int64     `db:"critical_balance_threshold" json:"critical_balance_threshold"`
	UpdatedAt                time.Time `db:"updated_at" json:"updated_at"`
}

// ImageCosts parses the per-model fixed costs, keyed "provider/model".
func (s *SystemSettings) ImageCosts() map[string]int64 {
	if s.ImageCostsJSON == "" {
		return nil
	}
	out := make(map[string]int64)
	if err := json.Unmarshal([]byte(s.ImageCostsJSON), &out); err != nil {
		return nil
	}
	return out
}

// OverviewStats is the admin revenue/usage rollup.
type OverviewStats struct {
	TotalAccounts     int64 `db:"total_accounts" json:"total_accounts"`
	TotalRevenueCents int64 `db:"total_revenue_cents" json:"total_revenue_cents"`
	TokensSold        int64 `db:"tokens_sold" json:"tokens_sold"`
	TokensUsed        int64 `db:"tokens_used" json:"tokens_used"`
	RawTokensUsed     int64 `db:"raw_tokens_used" json:"raw_tokens_used"`
}

// DailyUsageStats aggregates billed usage per day.
type DailyUsageStats struct {
	Date           string `db:"date" json:"date"`
	Events         int64  `db:"events" json:"events"`
	RawTokens      int64  `db:"raw_tokens" json:"raw_tokens"`
	BillableTokens int64  `db:"billable_tokens" json:"billable_tokens"`
	FailedEvents   int64  `db:"failed_events" json:"failed_events"`
}

// ModelUsageStats aggregates billed usage per provider/model.
type ModelUsageStats struct {
	Provider       string `db:"provider" json:"provider"`
	Model          string `db:"model" json:"model"`
	Events         int64  `db:"events" json:"events"`
	RawTokens      int64  `db:"raw_tokens" json:"raw_tokens"`
	BillableTokens int64  `db:"billable_tokens" json:"billable_tokens"`
}

// OperationUsageStats aggregates billed usage per operation type.
type OperationUsageStats struct {
	Operation      string `db:"operation" json:"operation"`
	Events         int64  `db:"events" json:"events"`
	BillableTokens int64  `db:"billable_tokens" json:"billable_tokens"`
}
