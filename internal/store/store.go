package store

import (
	"context"
	"errors"

	"github.com/nulzo/token-ledger-api/internal/store/model"
)

// Errors returned by repository implementations. The ledger service maps these
// onto its own taxonomy; handlers never see them directly.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict means an optimistic-lock update lost the race.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicate means a unique constraint was violated.
	ErrDuplicate = errors.New("store: duplicate")
)

// Repository is the main contract for the data layer.
type Repository interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	UsageEvents() UsageEventRepository
	Packages() PackageRepository
	Settings() SettingsRepository
	Reports() ReportRepository

	// WithTx runs fn inside a transaction; fn receives a Repository bound to it.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type AccountRepository interface {
	// Get returns an account by id.
	Get(ctx context.Context, id string) (*model.Account, error)
	// GetByUserScope returns the account for a (user, scope) pair.
	GetByUserScope(ctx context.Context, userID, scopeID string) (*model.Account, error)
	// Create inserts a new account row.
	Create(ctx context.Context, acct *model.Account) error
	// UpdateCAS writes the account's mutable columns guarded by acct.Version.
	// Returns ErrVersionConflict if another writer got there first; on success
	// acct.Version is advanced to the stored value.
	UpdateCAS(ctx context.Context, acct *model.Account) error
	// SetStatus changes the account status without touching the balance.
	SetStatus(ctx context.Context, id, status string) error
	// List returns a page of accounts, optionally filtered by a user-id/scope substring.
	List(ctx context.Context, limit, offset int, query string) ([]model.Account, int64, error)
}

type TransactionRepository interface {
	// Append writes one ledger row. Rows are never updated or deleted.
	Append(ctx context.Context, tx *model.Transaction) error
	// Get returns one transaction by id.
	Get(ctx context.Context, id string) (*model.Transaction, error)
	// ListRecent returns the last N transactions for an account, newest first.
	ListRecent(ctx context.Context, accountID string, limit int) ([]model.Transaction, error)
	// ListAll returns every transaction for an account in append order (for replay).
	ListAll(ctx context.Context, accountID string) ([]model.Transaction, error)
	// GetByPaymentRef returns the transaction recorded for a processor reference.
	GetByPaymentRef(ctx context.Context, ref string) (*model.Transaction, error)
	// GetRefundForEvent returns the refund transaction for a usage event, if any.
	GetRefundForEvent(ctx context.Context, usageEventID string) (*model.Transaction, error)
}

type UsageEventRepository interface {
	// Create writes one usage event.
	Create(ctx context.Context, ev *model.UsageEvent) error
	// Get returns a usage event by id.
	Get(ctx context.Context, id string) (*model.UsageEvent, error)
	// GetByIdempotencyKey returns the event recorded for a key, for replay on retry.
	GetByIdempotencyKey(ctx context.Context, key string) (*model.UsageEvent, error)
}

type PackageRepository interface {
	// ListActive returns purchasable packages ordered for display.
	ListActive(ctx context.Context) ([]model.PricingPackage, error)
	// Get returns a package by id.
	Get(ctx context.Context, id string) (*model.PricingPackage, error)
	// Upsert creates or replaces a package (seed/admin configuration).
	Upsert(ctx context.Context, pkg *model.PricingPackage) error
}

type SettingsRepository interface {
	// Get loads the singleton settings row.
	Get(ctx context.Context) (*model.SystemSettings, error)
	// Update replaces the singleton settings row.
	Update(ctx context.Context, s *model.SystemSettings) error
}

type ReportRepository interface {
	Overview(ctx context.Context) (*model.OverviewStats, error)
	DailyUsage(ctx context.Context, days int) ([]model.DailyUsageStats, error)
	ModelUsage(ctx context.Context, days int) ([]model.ModelUsageStats, error)
	OperationUsage(ctx context.Context, days int) ([]model.OperationUsageStats, error)
}
