package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repository implements store.Repository on sqlite.
type Repository struct {
	db       *sqlx.DB // required for starting new transactions
	executor DB       // used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db:       db,
		executor: db,
	}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &Repository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *Repository) Accounts() store.AccountRepository {
	return &accountRepo{db: r.executor}
}

func (r *Repository) Transactions() store.TransactionRepository {
	return &transactionRepo{db: r.executor}
}

func (r *Repository) UsageEvents() store.UsageEventRepository {
	return &usageEventRepo{db: r.executor}
}

func (r *Repository) Packages() store.PackageRepository {
	return &packageRepo{db: r.executor}
}

func (r *Repository) Settings() store.SettingsRepository {
	return &settingsRepo{db: r.executor}
}

func (r *Repository) Reports() store.ReportRepository {
	return &reportRepo{db: r.executor}
}

// mapErr normalizes driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

type accountRepo struct {
	db DB
}

func (r *accountRepo) Get(ctx context.Context, id string) (*model.Account, error) {
	var acct model.Account
	if err := r.db.GetContext(ctx, &acct, `SELECT * FROM accounts WHERE id = ?`, id); err != nil {
		return nil, mapErr(err)
	}
	return &acct, nil
}

func (r *accountRepo) GetByUserScope(ctx context.Context, userID, scopeID string) (*model.Account, error) {
	var acct model.Account
	query := `SELECT * FROM accounts WHERE user_id = ? AND scope_id = ?`
	if err := r.db.GetContext(ctx, &acct, query, userID, scopeID); err != nil {
		return nil, mapErr(err)
	}
	return &acct, nil
}

func (r *accountRepo) Create(ctx context.Context, acct *model.Account) error {
	query := `
	INSERT INTO accounts (
		id, user_id, scope_id, balance,
		lifetime_purchased, lifetime_used, lifetime_raw_used, lifetime_spent_cents,
		auto_recharge_enabled, auto_recharge_threshold, auto_recharge_top_up,
		processor_customer_id, currency, status, last_purchase_at, version,
		created_at, updated_at
	) VALUES (
		:id, :user_id, :scope_id, :balance,
		:lifetime_purchased, :lifetime_used, :lifetime_raw_used, :lifetime_spent_cents,
		:auto_recharge_enabled, :auto_recharge_threshold, :auto_recharge_top_up,
		:processor_customer_id, :currency, :status, :last_purchase_at, :version,
		:created_at, :updated_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, acct)
	return mapErr(err)
}

func (r *accountRepo) UpdateCAS(ctx context.Context, acct *model.Account) error {
	query := `
	UPDATE accounts SET
		balance = ?,
		lifetime_purchased = ?, lifetime_used = ?, lifetime_raw_used = ?, lifetime_spent_cents = ?,
		auto_recharge_enabled = ?, auto_recharge_threshold = ?, auto_recharge_top_up = ?,
		processor_customer_id = ?, currency = ?, status = ?, last_purchase_at = ?,
		version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, query,
		acct.Balance,
		acct.LifetimePurchased, acct.LifetimeUsed, acct.LifetimeRawUsed, acct.LifetimeSpentCents,
		acct.AutoRechargeEnabled, acct.AutoRechargeThreshold, acct.AutoRechargeTopUp,
		acct.ProcessorCustomerID, acct.Currency, acct.Status, acct.LastPurchaseAt,
		time.Now().UTC(),
		acct.ID, acct.Version,
	)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	acct.Version++
	return nil
}

func (r *accountRepo) SetStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *accountRepo) List(ctx context.Context, limit, offset int, query string) ([]model.Account, int64, error) {
	where := ""
	args := []interface{}{}
	if query != "" {
		where = `WHERE user_id LIKE ? OR scope_id LIKE ?`
		like := "%" + query + "%"
		args = append(args, like, like)
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM accounts `+where, args...); err != nil {
		return nil, 0, mapErr(err)
	}

	var accounts []model.Account
	args = append(args, limit, offset)
	q := `SELECT * FROM accounts ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &accounts, q, args...); err != nil {
		return nil, 0, mapErr(err)
	}
	return accounts, total, nil
}

type transactionRepo struct {
	db DB
}

func (r *transactionRepo) Append(ctx context.Context, tx *model.Transaction) error {
	query := `
	INSERT INTO transactions (
		id, account_id, user_id, type, amount, balance_before, balance_after,
		amount_cents, usage_event_id, payment_ref, admin_user_id,
		description, meta_json, created_at
	) VALUES (
		:id, :account_id, :user_id, :type, :amount, :balance_before, :balance_after,
		:amount_cents, :usage_event_id, :payment_ref, :admin_user_id,
		:description, :meta_json, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, tx)
	return mapErr(err)
}

func (r *transactionRepo) Get(ctx context.Context, id string) (*model.Transaction, error) {
	var tx model.Transaction
	if err := r.db.GetContext(ctx, &tx, `SELECT * FROM transactions WHERE id = ?`, id); err != nil {
		return nil, mapErr(err)
	}
	return &tx, nil
}

func (r *transactionRepo) ListRecent(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	query := `SELECT * FROM transactions WHERE account_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	err := r.db.SelectContext(ctx, &txs, query, accountID, limit)
	return txs, mapErr(err)
}

func (r *transactionRepo) ListAll(ctx context.Context, accountID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	// rowid preserves append order even when timestamps collide
	query := `SELECT * FROM transactions WHERE account_id = ? ORDER BY rowid ASC`
	err := r.db.SelectContext(ctx, &txs, query, accountID)
	return txs, mapErr(err)
}

func (r *transactionRepo) GetByPaymentRef(ctx context.Context, ref string) (*model.Transaction, error) {
	var tx model.Transaction
	if err := r.db.GetContext(ctx, &tx, `SELECT * FROM transactions WHERE payment_ref = ?`, ref); err != nil {
		return nil, mapErr(err)
	}
	return &tx, nil
}

func (r *transactionRepo) GetRefundForEvent(ctx context.Context, usageEventID string) (*model.Transaction, error) {
	var tx model.Transaction
	query := `SELECT * FROM transactions WHERE usage_event_id = ? AND type = ?`
	if err := r.db.GetContext(ctx, &tx, query, usageEventID, model.TxRefund); err != nil {
		return nil, mapErr(err)
	}
	return &tx, nil
}

type usageEventRepo struct {
	db DB
}

func (r *usageEventRepo) Create(ctx context.Context, ev *model.UsageEvent) error {
	query := `
	INSERT INTO usage_events (
		id, account_id, user_id, scope_id, operation, provider, model,
		input_tokens, output_tokens, total_tokens, image_count, image_size,
		billable_tokens, charge_type, rate_applied, charged, success,
		error_message, idempotency_key, transaction_id, meta_json, created_at
	) VALUES (
		:id, :account_id, :user_id, :scope_id, :operation, :provider, :model,
		:input_tokens, :output_tokens, :total_tokens, :image_count, :image_size,
		:billable_tokens, :charge_type, :rate_applied, :charged, :success,
		:error_message, :idempotency_key, :transaction_id, :meta_json, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, ev)
	return mapErr(err)
}

func (r *usageEventRepo) Get(ctx context.Context, id string) (*model.UsageEvent, error) {
	var ev model.UsageEvent
	if err := r.db.GetContext(ctx, &ev, `SELECT * FROM usage_events WHERE id = ?`, id); err != nil {
		return nil, mapErr(err)
	}
	return &ev, nil
}

func (r *usageEventRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.UsageEvent, error) {
	var ev model.UsageEvent
	if err := r.db.GetContext(ctx, &ev, `SELECT * FROM usage_events WHERE idempotency_key = ?`, key); err != nil {
		return nil, mapErr(err)
	}
	return &ev, nil
}

type packageRepo struct {
	db DB
}

func (r *packageRepo) ListActive(ctx context.Context) ([]model.PricingPackage, error) {
	var pkgs []model.PricingPackage
	query := `SELECT * FROM pricing_packages WHERE is_active = 1 ORDER BY sort_order ASC, price_cents ASC`
	err := r.db.SelectContext(ctx, &pkgs, query)
	return pkgs, mapErr(err)
}

func (r *packageRepo) Get(ctx context.Context, id string) (*model.PricingPackage, error) {
	var pkg model.PricingPackage
	if err := r.db.GetContext(ctx, &pkg, `SELECT * FROM pricing_packages WHERE id = ?`, id); err != nil {
		return nil, mapErr(err)
	}
	return &pkg, nil
}

func (r *packageRepo) Upsert(ctx context.Context, pkg *model.PricingPackage) error {
	query := `
	INSERT INTO pricing_packages (
		id, name, tokens, price_cents, currency, is_popular, sort_order,
		processor_price_id, is_active, created_at, updated_at
	) VALUES (
		:id, :name, :tokens, :price_cents, :currency, :is_popular, :sort_order,
		:processor_price_id, :is_active, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
	)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		tokens = excluded.tokens,
		price_cents = excluded.price_cents,
		currency = excluded.currency,
		is_popular = excluded.is_popular,
		sort_order = excluded.sort_order,
		processor_price_id = excluded.processor_price_id,
		is_active = excluded.is_active,
		updated_at = CURRENT_TIMESTAMP`
	_, err := r.db.NamedExecContext(ctx, query, pkg)
	return mapErr(err)
}

type settingsRepo struct {
	db DB
}

func (r *settingsRepo) Get(ctx context.Context) (*model.SystemSettings, error) {
	var s model.SystemSettings
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM system_settings WHERE id = 1`); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (r *settingsRepo) Update(ctx context.Context, s *model.SystemSettings) error {
	s.ID = 1
	query := `
	UPDATE system_settings SET
		token_multiplier = :token_multiplier,
		default_image_cost = :default_image_cost,
		image_costs_json = :image_costs_json,
		tokens_per_cent = :tokens_per_cent,
		min_purchase_cents = :min_purchase_cents,
		welcome_bonus = :welcome_bonus,
		low_balance_threshold = :low_balance_threshold,
		critical_balance_threshold = :critical_balance_threshold,
		updated_at = CURRENT_TIMESTAMP
	WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, s)
	return mapErr(err)
}

type reportRepo struct {
	db DB
}

func (r *reportRepo) Overview(ctx context.Context) (*model.OverviewStats, error) {
	var stats model.OverviewStats
	query := `
	SELECT
		COUNT(*) AS total_accounts,
		COALESCE(SUM(lifetime_spent_cents), 0) AS total_revenue_cents,
		COALESCE(SUM(lifetime_purchased), 0) AS tokens_sold,
		COALESCE(SUM(lifetime_used), 0) AS tokens_used,
		COALESCE(SUM(lifetime_raw_used), 0) AS raw_tokens_used
	FROM accounts`
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, mapErr(err)
	}
	return &stats, nil
}

func (r *reportRepo) DailyUsage(ctx context.Context, days int) ([]model.DailyUsageStats, error) {
	var stats []model.DailyUsageStats
	query := `
	SELECT
		DATE(created_at) AS date,
		COUNT(*) AS events,
		COALESCE(SUM(total_tokens), 0) AS raw_tokens,
		COALESCE(SUM(billable_tokens), 0) AS billable_tokens,
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) AS failed_events
	FROM usage_events
	WHERE created_at >= DATE('now', ?)
	GROUP BY date
	ORDER BY date DESC`
	// sqlite date offset format is '-7 days'
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, mapErr(err)
}

func (r *reportRepo) ModelUsage(ctx context.Context, days int) ([]model.ModelUsageStats, error) {
	var stats []model.ModelUsageStats
	query := `
	SELECT
		provider,
		model,
		COUNT(*) AS events,
		COALESCE(SUM(total_tokens), 0) AS raw_tokens,
		COALESCE(SUM(billable_tokens), 0) AS billable_tokens
	FROM usage_events
	WHERE created_at >= DATE('now', ?)
	GROUP BY provider, model
	ORDER BY billable_tokens DESC`
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, mapErr(err)
}

func (r *reportRepo) OperationUsage(ctx context.Context, days int) ([]model.OperationUsageStats, error) {
	var stats []model.OperationUsageStats
	query := `
	SELECT
		operation,
		COUNT(*) AS events,
		COALESCE(SUM(billable_tokens), 0) AS billable_tokens
	FROM usage_events
	WHERE created_at >= DATE('now', ?)
	GROUP BY operation
	ORDER BY billable_tokens DESC`
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, mapErr(err)
}
