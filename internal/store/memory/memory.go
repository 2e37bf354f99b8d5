package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
)

// Repository is an in-memory store.Repository used for tests and for running
// the service without a database. WithTx serializes writers and restores a
// snapshot on error, so a failed transaction never leaves partial state.
type Repository struct {
	mu sync.RWMutex

	accounts     map[string]*model.Account
	byUserScope  map[string]string
	transactions []model.Transaction
	events       map[string]*model.UsageEvent
	eventsByKey  map[string]string
	packages     map[string]*model.PricingPackage
	settings     model.SystemSettings
}

func NewRepository() *Repository {
	return &Repository{
		accounts:    make(map[string]*model.Account),
		byUserScope: make(map[string]string),
		events:      make(map[string]*model.UsageEvent),
		eventsByKey: make(map[string]string),
		packages:    make(map[string]*model.PricingPackage),
		settings: model.SystemSettings{
			ID:                       1,
			TokenMultiplier:          1.0,
			DefaultImageCost:         5000,
			TokensPerCent:            100,
			MinPurchaseCents:         500,
			LowBalanceThreshold:      1000,
			CriticalBalanceThreshold: 100,
			UpdatedAt:                time.Now().UTC(),
		},
	}
}

func (r *Repository) Close() error { return nil }

func (r *Repository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshot()
	// tx view mutates state directly but without re-locking
	if err := fn(&txView{r: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

// snapshot copies everything mutable. State stays small in the contexts this
// store is used in, so a full copy is acceptable.
func (r *Repository) snapshot() *Repository {
	s := &Repository{
		accounts:     make(map[string]*model.Account, len(r.accounts)),
		byUserScope:  make(map[string]string, len(r.byUserScope)),
		transactions: append([]model.Transaction(nil), r.transactions...),
		events:       make(map[string]*model.UsageEvent, len(r.events)),
		eventsByKey:  make(map[string]string, len(r.eventsByKey)),
		packages:     make(map[string]*model.PricingPackage, len(r.packages)),
		settings:     r.settings,
	}
	for k, v := range r.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range r.byUserScope {
		s.byUserScope[k] = v
	}
	for k, v := range r.events {
		cp := *v
		s.events[k] = &cp
	}
	for k, v := range r.eventsByKey {
		s.eventsByKey[k] = v
	}
	for k, v := range r.packages {
		cp := *v
		s.packages[k] = &cp
	}
	return s
}

func (r *Repository) restore(s *Repository) {
	r.accounts = s.accounts
	r.byUserScope = s.byUserScope
	r.transactions = s.transactions
	r.events = s.events
	r.eventsByKey = s.eventsByKey
	r.packages = s.packages
	r.settings = s.settings
}

func userScopeKey(userID, scopeID string) string {
	return userID + "\x00" + scopeID
}

// accessor describes how repositories reach state: either locking the root
// store per call, or unlocked inside an open transaction.
type accessor interface {
	read(fn func(r *Repository) error) error
	write(fn func(r *Repository) error) error
}

type rootView struct{ r *Repository }

func (v rootView) read(fn func(r *Repository) error) error {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()
	return fn(v.r)
}

func (v rootView) write(fn func(r *Repository) error) error {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	return fn(v.r)
}

type txView struct{ r *Repository }

func (v *txView) read(fn func(r *Repository) error) error  { return fn(v.r) }
func (v *txView) write(fn func(r *Repository) error) error { return fn(v.r) }

func (v *txView) Accounts() store.AccountRepository         { return &accountRepo{a: v} }
func (v *txView) Transactions() store.TransactionRepository { return &transactionRepo{a: v} }
func (v *txView) UsageEvents() store.UsageEventRepository   { return &usageEventRepo{a: v} }
func (v *txView) Packages() store.PackageRepository         { return &packageRepo{a: v} }
func (v *txView) Settings() store.SettingsRepository        { return &settingsRepo{a: v} }
func (v *txView) Reports() store.ReportRepository           { return &reportRepo{a: v} }

// nested transactions just run in the already-open one
func (v *txView) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return fn(v)
}

func (v *txView) Close() error { return nil }

func (r *Repository) Accounts() store.AccountRepository         { return &accountRepo{a: rootView{r}} }
func (r *Repository) Transactions() store.TransactionRepository { return &transactionRepo{a: rootView{r}} }
func (r *Repository) UsageEvents() store.UsageEventRepository   { return &usageEventRepo{a: rootView{r}} }
func (r *Repository) Packages() store.PackageRepository         { return &packageRepo{a: rootView{r}} }
func (r *Repository) Settings() store.SettingsRepository        { return &settingsRepo{a: rootView{r}} }
func (r *Repository) Reports() store.ReportRepository           { return &reportRepo{a: rootView{r}} }

type accountRepo struct {
	a accessor
}

func (ar *accountRepo) Get(ctx context.Context, id string) (*model.Account, error) {
	var out *model.Account
	err := ar.a.read(func(r *Repository) error {
		acct, ok := r.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *acct
		out = &cp
		return nil
	})
	return out, err
}

func (ar *accountRepo) GetByUserScope(ctx context.Context, userID, scopeID string) (*model.Account, error) {
	var out *model.Account
	err := ar.a.read(func(r *Repository) error {
		id, ok := r.byUserScope[userScopeKey(userID, scopeID)]
		if !ok {
			return store.ErrNotFound
		}
		cp := *r.accounts[id]
		out = &cp
		return nil
	})
	return out, err
}

func (ar *accountRepo) Create(ctx context.Context, acct *model.Account) error {
	return ar.a.write(func(r *Repository) error {
		key := userScopeKey(acct.UserID, acct.ScopeID)
		if _, exists := r.byUserScope[key]; exists {
			return store.ErrDuplicate
		}
		if _, exists := r.accounts[acct.ID]; exists {
			return store.ErrDuplicate
		}
		cp := *acct
		r.accounts[acct.ID] = &cp
		r.byUserScope[key] = acct.ID
		return nil
	})
}

func (ar *accountRepo) UpdateCAS(ctx context.Context, acct *model.Account) error {
	return ar.a.write(func(r *Repository) error {
		cur, ok := r.accounts[acct.ID]
		if !ok {
			return store.ErrNotFound
		}
		if cur.Version != acct.Version {
			return store.ErrVersionConflict
		}
		cp := *acct
		cp.Version++
		cp.UpdatedAt = time.Now().UTC()
		r.accounts[acct.ID] = &cp
		acct.Version = cp.Version
		return nil
	})
}

func (ar *accountRepo) SetStatus(ctx context.Context, id, status string) error {
	return ar.a.write(func(r *Repository) error {
		acct, ok := r.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		acct.Status = status
		acct.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (ar *accountRepo) List(ctx context.Context, limit, offset int, query string) ([]model.Account, int64, error) {
	var out []model.Account
	var total int64
	err := ar.a.read(func(r *Repository) error {
		all := make([]model.Account, 0, len(r.accounts))
		for _, acct := range r.accounts {
			if query != "" &&
				!strings.Contains(acct.UserID, query) &&
				!strings.Contains(acct.ScopeID, query) {
				continue
			}
			all = append(all, *acct)
		}
		sort.Slice(all, func(i, j int) bool {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		})
		total = int64(len(all))
		if offset >= len(all) {
			return nil
		}
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		out = all[offset:end]
		return nil
	})
	return out, total, err
}

type transactionRepo struct {
	a accessor
}

func (tr *transactionRepo) Append(ctx context.Context, tx *model.Transaction) error {
	return tr.a.write(func(r *Repository) error {
		for i := range r.transactions {
			prev := &r.transactions[i]
			if tx.PaymentRef.Valid && prev.PaymentRef.Valid && prev.PaymentRef.String == tx.PaymentRef.String {
				return store.ErrDuplicate
			}
			if tx.Type == model.TxRefund && prev.Type == model.TxRefund &&
				tx.UsageEventID.Valid && prev.UsageEventID.Valid &&
				prev.UsageEventID.String == tx.UsageEventID.String {
				return store.ErrDuplicate
			}
		}
		r.transactions = append(r.transactions, *tx)
		return nil
	})
}

func (tr *transactionRepo) Get(ctx context.Context, id string) (*model.Transaction, error) {
	var out *model.Transaction
	err := tr.a.read(func(r *Repository) error {
		for i := range r.transactions {
			if r.transactions[i].ID == id {
				cp := r.transactions[i]
				out = &cp
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (tr *transactionRepo) ListRecent(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := tr.a.read(func(r *Repository) error {
		for i := len(r.transactions) - 1; i >= 0 && len(out) < limit; i-- {
			if r.transactions[i].AccountID == accountID {
				out = append(out, r.transactions[i])
			}
		}
		return nil
	})
	return out, err
}

func (tr *transactionRepo) ListAll(ctx context.Context, accountID string) ([]model.Transaction, error) {
	var out []model.Transaction
	err := tr.a.read(func(r *Repository) error {
		for _, tx := range r.transactions {
			if tx.AccountID == accountID {
				out = append(out, tx)
			}
		}
		return nil
	})
	return out, err
}

func (tr *transactionRepo) GetByPaymentRef(ctx context.Context, ref string) (*model.Transaction, error) {
	var out *model.Transaction
	err := tr.a.read(func(r *Repository) error {
		for i := range r.transactions {
			if r.transactions[i].PaymentRef.Valid && r.transactions[i].PaymentRef.String == ref {
				cp := r.transactions[i]
				out = &cp
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (tr *transactionRepo) GetRefundForEvent(ctx context.Context, usageEventID string) (*model.Transaction, error) {
	var out *model.Transaction
	err := tr.a.read(func(r *Repository) error {
		for i := range r.transactions {
			tx := &r.transactions[i]
			if tx.Type == model.TxRefund && tx.UsageEventID.Valid && tx.UsageEventID.String == usageEventID {
				cp := *tx
				out = &cp
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

type usageEventRepo struct {
	a accessor
}

func (ur *usageEventRepo) Create(ctx context.Context, ev *model.UsageEvent) error {
	return ur.a.write(func(r *Repository) error {
		if _, exists := r.eventsByKey[ev.IdempotencyKey]; exists {
			return store.ErrDuplicate
		}
		cp := *ev
		r.events[ev.ID] = &cp
		r.eventsByKey[ev.IdempotencyKey] = ev.ID
		return nil
	})
}

func (ur *usageEventRepo) Get(ctx context.Context, id string) (*model.UsageEvent, error) {
	var out *model.UsageEvent
	err := ur.a.read(func(r *Repository) error {
		ev, ok := r.events[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *ev
		out = &cp
		return nil
	})
	return out, err
}

func (ur *usageEventRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.UsageEvent, error) {
	var out *model.UsageEvent
	err := ur.a.read(func(r *Repository) error {
		id, ok := r.eventsByKey[key]
		if !ok {
			return store.ErrNotFound
		}
		cp := *r.events[id]
		out = &cp
		return nil
	})
	return out, err
}

type packageRepo struct {
	a accessor
}

func (pr *packageRepo) ListActive(ctx context.Context) ([]model.PricingPackage, error) {
	var out []model.PricingPackage
	err := pr.a.read(func(r *Repository) error {
		for _, pkg := range r.packages {
			if pkg.IsActive {
				out = append(out, *pkg)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].SortOrder != out[j].SortOrder {
				return out[i].SortOrder < out[j].SortOrder
			}
			return out[i].PriceCents < out[j].PriceCents
		})
		return nil
	})
	return out, err
}

func (pr *packageRepo) Get(ctx context.Context, id string) (*model.PricingPackage, error) {
	var out *model.PricingPackage
	err := pr.a.read(func(r *Repository) error {
		pkg, ok := r.packages[id]
		if !ok {
			return store.ErrNotFound
		}
		cp := *pkg
		out = &cp
		return nil
	})
	return out, err
}

func (pr *packageRepo) Upsert(ctx context.Context, pkg *model.PricingPackage) error {
	return pr.a.write(func(r *Repository) error {
		cp := *pkg
		cp.UpdatedAt = time.Now().UTC()
		r.packages[pkg.ID] = &cp
		return nil
	})
}

type settingsRepo struct {
	a accessor
}

func (sr *settingsRepo) Get(ctx context.Context) (*model.SystemSettings, error) {
	var out *model.SystemSettings
	err := sr.a.read(func(r *Repository) error {
		cp := r.settings
		out = &cp
		return nil
	})
	return out, err
}

func (sr *settingsRepo) Update(ctx context.Context, s *model.SystemSettings) error {
	return sr.a.write(func(r *Repository) error {
		cp := *s
		cp.ID = 1
		cp.UpdatedAt = time.Now().UTC()
		r.settings = cp
		return nil
	})
}

type reportRepo struct {
	a accessor
}

func (rr *reportRepo) Overview(ctx context.Context) (*model.OverviewStats, error) {
	var out model.OverviewStats
	err := rr.a.read(func(r *Repository) error {
		for _, acct := range r.accounts {
			out.TotalAccounts++
			out.TotalRevenueCents += acct.LifetimeSpentCents
			out.TokensSold += acct.LifetimePurchased
			out.TokensUsed += acct.LifetimeUsed
			out.RawTokensUsed += acct.LifetimeRawUsed
		}
		return nil
	})
	return &out, err
}

func (rr *reportRepo) DailyUsage(ctx context.Context, days int) ([]model.DailyUsageStats, error) {
	byDay := make(map[string]*model.DailyUsageStats)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	err := rr.a.read(func(r *Repository) error {
		for _, ev := range r.events {
			if ev.CreatedAt.Before(cutoff) {
				continue
			}
			day := ev.CreatedAt.UTC().Format("2006-01-02")
			s, ok := byDay[day]
			if !ok {
				s = &model.DailyUsageStats{Date: day}
				byDay[day] = s
			}
			s.Events++
			s.RawTokens += ev.TotalTokens
			s.BillableTokens += ev.BillableTokens
			if !ev.Success {
				s.FailedEvents++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.DailyUsageStats, 0, len(byDay))
	for _, s := range byDay {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (rr *reportRepo) ModelUsage(ctx context.Context, days int) ([]model.ModelUsageStats, error) {
	byModel := make(map[string]*model.ModelUsageStats)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	err := rr.a.read(func(r *Repository) error {
		for _, ev := range r.events {
			if ev.CreatedAt.Before(cutoff) {
				continue
			}
			key := ev.Provider + "/" + ev.Model
			s, ok := byModel[key]
			if !ok {
				s = &model.ModelUsageStats{Provider: ev.Provider, Model: ev.Model}
				byModel[key] = s
			}
			s.Events++
			s.RawTokens += ev.TotalTokens
			s.BillableTokens += ev.BillableTokens
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.ModelUsageStats, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BillableTokens > out[j].BillableTokens })
	return out, nil
}

func (rr *reportRepo) OperationUsage(ctx context.Context, days int) ([]model.OperationUsageStats, error) {
	byOp := make(map[string]*model.OperationUsageStats)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	err := rr.a.read(func(r *Repository) error {
		for _, ev := range r.events {
			if ev.CreatedAt.Before(cutoff) {
				continue
			}
			s, ok := byOp[ev.Operation]
			if !ok {
				s = &model.OperationUsageStats{Operation: ev.Operation}
				byOp[ev.Operation] = s
			}
			s.Events++
			s.BillableTokens += ev.BillableTokens
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.OperationUsageStats, 0, len(byOp))
	for _, s := range byOp {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BillableTokens > out[j].BillableTokens })
	return out, nil
}
