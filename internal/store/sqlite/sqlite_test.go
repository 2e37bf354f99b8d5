package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T) store.Repository {
	t.Helper()
	repo, err := NewStorage("file:" + t.TempDir() + "/test.db?cache=shared&mode=rwc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testAccount(userID string, balance int64) *model.Account {
	now := time.Now().UTC()
	return &model.Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		ScopeID:   "s1",
		Balance:   balance,
		Currency:  "USD",
		Status:    model.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMigrationsAndSettingsSeed(t *testing.T) {
	repo := testStorage(t)

	s, err := repo.Settings().Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.ID)
	assert.Greater(t, s.TokenMultiplier, 0.0)
	assert.Greater(t, s.DefaultImageCost, int64(0))
}

func TestAccountRoundTrip(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 500)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	got, err := repo.Accounts().GetByUserScope(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, int64(500), got.Balance)

	_, err = repo.Accounts().GetByUserScope(ctx, "u1", "other-scope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// same (user, scope) pair is rejected
	dup := testAccount("u1", 0)
	assert.ErrorIs(t, repo.Accounts().Create(ctx, dup), store.ErrDuplicate)
}

func TestAccountUpdateCAS(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 500)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	stale, err := repo.Accounts().Get(ctx, acct.ID)
	require.NoError(t, err)

	acct.Balance = 400
	require.NoError(t, repo.Accounts().UpdateCAS(ctx, acct))
	assert.Equal(t, int64(1), acct.Version)

	stale.Balance = 100
	assert.ErrorIs(t, repo.Accounts().UpdateCAS(ctx, stale), store.ErrVersionConflict)

	got, err := repo.Accounts().Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.Balance)
}

func TestWithTx_RollsBack(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 500)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	err := repo.WithTx(ctx, func(tx store.Repository) error {
		fresh, err := tx.Accounts().Get(ctx, acct.ID)
		require.NoError(t, err)
		fresh.Balance = 0
		if err := tx.Accounts().UpdateCAS(ctx, fresh); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := repo.Accounts().Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)
	assert.Equal(t, int64(0), got.Version)
}

func TestTransactionLedger(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 0)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	now := time.Now().UTC()
	ids := make([]string, 0, 3)
	for i, amt := range []int64{1000, -300, -200} {
		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        "u1",
			Type:          model.TxUsage,
			Amount:        amt,
			BalanceBefore: []int64{0, 1000, 700}[i],
			BalanceAfter:  []int64{1000, 700, 500}[i],
			Description:   "test",
			CreatedAt:     now,
		}
		require.NoError(t, repo.Transactions().Append(ctx, tx))
		ids = append(ids, tx.ID)
	}

	all, err := repo.Transactions().ListAll(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// append order is preserved
	for i, tx := range all {
		assert.Equal(t, ids[i], tx.ID)
	}

	recent, err := repo.Transactions().ListRecent(ctx, acct.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)

	got, err := repo.Transactions().Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(-300), got.Amount)
}

func TestPaymentRefUniqueIndex(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 0)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	mk := func(ref string) *model.Transaction {
		return &model.Transaction{
			ID:         uuid.NewString(),
			AccountID:  acct.ID,
			UserID:     "u1",
			Type:       model.TxPurchase,
			Amount:     100,
			PaymentRef: sql.NullString{String: ref, Valid: true},
			CreatedAt:  time.Now().UTC(),
		}
	}
	first := mk("pay-1")
	require.NoError(t, repo.Transactions().Append(ctx, first))
	assert.ErrorIs(t, repo.Transactions().Append(ctx, mk("pay-1")), store.ErrDuplicate)

	got, err := repo.Transactions().GetByPaymentRef(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestRefundUniqueIndex(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 0)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	mk := func() *model.Transaction {
		return &model.Transaction{
			ID:           uuid.NewString(),
			AccountID:    acct.ID,
			UserID:       "u1",
			Type:         model.TxRefund,
			Amount:       100,
			UsageEventID: sql.NullString{String: "e1", Valid: true},
			CreatedAt:    time.Now().UTC(),
		}
	}
	first := mk()
	require.NoError(t, repo.Transactions().Append(ctx, first))
	assert.ErrorIs(t, repo.Transactions().Append(ctx, mk()), store.ErrDuplicate)

	got, err := repo.Transactions().GetRefundForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestUsageEventIdempotencyKey(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	acct := testAccount("u1", 0)
	require.NoError(t, repo.Accounts().Create(ctx, acct))

	ev := &model.UsageEvent{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		UserID:         "u1",
		Operation:      model.OpChatResponse,
		Provider:       model.ProviderOpenAI,
		Model:          "gpt-4",
		ChargeType:     model.ChargeMultiplier,
		IdempotencyKey: "k1",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.UsageEvents().Create(ctx, ev))

	dup := *ev
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, repo.UsageEvents().Create(ctx, &dup), store.ErrDuplicate)

	got, err := repo.UsageEvents().GetByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
}

func TestPackagesUpsertAndList(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	pkg := &model.PricingPackage{
		ID:         "starter",
		Name:       "Starter",
		Tokens:     10000,
		PriceCents: 500,
		Currency:   "USD",
		SortOrder:  1,
		IsActive:   true,
	}
	require.NoError(t, repo.Packages().Upsert(ctx, pkg))

	pkg.Name = "Starter Pack"
	pkg.Tokens = 12000
	require.NoError(t, repo.Packages().Upsert(ctx, pkg))

	got, err := repo.Packages().Get(ctx, "starter")
	require.NoError(t, err)
	assert.Equal(t, "Starter Pack", got.Name)
	assert.Equal(t, int64(12000), got.Tokens)

	retired := &model.PricingPackage{ID: "retired", Name: "Old", Tokens: 1, PriceCents: 1, IsActive: false}
	require.NoError(t, repo.Packages().Upsert(ctx, retired))

	active, err := repo.Packages().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "starter", active[0].ID)
}

func TestSettingsUpdate(t *testing.T) {
	repo := testStorage(t)
	ctx := context.Background()

	s, err := repo.Settings().Get(ctx)
	require.NoError(t, err)

	s.TokenMultiplier = 2.0
	s.WelcomeBonus = 1500
	require.NoError(t, repo.Settings().Update(ctx, s))

	got, err := repo.Settings().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.TokenMultiplier)
	assert.Equal(t, int64(1500), got.WelcomeBonus)
}
