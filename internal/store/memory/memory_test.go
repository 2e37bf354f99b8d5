package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func newAccount(id, userID string, balance int64) *model.Account {
	now := time.Now().UTC()
	return &model.Account{
		ID:        id,
		UserID:    userID,
		ScopeID:   "s1",
		Balance:   balance,
		Currency:  "USD",
		Status:    model.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a1", "u1", 100)))

	sentinel := assert.AnError
	err := repo.WithTx(ctx, func(tx store.Repository) error {
		acct, err := tx.Accounts().Get(ctx, "a1")
		require.NoError(t, err)
		acct.Balance = 0
		require.NoError(t, tx.Accounts().UpdateCAS(ctx, acct))
		require.NoError(t, tx.Transactions().Append(ctx, &model.Transaction{
			ID: "t1", AccountID: "a1", Type: model.TxUsage, Amount: -100,
			BalanceBefore: 100, BalanceAfter: 0,
		}))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	acct, err := repo.Accounts().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.Version)

	_, err = repo.Transactions().Get(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Accounts().Create(ctx, newAccount("a1", "u1", 100))
	})
	require.NoError(t, err)

	acct, err := repo.Accounts().GetByUserScope(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "a1", acct.ID)
}

func TestUpdateCAS_VersionConflict(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a1", "u1", 100)))

	stale, err := repo.Accounts().Get(ctx, "a1")
	require.NoError(t, err)
	fresh, err := repo.Accounts().Get(ctx, "a1")
	require.NoError(t, err)

	fresh.Balance = 50
	require.NoError(t, repo.Accounts().UpdateCAS(ctx, fresh))
	assert.Equal(t, int64(1), fresh.Version)

	stale.Balance = 0
	assert.ErrorIs(t, repo.Accounts().UpdateCAS(ctx, stale), store.ErrVersionConflict)

	// the winning write survives
	acct, err := repo.Accounts().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.Balance)
}

func TestCreate_DuplicateUserScope(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a1", "u1", 0)))
	assert.ErrorIs(t, repo.Accounts().Create(ctx, newAccount("a2", "u1", 0)), store.ErrDuplicate)
}

func TestUsageEvents_IdempotencyKeyUnique(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	ev := &model.UsageEvent{ID: "e1", AccountID: "a1", IdempotencyKey: "k1"}
	require.NoError(t, repo.UsageEvents().Create(ctx, ev))

	dup := &model.UsageEvent{ID: "e2", AccountID: "a1", IdempotencyKey: "k1"}
	assert.ErrorIs(t, repo.UsageEvents().Create(ctx, dup), store.ErrDuplicate)

	got, err := repo.UsageEvents().GetByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
}

func TestAppend_PaymentRefUnique(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	tx := func(id, ref string) *model.Transaction {
		return &model.Transaction{
			ID: id, AccountID: "a1", Type: model.TxPurchase, Amount: 100,
			PaymentRef: sqlString(ref),
		}
	}
	require.NoError(t, repo.Transactions().Append(ctx, tx("t1", "pay-1")))
	assert.ErrorIs(t, repo.Transactions().Append(ctx, tx("t2", "pay-1")), store.ErrDuplicate)
	require.NoError(t, repo.Transactions().Append(ctx, tx("t3", "pay-2")))

	got, err := repo.Transactions().GetByPaymentRef(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestAppend_OneRefundPerEvent(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	refund := func(id string) *model.Transaction {
		return &model.Transaction{
			ID: id, AccountID: "a1", Type: model.TxRefund, Amount: 100,
			UsageEventID: sqlString("e1"),
		}
	}
	require.NoError(t, repo.Transactions().Append(ctx, refund("t1")))
	assert.ErrorIs(t, repo.Transactions().Append(ctx, refund("t2")), store.ErrDuplicate)

	got, err := repo.Transactions().GetRefundForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}

func TestListRecent_NewestFirst(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, repo.Transactions().Append(ctx, &model.Transaction{
			ID: id, AccountID: "a1", Type: model.TxUsage, Amount: int64(i),
		}))
	}

	txs, err := repo.Transactions().ListRecent(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "t3", txs[0].ID)
	assert.Equal(t, "t2", txs[1].ID)
}

func TestAccountList_PaginationAndSearch(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a1", "alice", 0)))
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a2", "bob", 0)))
	require.NoError(t, repo.Accounts().Create(ctx, newAccount("a3", "alicia", 0)))

	all, total, err := repo.Accounts().List(ctx, 2, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 2)

	matched, total, err := repo.Accounts().List(ctx, 10, 0, "ali")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, matched, 2)
}

func TestSettings_UpdatePinsSingleton(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	s, err := repo.Settings().Get(ctx)
	require.NoError(t, err)

	s.ID = 42
	s.TokenMultiplier = 2.5
	require.NoError(t, repo.Settings().Update(ctx, s))

	got, err := repo.Settings().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ID)
	assert.Equal(t, 2.5, got.TokenMultiplier)
}
