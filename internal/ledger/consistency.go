package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"go.uber.org/zap"
)

// VerifyAccount replays every transaction for a (user, scope) account and
// checks that the chain reproduces the cached balance. Runs inside a
// transaction so the replay sees a stable snapshot even under concurrent
// charges. A violation is reported, never repaired.
func (s *Service) VerifyAccount(ctx context.Context, userID, scopeID string) error {
	acct, err := s.GetAccount(ctx, userID, scopeID)
	if err != nil {
		return err
	}

	verr := s.repo.WithTx(ctx, func(repo store.Repository) error {
		fresh, err := repo.Accounts().Get(ctx, acct.ID)
		if err != nil {
			return err
		}
		txs, err := repo.Transactions().ListAll(ctx, acct.ID)
		if err != nil {
			return err
		}
		return ReplayLedger(fresh, txs)
	})
	if verr != nil {
		var cv *ConsistencyViolationError
		if errors.As(verr, &cv) {
			s.logger.Error("LEDGER CONSISTENCY VIOLATION",
				zap.String("account_id", cv.AccountID),
				zap.String("transaction_id", cv.TransactionID),
				zap.String("detail", cv.Detail),
				zap.Int64("expected", cv.Expected),
				zap.Int64("actual", cv.Actual))
		}
	}
	return verr
}

// ReplayLedger walks an account's transactions in append order and verifies
// the running-balance chain against the cached balance. Pure; used directly
// by tests.
func ReplayLedger(acct *model.Account, txs []model.Transaction) error {
	running := int64(0)
	for i := range txs {
		tx := &txs[i]
		if tx.BalanceBefore != running {
			return &ConsistencyViolationError{
				AccountID:     acct.ID,
				TransactionID: tx.ID,
				Detail:        "balance_before does not continue the chain",
				Expected:      running,
				Actual:        tx.BalanceBefore,
			}
		}
		if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
			return &ConsistencyViolationError{
				AccountID:     acct.ID,
				TransactionID: tx.ID,
				Detail:        "balance_after != balance_before + amount",
				Expected:      tx.BalanceBefore + tx.Amount,
				Actual:        tx.BalanceAfter,
			}
		}
		running = tx.BalanceAfter
	}
	if running != acct.Balance {
		return &ConsistencyViolationError{
			AccountID: acct.ID,
			Detail:    fmt.Sprintf("replayed %d transactions, sum does not match cached balance", len(txs)),
			Expected:  acct.Balance,
			Actual:    running,
		}
	}
	return nil
}
