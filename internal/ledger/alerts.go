package ledger

import (
	"context"
	"time"

	"github.com/nulzo/token-ledger-api/internal/events"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"go.uber.org/zap"
)

// BalanceAlert is the result of evaluating one account's balance against the
// configured thresholds.
type BalanceAlert struct {
	IsLow        bool
	IsCritical   bool
	AutoRecharge bool
	TopUpTokens  int64
}

// EvaluateBalance is stateless and pure: thresholds come from the settings
// snapshot and the account's own auto-recharge configuration. Auto-recharge
// is never requested for non-active accounts.
func EvaluateBalance(acct *model.Account, s *model.SystemSettings) BalanceAlert {
	alert := BalanceAlert{
		IsLow:      acct.Balance < s.LowBalanceThreshold,
		IsCritical: acct.Balance < s.CriticalBalanceThreshold,
	}
	if acct.Status == model.AccountActive &&
		acct.AutoRechargeEnabled &&
		acct.Balance < acct.AutoRechargeThreshold {
		alert.AutoRecharge = true
		alert.TopUpTokens = acct.AutoRechargeTopUp
	}
	return alert
}

// notifyBalanceChange runs after a balance mutation commits. It publishes the
// change plus any threshold alerts. Runs on the caller's goroutine only up to
// the channel send inside the publisher; errors are logged, never propagated,
// so a publish failure cannot undo a committed charge.
func (s *Service) notifyBalanceChange(acct *model.Account, settings *model.SystemSettings) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := events.Event{
		AccountID: acct.ID,
		UserID:    acct.UserID,
		ScopeID:   acct.ScopeID,
		Balance:   acct.Balance,
		At:        time.Now().UTC(),
	}

	publish := func(typ string, topUp int64) {
		ev := base
		ev.Type = typ
		ev.TopUpTokens = topUp
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("failed to publish balance event",
				zap.String("type", typ),
				zap.String("account_id", acct.ID),
				zap.Error(err))
		}
	}

	publish(events.TypeBalanceChanged, 0)

	alert := EvaluateBalance(acct, settings)
	if alert.IsCritical {
		publish(events.TypeBalanceCritical, 0)
	} else if alert.IsLow {
		publish(events.TypeBalanceLow, 0)
	}
	if alert.AutoRecharge {
		publish(events.TypeAutoRechargeRequested, alert.TopUpTokens)
	}
}
