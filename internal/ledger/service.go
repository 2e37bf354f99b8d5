package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/token-ledger-api/internal/events"
	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/model"
	"go.uber.org/zap"
)

const defaultMaxRetries = 5

// Service is the metering engine. Every balance mutation goes through here:
// one serializable unit per account, guarded by the account row's version.
type Service struct {
	repo       store.Repository
	events     events.Publisher
	logger     *zap.Logger
	maxRetries int
}

func NewService(repo store.Repository, pub events.Publisher, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		events:     pub,
		logger:     logger,
		maxRetries: defaultMaxRetries,
	}
}

var validOperations = map[string]bool{
	model.OpContentGeneration:     true,
	model.OpContentRefinement:     true,
	model.OpContentRepurpose:      true,
	model.OpChatResponse:          true,
	model.OpImageGeneration:       true,
	model.OpImagePromptGeneration: true,
}

var validProviders = map[string]bool{
	model.ProviderOpenAI:    true,
	model.ProviderAnthropic: true,
	model.ProviderGoogle:    true,
}

// OperationInput describes one completed (or failed) AI operation as reported
// by the inference collaborator.
type OperationInput struct {
	UserID         string
	ScopeID        string
	Operation      string
	Provider       string
	Model          string
	Usage          RawUsage
	Success        bool
	ErrorMessage   string
	IdempotencyKey string
	Metadata       map[string]interface{}
}

func (in *OperationInput) validate() error {
	if in.UserID == "" || in.IdempotencyKey == "" {
		return fmt.Errorf("%w: user id and idempotency key are required", ErrInvalidInput)
	}
	if !validOperations[in.Operation] {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, in.Operation)
	}
	if !validProviders[in.Provider] {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, in.Provider)
	}
	if in.Usage.InputTokens < 0 || in.Usage.OutputTokens < 0 || in.Usage.TotalTokens < 0 || in.Usage.ImageCount < 0 {
		return fmt.Errorf("%w: negative token counts", ErrInvalidAmount)
	}
	return nil
}

// ChargeResult is returned to the inference collaborator.
type ChargeResult struct {
	UsageEventID   string `json:"usage_event_id"`
	TransactionID  string `json:"transaction_id,omitempty"`
	BillableTokens int64  `json:"billable_tokens"`
	ChargeType     string `json:"charge_type"`
	NewBalance     int64  `json:"new_balance"`
	Charged        bool   `json:"charged"`
	Duplicate      bool   `json:"duplicate"`
}

// RecordUsage converts one reported operation into exactly one usage event
// and, when charged, exactly one usage transaction. At-most-once per
// idempotency key: retries from the collaborator replay the stored result.
func (s *Service) RecordUsage(ctx context.Context, in OperationInput) (*ChargeResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	// replay fast path, before doing any pricing work
	if ev, err := s.repo.UsageEvents().GetByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		return s.replayResult(ctx, ev)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// settings snapshot: read once, passed down, never re-read mid-charge
	settings, err := s.repo.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}
	price := ResolvePrice(in.Operation, in.Provider, in.Model, in.Usage, settings)

	var (
		result    *ChargeResult
		rejection *InsufficientBalanceError
		acctAfter *model.Account
	)

	err = s.withRetry(ctx, func(repo store.Repository) error {
		result, rejection, acctAfter = nil, nil, nil

		acct, err := s.getOrCreateAccount(ctx, repo, in.UserID, in.ScopeID, settings)
		if err != nil {
			return err
		}
		if acct.Status != model.AccountActive {
			return &AccountNotActiveError{AccountID: acct.ID, Status: acct.Status}
		}

		now := time.Now().UTC()
		ev := &model.UsageEvent{
			ID:             uuid.NewString(),
			AccountID:      acct.ID,
			UserID:         in.UserID,
			ScopeID:        in.ScopeID,
			Operation:      in.Operation,
			Provider:       in.Provider,
			Model:          in.Model,
			InputTokens:    in.Usage.InputTokens,
			OutputTokens:   in.Usage.OutputTokens,
			TotalTokens:    in.Usage.Total(),
			ImageCount:     in.Usage.ImageCount,
			ImageSize:      in.Usage.ImageSize,
			ChargeType:     price.ChargeType,
			RateApplied:    price.Rate,
			Success:        in.Success,
			ErrorMessage:   in.ErrorMessage,
			IdempotencyKey: in.IdempotencyKey,
			MetaJSON:       marshalMeta(in.Metadata),
			CreatedAt:      now,
		}

		// failed operations are never charged
		if !in.Success {
			if err := repo.UsageEvents().Create(ctx, ev); err != nil {
				return err
			}
			result = &ChargeResult{
				UsageEventID: ev.ID,
				ChargeType:   price.ChargeType,
				NewBalance:   acct.Balance,
			}
			return nil
		}

		if acct.Balance < price.BillableTokens {
			// record the rejected attempt without touching the balance; the
			// numbers go into the event so retries replay the same rejection
			ev.ErrorMessage = msgInsufficientBalance
			ev.MetaJSON = mergeMeta(ev.MetaJSON, map[string]interface{}{
				"attempted_cost": price.BillableTokens,
				"available":      acct.Balance,
			})
			if err := repo.UsageEvents().Create(ctx, ev); err != nil {
				return err
			}
			rejection = &InsufficientBalanceError{
				AccountID:    acct.ID,
				UsageEventID: ev.ID,
				Required:     price.BillableTokens,
				Available:    acct.Balance,
			}
			return nil
		}

		before := acct.Balance
		acct.Balance -= price.BillableTokens
		acct.LifetimeUsed += price.BillableTokens
		acct.LifetimeRawUsed += in.Usage.Total()
		if err := repo.Accounts().UpdateCAS(ctx, acct); err != nil {
			return err
		}

		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        in.UserID,
			Type:          model.TxUsage,
			Amount:        -price.BillableTokens,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			UsageEventID:  sql.NullString{String: ev.ID, Valid: true},
			Description:   fmt.Sprintf("%s via %s/%s", in.Operation, in.Provider, in.Model),
			CreatedAt:     now,
		}
		if err := repo.Transactions().Append(ctx, tx); err != nil {
			return err
		}

		ev.BillableTokens = price.BillableTokens
		ev.Charged = true
		ev.TransactionID = sql.NullString{String: tx.ID, Valid: true}
		if err := repo.UsageEvents().Create(ctx, ev); err != nil {
			return err
		}

		result = &ChargeResult{
			UsageEventID:   ev.ID,
			TransactionID:  tx.ID,
			BillableTokens: price.BillableTokens,
			ChargeType:     price.ChargeType,
			NewBalance:     acct.Balance,
			Charged:        true,
		}
		cp := *acct
		acctAfter = &cp
		return nil
	})
	if err != nil {
		// a concurrent request with the same key won the insert; replay it
		if errors.Is(err, store.ErrDuplicate) {
			if ev, gerr := s.repo.UsageEvents().GetByIdempotencyKey(ctx, in.IdempotencyKey); gerr == nil {
				return s.replayResult(ctx, ev)
			}
		}
		return nil, err
	}

	if rejection != nil {
		s.logger.Info("charge rejected: insufficient balance",
			zap.String("account_id", rejection.AccountID),
			zap.Int64("required", rejection.Required),
			zap.Int64("available", rejection.Available))
		return nil, rejection
	}

	if acctAfter != nil {
		// post-commit, fire-and-forget: alert failures never undo the charge
		go s.notifyBalanceChange(acctAfter, settings)
	}

	s.logger.Debug("usage recorded",
		zap.String("usage_event_id", result.UsageEventID),
		zap.String("operation", in.Operation),
		zap.Bool("charged", result.Charged),
		zap.Int64("billable_tokens", result.BillableTokens))
	return result, nil
}

// msgInsufficientBalance marks rejected usage events for replay.
const msgInsufficientBalance = "insufficient balance"

// replayResult rebuilds the original outcome of an already-processed key,
// including the structured rejection for events the balance could not cover.
func (s *Service) replayResult(ctx context.Context, ev *model.UsageEvent) (*ChargeResult, error) {
	if !ev.Charged && ev.ErrorMessage == msgInsufficientBalance {
		required, available := rejectionMeta(ev.MetaJSON)
		return nil, &InsufficientBalanceError{
			AccountID:    ev.AccountID,
			UsageEventID: ev.ID,
			Required:     required,
			Available:    available,
		}
	}

	res := &ChargeResult{
		UsageEventID:   ev.ID,
		BillableTokens: ev.BillableTokens,
		ChargeType:     ev.ChargeType,
		Charged:        ev.Charged,
		Duplicate:      true,
	}
	if ev.TransactionID.Valid {
		res.TransactionID = ev.TransactionID.String
		tx, err := s.repo.Transactions().Get(ctx, ev.TransactionID.String)
		if err != nil {
			return nil, err
		}
		res.NewBalance = tx.BalanceAfter
	} else if acct, err := s.repo.Accounts().Get(ctx, ev.AccountID); err == nil {
		res.NewBalance = acct.Balance
	}
	return res, nil
}

// RefundResult is returned to the collaborator that discarded charged output.
type RefundResult struct {
	TransactionID string `json:"transaction_id"`
	UsageEventID  string `json:"usage_event_id"`
	Tokens        int64  `json:"tokens"`
	NewBalance    int64  `json:"new_balance"`
	Duplicate     bool   `json:"duplicate"`
}

// Refund restores the tokens charged for a usage event. At most one refund
// per event; repeated calls replay the original refund.
func (s *Service) Refund(ctx context.Context, usageEventID string) (*RefundResult, error) {
	ev, err := s.repo.UsageEvents().Get(ctx, usageEventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: usage event %s", ErrNotFound, usageEventID)
		}
		return nil, err
	}
	if !ev.Charged {
		return nil, ErrNotCharged
	}

	if prior, err := s.repo.Transactions().GetRefundForEvent(ctx, usageEventID); err == nil {
		return &RefundResult{
			TransactionID: prior.ID,
			UsageEventID:  usageEventID,
			Tokens:        prior.Amount,
			NewBalance:    prior.BalanceAfter,
			Duplicate:     true,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	settings, err := s.repo.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result    *RefundResult
		acctAfter *model.Account
	)
	err = s.withRetry(ctx, func(repo store.Repository) error {
		result, acctAfter = nil, nil

		// re-check inside the transaction: a concurrent refund may have won
		if prior, err := repo.Transactions().GetRefundForEvent(ctx, usageEventID); err == nil {
			result = &RefundResult{
				TransactionID: prior.ID,
				UsageEventID:  usageEventID,
				Tokens:        prior.Amount,
				NewBalance:    prior.BalanceAfter,
				Duplicate:     true,
			}
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		acct, err := repo.Accounts().Get(ctx, ev.AccountID)
		if err != nil {
			return err
		}

		// lifetime usage stays cumulative; the refund row alone restores the
		// balance, keeping balance reconstruction from counters + ledger linear
		before := acct.Balance
		acct.Balance += ev.BillableTokens
		if err := repo.Accounts().UpdateCAS(ctx, acct); err != nil {
			return err
		}

		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        acct.UserID,
			Type:          model.TxRefund,
			Amount:        ev.BillableTokens,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			UsageEventID:  sql.NullString{String: ev.ID, Valid: true},
			Description:   fmt.Sprintf("refund of %s", ev.Operation),
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.Transactions().Append(ctx, tx); err != nil {
			return err
		}

		result = &RefundResult{
			TransactionID: tx.ID,
			UsageEventID:  ev.ID,
			Tokens:        ev.BillableTokens,
			NewBalance:    acct.Balance,
		}
		cp := *acct
		acctAfter = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	if acctAfter != nil {
		go s.notifyBalanceChange(acctAfter, settings)
	}
	return result, nil
}

// AdminResult is returned from grant/deduct operations.
type AdminResult struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"` // signed delta actually applied
	NewBalance    int64  `json:"new_balance"`
}

// GrantTokens credits tokens to an account. Requires the admin capability;
// reason and actor are recorded on the ledger row.
func (s *Service) GrantTokens(ctx context.Context, userID, scopeID string, amount int64, reason, adminID string) (*AdminResult, error) {
	return s.adminAdjust(ctx, userID, scopeID, amount, reason, adminID, model.TxAdminGrant)
}

// DeductTokens debits tokens from an account, clamping at zero: the balance
// never goes negative, and the ledger row records the delta actually applied.
func (s *Service) DeductTokens(ctx context.Context, userID, scopeID string, amount int64, reason, adminID string) (*AdminResult, error) {
	return s.adminAdjust(ctx, userID, scopeID, amount, reason, adminID, model.TxAdminDeduction)
}

func (s *Service) adminAdjust(ctx context.Context, userID, scopeID string, amount int64, reason, adminID, txType string) (*AdminResult, error) {
	if adminID == "" {
		return nil, ErrUnauthorized
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	settings, err := s.repo.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result    *AdminResult
		acctAfter *model.Account
	)
	err = s.withRetry(ctx, func(repo store.Repository) error {
		result, acctAfter = nil, nil

		acct, err := s.getOrCreateAccount(ctx, repo, userID, scopeID, settings)
		if err != nil {
			return err
		}

		delta := amount
		meta := map[string]interface{}{"requested": amount}
		if txType == model.TxAdminDeduction {
			delta = -amount
			if acct.Balance < amount {
				// clamp: deduct only what is available
				delta = -acct.Balance
			}
		}

		before := acct.Balance
		acct.Balance += delta
		if err := repo.Accounts().UpdateCAS(ctx, acct); err != nil {
			return err
		}

		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        acct.UserID,
			Type:          txType,
			Amount:        delta,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			AdminUserID:   sql.NullString{String: adminID, Valid: true},
			Description:   reason,
			MetaJSON:      marshalMeta(meta),
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.Transactions().Append(ctx, tx); err != nil {
			return err
		}

		result = &AdminResult{TransactionID: tx.ID, Amount: delta, NewBalance: acct.Balance}
		cp := *acct
		acctAfter = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}

	if acctAfter != nil {
		go s.notifyBalanceChange(acctAfter, settings)
	}

	s.logger.Info("admin balance adjustment",
		zap.String("type", txType),
		zap.String("user_id", userID),
		zap.String("admin_id", adminID),
		zap.Int64("amount", result.Amount),
		zap.Int64("new_balance", result.NewBalance))
	return result, nil
}

// PurchaseResult is returned to the payment-processor webhook collaborator.
type PurchaseResult struct {
	TransactionID string `json:"transaction_id"`
	Tokens        int64  `json:"tokens"`
	NewBalance    int64  `json:"new_balance"`
	Duplicate     bool   `json:"duplicate"`
}

// PurchaseCompleted credits a purchased token package. Idempotent per payment
// reference. A successful purchase reactivates a suspended account.
func (s *Service) PurchaseCompleted(ctx context.Context, userID, scopeID, packageID, paymentRef string) (*PurchaseResult, error) {
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}

	pkg, err := s.repo.Packages().Get(ctx, packageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: package %s", ErrNotFound, packageID)
		}
		return nil, err
	}
	if !pkg.IsActive {
		return nil, fmt.Errorf("%w: package %s is not active", ErrInvalidInput, packageID)
	}

	if prior, err := s.repo.Transactions().GetByPaymentRef(ctx, paymentRef); err == nil {
		return &PurchaseResult{
			TransactionID: prior.ID,
			Tokens:        prior.Amount,
			NewBalance:    prior.BalanceAfter,
			Duplicate:     true,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return s.credit(ctx, userID, scopeID, creditRequest{
		txType:      model.TxPurchase,
		tokens:      pkg.Tokens,
		amountCents: pkg.PriceCents,
		paymentRef:  paymentRef,
		description: fmt.Sprintf("purchase of %s", pkg.Name),
		meta:        map[string]interface{}{"package_id": pkg.ID},
	})
}

// AutoRechargeCompleted records a processor-confirmed automatic top-up. The
// token amount is the account's configured top-up. Idempotent per payment
// reference, like PurchaseCompleted.
func (s *Service) AutoRechargeCompleted(ctx context.Context, userID, scopeID, paymentRef string) (*PurchaseResult, error) {
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}

	acct, err := s.GetAccount(ctx, userID, scopeID)
	if err != nil {
		return nil, err
	}
	if acct.AutoRechargeTopUp <= 0 {
		return nil, fmt.Errorf("%w: account has no auto-recharge top-up configured", ErrInvalidAmount)
	}

	if prior, err := s.repo.Transactions().GetByPaymentRef(ctx, paymentRef); err == nil {
		return &PurchaseResult{
			TransactionID: prior.ID,
			Tokens:        prior.Amount,
			NewBalance:    prior.BalanceAfter,
			Duplicate:     true,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	settings, err := s.repo.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}
	var amountCents int64
	if settings.TokensPerCent > 0 {
		amountCents = acct.AutoRechargeTopUp / settings.TokensPerCent
	}

	return s.credit(ctx, userID, scopeID, creditRequest{
		txType:      model.TxAutoRecharge,
		tokens:      acct.AutoRechargeTopUp,
		amountCents: amountCents,
		paymentRef:  paymentRef,
		description: "automatic recharge",
	})
}

type creditRequest struct {
	txType      string
	tokens      int64
	amountCents int64
	paymentRef  string
	description string
	meta        map[string]interface{}
}

func (s *Service) credit(ctx context.Context, userID, scopeID string, req creditRequest) (*PurchaseResult, error) {
	settings, err := s.repo.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result    *PurchaseResult
		acctAfter *model.Account
	)
	err = s.withRetry(ctx, func(repo store.Repository) error {
		result, acctAfter = nil, nil

		acct, err := s.getOrCreateAccount(ctx, repo, userID, scopeID, settings)
		if err != nil {
			return err
		}
		if acct.Status == model.AccountBlocked {
			return &AccountNotActiveError{AccountID: acct.ID, Status: acct.Status}
		}

		now := time.Now().UTC()
		before := acct.Balance
		acct.Balance += req.tokens
		acct.LifetimePurchased += req.tokens
		acct.LifetimeSpentCents += req.amountCents
		acct.LastPurchaseAt = sql.NullTime{Time: now, Valid: true}
		if acct.Status == model.AccountSuspended {
			// successful recharge reactivates the account
			acct.Status = model.AccountActive
		}
		if err := repo.Accounts().UpdateCAS(ctx, acct); err != nil {
			return err
		}

		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        acct.UserID,
			Type:          req.txType,
			Amount:        req.tokens,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			AmountCents:   sql.NullInt64{Int64: req.amountCents, Valid: req.amountCents > 0},
			PaymentRef:    sql.NullString{String: req.paymentRef, Valid: req.paymentRef != ""},
			Description:   req.description,
			MetaJSON:      marshalMeta(req.meta),
			CreatedAt:     now,
		}
		if err := repo.Transactions().Append(ctx, tx); err != nil {
			return err
		}

		result = &PurchaseResult{TransactionID: tx.ID, Tokens: req.tokens, NewBalance: acct.Balance}
		cp := *acct
		acctAfter = &cp
		return nil
	})
	if err != nil {
		// a concurrent webhook delivery with the same reference won the insert
		if errors.Is(err, store.ErrDuplicate) && req.paymentRef != "" {
			if prior, gerr := s.repo.Transactions().GetByPaymentRef(ctx, req.paymentRef); gerr == nil {
				return &PurchaseResult{
					TransactionID: prior.ID,
					Tokens:        prior.Amount,
					NewBalance:    prior.BalanceAfter,
					Duplicate:     true,
				}, nil
			}
		}
		return nil, err
	}

	if acctAfter != nil {
		go s.notifyBalanceChange(acctAfter, settings)
	}
	return result, nil
}

var validStatuses = map[string]bool{
	model.AccountActive:    true,
	model.AccountSuspended: true,
	model.AccountBlocked:   true,
}

// SetAccountStatus transitions an account's lifecycle state. Blocking and
// unblocking require the admin capability; the suspension path is also used
// by the billing-failure signal. Status changes do not touch the balance, so
// no ledger row is written.
func (s *Service) SetAccountStatus(ctx context.Context, userID, scopeID, status, adminID string) (*model.Account, error) {
	if adminID == "" {
		return nil, ErrUnauthorized
	}
	if !validStatuses[status] {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	acct, err := s.GetAccount(ctx, userID, scopeID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Accounts().SetStatus(ctx, acct.ID, status); err != nil {
		return nil, err
	}
	acct.Status = status

	s.logger.Info("account status changed",
		zap.String("account_id", acct.ID),
		zap.String("status", status),
		zap.String("admin_id", adminID))
	return acct, nil
}

// GetAccount returns the account for a (user, scope) pair. Read-only: it does
// not create accounts.
func (s *Service) GetAccount(ctx context.Context, userID, scopeID string) (*model.Account, error) {
	acct, err := s.repo.Accounts().GetByUserScope(ctx, userID, scopeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: account for user %s", ErrNotFound, userID)
		}
		return nil, err
	}
	return acct, nil
}

// ListTransactions returns the most recent ledger rows for an account.
func (s *Service) ListTransactions(ctx context.Context, userID, scopeID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	acct, err := s.GetAccount(ctx, userID, scopeID)
	if err != nil {
		return nil, err
	}
	return s.repo.Transactions().ListRecent(ctx, acct.ID, limit)
}

// ListPackages returns the purchasable token bundles.
func (s *Service) ListPackages(ctx context.Context) ([]model.PricingPackage, error) {
	return s.repo.Packages().ListActive(ctx)
}

// getOrCreateAccount resolves the account inside the caller's transaction,
// creating it with the welcome bonus on first billing-relevant action.
func (s *Service) getOrCreateAccount(ctx context.Context, repo store.Repository, userID, scopeID string, settings *model.SystemSettings) (*model.Account, error) {
	acct, err := repo.Accounts().GetByUserScope(ctx, userID, scopeID)
	if err == nil {
		return acct, nil
	}
	if !errorsIsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	acct = &model.Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		ScopeID:   scopeID,
		Currency:  "USD",
		Status:    model.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if settings.WelcomeBonus > 0 {
		acct.Balance = settings.WelcomeBonus
	}

	if err := repo.Accounts().Create(ctx, acct); err != nil {
		// lost a create race: someone else made the account, use theirs
		if errors.Is(err, store.ErrDuplicate) {
			return repo.Accounts().GetByUserScope(ctx, userID, scopeID)
		}
		return nil, err
	}

	if settings.WelcomeBonus > 0 {
		tx := &model.Transaction{
			ID:            uuid.NewString(),
			AccountID:     acct.ID,
			UserID:        userID,
			Type:          model.TxBonus,
			Amount:        settings.WelcomeBonus,
			BalanceBefore: 0,
			BalanceAfter:  settings.WelcomeBonus,
			Description:   "welcome bonus",
			CreatedAt:     now,
		}
		if err := repo.Transactions().Append(ctx, tx); err != nil {
			return nil, err
		}
	}

	s.logger.Info("account created",
		zap.String("account_id", acct.ID),
		zap.String("user_id", userID),
		zap.Int64("welcome_bonus", settings.WelcomeBonus))
	return acct, nil
}

// withRetry runs fn in a transaction, retrying on optimistic-lock conflicts.
// Conflicts are per account, so contention on one account never delays others
// beyond its own retries.
func (s *Service) withRetry(ctx context.Context, fn func(repo store.Repository) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		backoff := time.Duration(rand.Intn(4)+1) * time.Millisecond * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func marshalMeta(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

// rejectionMeta recovers the numbers recorded with a rejected usage event.
func rejectionMeta(metaJSON string) (required, available int64) {
	if metaJSON == "" {
		return 0, 0
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(metaJSON), &m); err != nil {
		return 0, 0
	}
	if v, ok := m["attempted_cost"].(float64); ok {
		required = int64(v)
	}
	if v, ok := m["available"].(float64); ok {
		available = int64(v)
	}
	return required, available
}

func mergeMeta(existing string, extra map[string]interface{}) string {
	merged := make(map[string]interface{})
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range extra {
		merged[k] = v
	}
	return marshalMeta(merged)
}
