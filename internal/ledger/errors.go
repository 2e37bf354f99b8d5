package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the ledger error taxonomy. Handlers map these onto
// HTTP responses; callers inside the process match with errors.Is/As.
var (
	// ErrNotFound means the referenced account, event or package does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidAmount means a write path received a non-positive or malformed amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidInput means a write path received an unknown operation, provider or status.
	ErrInvalidInput = errors.New("ledger: invalid input")
	// ErrUnauthorized means an admin operation was attempted without the admin capability.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrNotCharged means a refund was requested for an event that never debited the balance.
	ErrNotCharged = errors.New("ledger: usage event was not charged")
	// ErrConcurrentModification is returned only after internal retries are exhausted.
	ErrConcurrentModification = errors.New("ledger: concurrent modification")
)

// InsufficientBalanceError is the structured rejection for a charge the
// balance cannot cover. The rejected usage event is still recorded.
type InsufficientBalanceError struct {
	AccountID    string
	UsageEventID string
	Required     int64
	Available    int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: need %d tokens, have %d", e.Required, e.Available)
}

// AccountNotActiveError rejects charges and auto-recharge evaluation for
// suspended or blocked accounts.
type AccountNotActiveError struct {
	AccountID string
	Status    string
}

func (e *AccountNotActiveError) Error() string {
	return fmt.Sprintf("ledger: account %s is %s", e.AccountID, e.Status)
}

// ConsistencyViolationError means replaying an account's transactions does not
// reproduce its cached balance. This is fatal for the account: it is reported
// and escalated, never silently repaired.
type ConsistencyViolationError struct {
	AccountID     string
	TransactionID string
	Detail        string
	Expected      int64
	Actual        int64
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("ledger: consistency violation on account %s: %s (expected %d, got %d)",
		e.AccountID, e.Detail, e.Expected, e.Actual)
}
