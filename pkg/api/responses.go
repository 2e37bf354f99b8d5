package api

// ErrorResponse is the standard error shape returned to collaborators.
type ErrorResponse struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// Error codes surfaced at the HTTP edge.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeAccountNotActive    = "account_not_active"
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidInput        = "invalid_input"
	CodeNotFound            = "not_found"
	CodeUnauthorized        = "unauthorized"
	CodeConflict            = "conflict"
	CodeConsistency         = "consistency_violation"
	CodeInternal            = "internal_error"
)

// AccountListResponse is one page of the admin account listing.
type AccountListResponse struct {
	Accounts interface{} `json:"accounts"`
	Total    int64       `json:"total"`
	Limit    int         `json:"limit"`
	Offset   int         `json:"offset"`
}

// VerifyResponse reports the outcome of a ledger consistency check.
type VerifyResponse struct {
	AccountID  string `json:"account_id"`
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}
