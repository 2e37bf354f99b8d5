package api

// RecordUsageRequest is posted by the inference collaborator after an AI call
// completes or fails.
type RecordUsageRequest struct {
	UserID         string                 `json:"user_id" binding:"required"`
	ScopeID        string                 `json:"scope_id"`
	Operation      string                 `json:"operation" binding:"required"`
	Provider       string                 `json:"provider" binding:"required"`
	Model          string                 `json:"model"`
	InputTokens    int64                  `json:"input_tokens" binding:"min=0"`
	OutputTokens   int64                  `json:"output_tokens" binding:"min=0"`
	TotalTokens    int64                  `json:"total_tokens" binding:"min=0"`
	ImageCount     int64                  `json:"image_count" binding:"min=0"`
	ImageSize      string                 `json:"image_size"`
	Success        bool                   `json:"success"`
	ErrorMessage   string                 `json:"error_message"`
	IdempotencyKey string                 `json:"idempotency_key" binding:"required"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// PurchaseRequest is posted by the payment-processor webhook collaborator.
type PurchaseRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ScopeID    string `json:"scope_id"`
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref" binding:"required"`
	// AutoRecharge marks a processor-confirmed automatic top-up; PackageID is
	// ignored in that case.
	AutoRecharge bool `json:"auto_recharge"`
}

// AdminAdjustRequest grants or deducts tokens with mandatory attribution.
type AdminAdjustRequest struct {
	ScopeID string `json:"scope_id"`
	Amount  int64  `json:"amount" binding:"required,gt=0"`
	Reason  string `json:"reason" binding:"required"`
}

// AccountStatusRequest transitions an account's lifecycle state.
type AccountStatusRequest struct {
	ScopeID string `json:"scope_id"`
	Status  string `json:"status" binding:"required,oneof=active suspended blocked"`
}
