package domain

// TransactionStatus is the closed set of ledger statuses. Provider vocabularies
// are normalized into it at the payment-provider boundary.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusComplete  TransactionStatus = "complete"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Verify outcomes reported to polling clients. NotFound is not an error: the
// transaction may simply not exist for this owner.
const (
	VerifyNotFound = "not_found"
)

// Sources recorded in transaction metadata and audit rows.
const (
	SourceInitialize = "initialize"
	SourceVerify     = "verify"
	SourceWebhook    = "webhook"
)

// Audit log actions.
const (
	AuditPaymentCompleted = "payment_completed"
	AuditPaymentFailed    = "payment_failed"
	AuditPaymentCancelled = "payment_cancelled"
	AuditPremiumGranted   = "premium_granted"
	AuditWebhookUnmatched = "webhook_unmatched"
)

// Notification types.
const (
	NotificationPremiumActivated = "PREMIUM_ACTIVATED"
	NotificationPaymentFailed    = "PAYMENT_FAILED"
)
