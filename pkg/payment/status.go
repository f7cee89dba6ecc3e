package payment

import (
	"strings"

	"premiumpay/internal/domain"
)

var statusVocabulary = map[string]domain.TransactionStatus{
	"complete":   domain.StatusComplete,
	"completed":  domain.StatusComplete,
	"success":    domain.StatusComplete,
	"successful": domain.StatusComplete,
	"succeeded":  domain.StatusComplete,
	"paid":       domain.StatusComplete,
	"terminé":    domain.StatusComplete,
	"termine":    domain.StatusComplete,
	"réussi":     domain.StatusComplete,
	"reussi":     domain.StatusComplete,
	"payé":       domain.StatusComplete,
	"paye":       domain.StatusComplete,

	"failed":   domain.StatusFailed,
	"failure":  domain.StatusFailed,
	"error":    domain.StatusFailed,
	"declined": domain.StatusFailed,
	"rejected": domain.StatusFailed,
	"expired":  domain.StatusFailed,
	"échoué":   domain.StatusFailed,
	"echoue":   domain.StatusFailed,
	"échec":    domain.StatusFailed,
	"echec":    domain.StatusFailed,
	"expiré":   domain.StatusFailed,

	"canceled":  domain.StatusCancelled,
	"cancelled": domain.StatusCancelled,
	"abandoned": domain.StatusCancelled,
	"annulé":    domain.StatusCancelled,
	"annule":    domain.StatusCancelled,

	"pending":     domain.StatusPending,
	"processing":  domain.StatusPending,
	"initiated":   domain.StatusPending,
	"initialized": domain.StatusPending,
	"new":         domain.StatusPending,
	"en attente":  domain.StatusPending,
	"en cours":    domain.StatusPending,
}

// NormalizeStatus maps a provider status word onto the closed ledger set.
// Unknown words are treated as pending so they can never finalize a payment.
func NormalizeStatus(raw string) domain.TransactionStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	if st, ok := statusVocabulary[s]; ok {
		return st
	}
	// "payment.complete", "transaction.failed"
	if i := strings.LastIndex(s, "."); i >= 0 && i < len(s)-1 {
		if st, ok := statusVocabulary[s[i+1:]]; ok {
			return st
		}
	}
	return domain.StatusPending
}
