package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"premiumpay/internal/domain"
)

// Field names are tried in order. Providers drift between these names across
// API versions and event types.
var (
	merchantReferenceFields = []string{"merchant_reference", "trxref", "merchant_order_id", "order_id"}
	providerReferenceFields = []string{"reference", "transaction_reference", "provider_reference", "trx_reference"}
	ownerHintFields         = []string{"user_id", "owner_id", "userId", "ownerId"}
)

// WebhookEvent is a provider webhook reduced to what reconciliation needs.
type WebhookEvent struct {
	ID                string
	Type              string
	Status            domain.TransactionStatus
	RawStatus         string
	MerchantReference string
	ProviderReference string
	OwnerHint         *uint
	MinorAmount       decimal.Decimal
	Currency          string
	Raw               map[string]interface{}
}

// Reference returns the identifier to look the transaction up by, preferring
// the merchant namespace.
func (e *WebhookEvent) Reference() string {
	if e.MerchantReference != "" {
		return e.MerchantReference
	}
	return e.ProviderReference
}

// ParseWebhook extracts the event type, status, references, owner hint and
// amount from a webhook body. Only a body with no reference at all is rejected.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}

	scopes := payloadScopes(raw)
	ev := &WebhookEvent{
		ID:   firstString([]map[string]interface{}{raw}, "id", "event_id"),
		Type: firstString([]map[string]interface{}{raw}, "event", "type"),
		Raw:  raw,
	}
	ev.MerchantReference = firstString(scopes, merchantReferenceFields...)
	ev.ProviderReference = firstString(scopes, providerReferenceFields...)
	if ev.MerchantReference == "" && ev.ProviderReference == "" {
		return nil, ErrNoReference
	}

	ev.RawStatus = firstString(scopes, "status")
	if ev.RawStatus == "" {
		ev.RawStatus = ev.Type
	}
	ev.Status = NormalizeStatus(ev.RawStatus)
	ev.Currency = strings.ToUpper(firstString(scopes, "currency"))
	if amt, ok := firstNumber(scopes, "amount"); ok {
		ev.MinorAmount = amt
	}

	var metaScopes []map[string]interface{}
	for _, s := range scopes {
		if m, ok := s["metadata"].(map[string]interface{}); ok {
			metaScopes = append(metaScopes, m)
		}
		if c, ok := s["customer"].(map[string]interface{}); ok {
			if m, ok := c["metadata"].(map[string]interface{}); ok {
				metaScopes = append(metaScopes, m)
			}
		}
	}
	if id, ok := firstNumber(metaScopes, ownerHintFields...); ok && id.IsPositive() && id.Equal(id.Truncate(0)) {
		owner := uint(id.IntPart())
		ev.OwnerHint = &owner
	}
	return ev, nil
}

// payloadScopes returns the objects a field may live in, most specific first.
func payloadScopes(raw map[string]interface{}) []map[string]interface{} {
	var scopes []map[string]interface{}
	for _, key := range []string{"data", "transaction", "payment"} {
		if m, ok := raw[key].(map[string]interface{}); ok {
			if tx, ok := m["transaction"].(map[string]interface{}); ok {
				scopes = append(scopes, tx)
			}
			scopes = append(scopes, m)
		}
	}
	return append(scopes, raw)
}

func firstString(scopes []map[string]interface{}, fields ...string) string {
	for _, f := range fields {
		for _, s := range scopes {
			switch v := s[f].(type) {
			case string:
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			case json.Number:
				return v.String()
			}
		}
	}
	return ""
}

func firstNumber(scopes []map[string]interface{}, fields ...string) (decimal.Decimal, bool) {
	for _, f := range fields {
		for _, s := range scopes {
			switch v := s[f].(type) {
			case json.Number:
				if d, err := decimal.NewFromString(v.String()); err == nil {
					return d, true
				}
			case string:
				if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
					return d, true
				}
			case float64:
				return decimal.NewFromFloat(v), true
			}
		}
	}
	return decimal.Zero, false
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature header against body.
func VerifySignature(body []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	if _, err := hex.DecodeString(sig); err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(body, secret)))
}
