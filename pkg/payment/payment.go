package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"premiumpay/internal/domain"
)

var (
	// ErrProviderAPI is returned when the provider answers with a non-success status.
	ErrProviderAPI = errors.New("payment provider API error")

	// ErrNotFound is returned when the provider does not know the reference (yet).
	ErrNotFound = errors.New("payment not found at provider")

	// ErrInvalidWebhookPayload is returned when a webhook body cannot be parsed.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrNoReference is returned when none of the known reference fields is present.
	ErrNoReference = errors.New("webhook payload carries no reference")

	// ErrInvalidSignature is returned when webhook signature validation fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrFractionalMinorUnits is returned when an amount does not map to a whole
	// number of minor units.
	ErrFractionalMinorUnits = errors.New("amount is not a whole number of minor units")

	// ErrAmountOutOfRange is returned when an amount does not fit the provider's
	// integer minor units.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrProviderRejected marks a definitive client error from the provider
	// (a 4xx other than 404, 408 and 429). It always comes wrapped with ErrProviderAPI.
	ErrProviderRejected = errors.New("payment provider rejected the request")
)

type Customer struct {
	Email string
	Name  string
	Phone string
}

// ChargeRequest is what we send to the provider. MinorAmount is already
// converted with ToMinorUnits; providers never convert again.
type ChargeRequest struct {
	MerchantReference string
	MinorAmount       int64
	Currency          string
	Description       string
	Customer          Customer
	CallbackURL       string
}

type ChargeResponse struct {
	ProviderReference string
	CheckoutURL       string
	Status            domain.TransactionStatus
	Raw               map[string]interface{}
}

// StatusReport is the provider's view of a charge, with the status already
// normalized. MinorAmount is in the provider's unit and zero when the provider
// did not report one.
type StatusReport struct {
	ProviderReference string
	MerchantReference string
	Status            domain.TransactionStatus
	RawStatus         string
	MinorAmount       decimal.Decimal
	Currency          string
	Raw               map[string]interface{}
}

type Provider interface {
	Name() string
	InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	// GetStatus accepts either a provider or a merchant reference.
	GetStatus(ctx context.Context, reference string) (*StatusReport, error)
}

// Observer receives timing for outbound provider calls.
type Observer interface {
	ObserveCall(endpoint, status string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveCall(_, _ string, _ time.Duration) {}
