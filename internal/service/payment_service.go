package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"premiumpay/internal/domain"
	"premiumpay/internal/models"
	"premiumpay/internal/reference"
	"premiumpay/pkg/payment"
)

type PaymentConfig struct {
	Currency            string
	MinorUnitMultiplier int64
	CallbackURL         string
	DefaultDescription  string
	ProviderTimeout     time.Duration
}

type InitializeRequest struct {
	OwnerID     uint
	Amount      decimal.Decimal
	Description string
	Email       string
	Name        string
	Phone       string
}

type InitializeResult struct {
	MerchantReference string          `json:"merchant_reference"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	CheckoutURL       string          `json:"checkout_url"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
}

// PaymentService starts payments: ledger row first, then the provider charge.
type PaymentService struct {
	ledger     *Ledger
	reconciler *Reconciler
	provider   payment.Provider
	refs       *reference.Generator
	cfg        PaymentConfig
	log        zerolog.Logger
}

func NewPaymentService(ledger *Ledger, reconciler *Reconciler, provider payment.Provider, refs *reference.Generator, cfg PaymentConfig, log zerolog.Logger) *PaymentService {
	if cfg.MinorUnitMultiplier < 1 {
		cfg.MinorUnitMultiplier = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if refs == nil {
		refs = reference.NewGenerator("")
	}
	return &PaymentService{
		ledger:     ledger,
		reconciler: reconciler,
		provider:   provider,
		refs:       refs,
		cfg:        cfg,
		log:        log.With().Str("component", "payments").Logger(),
	}
}

func (s *PaymentService) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	minor, err := payment.ToMinorUnits(req.Amount, s.cfg.MinorUnitMultiplier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = s.cfg.DefaultDescription
	}

	tx, err := s.createWithRetry(ctx, req, description, minor)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	resp, err := s.provider.InitializeCharge(pctx, payment.ChargeRequest{
		MerchantReference: tx.MerchantReference,
		MinorAmount:       minor,
		Currency:          tx.Currency,
		Description:       description,
		Customer: payment.Customer{
			Email: req.Email,
			Name:  req.Name,
			Phone: req.Phone,
		},
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		// Only a definitive rejection fails the row. After a timeout or network
		// error the charge may exist at the provider, so a later webhook or poll
		// must still be able to complete it.
		status := domain.StatusPending
		if errors.Is(err, payment.ErrProviderRejected) {
			status = domain.StatusFailed
		}
		s.log.Error().Err(err).
			Str("merchant_reference", tx.MerchantReference).
			Str("status", string(status)).
			Msg("provider initialization failed")
		if _, ferr := s.reconciler.ApplyOutcome(context.WithoutCancel(ctx), tx, payment.StatusReport{
			Status:    status,
			RawStatus: "initialize_error",
			Raw:       map[string]interface{}{"error": err.Error()},
		}, domain.SourceInitialize); ferr != nil {
			s.log.Error().Err(ferr).Str("merchant_reference", tx.MerchantReference).Msg("record initialization failure")
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if err := s.ledger.AttachProviderReference(ctx, tx.MerchantReference, resp.ProviderReference); err != nil {
		s.log.Error().Err(err).Str("merchant_reference", tx.MerchantReference).Msg("attach provider reference")
	}
	if _, err := s.ledger.Update(ctx, tx.MerchantReference, Patch{Metadata: map[string]interface{}{
		"provider":     s.provider.Name(),
		"checkout_url": resp.CheckoutURL,
		"minor_amount": minor,
	}}); err != nil {
		s.log.Error().Err(err).Str("merchant_reference", tx.MerchantReference).Msg("store initialize metadata")
	}

	s.log.Info().
		Str("merchant_reference", tx.MerchantReference).
		Str("provider_reference", resp.ProviderReference).
		Str("amount", tx.Amount.String()).
		Int64("minor_amount", minor).
		Msg("payment initialized")

	return &InitializeResult{
		MerchantReference: tx.MerchantReference,
		ProviderReference: resp.ProviderReference,
		CheckoutURL:       resp.CheckoutURL,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		Status:            string(domain.StatusPending),
	}, nil
}

// createWithRetry inserts the ledger row, retrying once with a fresh
// reference if the first one collides.
func (s *PaymentService) createWithRetry(ctx context.Context, req InitializeRequest, description string, minor int64) (*models.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ref := s.refs.Generate()
		tx, err := s.ledger.Create(ctx, CreateParams{
			OwnerID:           req.OwnerID,
			Amount:            req.Amount,
			Currency:          s.cfg.Currency,
			MerchantReference: ref,
			Description:       description,
			Metadata: map[string]interface{}{
				"origin":       domain.SourceInitialize,
				"minor_amount": minor,
			},
		})
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
		s.log.Warn().Str("merchant_reference", ref).Int("attempt", attempt+1).Msg("merchant reference collision")
		lastErr = err
	}
	return nil, lastErr
}

func (s *PaymentService) ListForOwner(ctx context.Context, ownerID uint, limit int) ([]models.Transaction, error) {
	return s.ledger.ListForOwner(ctx, ownerID, limit)
}
