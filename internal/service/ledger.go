package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"premiumpay/internal/domain"
	"premiumpay/internal/metrics"
	"premiumpay/internal/models"
	"premiumpay/internal/repository"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("duplicate merchant reference")
	ErrNotFound            = errors.New("transaction not found")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// Namespace selects which reference column a lookup may use.
type Namespace int

const (
	// MerchantNamespace matches merchant_reference only.
	MerchantNamespace Namespace = iota
	// ProviderNamespace matches merchant_reference first, then provider_reference.
	// Use it only for references that came from the provider.
	ProviderNamespace
)

type CreateParams struct {
	OwnerID           uint
	Amount            decimal.Decimal
	Currency          string
	MerchantReference string
	Description       string
	Metadata          map[string]interface{}
}

// UnattributedParams describes a transaction first seen through a webhook.
// OwnerHint comes from the payload and is not trusted for side effects.
type UnattributedParams struct {
	MerchantReference string
	ProviderReference string
	OwnerHint         *uint
	Amount            decimal.Decimal
	Currency          string
	Status            domain.TransactionStatus
	Metadata          map[string]interface{}
}

// Patch is a status transition plus metadata to merge. An empty or pending
// Status only merges metadata.
type Patch struct {
	Status   domain.TransactionStatus
	Metadata map[string]interface{}
}

// Ledger is the authoritative record of payment attempts.
type Ledger struct {
	txs     *repository.TransactionRepository
	minimum decimal.Decimal
	metrics metrics.Recorder
	log     zerolog.Logger
	now     func() time.Time
}

func NewLedger(txs *repository.TransactionRepository, minimum decimal.Decimal, rec metrics.Recorder, log zerolog.Logger) *Ledger {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Ledger{
		txs:     txs,
		minimum: minimum,
		metrics: rec,
		log:     log.With().Str("component", "ledger").Logger(),
		now:     time.Now,
	}
}

// WithTx returns a ledger whose writes go through tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	cp := *l
	cp.txs = l.txs.WithTx(tx)
	return &cp
}

func (l *Ledger) Create(ctx context.Context, p CreateParams) (*models.Transaction, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if p.Amount.LessThan(l.minimum) {
		return nil, fmt.Errorf("%w: amount %s is below the minimum of %s", ErrInvalidAmount, p.Amount.String(), l.minimum.String())
	}
	if p.MerchantReference == "" {
		return nil, errors.New("merchant reference is required")
	}
	owner := p.OwnerID
	t := &models.Transaction{
		MerchantReference: p.MerchantReference,
		OwnerID:           &owner,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Description:       p.Description,
		Status:            domain.StatusPending,
		Metadata:          datatypes.JSONMap(p.Metadata),
	}
	if err := l.txs.Create(ctx, t); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, p.MerchantReference)
		}
		return nil, err
	}
	return t, nil
}

// RecordUnattributed stores a transaction the ledger has never seen, owned by
// the payload's owner hint if any, in whatever status the provider reported.
// The row is marked as webhook-originated; it never grants premium.
func (l *Ledger) RecordUnattributed(ctx context.Context, p UnattributedParams) (*models.Transaction, error) {
	meta := datatypes.JSONMap{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["origin"] = domain.SourceWebhook
	status := p.Status
	if !status.Valid() {
		status = domain.StatusPending
	}
	t := &models.Transaction{
		MerchantReference: p.MerchantReference,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            status,
		Metadata:          meta,
	}
	if p.OwnerHint != nil && *p.OwnerHint != 0 {
		owner := *p.OwnerHint
		t.OwnerID = &owner
	}
	if p.ProviderReference != "" {
		ref := p.ProviderReference
		t.ProviderReference = &ref
	}
	if status.IsTerminal() {
		now := l.now()
		t.CompletedAt = &now
	}
	if err := l.txs.Create(ctx, t); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, p.MerchantReference)
		}
		return nil, err
	}
	return t, nil
}

func (l *Ledger) FindByReference(ctx context.Context, ref string, ns Namespace) (*models.Transaction, error) {
	t, err := l.txs.GetByMerchantRef(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if ns != ProviderNamespace {
		return nil, ErrNotFound
	}
	t, err = l.txs.GetByProviderRef(ctx, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// FindForOwner looks up a merchant reference scoped to ownerID. Another
// owner's transaction is reported as ErrNotFound.
func (l *Ledger) FindForOwner(ctx context.Context, ref string, ownerID uint) (*models.Transaction, error) {
	t, err := l.txs.GetForOwner(ctx, ref, ownerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

func (l *Ledger) ListForOwner(ctx context.Context, ownerID uint, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return l.txs.ListForOwner(ctx, ownerID, limit)
}

// Update applies a pending -> terminal transition with a conditional write and
// merges metadata. applied is false when the transaction had already left
// pending; that is not an error.
func (l *Ledger) Update(ctx context.Context, ref string, p Patch) (bool, error) {
	applied := false
	if p.Status.IsTerminal() {
		won, err := l.txs.TransitionStatus(ctx, ref, p.Status, l.now())
		if err != nil {
			return false, err
		}
		applied = won
	}
	if err := l.txs.MergeMetadata(ctx, ref, p.Metadata); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return applied, err
	}
	return applied, nil
}

// AttachProviderReference sets the provider reference once. A different value
// arriving later is logged and ignored.
func (l *Ledger) AttachProviderReference(ctx context.Context, ref, providerRef string) error {
	if providerRef == "" {
		return nil
	}
	set, err := l.txs.SetProviderRefIfEmpty(ctx, ref, providerRef)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			l.metrics.RecordAnomaly("provider_reference_taken")
			l.log.Warn().
				Str("merchant_reference", ref).
				Str("provider_reference", providerRef).
				Msg("provider reference already belongs to another transaction")
			return nil
		}
		return err
	}
	if set {
		return nil
	}
	t, err := l.txs.GetByMerchantRef(ctx, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if existing := t.ProviderRef(); existing != providerRef {
		l.metrics.RecordAnomaly("provider_reference_conflict")
		l.log.Warn().
			Str("merchant_reference", ref).
			Str("provider_reference", existing).
			Str("reported_reference", providerRef).
			Msg("conflicting provider reference ignored")
	}
	return nil
}
