package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"premiumpay/internal/domain"
	"premiumpay/internal/metrics"
	"premiumpay/internal/models"
	"premiumpay/internal/reference"
	"premiumpay/internal/repository"
	"premiumpay/pkg/payment"
)

const (
	AmountAuthorityLedger   = "ledger"
	AmountAuthorityProvider = "provider"
)

// PaymentNotifier is told about won transitions after they commit.
type PaymentNotifier interface {
	NotifyPremiumActivated(ctx context.Context, userID uint, reference string) error
	NotifyPaymentFailed(ctx context.Context, userID uint, reference string, status domain.TransactionStatus) error
	PushPaymentStatus(userID uint, reference string, status domain.TransactionStatus)
}

type ReconcilerConfig struct {
	PremiumAmount       decimal.Decimal
	MinorUnitMultiplier int64
	AmountAuthority     string
	ProviderTimeout     time.Duration
}

// VerifyResult is what a polling client sees. Status is a ledger status or
// domain.VerifyNotFound.
type VerifyResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Paid      bool   `json:"paid"`
	Pending   bool   `json:"pending"`
}

// Outcome describes what ApplyOutcome did.
type Outcome struct {
	Status         domain.TransactionStatus
	Applied        bool
	PremiumGranted bool
}

// WebhookResult outcomes.
const (
	WebhookApplied   = "applied"
	WebhookNoop      = "noop"
	WebhookUnmatched = "unmatched"
	WebhookInvalid   = "invalid"
	WebhookError     = "error"
	WebhookDuplicate = "duplicate"
)

type WebhookResult struct {
	Outcome           string
	EventType         string
	MerchantReference string
	Status            domain.TransactionStatus
	PremiumGranted    bool
}

// Reconciler maps provider status reports onto the ledger and grants premium
// exactly once per completed transaction.
type Reconciler struct {
	db       *gorm.DB
	ledger   *Ledger
	users    *repository.UserRepository
	audits   *repository.AuditLogRepository
	provider payment.Provider
	notifier PaymentNotifier
	refs     *reference.Generator
	cfg      ReconcilerConfig
	metrics  metrics.Recorder
	log      zerolog.Logger
	group    singleflight.Group
	now      func() time.Time
}

type ReconcilerDeps struct {
	DB       *gorm.DB
	Ledger   *Ledger
	Users    *repository.UserRepository
	Audits   *repository.AuditLogRepository
	Provider payment.Provider
	Notifier PaymentNotifier
	Refs     *reference.Generator
	Metrics  metrics.Recorder
	Logger   zerolog.Logger
}

func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.Refs == nil {
		deps.Refs = reference.NewGenerator("")
	}
	if cfg.MinorUnitMultiplier < 1 {
		cfg.MinorUnitMultiplier = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.AmountAuthority == "" {
		cfg.AmountAuthority = AmountAuthorityLedger
	}
	return &Reconciler{
		db:       deps.DB,
		ledger:   deps.Ledger,
		users:    deps.Users,
		audits:   deps.Audits,
		provider: deps.Provider,
		notifier: deps.Notifier,
		refs:     deps.Refs,
		cfg:      cfg,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// Verify reports the status of the owner's transaction, asking the provider
// only while it is still pending. Provider failures are reported as pending.
func (r *Reconciler) Verify(ctx context.Context, merchantRef string, ownerID uint) (VerifyResult, error) {
	tx, err := r.ledger.FindForOwner(ctx, merchantRef, ownerID)
	if errors.Is(err, ErrNotFound) {
		r.metrics.RecordVerify(domain.VerifyNotFound)
		return VerifyResult{Reference: merchantRef, Status: domain.VerifyNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if tx.Status.IsTerminal() {
		r.metrics.RecordVerify(string(tx.Status))
		return verifyResult(merchantRef, tx.Status), nil
	}

	v, err, _ := r.group.Do(merchantRef, func() (interface{}, error) {
		return r.pollProvider(context.WithoutCancel(ctx), tx)
	})
	if err != nil {
		return VerifyResult{}, err
	}
	status := v.(domain.TransactionStatus)
	r.metrics.RecordVerify(string(status))
	return verifyResult(merchantRef, status), nil
}

func (r *Reconciler) pollProvider(ctx context.Context, tx *models.Transaction) (domain.TransactionStatus, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	lookup := tx.ProviderRef()
	if lookup == "" {
		lookup = tx.MerchantReference
	}
	report, err := r.provider.GetStatus(pctx, lookup)
	if err != nil {
		r.log.Warn().Err(err).
			Str("merchant_reference", tx.MerchantReference).
			Msg("provider status check failed, reporting pending")
		return domain.StatusPending, nil
	}
	if report.ProviderReference != "" {
		if err := r.ledger.AttachProviderReference(ctx, tx.MerchantReference, report.ProviderReference); err != nil {
			r.log.Error().Err(err).Str("merchant_reference", tx.MerchantReference).Msg("attach provider reference")
		}
	}
	out, err := r.ApplyOutcome(ctx, tx, *report, domain.SourceVerify)
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

func verifyResult(ref string, status domain.TransactionStatus) VerifyResult {
	return VerifyResult{
		Reference: ref,
		Status:    string(status),
		Paid:      status == domain.StatusComplete,
		Pending:   status == domain.StatusPending,
	}
}

// OnWebhook parses a provider webhook body and reconciles it.
func (r *Reconciler) OnWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		r.metrics.RecordWebhook("unknown", WebhookInvalid)
		return WebhookResult{Outcome: WebhookInvalid}, err
	}
	return r.HandleEvent(ctx, ev)
}

// HandleEvent reconciles an already parsed webhook. A reference the ledger has
// never seen is recorded without an owner and has no side effect.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *payment.WebhookEvent) (WebhookResult, error) {
	res := WebhookResult{EventType: ev.Type, Status: ev.Status}
	eventLabel := ev.Type
	if eventLabel == "" {
		eventLabel = "unknown"
	}

	tx, err := r.findForWebhook(ctx, ev)
	if errors.Is(err, ErrNotFound) {
		res.Outcome = WebhookUnmatched
		res.MerchantReference, err = r.recordUnmatched(ctx, ev)
		if err != nil {
			res.Outcome = WebhookError
		}
		r.metrics.RecordWebhook(eventLabel, res.Outcome)
		return res, err
	}
	if err != nil {
		res.Outcome = WebhookError
		r.metrics.RecordWebhook(eventLabel, res.Outcome)
		return res, err
	}
	res.MerchantReference = tx.MerchantReference

	if ev.ProviderReference != "" {
		if err := r.ledger.AttachProviderReference(ctx, tx.MerchantReference, ev.ProviderReference); err != nil {
			r.log.Error().Err(err).Str("merchant_reference", tx.MerchantReference).Msg("attach provider reference")
		}
	}

	out, err := r.ApplyOutcome(ctx, tx, payment.StatusReport{
		ProviderReference: ev.ProviderReference,
		MerchantReference: ev.MerchantReference,
		Status:            ev.Status,
		RawStatus:         ev.RawStatus,
		MinorAmount:       ev.MinorAmount,
		Currency:          ev.Currency,
		Raw:               ev.Raw,
	}, domain.SourceWebhook)
	if err != nil {
		res.Outcome = WebhookError
		r.metrics.RecordWebhook(eventLabel, res.Outcome)
		return res, err
	}
	res.Status = out.Status
	res.PremiumGranted = out.PremiumGranted
	res.Outcome = WebhookNoop
	if out.Applied {
		res.Outcome = WebhookApplied
	}
	r.metrics.RecordWebhook(eventLabel, res.Outcome)
	return res, nil
}

func (r *Reconciler) findForWebhook(ctx context.Context, ev *payment.WebhookEvent) (*models.Transaction, error) {
	if ev.MerchantReference != "" {
		tx, err := r.ledger.FindByReference(ctx, ev.MerchantReference, MerchantNamespace)
		if !errors.Is(err, ErrNotFound) || ev.ProviderReference == "" {
			return tx, err
		}
	}
	return r.ledger.FindByReference(ctx, ev.ProviderReference, ProviderNamespace)
}

func (r *Reconciler) recordUnmatched(ctx context.Context, ev *payment.WebhookEvent) (string, error) {
	merchantRef := ev.MerchantReference
	if merchantRef == "" {
		merchantRef = r.refs.Generate()
	}
	r.metrics.RecordAnomaly("unknown_reference")
	r.log.Warn().
		Str("merchant_reference", ev.MerchantReference).
		Str("provider_reference", ev.ProviderReference).
		Str("status", string(ev.Status)).
		Msg("webhook for unknown transaction recorded without side effects")

	_, err := r.ledger.RecordUnattributed(ctx, UnattributedParams{
		MerchantReference: merchantRef,
		ProviderReference: ev.ProviderReference,
		OwnerHint:         ev.OwnerHint,
		Amount:            payment.FromMinorUnits(ev.MinorAmount, r.cfg.MinorUnitMultiplier),
		Currency:          ev.Currency,
		Status:            ev.Status,
		Metadata: map[string]interface{}{
			"origin":          domain.SourceWebhook,
			"webhook_payload": ev.Raw,
			"webhook_status":  ev.RawStatus,
		},
	})
	if errors.Is(err, ErrDuplicateReference) {
		// A concurrent delivery of the same unknown event already recorded it.
		return merchantRef, nil
	}
	if err != nil {
		return merchantRef, err
	}

	if err := r.audits.Create(ctx, &models.AuditLog{
		Action:     domain.AuditWebhookUnmatched,
		Resource:   "transaction",
		ResourceID: merchantRef,
		Source:     domain.SourceWebhook,
		Metadata:   datatypes.JSONMap{"provider_reference": ev.ProviderReference, "status": ev.Status},
	}); err != nil {
		r.log.Error().Err(err).Msg("audit unmatched webhook")
	}
	return merchantRef, nil
}

// ApplyOutcome moves tx to the reported terminal status and, for a qualifying
// completion with a known owner, grants premium. Only the caller that wins the
// conditional pending -> terminal write gets any side effect.
func (r *Reconciler) ApplyOutcome(ctx context.Context, tx *models.Transaction, report payment.StatusReport, source string) (Outcome, error) {
	status := report.Status
	if !status.Valid() {
		status = payment.NormalizeStatus(report.RawStatus)
	}
	now := r.now()
	meta := map[string]interface{}{
		source + "_status": report.RawStatus,
		source + "_at":     now.UTC().Format(time.RFC3339),
	}
	if report.Raw != nil {
		meta[source+"_payload"] = report.Raw
	}

	if tx.Status.IsTerminal() || !status.IsTerminal() {
		if _, err := r.ledger.Update(ctx, tx.MerchantReference, Patch{Metadata: meta}); err != nil {
			return Outcome{}, err
		}
		if tx.Status.IsTerminal() {
			return Outcome{Status: tx.Status}, nil
		}
		return Outcome{Status: domain.StatusPending}, nil
	}

	qualifying := r.qualifyingAmount(tx, report)

	var out Outcome
	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		applied, err := r.ledger.WithTx(dbtx).Update(ctx, tx.MerchantReference, Patch{Status: status, Metadata: meta})
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		out.Applied = true

		audits := r.audits.WithTx(dbtx)
		if err := audits.Create(ctx, &models.AuditLog{
			UserID:     tx.OwnerID,
			Action:     auditActionFor(status),
			Resource:   "transaction",
			ResourceID: tx.MerchantReference,
			Source:     source,
			Metadata:   datatypes.JSONMap{"provider_status": report.RawStatus, "amount": tx.Amount.String()},
		}); err != nil {
			return err
		}

		if status != domain.StatusComplete {
			return nil
		}
		granted, err := r.grantPremium(ctx, dbtx, tx, qualifying, now, source)
		if err != nil {
			return err
		}
		out.PremiumGranted = granted
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("apply %s outcome for %s: %w", status, tx.MerchantReference, err)
	}

	if !out.Applied {
		// Lost the race; report what the winner wrote.
		current, err := r.ledger.FindByReference(ctx, tx.MerchantReference, MerchantNamespace)
		if err != nil {
			return Outcome{}, err
		}
		out.Status = current.Status
		*tx = *current
		return out, nil
	}

	out.Status = status
	tx.Status = status
	tx.CompletedAt = &now
	r.metrics.RecordTransition(string(status), source)
	if out.PremiumGranted {
		r.metrics.RecordPremiumGrant()
	}
	r.log.Info().
		Str("merchant_reference", tx.MerchantReference).
		Str("status", string(status)).
		Str("source", source).
		Bool("premium_granted", out.PremiumGranted).
		Msg("transaction reconciled")
	r.notifyOwner(ctx, tx, out)
	return out, nil
}

func (r *Reconciler) grantPremium(ctx context.Context, dbtx *gorm.DB, tx *models.Transaction, qualifying decimal.Decimal, now time.Time, source string) (bool, error) {
	if tx.FromWebhook() {
		r.metrics.RecordAnomaly("webhook_origin_completion")
		r.log.Warn().Str("merchant_reference", tx.MerchantReference).Msg("completed payment was never initialized here, premium not granted")
		return false, nil
	}
	if !tx.Attributed() {
		r.metrics.RecordAnomaly("unattributed_completion")
		r.log.Warn().Str("merchant_reference", tx.MerchantReference).Msg("completed payment has no owner, premium not granted")
		return false, nil
	}
	if qualifying.LessThan(r.cfg.PremiumAmount) {
		r.metrics.RecordAnomaly("below_premium_amount")
		r.log.Warn().
			Str("merchant_reference", tx.MerchantReference).
			Str("amount", qualifying.String()).
			Str("required", r.cfg.PremiumAmount.String()).
			Msg("completed payment below premium amount")
		return false, nil
	}
	ok, err := r.users.WithTx(dbtx).GrantPremium(ctx, *tx.OwnerID, tx.MerchantReference, now)
	if err != nil {
		return false, err
	}
	if !ok {
		r.metrics.RecordAnomaly("owner_missing")
		r.log.Warn().Uint("owner_id", *tx.OwnerID).Str("merchant_reference", tx.MerchantReference).Msg("owner account not found, premium not granted")
		return false, nil
	}
	err = r.audits.WithTx(dbtx).Create(ctx, &models.AuditLog{
		UserID:     tx.OwnerID,
		Action:     domain.AuditPremiumGranted,
		Resource:   "user",
		ResourceID: fmt.Sprintf("%d", *tx.OwnerID),
		Source:     source,
		Metadata:   datatypes.JSONMap{"merchant_reference": tx.MerchantReference},
	})
	return err == nil, err
}

// qualifyingAmount returns the amount the premium threshold is checked against.
func (r *Reconciler) qualifyingAmount(tx *models.Transaction, report payment.StatusReport) decimal.Decimal {
	if !report.MinorAmount.IsPositive() {
		return tx.Amount
	}
	reported := payment.FromMinorUnits(report.MinorAmount, r.cfg.MinorUnitMultiplier)
	if !reported.Equal(tx.Amount) {
		r.metrics.RecordAnomaly("amount_mismatch")
		r.log.Warn().
			Str("merchant_reference", tx.MerchantReference).
			Str("ledger_amount", tx.Amount.String()).
			Str("provider_amount", reported.String()).
			Msg("provider reported a different amount")
	}
	if report.Currency != "" && tx.Currency != "" && report.Currency != tx.Currency {
		r.metrics.RecordAnomaly("currency_mismatch")
		r.log.Warn().
			Str("merchant_reference", tx.MerchantReference).
			Str("ledger_currency", tx.Currency).
			Str("provider_currency", report.Currency).
			Msg("provider reported a different currency")
		return decimal.Zero
	}
	if r.cfg.AmountAuthority == AmountAuthorityProvider {
		return reported
	}
	return tx.Amount
}

func (r *Reconciler) notifyOwner(ctx context.Context, tx *models.Transaction, out Outcome) {
	if r.notifier == nil || !tx.Attributed() || tx.FromWebhook() {
		return
	}
	owner := *tx.OwnerID
	r.notifier.PushPaymentStatus(owner, tx.MerchantReference, out.Status)
	var err error
	switch {
	case out.PremiumGranted:
		err = r.notifier.NotifyPremiumActivated(ctx, owner, tx.MerchantReference)
	case out.Status == domain.StatusFailed || out.Status == domain.StatusCancelled:
		err = r.notifier.NotifyPaymentFailed(ctx, owner, tx.MerchantReference, out.Status)
	}
	if err != nil {
		r.log.Error().Err(err).Uint("owner_id", owner).Msg("notify owner")
	}
}

func auditActionFor(status domain.TransactionStatus) string {
	switch status {
	case domain.StatusComplete:
		return domain.AuditPaymentCompleted
	case domain.StatusCancelled:
		return domain.AuditPaymentCancelled
	default:
		return domain.AuditPaymentFailed
	}
}
