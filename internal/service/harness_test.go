package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"premiumpay/internal/database"
	"premiumpay/internal/domain"
	"premiumpay/internal/metrics"
	"premiumpay/internal/models"
	"premiumpay/internal/reference"
	"premiumpay/internal/repository"
	"premiumpay/pkg/payment"
)

type harness struct {
	db            *gorm.DB
	stub          *payment.StubProvider
	users         *repository.UserRepository
	audits        *repository.AuditLogRepository
	txs           *repository.TransactionRepository
	notifications *NotificationService
	ledger        *Ledger
	reconciler    *Reconciler
	payments      *PaymentService
	webhooks      *WebhookService
	metrics       *metrics.Prometheus
	registry      *prometheus.Registry
}

type harnessOption func(*ReconcilerConfig, *PaymentConfig)

func withMultiplier(m int64) harnessOption {
	return func(rc *ReconcilerConfig, pc *PaymentConfig) {
		rc.MinorUnitMultiplier = m
		pc.MinorUnitMultiplier = m
	}
}

func withAuthority(a string) harnessOption {
	return func(rc *ReconcilerConfig, _ *PaymentConfig) {
		rc.AmountAuthority = a
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := database.NewTestDB(t)
	log := zerolog.Nop()
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg, "test")

	h := &harness{
		db:       db,
		stub:     payment.NewStubProvider(),
		users:    repository.NewUserRepository(db),
		audits:   repository.NewAuditLogRepository(db),
		txs:      repository.NewTransactionRepository(db),
		metrics:  rec,
		registry: reg,
	}
	rc := ReconcilerConfig{
		PremiumAmount:       decimal.NewFromInt(1000),
		MinorUnitMultiplier: 1,
		AmountAuthority:     AmountAuthorityLedger,
		ProviderTimeout:     time.Second,
	}
	pc := PaymentConfig{
		Currency:            "XAF",
		MinorUnitMultiplier: 1,
		CallbackURL:         "https://app.example.com/payment/callback",
		DefaultDescription:  "Premium subscription",
		ProviderTimeout:     time.Second,
	}
	for _, o := range opts {
		o(&rc, &pc)
	}

	refs := reference.NewGenerator("REF")
	h.notifications = NewNotificationService(repository.NewNotificationRepository(db), nil, log)
	h.ledger = NewLedger(h.txs, decimal.NewFromInt(100), rec, log)
	h.reconciler = NewReconciler(ReconcilerDeps{
		DB:       db,
		Ledger:   h.ledger,
		Users:    h.users,
		Audits:   h.audits,
		Provider: h.stub,
		Notifier: h.notifications,
		Refs:     refs,
		Metrics:  rec,
		Logger:   log,
	}, rc)
	h.payments = NewPaymentService(h.ledger, h.reconciler, h.stub, refs, pc, log)
	h.webhooks = NewWebhookService(repository.NewWebhookEventRepository(db), h.reconciler, h.stub.Name(), rec, log)
	return h
}

func (h *harness) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, DisplayName: email}
	require.NoError(t, h.users.Create(context.Background(), u))
	return u
}

func (h *harness) user(t *testing.T, id uint) *models.User {
	t.Helper()
	u, err := h.users.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (h *harness) transaction(t *testing.T, ref string) *models.Transaction {
	t.Helper()
	tx, err := h.txs.GetByMerchantRef(context.Background(), ref)
	require.NoError(t, err)
	return tx
}

func (h *harness) premiumGrants(t *testing.T, userID uint) int64 {
	t.Helper()
	n, err := h.audits.CountByAction(context.Background(), domain.AuditPremiumGranted, userID)
	require.NoError(t, err)
	return n
}

func (h *harness) initialize(t *testing.T, ownerID uint, amount int64) *InitializeResult {
	t.Helper()
	res, err := h.payments.Initialize(context.Background(), InitializeRequest{
		OwnerID: ownerID,
		Amount:  decimal.NewFromInt(amount),
		Email:   "owner@example.com",
	})
	require.NoError(t, err)
	return res
}

func webhookBody(t *testing.T, payload map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

// counter sums every series of the named counter family.
func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
