package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"premiumpay/internal/domain"
	"premiumpay/internal/models"
	"premiumpay/pkg/payment"
)

func TestApplyOutcome_CompleteTwiceGrantsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	tx := h.transaction(t, res.MerchantReference)
	out, err := h.reconciler.ApplyOutcome(ctx, tx, payment.StatusReport{Status: domain.StatusComplete, RawStatus: "complete"}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, out.PremiumGranted)

	first := h.user(t, u.ID)
	require.True(t, first.IsPremium)
	require.NotNil(t, first.LastPaymentDate)
	assert.Equal(t, res.MerchantReference, first.PaymentReference)

	// Both a fresh read of the row and a stale in-memory copy are no-ops.
	stale := *tx
	stale.Status = domain.StatusPending
	for _, target := range []*models.Transaction{h.transaction(t, res.MerchantReference), &stale} {
		out, err = h.reconciler.ApplyOutcome(ctx, target, payment.StatusReport{Status: domain.StatusComplete, RawStatus: "complete"}, domain.SourceWebhook)
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.False(t, out.PremiumGranted)
		assert.Equal(t, domain.StatusComplete, out.Status)
	}

	second := h.user(t, u.ID)
	assert.True(t, first.LastPaymentDate.Equal(*second.LastPaymentDate))
	assert.Equal(t, int64(1), h.premiumGrants(t, u.ID))
	assert.Equal(t, float64(1), h.counter(t, "test_payments_premium_grants_total"))
}

func TestApplyOutcome_TerminalStatusNeverChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	tx := h.transaction(t, res.MerchantReference)
	_, err := h.reconciler.ApplyOutcome(ctx, tx, payment.StatusReport{Status: domain.StatusFailed, RawStatus: "failed"}, domain.SourceVerify)
	require.NoError(t, err)

	out, err := h.reconciler.ApplyOutcome(ctx, tx, payment.StatusReport{Status: domain.StatusComplete, RawStatus: "complete"}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)

	stored := h.transaction(t, res.MerchantReference)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	// Metadata is still refreshed.
	assert.Equal(t, "complete", stored.Metadata["webhook_status"])
	assert.False(t, h.user(t, u.ID).IsPremium)
}

func TestApplyOutcome_PendingIsNoop(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	tx := h.transaction(t, res.MerchantReference)
	out, err := h.reconciler.ApplyOutcome(context.Background(), tx, payment.StatusReport{Status: domain.StatusPending, RawStatus: "processing"}, domain.SourceVerify)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, domain.StatusPending, out.Status)
	assert.Equal(t, domain.StatusPending, h.transaction(t, res.MerchantReference).Status)
}

func TestApplyOutcome_BelowPremiumAmount(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 500)

	tx := h.transaction(t, res.MerchantReference)
	out, err := h.reconciler.ApplyOutcome(context.Background(), tx, payment.StatusReport{Status: domain.StatusComplete}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, out.PremiumGranted)
	assert.Equal(t, domain.StatusComplete, h.transaction(t, res.MerchantReference).Status)
	assert.False(t, h.user(t, u.ID).IsPremium)
}

func TestApplyOutcome_AmountAuthority(t *testing.T) {
	// The provider says only 500 was paid.
	report := payment.StatusReport{Status: domain.StatusComplete, RawStatus: "complete", MinorAmount: decimal.NewFromInt(500), Currency: "XAF"}

	t.Run("ledger", func(t *testing.T) {
		h := newHarness(t, withAuthority(AmountAuthorityLedger))
		u := h.createUser(t, "a@example.com")
		res := h.initialize(t, u.ID, 1000)
		out, err := h.reconciler.ApplyOutcome(context.Background(), h.transaction(t, res.MerchantReference), report, domain.SourceVerify)
		require.NoError(t, err)
		assert.True(t, out.PremiumGranted)
	})

	t.Run("provider", func(t *testing.T) {
		h := newHarness(t, withAuthority(AmountAuthorityProvider))
		u := h.createUser(t, "a@example.com")
		res := h.initialize(t, u.ID, 1000)
		out, err := h.reconciler.ApplyOutcome(context.Background(), h.transaction(t, res.MerchantReference), report, domain.SourceVerify)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.False(t, out.PremiumGranted)
	})
}

func TestApplyOutcome_CurrencyMismatchDoesNotGrant(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	out, err := h.reconciler.ApplyOutcome(context.Background(), h.transaction(t, res.MerchantReference),
		payment.StatusReport{Status: domain.StatusComplete, MinorAmount: decimal.NewFromInt(1000), Currency: "EUR"}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, out.PremiumGranted)
}

func TestApplyOutcome_NotifiesOwner(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	_, err := h.reconciler.ApplyOutcome(context.Background(), h.transaction(t, res.MerchantReference), payment.StatusReport{Status: domain.StatusComplete}, domain.SourceWebhook)
	require.NoError(t, err)

	list, err := h.notifications.List(context.Background(), u.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.NotificationPremiumActivated, list[0].Type)
	assert.Equal(t, res.MerchantReference, list[0].Data["reference"])
}

func TestVerify_NotFoundAndForeignOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.createUser(t, "a@example.com")
	other := h.createUser(t, "b@example.com")
	res := h.initialize(t, owner.ID, 1000)

	got, err := h.reconciler.Verify(ctx, "REF-missing", owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyNotFound, got.Status)
	assert.False(t, got.Paid)

	got, err = h.reconciler.Verify(ctx, res.MerchantReference, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyNotFound, got.Status)
	assert.Equal(t, int64(0), h.stub.StatusCalls())
}

func TestVerify_CompletesFromProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	got, err := h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.False(t, got.Paid)

	require.NoError(t, h.stub.Settle(res.MerchantReference, "complete"))
	got, err = h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Paid)
	assert.Equal(t, string(domain.StatusComplete), got.Status)
	assert.True(t, h.user(t, u.ID).IsPremium)
	assert.Equal(t, int64(2), h.stub.StatusCalls())
}

func TestVerify_CompleteNeverCallsProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)
	require.NoError(t, h.stub.Settle(res.MerchantReference, "complete"))

	_, err := h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
	require.NoError(t, err)
	calls := h.stub.StatusCalls()

	for i := 0; i < 5; i++ {
		got, err := h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
		require.NoError(t, err)
		assert.True(t, got.Paid)
	}
	assert.Equal(t, calls, h.stub.StatusCalls())
}

func TestVerify_ProviderFailureReportsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	h.stub.FailStatus(errors.New("connection reset"))
	got, err := h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending)

	h.stub.FailStatus(payment.ErrNotFound)
	got, err = h.reconciler.Verify(ctx, res.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Equal(t, domain.StatusPending, h.transaction(t, res.MerchantReference).Status)
}

func TestVerify_ProviderTimeoutReportsPending(t *testing.T) {
	h := newHarness(t)
	h.reconciler.cfg.ProviderTimeout = 30 * time.Millisecond
	u := h.createUser(t, "a@example.com")
	res := h.initialize(t, u.ID, 1000)

	h.stub.SetDelay(time.Second)
	start := time.Now()
	got, err := h.reconciler.Verify(context.Background(), res.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRace_WebhookAndVerifyGrantOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		u := h.createUser(t, "a@example.com")
		res := h.initialize(t, u.ID, 1000)
		require.NoError(t, h.stub.Settle(res.MerchantReference, "complete"))
		body := webhookBody(t, map[string]interface{}{
			"event": "payment.complete",
			"data": map[string]interface{}{
				"merchant_reference": res.MerchantReference,
				"reference":          res.ProviderReference,
				"status":             "complete",
				"amount":             1000,
				"currency":           "XAF",
			},
		})

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 3; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				_, err := h.reconciler.OnWebhook(context.Background(), body)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				<-start
				got, err := h.reconciler.Verify(context.Background(), res.MerchantReference, u.ID)
				assert.NoError(t, err)
				assert.True(t, got.Paid)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(1), h.premiumGrants(t, u.ID))
		audits, err := h.audits.ListByResource(context.Background(), "transaction", res.MerchantReference)
		require.NoError(t, err)
		completed := 0
		for _, a := range audits {
			if a.Action == domain.AuditPaymentCompleted {
				completed++
			}
		}
		assert.Equal(t, 1, completed)
		assert.Equal(t, float64(1), h.counter(t, "test_payments_premium_grants_total"))
	}
}

func TestOnWebhook_UnknownReferenceDoesNotUpgrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")

	res, err := h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"event": "payment.complete",
		"data": map[string]interface{}{
			"merchant_reference": "REF-forged",
			"status":             "complete",
			"amount":             1000,
			"metadata":           map[string]interface{}{"user_id": u.ID},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookUnmatched, res.Outcome)
	assert.Equal(t, "REF-forged", res.MerchantReference)

	tx := h.transaction(t, "REF-forged")
	require.NotNil(t, tx.OwnerID)
	assert.Equal(t, u.ID, *tx.OwnerID)
	assert.Equal(t, domain.StatusComplete, tx.Status)
	assert.False(t, h.user(t, u.ID).IsPremium)
	assert.Equal(t, int64(0), h.premiumGrants(t, u.ID))

	// Redelivery finds the recorded row and still does nothing.
	res, err = h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"data": map[string]interface{}{"merchant_reference": "REF-forged", "status": "complete"},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookNoop, res.Outcome)
	assert.False(t, h.user(t, u.ID).IsPremium)
}

func TestOnWebhook_UnknownPendingThenCompleteNeverGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")

	_, err := h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"transaction": map[string]interface{}{"reference": "trx.orphan", "status": "pending", "metadata": map[string]interface{}{"user_id": u.ID}},
	}))
	require.NoError(t, err)

	res, err := h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"transaction": map[string]interface{}{"reference": "trx.orphan", "status": "complete", "metadata": map[string]interface{}{"user_id": u.ID}},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Outcome)
	assert.Equal(t, domain.StatusComplete, res.Status)
	assert.False(t, res.PremiumGranted)
	assert.False(t, h.user(t, u.ID).IsPremium)
	assert.Equal(t, int64(0), h.premiumGrants(t, u.ID))

	tx, err := h.txs.GetByProviderRef(ctx, "trx.orphan")
	require.NoError(t, err)
	require.NotNil(t, tx.OwnerID)
	assert.Equal(t, u.ID, *tx.OwnerID)
	assert.NotNil(t, tx.CompletedAt)

	notes, err := h.notifications.List(ctx, u.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestOnWebhook_MatchesByProviderReference(t *testing.T) {
	h := newHarness(t)
	u := h.createUser(t, "a@example.com")
	init := h.initialize(t, u.ID, 1000)

	res, err := h.reconciler.OnWebhook(context.Background(), webhookBody(t, map[string]interface{}{
		"event":       "payment.complete",
		"transaction": map[string]interface{}{"reference": init.ProviderReference, "status": "complete"},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Outcome)
	assert.Equal(t, init.MerchantReference, res.MerchantReference)
	assert.True(t, res.PremiumGranted)
}

func TestOnWebhook_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	res, err := h.reconciler.OnWebhook(context.Background(), []byte(`{"status":"complete"}`))
	assert.ErrorIs(t, err, payment.ErrNoReference)
	assert.Equal(t, WebhookInvalid, res.Outcome)
}

func TestScenario_InitializeWebhookThenVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")

	init := h.initialize(t, u.ID, 1000)
	require.NotEmpty(t, init.ProviderReference)

	res, err := h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"event": "payment.complete",
		"data": map[string]interface{}{
			"merchant_reference": init.MerchantReference,
			"reference":          init.ProviderReference,
			"status":             "complete",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Outcome)

	calls := h.stub.StatusCalls()
	got, err := h.reconciler.Verify(ctx, init.MerchantReference, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Paid)
	assert.False(t, got.Pending)
	assert.Equal(t, calls, h.stub.StatusCalls())
}

func TestScenario_EarlyUnknownWebhookThenRealOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "a@example.com")
	init := h.initialize(t, u.ID, 1000)

	res, err := h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"data": map[string]interface{}{"reference": "trx.early", "status": "complete"},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookUnmatched, res.Outcome)
	orphan, err := h.txs.GetByProviderRef(ctx, "trx.early")
	require.NoError(t, err)
	assert.Nil(t, orphan.OwnerID)
	assert.False(t, h.user(t, u.ID).IsPremium)

	res, err = h.reconciler.OnWebhook(ctx, webhookBody(t, map[string]interface{}{
		"data": map[string]interface{}{"merchant_reference": init.MerchantReference, "status": "complete"},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, res.Outcome)
	assert.True(t, res.PremiumGranted)
	assert.True(t, h.user(t, u.ID).IsPremium)
}

func TestQualifyingAmount_UsesMultiplier(t *testing.T) {
	h := newHarness(t, withMultiplier(100))
	tx := h.transaction(t, h.initialize(t, h.createUser(t, "a@example.com").ID, 1000).MerchantReference)

	got := h.reconciler.qualifyingAmount(tx, payment.StatusReport{MinorAmount: decimal.NewFromInt(100000)})
	assert.True(t, got.Equal(decimal.NewFromInt(1000)))
}

func TestQualifyingAmount_KeepsFractionalReport(t *testing.T) {
	h := newHarness(t, withAuthority(AmountAuthorityProvider))
	u := h.createUser(t, "a@example.com")
	tx, err := h.ledger.Create(context.Background(), CreateParams{
		OwnerID:           u.ID,
		Amount:            decimal.RequireFromString("1000.5"),
		Currency:          "XAF",
		MerchantReference: "REF-frac",
	})
	require.NoError(t, err)

	got := h.reconciler.qualifyingAmount(tx, payment.StatusReport{MinorAmount: decimal.RequireFromString("1000.5"), Currency: "XAF"})
	assert.True(t, got.Equal(decimal.RequireFromString("1000.5")))
	assert.Zero(t, h.counter(t, "test_payments_anomalies_total"))

	got = h.reconciler.qualifyingAmount(tx, payment.StatusReport{MinorAmount: decimal.NewFromInt(1000), Currency: "XAF"})
	assert.True(t, got.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, float64(1), h.counter(t, "test_payments_anomalies_total"))
}

func TestApplyOutcome_TerminalFailuresSetCompletedAt(t *testing.T) {
	for _, status := range []domain.TransactionStatus{domain.StatusFailed, domain.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			u := h.createUser(t, "a@example.com")
			res := h.initialize(t, u.ID, 1000)

			out, err := h.reconciler.ApplyOutcome(context.Background(), h.transaction(t, res.MerchantReference),
				payment.StatusReport{Status: status, RawStatus: string(status)}, domain.SourceWebhook)
			require.NoError(t, err)
			assert.True(t, out.Applied)

			stored := h.transaction(t, res.MerchantReference)
			assert.Equal(t, status, stored.Status)
			assert.NotNil(t, stored.CompletedAt)
			assert.False(t, h.user(t, u.ID).IsPremium)
		})
	}
}
