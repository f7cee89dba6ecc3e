package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"premiumpay/internal/database"
	"premiumpay/internal/metrics"
	"premiumpay/internal/models"
	"premiumpay/internal/repository"
	"premiumpay/internal/service"
	"premiumpay/pkg/payment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newWebhookService(t *testing.T) (*service.WebhookService, *gorm.DB) {
	t.Helper()
	db := database.NewTestDB(t)
	log := zerolog.Nop()
	txs := repository.NewTransactionRepository(db)
	ledger := service.NewLedger(txs, decimal.NewFromInt(100), metrics.NoopRecorder{}, log)
	stub := payment.NewStubProvider()
	reconciler := service.NewReconciler(service.ReconcilerDeps{
		DB:       db,
		Ledger:   ledger,
		Users:    repository.NewUserRepository(db),
		Audits:   repository.NewAuditLogRepository(db),
		Provider: stub,
		Metrics:  metrics.NoopRecorder{},
		Logger:   log,
	}, service.ReconcilerConfig{
		PremiumAmount:       decimal.NewFromInt(1000),
		MinorUnitMultiplier: 1,
		AmountAuthority:     service.AmountAuthorityLedger,
		ProviderTimeout:     time.Second,
	})
	return service.NewWebhookService(repository.NewWebhookEventRepository(db), reconciler, stub.Name(), metrics.NoopRecorder{}, log), db
}

func postWebhook(h *PaymentWebhookHandler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/webhook", h.Handle)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPaymentWebhookHandler_NoSecretAcceptsUnsigned(t *testing.T) {
	svc, db := newWebhookService(t)
	h := NewPaymentWebhookHandler(svc, "", zerolog.Nop())

	body := []byte(`{"event":"payment.complete","data":{"merchant_reference":"REF-unknown","status":"complete"}}`)
	w := postWebhook(h, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	var stored models.WebhookEvent
	require.NoError(t, db.First(&stored).Error)
	assert.False(t, stored.SignatureValid)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestPaymentWebhookHandler_SignatureHeaders(t *testing.T) {
	svc, db := newWebhookService(t)
	h := NewPaymentWebhookHandler(svc, "secret", zerolog.Nop())
	body := []byte(`{"event":"payment.pending","data":{"merchant_reference":"REF-x","status":"pending"}}`)

	w := postWebhook(h, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(h, body, map[string]string{"X-Webhook-Signature": "sha256=" + payment.Sign(body, "secret")})
	assert.Equal(t, http.StatusOK, w.Code)

	var stored models.WebhookEvent
	require.NoError(t, db.First(&stored).Error)
	assert.True(t, stored.SignatureValid)
}

func TestPaymentWebhookHandler_BodyTooLargeIsAcknowledged(t *testing.T) {
	svc, db := newWebhookService(t)
	h := NewPaymentWebhookHandler(svc, "", zerolog.Nop())
	w := postWebhook(h, []byte(strings.Repeat("a", maxWebhookBody+1)), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	var n int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestNotificationHandler_MarkRead(t *testing.T) {
	db := database.NewTestDB(t)
	repo := repository.NewNotificationRepository(db)
	svc := service.NewNotificationService(repo, nil, zerolog.Nop())
	require.NoError(t, svc.Notify(context.Background(), 7, "PREMIUM_ACTIVATED", "t", "b", nil))
	list, err := svc.List(context.Background(), 7, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	h := NewNotificationHandler(svc)
	r := gin.New()
	r.PATCH("/n/:id/read", func(c *gin.Context) {
		if c.GetHeader("X-User") == "owner" {
			c.Set("user_id", uint(7))
		} else {
			c.Set("user_id", uint(8))
		}
		h.MarkRead(c)
	})

	do := func(path, user string) int {
		req := httptest.NewRequest(http.MethodPatch, path, nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	id := list[0].ID
	assert.Equal(t, http.StatusBadRequest, do("/n/abc/read", "owner"))
	assert.Equal(t, http.StatusNotFound, do("/n/"+strconv.FormatUint(uint64(id), 10)+"/read", "intruder"))
	assert.Equal(t, http.StatusOK, do("/n/"+strconv.FormatUint(uint64(id), 10)+"/read", "owner"))
	assert.Equal(t, http.StatusNotFound, do("/n/"+strconv.FormatUint(uint64(id), 10)+"/read", "owner"))
}
