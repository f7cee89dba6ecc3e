package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"premiumpay/internal/metrics"
	"premiumpay/internal/models"
	"premiumpay/internal/repository"
	"premiumpay/pkg/payment"
)

// WebhookService stores each raw delivery once and hands new ones to the
// reconciler. Errors are recorded on the stored event, never returned to the
// provider.
type WebhookService struct {
	events     *repository.WebhookEventRepository
	reconciler *Reconciler
	provider   string
	metrics    metrics.Recorder
	log        zerolog.Logger
}

func NewWebhookService(events *repository.WebhookEventRepository, reconciler *Reconciler, provider string, rec metrics.Recorder, log zerolog.Logger) *WebhookService {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &WebhookService{
		events:     events,
		reconciler: reconciler,
		provider:   provider,
		metrics:    rec,
		log:        log.With().Str("component", "webhooks").Logger(),
	}
}

func (s *WebhookService) Handle(ctx context.Context, body []byte, signatureValid bool) WebhookResult {
	ev, parseErr := payment.ParseWebhook(body)

	record := &models.WebhookEvent{
		Provider:        s.provider,
		ProviderEventID: eventID(ev, body),
		SignatureValid:  signatureValid,
		Payload:         storedPayload(body),
	}
	if ev != nil {
		record.EventType = ev.Type
	}
	created, stored, err := s.events.CreateIfNotExists(ctx, record)
	if err != nil {
		s.log.Error().Err(err).Msg("store webhook event")
	} else if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		s.log.Info().Str("event_id", stored.ProviderEventID).Msg("duplicate webhook delivery skipped")
		s.metrics.RecordWebhook(eventLabel(ev), WebhookDuplicate)
		return WebhookResult{Outcome: WebhookDuplicate, EventType: record.EventType}
	}

	var res WebhookResult
	var procErr error
	if parseErr != nil {
		s.log.Warn().Err(parseErr).Msg("unusable webhook payload")
		s.metrics.RecordWebhook(eventLabel(ev), WebhookInvalid)
		res, procErr = WebhookResult{Outcome: WebhookInvalid}, parseErr
	} else {
		res, procErr = s.reconciler.HandleEvent(ctx, ev)
		if procErr != nil {
			s.log.Error().Err(procErr).Str("event", ev.Type).Str("reference", ev.Reference()).Msg("webhook processing failed")
		}
	}

	if stored != nil {
		msg := ""
		if procErr != nil {
			msg = procErr.Error()
		}
		if err := s.events.MarkProcessed(ctx, stored.ID, msg); err != nil {
			s.log.Error().Err(err).Uint("event_row", stored.ID).Msg("mark webhook processed")
		}
	}
	return res
}

// eventID identifies one delivery. Providers reuse event ids across status
// changes of the same charge, so the body hash is always part of it.
func eventID(ev *payment.WebhookEvent, body []byte) string {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if ev != nil && ev.ID != "" {
		return ev.ID + ":" + digest[:16]
	}
	return "sha256:" + digest
}

func storedPayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	quoted, _ := json.Marshal(string(body))
	return datatypes.JSON(quoted)
}

func eventLabel(ev *payment.WebhookEvent) string {
	if ev == nil || ev.Type == "" {
		return "unknown"
	}
	return ev.Type
}
