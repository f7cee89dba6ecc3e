package service

import (
	"context"

	"github.com/rs/zerolog"

	"premiumpay/internal/domain"
	"premiumpay/internal/models"
	"premiumpay/internal/repository"
)

// Pusher delivers a live event to a user's open connections.
type Pusher interface {
	BroadcastToUser(userID uint, payload interface{})
}

type NotificationService struct {
	repo   *repository.NotificationRepository
	pusher Pusher
	log    zerolog.Logger
}

func NewNotificationService(repo *repository.NotificationRepository, pusher Pusher, log zerolog.Logger) *NotificationService {
	return &NotificationService{
		repo:   repo,
		pusher: pusher,
		log:    log.With().Str("component", "notifications").Logger(),
	}
}

// Notify stores an in-app notification and pushes it live.
func (s *NotificationService) Notify(ctx context.Context, userID uint, notifType, title, body string, data map[string]interface{}) error {
	n := &models.Notification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   data,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return err
	}
	s.push(userID, map[string]interface{}{"type": "notification", "notification": n})
	return nil
}

func (s *NotificationService) List(ctx context.Context, userID uint, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByUserID(ctx, userID, limit, offset)
}

func (s *NotificationService) MarkRead(ctx context.Context, id, userID uint) (bool, error) {
	return s.repo.MarkRead(ctx, id, userID)
}

func (s *NotificationService) NotifyPremiumActivated(ctx context.Context, userID uint, reference string) error {
	return s.Notify(ctx, userID, domain.NotificationPremiumActivated, "Premium activated",
		"Your payment was confirmed and your premium access is now active.",
		map[string]interface{}{"reference": reference})
}

func (s *NotificationService) NotifyPaymentFailed(ctx context.Context, userID uint, reference string, status domain.TransactionStatus) error {
	return s.Notify(ctx, userID, domain.NotificationPaymentFailed, "Payment not completed",
		"Your payment was not completed. You can try again at any time.",
		map[string]interface{}{"reference": reference, "status": status})
}

// PushPaymentStatus sends a status change to the owner's open payment streams.
// Nothing is stored.
func (s *NotificationService) PushPaymentStatus(userID uint, reference string, status domain.TransactionStatus) {
	s.push(userID, map[string]interface{}{
		"type":      "payment_status",
		"reference": reference,
		"status":    status,
		"paid":      status == domain.StatusComplete,
	})
}

func (s *NotificationService) push(userID uint, payload interface{}) {
	if s.pusher == nil {
		return
	}
	s.pusher.BroadcastToUser(userID, payload)
}
