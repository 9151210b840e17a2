package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/model"
	"gorm.io/gorm"
)

// ErrRetriesExhausted means the webhook already used every attempt.
var ErrRetriesExhausted = errors.New("webhook retries exhausted")

// EnqueueWebhook records an outbound notification for the poller to
// deliver.
func (s *Service) EnqueueWebhook(ctx context.Context, transactionID uuid.UUID, url, eventType string, payload interface{}, maxAttempts int) (*model.Webhook, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	w := &model.Webhook{
		TransactionID: transactionID,
		URL:           url,
		EventType:     eventType,
		Payload:       string(body),
		MaxAttempts:   maxAttempts,
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.CreateWebhook(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// MarkWebhookDelivered flags the webhook as delivered.
func (s *Service) MarkWebhookDelivered(ctx context.Context, webhookID uint64) error {
	now := time.Now()
	return s.repo.DB(ctx).Model(&model.Webhook{}).Where("id = ?", webhookID).
		Updates(map[string]interface{}{
			"is_delivered": true,
			"delivered_at": &now,
		}).Error
}

// RecordWebhookAttempt stores the outcome of one delivery attempt and
// bumps the attempt counter. Called by the poller after each HTTP call.
func (s *Service) RecordWebhookAttempt(ctx context.Context, webhookID uint64, statusCode *int, responseBody string, responseTimeMs int) error {
	updates := map[string]interface{}{
		"attempts":         gorm.Expr("attempts + 1"),
		"response_body":    responseBody,
		"response_time_ms": responseTimeMs,
	}
	if statusCode != nil {
		updates["status_code"] = *statusCode
	}
	return s.repo.DB(ctx).Model(&model.Webhook{}).Where("id = ?", webhookID).Updates(updates).Error
}

// ScheduleWebhookRetry computes the next attempt time from the backoff
// ladder. It does not touch the attempt counter and does not perform
// any HTTP call; it only records the schedule.
func (s *Service) ScheduleWebhookRetry(ctx context.Context, webhookID uint64) (*time.Time, error) {
	var next *time.Time
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var w model.Webhook
		if err := tx.WithContext(ctx).Where("id = ?", webhookID).First(&w).Error; err != nil {
			return err
		}
		if w.Attempts >= w.MaxAttempts {
			return ErrRetriesExhausted
		}
		at := time.Now().Add(model.RetryBackoff(w.Attempts))
		next = &at
		return tx.WithContext(ctx).Model(&model.Webhook{}).Where("id = ?", webhookID).
			Update("next_attempt_at", &at).Error
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
