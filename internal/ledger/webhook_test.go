package ledger

import (
	"testing"
	"time"

	"github.com/paylink/ledger-service/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffLadder(t *testing.T) {
	assert.Equal(t, 1*time.Minute, model.RetryBackoff(0))
	assert.Equal(t, 5*time.Minute, model.RetryBackoff(1))
	assert.Equal(t, 30*time.Minute, model.RetryBackoff(2))
	assert.Equal(t, 30*time.Minute, model.RetryBackoff(7))
}

func TestWebhookLifecycle(t *testing.T) {
	svc, db, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "10.00", "0")
	w, err := svc.EnqueueWebhook(ctx, tx.ID, "https://merchant.example/hooks", "transaction.completed",
		map[string]string{"reference": tx.Reference}, 3)
	assert.NoError(t, err)
	assert.False(t, w.IsDelivered)
	assert.Equal(t, 3, w.MaxAttempts)
	assert.Equal(t, 0, w.Attempts)

	// first failed attempt: record bumps attempts to 1, schedule then
	// picks the 5 minute rung
	code := 503
	assert.NoError(t, svc.RecordWebhookAttempt(ctx, w.ID, &code, "503 Service Unavailable", 120))
	next, err := svc.ScheduleWebhookRetry(ctx, w.ID)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *next, 5*time.Second)

	var reloaded model.Webhook
	assert.NoError(t, db.First(&reloaded, "id = ?", w.ID).Error)
	assert.Equal(t, 1, reloaded.Attempts)
	assert.Equal(t, 503, *reloaded.StatusCode)
	assert.NotNil(t, reloaded.NextAttemptAt)

	// burn the remaining attempts
	assert.NoError(t, svc.RecordWebhookAttempt(ctx, w.ID, &code, "503", 80))
	assert.NoError(t, svc.RecordWebhookAttempt(ctx, w.ID, &code, "503", 80))
	_, err = svc.ScheduleWebhookRetry(ctx, w.ID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestWebhookDelivered(t *testing.T) {
	svc, db, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "10.00", "0")
	w, err := svc.EnqueueWebhook(ctx, tx.ID, "https://merchant.example/hooks", "transaction.created", nil, 0)
	assert.NoError(t, err)

	ok := 200
	assert.NoError(t, svc.RecordWebhookAttempt(ctx, w.ID, &ok, "200 OK", 45))
	assert.NoError(t, svc.MarkWebhookDelivered(ctx, w.ID))

	var reloaded model.Webhook
	assert.NoError(t, db.First(&reloaded, "id = ?", w.ID).Error)
	assert.True(t, reloaded.IsDelivered)
	assert.NotNil(t, reloaded.DeliveredAt)
	assert.Equal(t, 1, reloaded.Attempts)
}
