package repo

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/logger"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB, redismock.ClientMock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Transaction{}, &model.TransactionEvent{}, &model.Webhook{},
		&model.WhitelabelPartner{}, &model.AppKey{}, &model.AppKeyUsageLog{},
	))
	rdb, mock := redismock.NewClientMock()
	return NewRepository(db, rdb, &kafka.Writer{}, must(logger.New(false))), db, mock
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestIncrementKeyUsage_Atomic(t *testing.T) {
	r, db, _ := newTestRepo(t)
	ctx := context.Background()

	db.Create(&model.WhitelabelPartner{Name: "Acme", Code: "acme"})
	key := &model.AppKey{PartnerID: 1, Name: "k", PublicKey: "pk_acme_x", SecretKeyHash: "h", Status: model.KeyStatusActive}
	assert.NoError(t, db.Create(key).Error)

	for i := 0; i < 3; i++ {
		assert.NoError(t, r.IncrementKeyUsage(ctx, key.ID, time.Now()))
	}

	var stored model.AppKey
	assert.NoError(t, db.First(&stored, "id = ?", key.ID).Error)
	assert.EqualValues(t, 3, stored.TotalRequests)

	assert.ErrorIs(t, r.IncrementKeyUsage(ctx, 9999, time.Now()), gorm.ErrRecordNotFound)
}

func TestStatusCache(t *testing.T) {
	r, _, mock := newTestRepo(t)
	ctx := context.Background()

	mock.ExpectSet("txstatus:TXNPAYx", "completed", 5*time.Minute).SetVal("OK")
	mock.ExpectGet("txstatus:TXNPAYx").SetVal("completed")

	assert.NoError(t, r.CacheStatus(ctx, "TXNPAYx", "completed"))
	status, err := r.GetCachedStatus(ctx, "TXNPAYx")
	assert.NoError(t, err)
	assert.Equal(t, "completed", status)
}

func TestPollDueWebhooks(t *testing.T) {
	r, db, _ := newTestRepo(t)
	ctx := context.Background()

	txID := uuid.New()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &model.Webhook{TransactionID: txID, URL: "https://a", EventType: "e", Payload: "{}", MaxAttempts: 3, NextAttemptAt: &past}
	fresh := &model.Webhook{TransactionID: txID, URL: "https://b", EventType: "e", Payload: "{}", MaxAttempts: 3}
	notYet := &model.Webhook{TransactionID: txID, URL: "https://c", EventType: "e", Payload: "{}", MaxAttempts: 3, NextAttemptAt: &future}
	spent := &model.Webhook{TransactionID: txID, URL: "https://d", EventType: "e", Payload: "{}", MaxAttempts: 3, Attempts: 3, NextAttemptAt: &past}
	delivered := &model.Webhook{TransactionID: txID, URL: "https://e", EventType: "e", Payload: "{}", MaxAttempts: 3, IsDelivered: true}
	for _, w := range []*model.Webhook{due, fresh, notYet, spent, delivered} {
		assert.NoError(t, db.Create(w).Error)
	}

	hooks, err := r.PollDueWebhooks(ctx, 10)
	assert.NoError(t, err)
	urls := map[string]bool{}
	for _, h := range hooks {
		urls[h.URL] = true
	}
	assert.Len(t, hooks, 2)
	assert.True(t, urls["https://a"])
	assert.True(t, urls["https://b"])
}

func TestEventOutbox(t *testing.T) {
	r, db, _ := newTestRepo(t)
	ctx := context.Background()

	txID := uuid.New()
	evt := &model.TransactionEvent{TransactionID: txID, EventType: "status.changed", Source: "test", Metadata: "{}"}
	assert.NoError(t, db.Create(evt).Error)

	pending, err := r.PollUnpublishedEvents(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.NoError(t, r.MarkEventPublished(ctx, evt.ID))

	pending, err = r.PollUnpublishedEvents(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, pending, 0)

	// audit fields survive the publish bookkeeping untouched
	var stored model.TransactionEvent
	assert.NoError(t, db.First(&stored, "id = ?", evt.ID).Error)
	assert.Equal(t, "status.changed", stored.EventType)
	assert.True(t, stored.Published)
	assert.NotNil(t, stored.PublishedAt)
}

func TestSumRefunds(t *testing.T) {
	r, db, _ := newTestRepo(t)
	ctx := context.Background()

	parentID := uuid.New()
	mk := func(status, amount string) *model.Transaction {
		return &model.Transaction{
			ID: uuid.New(), Reference: uuid.NewString(), MerchantID: 1,
			Type: model.TypeRefund, Status: status, PaymentMethod: "card",
			Currency:            "USD",
			Amount:              decimal.RequireFromString(amount),
			NetAmount:           decimal.RequireFromString(amount),
			ParentTransactionID: &parentID,
		}
	}
	assert.NoError(t, db.Create(mk(model.StatusCompleted, "40.00")).Error)
	assert.NoError(t, db.Create(mk(model.StatusPending, "25.00")).Error)
	assert.NoError(t, db.Create(mk(model.StatusFailed, "10.00")).Error)

	completed, err := r.SumCompletedRefunds(ctx, r.DB(ctx), parentID)
	assert.NoError(t, err)
	assert.True(t, completed.Equal(decimal.RequireFromString("40.00")), completed.String())

	active, err := r.SumActiveRefunds(ctx, r.DB(ctx), parentID)
	assert.NoError(t, err)
	assert.True(t, active.Equal(decimal.RequireFromString("65.00")), active.String())

	open, err := r.HasOpenRefund(ctx, r.DB(ctx), parentID)
	assert.NoError(t, err)
	assert.True(t, open)
}
