package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/logger"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/paylink/ledger-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, context.Context) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Transaction{}, &model.TransactionEvent{}, &model.Webhook{},
		&model.WhitelabelPartner{}, &model.AppKey{}, &model.AppKeyUsageLog{},
	))

	// cache failures are warn-only, so an expectation-less mock is fine
	rdb, _ := redismock.NewClientMock()

	log, _ := logger.New(false)
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	return NewService(repository, log), db, context.Background()
}

func newPayment(t *testing.T, svc *Service, ctx context.Context, amount, fee string) *model.Transaction {
	t.Helper()
	tx, err := svc.Create(ctx, CreateParams{
		MerchantID:    1,
		Type:          model.TypePayment,
		PaymentMethod: "card",
		Currency:      "USD",
		Amount:        decimal.RequireFromString(amount),
		FeeAmount:     decimal.RequireFromString(fee),
		Source:        "test",
	})
	assert.NoError(t, err)
	return tx
}

func completePayment(t *testing.T, svc *Service, ctx context.Context, id uuid.UUID) {
	t.Helper()
	_, err := svc.MarkProcessing(ctx, id, "test", nil)
	assert.NoError(t, err)
	_, err = svc.MarkCompleted(ctx, id, "test", nil)
	assert.NoError(t, err)
}

func TestCreate(t *testing.T) {
	svc, db, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "100.00", "2.50")
	assert.Equal(t, model.StatusPending, tx.Status)
	assert.True(t, tx.NetAmount.Equal(decimal.RequireFromString("97.50")))
	assert.Regexp(t, `^TXNPAY\d{14}[0-9a-f]{8}$`, tx.Reference)

	var events int64
	db.Model(&model.TransactionEvent{}).
		Where("transaction_id = ? AND event_type = ?", tx.ID, "transaction.created").
		Count(&events)
	assert.EqualValues(t, 1, events)
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.Create(ctx, CreateParams{
		MerchantID: 1, Type: model.TypePayment, PaymentMethod: "card",
		Currency: "USD", Amount: decimal.Zero,
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, CreateParams{
		MerchantID: 1, Type: model.TypePayment, PaymentMethod: "card",
		Currency: "USD", Amount: decimal.NewFromInt(-5),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, CreateParams{
		MerchantID: 1, Type: "subscription", PaymentMethod: "card",
		Currency: "USD", Amount: decimal.NewFromInt(10),
	})
	assert.Error(t, err)
}

func TestTransitionTable(t *testing.T) {
	svc, db, ctx := newTestService(t)

	for _, oldStatus := range model.AllStatuses() {
		for _, newStatus := range model.AllStatuses() {
			if oldStatus == newStatus {
				continue
			}
			tx := newPayment(t, svc, ctx, "10.00", "0")
			assert.NoError(t, db.Model(&model.Transaction{}).
				Where("id = ?", tx.ID).Update("status", oldStatus).Error)

			_, err := svc.Transition(ctx, tx.ID, newStatus, "test", nil, nil)

			var after model.Transaction
			assert.NoError(t, db.First(&after, "id = ?", tx.ID).Error)

			var changes int64
			db.Model(&model.TransactionEvent{}).
				Where("transaction_id = ? AND event_type = ?", tx.ID, "status.changed").
				Count(&changes)

			pair := oldStatus + " -> " + newStatus
			if model.IsValidTransition(oldStatus, newStatus) {
				assert.NoError(t, err, pair)
				assert.Equal(t, newStatus, after.Status, pair)
				assert.EqualValues(t, 1, changes, pair)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, pair)
				assert.Contains(t, err.Error(), pair)
				assert.Equal(t, oldStatus, after.Status, pair)
				assert.EqualValues(t, 0, changes, pair)
			}
		}
	}
}

func TestPendingCannotCompleteDirectly(t *testing.T) {
	svc, _, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "25.00", "0")
	_, err := svc.MarkCompleted(ctx, tx.ID, "test", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.GetByReference(ctx, tx.Reference)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestMarkFailedRecordsReason(t *testing.T) {
	svc, _, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "25.00", "0")
	failed, err := svc.MarkFailed(ctx, tx.ID, "card declined", "card_declined", "gateway", nil)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.NotNil(t, failed.FailedAt)
	assert.Equal(t, "card declined", *failed.FailureReason)
	assert.Equal(t, "card_declined", *failed.FailureCode)
}

func TestRefundFlow(t *testing.T) {
	svc, _, ctx := newTestService(t)

	payment := newPayment(t, svc, ctx, "100.00", "0")
	completePayment(t, svc, ctx, payment.ID)

	ok, err := svc.CanRefund(ctx, payment.ID)
	assert.NoError(t, err)
	assert.True(t, ok)

	refund1, err := svc.CreateRefund(ctx, payment.ID, decimal.RequireFromString("40.00"), "partial", nil)
	assert.NoError(t, err)
	assert.Equal(t, model.TypeRefund, refund1.Type)
	assert.Equal(t, model.StatusPending, refund1.Status)
	assert.Equal(t, payment.ID, *refund1.ParentTransactionID)
	assert.True(t, refund1.NetAmount.Equal(refund1.Amount))
	assert.Equal(t, payment.Currency, refund1.Currency)

	remaining, err := svc.RemainingRefundable(ctx, payment.ID)
	assert.NoError(t, err)
	assert.True(t, remaining.Equal(decimal.RequireFromString("60.00")), remaining.String())

	_, err = svc.CreateRefund(ctx, payment.ID, decimal.RequireFromString("60.00"), "rest", nil)
	assert.NoError(t, err)

	remaining, err = svc.RemainingRefundable(ctx, payment.ID)
	assert.NoError(t, err)
	assert.True(t, remaining.IsZero(), remaining.String())

	_, err = svc.CreateRefund(ctx, payment.ID, decimal.RequireFromString("0.01"), "over", nil)
	assert.ErrorIs(t, err, ErrRefundExceedsRemaining)

	// only completed refunds show up in the reported refunded amount
	refunded, err := svc.RefundedAmount(ctx, payment.ID)
	assert.NoError(t, err)
	assert.True(t, refunded.IsZero())

	completePayment(t, svc, ctx, refund1.ID)
	refunded, err = svc.RefundedAmount(ctx, payment.ID)
	assert.NoError(t, err)
	assert.True(t, refunded.Equal(decimal.RequireFromString("40.00")))

	// a completed refund child blocks further refund creation
	ok, err = svc.CanRefund(ctx, payment.ID)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRefundExceedingAmountCreatesNothing(t *testing.T) {
	svc, db, ctx := newTestService(t)

	payment := newPayment(t, svc, ctx, "100.00", "0")
	completePayment(t, svc, ctx, payment.ID)

	_, err := svc.CreateRefund(ctx, payment.ID, decimal.RequireFromString("150.00"), "too much", nil)
	assert.ErrorIs(t, err, ErrRefundExceedsRemaining)

	var children int64
	db.Model(&model.Transaction{}).
		Where("parent_transaction_id = ?", payment.ID).Count(&children)
	assert.EqualValues(t, 0, children)
}

func TestRefundRejectedForNonRefundable(t *testing.T) {
	svc, _, ctx := newTestService(t)

	// still pending
	pending := newPayment(t, svc, ctx, "50.00", "0")
	_, err := svc.CreateRefund(ctx, pending.ID, decimal.NewFromInt(10), "", nil)
	assert.ErrorIs(t, err, ErrRefundNotAllowed)

	// completed but not a payment
	payout, err := svc.Create(ctx, CreateParams{
		MerchantID: 1, Type: model.TypePayout, PaymentMethod: "bank",
		Currency: "USD", Amount: decimal.NewFromInt(50), Source: "test",
	})
	assert.NoError(t, err)
	completePayment(t, svc, ctx, payout.ID)
	_, err = svc.CreateRefund(ctx, payout.ID, decimal.NewFromInt(10), "", nil)
	assert.ErrorIs(t, err, ErrRefundNotAllowed)
}

func TestRefundRace(t *testing.T) {
	svc, db, ctx := newTestService(t)

	payment := newPayment(t, svc, ctx, "100.00", "0")
	completePayment(t, svc, ctx, payment.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateRefund(ctx, payment.ID, decimal.RequireFromString("60.00"), "race", nil)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 1, "concurrent refunds must not jointly over-refund")

	var refs []model.Transaction
	assert.NoError(t, db.Where("parent_transaction_id = ?", payment.ID).Find(&refs).Error)
	total := decimal.Zero
	for _, r := range refs {
		total = total.Add(r.Amount)
	}
	assert.True(t, total.LessThanOrEqual(payment.Amount), total.String())
}

func TestMarkSettled(t *testing.T) {
	svc, _, ctx := newTestService(t)

	payment := newPayment(t, svc, ctx, "100.00", "0")
	completePayment(t, svc, ctx, payment.ID)

	settled, err := svc.MarkSettled(ctx, payment.ID, "SETTLE-2026-09", nil, "batch", nil)
	assert.NoError(t, err)
	assert.True(t, settled.IsSettled)
	assert.Equal(t, "SETTLE-2026-09", *settled.SettlementReference)
	assert.NotNil(t, settled.SettlementDate)
	assert.Equal(t, model.StatusCompleted, settled.Status)
}

func TestMerchantStats(t *testing.T) {
	svc, _, ctx := newTestService(t)

	p1 := newPayment(t, svc, ctx, "100.00", "5.00")
	completePayment(t, svc, ctx, p1.ID)
	p2 := newPayment(t, svc, ctx, "50.00", "2.50")
	completePayment(t, svc, ctx, p2.ID)

	failed := newPayment(t, svc, ctx, "30.00", "0")
	_, err := svc.MarkFailed(ctx, failed.ID, "declined", "card_declined", "test", nil)
	assert.NoError(t, err)

	newPayment(t, svc, ctx, "20.00", "0") // stays pending

	stats, err := svc.GetMerchantStats(ctx, 1, nil, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
	assert.True(t, stats.TotalVolume.Equal(decimal.RequireFromString("150.00")), stats.TotalVolume.String())
	assert.True(t, stats.TotalFees.Equal(decimal.RequireFromString("7.50")), stats.TotalFees.String())
	assert.True(t, stats.NetVolume.Equal(decimal.RequireFromString("142.50")), stats.NetVolume.String())
}

func TestMerchantStatsEmpty(t *testing.T) {
	svc, _, ctx := newTestService(t)

	stats, err := svc.GetMerchantStats(ctx, 42, nil, nil)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
	assert.Zero(t, stats.SuccessRate)
	assert.True(t, stats.TotalVolume.IsZero())
	assert.True(t, stats.NetVolume.IsZero())
}

func TestTransactionHash(t *testing.T) {
	svc, _, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "100.00", "0")
	h1 := TransactionHash(tx)
	h2 := TransactionHash(tx)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	tampered := *tx
	tampered.Amount = decimal.NewFromInt(999)
	assert.NotEqual(t, h1, TransactionHash(&tampered))
}

func TestStatusFallsBackToDatabase(t *testing.T) {
	svc, _, ctx := newTestService(t)

	tx := newPayment(t, svc, ctx, "10.00", "0")
	status, err := svc.Status(ctx, tx.Reference)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)

	_, err = svc.Status(ctx, "TXNPAY00000000000000deadbeef")
	assert.Error(t, err)
}
