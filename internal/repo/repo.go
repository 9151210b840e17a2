package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepositoryInterface restricts Repo methods so services can be unit
// tested against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	CreateEvent(ctx context.Context, tx *gorm.DB, evt *model.TransactionEvent) error
	SumCompletedRefunds(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (decimal.Decimal, error)
	SumActiveRefunds(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (decimal.Decimal, error)
	HasOpenRefund(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (bool, error)

	CreateWebhook(ctx context.Context, tx *gorm.DB, w *model.Webhook) error
	PollDueWebhooks(ctx context.Context, limit int) ([]model.Webhook, error)

	PollUnpublishedEvents(ctx context.Context, limit int) ([]model.TransactionEvent, error)
	MarkEventPublished(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.TransactionEvent) error

	GetActiveAppKey(ctx context.Context, publicKey string) (*model.AppKey, error)
	GetPartner(ctx context.Context, id uint64) (*model.WhitelabelPartner, error)
	IncrementKeyUsage(ctx context.Context, keyID uint64, now time.Time) error
	CreateUsageLog(ctx context.Context, entry *model.AppKeyUsageLog) error

	CacheStatus(ctx context.Context, reference, status string) error
	GetCachedStatus(ctx context.Context, reference string) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetTransactionForUpdate locks the transaction row. Refund creation
// depends on this lock to serialize the check-and-insert sequence.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByReference fetches without locking.
func (r *Repository) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// CreateEvent appends an audit record.
func (r *Repository) CreateEvent(ctx context.Context, tx *gorm.DB, evt *model.TransactionEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// SumCompletedRefunds sums amounts of completed refund children.
func (r *Repository) SumCompletedRefunds(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (decimal.Decimal, error) {
	return r.sumRefunds(ctx, tx, parentID, []string{model.StatusCompleted})
}

// SumActiveRefunds sums refund children that still count against the
// parent: pending, processing and completed. Failed or cancelled
// refunds release their amount.
func (r *Repository) SumActiveRefunds(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (decimal.Decimal, error) {
	return r.sumRefunds(ctx, tx, parentID, []string{
		model.StatusPending, model.StatusProcessing, model.StatusCompleted,
	})
}

func (r *Repository) sumRefunds(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, statuses []string) (decimal.Decimal, error) {
	var sum *string
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("SUM(amount)").
		Where("parent_transaction_id = ? AND type = ? AND status IN ?",
			parentID, model.TypeRefund, statuses).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if sum == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*sum)
}

// HasOpenRefund reports whether any refund child is completed or still
// processing.
func (r *Repository) HasOpenRefund(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("parent_transaction_id = ? AND type = ? AND status IN ?",
			parentID, model.TypeRefund,
			[]string{model.StatusCompleted, model.StatusProcessing}).
		Count(&n).Error
	return n > 0, err
}

// CreateWebhook inserts a delivery-tracking row.
func (r *Repository) CreateWebhook(ctx context.Context, tx *gorm.DB, w *model.Webhook) error {
	return tx.WithContext(ctx).Create(w).Error
}

// PollDueWebhooks pulls undelivered webhooks whose next attempt is due.
func (r *Repository) PollDueWebhooks(ctx context.Context, limit int) ([]model.Webhook, error) {
	var hooks []model.Webhook
	err := r.db.WithContext(ctx).
		Where("is_delivered = false AND attempts < max_attempts AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", time.Now()).
		Order("created_at").Limit(limit).Find(&hooks).Error
	return hooks, err
}

// PollUnpublishedEvents pulls audit events not yet sent to Kafka.
func (r *Repository) PollUnpublishedEvents(ctx context.Context, limit int) ([]model.TransactionEvent, error) {
	var evts []model.TransactionEvent
	err := r.db.WithContext(ctx).Where("published = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkEventPublished sets dispatch bookkeeping, audit fields untouched.
func (r *Repository) MarkEventPublished(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.TransactionEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"published": true, "published_at": &now}).Error
}

// PublishEvent sends to Kafka keyed by transaction id.
func (r *Repository) PublishEvent(ctx context.Context, evt model.TransactionEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.TransactionID.String()),
		Value: []byte(evt.Metadata),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// GetActiveAppKey looks up a key by public key restricted to active
// status. Inactive and revoked keys are indistinguishable from absent
// ones at this level.
func (r *Repository) GetActiveAppKey(ctx context.Context, publicKey string) (*model.AppKey, error) {
	var k model.AppKey
	err := r.db.WithContext(ctx).
		Where("public_key = ? AND status = ?", publicKey, model.KeyStatusActive).
		First(&k).Error
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetPartner fetches a partner by id.
func (r *Repository) GetPartner(ctx context.Context, id uint64) (*model.WhitelabelPartner, error) {
	var p model.WhitelabelPartner
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// IncrementKeyUsage bumps the request counter atomically in SQL; a
// read-modify-write here would lose updates under concurrent requests.
func (r *Repository) IncrementKeyUsage(ctx context.Context, keyID uint64, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.AppKey{}).Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"total_requests": gorm.Expr("total_requests + 1"),
			"last_used_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateUsageLog appends a per-request record.
func (r *Repository) CreateUsageLog(ctx context.Context, entry *model.AppKeyUsageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// CacheStatus writes the transaction status to Redis.
func (r *Repository) CacheStatus(ctx context.Context, reference, status string) error {
	return r.rdb.Set(ctx, fmt.Sprintf("txstatus:%s", reference), status, 5*time.Minute).Err()
}

// GetCachedStatus reads the cached status; redis.Nil when absent.
func (r *Repository) GetCachedStatus(ctx context.Context, reference string) (string, error) {
	return r.rdb.Get(ctx, fmt.Sprintf("txstatus:%s", reference)).Result()
}
