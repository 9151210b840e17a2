package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/paylink/ledger-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrInvalidTransition means the requested status change is not in the
// transition table. The wrapped message names the old -> new pair.
var ErrInvalidTransition = errors.New("invalid status transition")

// Service owns the transaction ledger: creation, the status state
// machine, refunds, settlement and webhook tracking. Every status
// mutation flows through Transition; the mark helpers are wrappers.
type Service struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewService returns the ledger service.
func NewService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Service {
	return &Service{repo: r, log: logger}
}

// CreateParams carries the caller-supplied fields for a new transaction.
type CreateParams struct {
	MerchantID    uint64
	CustomerID    *uint64
	CustomerEmail *string
	CustomerPhone *string

	Type          string
	PaymentMethod string
	Gateway       *string

	Currency  string
	Amount    decimal.Decimal
	FeeAmount decimal.Decimal

	ExternalReference *string
	ExpiresAt         *time.Time
	IPAddress         *string

	ParentTransactionID *uuid.UUID

	Source  string
	ActorID *uint64
}

var typeCodes = map[string]string{
	model.TypePayment:    "PAY",
	model.TypeRefund:     "REF",
	model.TypePayout:     "PYT",
	model.TypeTransfer:   "TRF",
	model.TypeFee:        "FEE",
	model.TypeReversal:   "RVS",
	model.TypeChargeback: "CHB",
	model.TypeAdjustment: "ADJ",
}

// newReference builds TXN{3-letter type}{YYYYMMDDHHMMSS}{8 hex}.
func newReference(txType string, now time.Time) (string, error) {
	code, ok := typeCodes[txType]
	if !ok {
		return "", fmt.Errorf("unknown transaction type %q", txType)
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("TXN%s%s%s", code, now.Format("20060102150405"), hex.EncodeToString(suffix)), nil
}

// Create opens a transaction in pending status. NetAmount is derived
// once here and never recomputed afterwards.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Transaction, error) {
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if p.FeeAmount.IsNegative() {
		return nil, fmt.Errorf("%w: fee cannot be negative", ErrInvalidAmount)
	}
	if _, ok := typeCodes[p.Type]; !ok {
		return nil, fmt.Errorf("unknown transaction type %q", p.Type)
	}

	now := time.Now()
	ref, err := newReference(p.Type, now)
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:                  uuid.New(),
		Reference:           ref,
		ExternalReference:   p.ExternalReference,
		MerchantID:          p.MerchantID,
		CustomerID:          p.CustomerID,
		CustomerEmail:       p.CustomerEmail,
		CustomerPhone:       p.CustomerPhone,
		Type:                p.Type,
		Status:              model.StatusPending,
		PaymentMethod:       p.PaymentMethod,
		Gateway:             p.Gateway,
		Currency:            p.Currency,
		Amount:              p.Amount,
		FeeAmount:           p.FeeAmount,
		NetAmount:           p.Amount.Sub(p.FeeAmount),
		ExpiresAt:           p.ExpiresAt,
		IPAddress:           p.IPAddress,
		ParentTransactionID: p.ParentTransactionID,
	}
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, t, "transaction.created", "", model.StatusPending, p.Source, p.ActorID, map[string]interface{}{
			"amount":   t.Amount.String(),
			"currency": t.Currency,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheStatus(ctx, t.Reference, t.Status); err != nil {
		s.log.Warnw("cache status", "reference", t.Reference, "err", err)
	}
	return t, nil
}

// Transition moves a transaction to newStatus if the table allows it,
// stamps the lifecycle timestamp for the target status and appends one
// audit event, all inside one db transaction with the row locked.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, newStatus, source string, actorID *uint64, metadata map[string]interface{}) (*model.Transaction, error) {
	return s.transitionWith(ctx, id, newStatus, source, actorID, metadata, nil)
}

// transitionWith lets the mark helpers mutate extra fields under the
// same row lock before the status flips.
func (s *Service) transitionWith(ctx context.Context, id uuid.UUID, newStatus, source string, actorID *uint64, metadata map[string]interface{}, mutate func(*model.Transaction)) (*model.Transaction, error) {
	var result *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		oldStatus := t.Status
		if !model.IsValidTransition(oldStatus, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
		}

		now := time.Now()
		t.Status = newStatus
		switch newStatus {
		case model.StatusProcessing:
			t.ProcessedAt = &now
		case model.StatusCompleted:
			t.CompletedAt = &now
		case model.StatusFailed:
			t.FailedAt = &now
		}
		if mutate != nil {
			mutate(t)
		}
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, t, "status.changed", oldStatus, newStatus, source, actorID, metadata); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheStatus(ctx, result.Reference, result.Status); err != nil {
		s.log.Warnw("cache status", "reference", result.Reference, "err", err)
	}
	return result, nil
}

// MarkProcessing flips pending -> processing.
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID, source string, actorID *uint64) (*model.Transaction, error) {
	return s.Transition(ctx, id, model.StatusProcessing, source, actorID, nil)
}

// MarkCompleted flips processing -> completed.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, source string, actorID *uint64) (*model.Transaction, error) {
	return s.Transition(ctx, id, model.StatusCompleted, source, actorID, nil)
}

// MarkFailed records failure reason and code along with the transition.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason, code, source string, actorID *uint64) (*model.Transaction, error) {
	meta := map[string]interface{}{"reason": reason, "code": code}
	return s.transitionWith(ctx, id, model.StatusFailed, source, actorID, meta, func(t *model.Transaction) {
		t.FailureReason = &reason
		t.FailureCode = &code
	})
}

// Cancel flips pending -> cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, source string, actorID *uint64) (*model.Transaction, error) {
	return s.Transition(ctx, id, model.StatusCancelled, source, actorID, nil)
}

// Expire flips pending -> expired.
func (s *Service) Expire(ctx context.Context, id uuid.UUID, source string, actorID *uint64) (*model.Transaction, error) {
	return s.Transition(ctx, id, model.StatusExpired, source, actorID, nil)
}

// MarkSettled stamps settlement fields. Settlement is orthogonal to the
// status machine, so no transition check applies.
func (s *Service) MarkSettled(ctx context.Context, id uuid.UUID, settlementReference string, settlementDate *time.Time, source string, actorID *uint64) (*model.Transaction, error) {
	var result *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := time.Now()
		date := settlementDate
		if date == nil {
			date = &now
		}
		t.IsSettled = true
		t.SettlementReference = &settlementReference
		t.SettlementDate = date
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, t, "transaction.settled", t.Status, t.Status, source, actorID, map[string]interface{}{
			"settlement_reference": settlementReference,
		}); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetByReference loads the full transaction row.
func (s *Service) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return s.repo.GetTransactionByReference(ctx, reference)
}

// Status returns just the status for a reference, served from Redis
// when cached.
func (s *Service) Status(ctx context.Context, reference string) (string, error) {
	if status, err := s.repo.GetCachedStatus(ctx, reference); err == nil {
		return status, nil
	}
	t, err := s.repo.GetTransactionByReference(ctx, reference)
	if err != nil {
		return "", err
	}
	if err := s.repo.CacheStatus(ctx, reference, t.Status); err != nil {
		s.log.Warnw("cache status", "reference", reference, "err", err)
	}
	return t.Status, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, t *model.Transaction, eventType, oldStatus, newStatus, source string, actorID *uint64, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["reference"] = t.Reference
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	evt := &model.TransactionEvent{
		TransactionID: t.ID,
		EventType:     eventType,
		OldStatus:     oldStatus,
		NewStatus:     newStatus,
		Source:        source,
		ActorID:       actorID,
		Metadata:      string(payload),
	}
	return s.repo.CreateEvent(ctx, tx, evt)
}
