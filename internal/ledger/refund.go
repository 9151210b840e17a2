package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrRefundNotAllowed means the parent is not a refundable completed
// payment.
var ErrRefundNotAllowed = errors.New("transaction cannot be refunded")

// ErrRefundExceedsRemaining means the requested amount is larger than
// what is still refundable.
var ErrRefundExceedsRemaining = errors.New("refund amount exceeds remaining refundable amount")

// canRefund applies the refund eligibility rules against an already
// loaded parent row. Must run under the parent row lock when the answer
// feeds a refund insert.
func (s *Service) canRefund(ctx context.Context, tx *gorm.DB, parent *model.Transaction) (bool, error) {
	if parent.Status != model.StatusCompleted || parent.Type != model.TypePayment {
		return false, nil
	}
	open, err := s.repo.HasOpenRefund(ctx, tx, parent.ID)
	if err != nil {
		return false, err
	}
	return !open, nil
}

// CanRefund reports refund eligibility for callers that only need the
// answer, not the lock.
func (s *Service) CanRefund(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		ok, err = s.canRefund(ctx, tx, parent)
		return err
	})
	return ok, err
}

// RefundedAmount sums completed refund children.
func (s *Service) RefundedAmount(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	return s.repo.SumCompletedRefunds(ctx, s.repo.DB(ctx), id)
}

// RemainingRefundable returns amount minus refunds still counting
// against the parent, or zero when the parent is not refundable at all.
func (s *Service) RemainingRefundable(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		remaining, err = s.remainingRefundable(ctx, tx, parent)
		return err
	})
	return remaining, err
}

// remainingRefundable subtracts every refund child still counting
// against the parent, not just completed ones, so a pending refund
// already reserves its amount.
func (s *Service) remainingRefundable(ctx context.Context, tx *gorm.DB, parent *model.Transaction) (decimal.Decimal, error) {
	ok, err := s.canRefund(ctx, tx, parent)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, nil
	}
	reserved, err := s.repo.SumActiveRefunds(ctx, tx, parent.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return parent.Amount.Sub(reserved), nil
}

// CreateRefund opens a pending refund child against a completed
// payment. The parent row stays locked from the eligibility check to
// the insert so concurrent refunds cannot jointly over-refund. The
// parent status is left alone; callers flip it to refunded or
// partially_refunded once the refund settles.
func (s *Service) CreateRefund(ctx context.Context, parentID uuid.UUID, amount decimal.Decimal, reason string, createdBy *uint64) (*model.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var refund *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.repo.GetTransactionForUpdate(ctx, tx, parentID)
		if err != nil {
			return err
		}
		ok, err := s.canRefund(ctx, tx, parent)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status=%s type=%s", ErrRefundNotAllowed, parent.Status, parent.Type)
		}
		reserved, err := s.repo.SumActiveRefunds(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(parent.Amount.Sub(reserved)) {
			return ErrRefundExceedsRemaining
		}

		ref, err := newReference(model.TypeRefund, time.Now())
		if err != nil {
			return err
		}
		parentIDCopy := parent.ID
		refund = &model.Transaction{
			ID:                  uuid.New(),
			Reference:           ref,
			MerchantID:          parent.MerchantID,
			CustomerID:          parent.CustomerID,
			CustomerEmail:       parent.CustomerEmail,
			CustomerPhone:       parent.CustomerPhone,
			Type:                model.TypeRefund,
			Status:              model.StatusPending,
			PaymentMethod:       parent.PaymentMethod,
			Gateway:             parent.Gateway,
			Currency:            parent.Currency,
			Amount:              amount,
			FeeAmount:           decimal.Zero,
			NetAmount:           amount,
			ParentTransactionID: &parentIDCopy,
		}
		if err := s.repo.CreateTransaction(ctx, tx, refund); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, refund, "refund.created", "", model.StatusPending, "ledger", createdBy, map[string]interface{}{
			"parent_reference": parent.Reference,
			"amount":           amount.String(),
			"reason":           reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}
