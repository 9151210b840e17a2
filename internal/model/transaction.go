package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TypePayment    = "payment"
	TypeRefund     = "refund"
	TypePayout     = "payout"
	TypeTransfer   = "transfer"
	TypeFee        = "fee"
	TypeReversal   = "reversal"
	TypeChargeback = "chargeback"
	TypeAdjustment = "adjustment"
)

// Transaction statuses.
const (
	StatusPending           = "pending"
	StatusProcessing        = "processing"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusCancelled         = "cancelled"
	StatusExpired           = "expired"
	StatusRefunded          = "refunded"
	StatusPartiallyRefunded = "partially_refunded"
	StatusDisputed          = "disputed"
	StatusFrozen            = "frozen"
)

// validTransitions is the authoritative status table. Statuses absent
// from the map (failed, cancelled, expired, refunded) are terminal.
var validTransitions = map[string][]string{
	StatusPending:           {StatusProcessing, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusRefunded, StatusPartiallyRefunded, StatusDisputed},
	StatusPartiallyRefunded: {StatusRefunded, StatusDisputed},
	StatusDisputed:          {StatusCompleted, StatusRefunded},
	StatusFrozen:            {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsValidTransition reports whether old -> new is allowed by the table.
func IsValidTransition(oldStatus, newStatus string) bool {
	for _, s := range validTransitions[oldStatus] {
		if s == newStatus {
			return true
		}
	}
	return false
}

// AllStatuses lists every status the table knows about.
func AllStatuses() []string {
	return []string{
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusExpired, StatusRefunded,
		StatusPartiallyRefunded, StatusDisputed, StatusFrozen,
	}
}

// Transaction is a ledger entry. Rows are never deleted; status moves
// only through ledger.Service.Transition.
type Transaction struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reference         string    `gorm:"size:64;not null;uniqueIndex"`
	ExternalReference *string   `gorm:"size:128"`

	MerchantID    uint64  `gorm:"not null;index"`
	CustomerID    *uint64 `gorm:"index"`
	CustomerEmail *string `gorm:"size:255"`
	CustomerPhone *string `gorm:"size:32"`

	Type          string  `gorm:"size:32;not null;index"`
	Status        string  `gorm:"size:32;not null;index;default:'pending'"`
	PaymentMethod string  `gorm:"size:32;not null"`
	Gateway       *string `gorm:"size:64"`

	Currency         string           `gorm:"size:3;not null"`
	Amount           decimal.Decimal  `gorm:"type:numeric(20,2);not null"`
	FeeAmount        decimal.Decimal  `gorm:"type:numeric(20,2);not null;default:'0'"`
	NetAmount        decimal.Decimal  `gorm:"type:numeric(20,2);not null"`
	OriginalCurrency *string          `gorm:"size:3"`
	OriginalAmount   *decimal.Decimal `gorm:"type:numeric(20,2)"`
	ExchangeRate     *decimal.Decimal `gorm:"type:numeric(20,8)"`

	ProcessedAt *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	ExpiresAt   *time.Time

	FailureReason *string `gorm:"size:255"`
	FailureCode   *string `gorm:"size:64"`

	IsSettled           bool `gorm:"not null;default:false"`
	SettlementDate      *time.Time
	SettlementReference *string `gorm:"size:128"`

	ParentTransactionID *uuid.UUID `gorm:"type:uuid;index"`

	IPAddress *string `gorm:"size:45"`
	RiskScore int     `gorm:"not null;default:0"`
	IsFlagged bool    `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }
