package model

import (
	"time"

	"github.com/google/uuid"
)

// TransactionEvent is the append-only audit trail. It doubles as the
// event outbox: Published/PublishedAt are dispatch bookkeeping for the
// poller, the audit fields themselves are never updated.
type TransactionEvent struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType     string    `gorm:"size:64;not null"`
	OldStatus     string    `gorm:"size:32"`
	NewStatus     string    `gorm:"size:32"`
	Source        string    `gorm:"size:64;not null"`
	ActorID       *uint64
	Metadata      string    `gorm:"type:jsonb"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`

	Published   bool `gorm:"not null;default:false"`
	PublishedAt *time.Time
}

func (TransactionEvent) TableName() string { return "transaction_event" }
