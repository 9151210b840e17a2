package model

import (
	"time"

	"github.com/google/uuid"
)

// Webhook tracks one outbound notification and its delivery attempts.
// The ledger only records intent and schedule; the poller performs the
// actual HTTP calls.
type Webhook struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;index"`

	URL       string `gorm:"size:512;not null"`
	EventType string `gorm:"size:64;not null"`
	Payload   string `gorm:"type:jsonb;not null"`
	Headers   string `gorm:"type:jsonb"`

	StatusCode     *int
	ResponseBody   *string `gorm:"type:text"`
	ResponseTimeMs *int

	Attempts    int  `gorm:"not null;default:0"`
	MaxAttempts int  `gorm:"not null;default:3"`
	IsDelivered bool `gorm:"not null;default:false"`

	NextAttemptAt *time.Time `gorm:"index"`
	DeliveredAt   *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Webhook) TableName() string { return "webhook" }

// RetryBackoff returns the wait before the next delivery attempt:
// 1, 5 then 30 minutes for every attempt after the second.
func RetryBackoff(attempts int) time.Duration {
	backoff := []time.Duration{1 * time.Minute, 5 * time.Minute, 30 * time.Minute}
	if attempts > 2 {
		attempts = 2
	}
	if attempts < 0 {
		attempts = 0
	}
	return backoff[attempts]
}
