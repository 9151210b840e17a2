package model

import (
	"strings"
	"time"
)

// AppKey key types.
const (
	KeyTypeProduction  = "production"
	KeyTypeSandbox     = "sandbox"
	KeyTypeDevelopment = "development"
)

// AppKey statuses. Unlike the transaction table there is no transition
// table here: admin actions may move a key between any statuses, and
// revoked is terminal by convention only.
const (
	KeyStatusActive    = "active"
	KeyStatusInactive  = "inactive"
	KeyStatusSuspended = "suspended"
	KeyStatusRevoked   = "revoked"
)

// AppKey is a partner API credential. SecretKeyHash holds the SHA-256
// of the secret; the plaintext exists only in the GenerateKeys return
// value and is never persisted.
type AppKey struct {
	ID        uint64 `gorm:"primaryKey"`
	PartnerID uint64 `gorm:"not null;index;uniqueIndex:idx_appkey_partner_name,priority:1"`
	Name      string `gorm:"size:128;not null;uniqueIndex:idx_appkey_partner_name,priority:2"`
	KeyType   string `gorm:"size:16;not null;default:'sandbox'"`

	PublicKey     string `gorm:"size:128;not null;uniqueIndex"`
	SecretKeyHash string `gorm:"size:64;not null"`

	// comma separated; empty AllowedIPs means unrestricted
	Scopes     string `gorm:"size:255;not null;default:'read'"`
	AllowedIPs string `gorm:"size:1024"`

	DailyLimit   *int
	MonthlyLimit *int

	Status    string     `gorm:"size:16;not null;index;default:'active'"`
	ExpiresAt *time.Time

	TotalRequests uint64 `gorm:"not null;default:0"`
	LastUsedAt    *time.Time

	RevokedAt   *time.Time
	RevokedByID *uint64

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (AppKey) TableName() string { return "app_key" }

// IsActive reports whether the key is usable right now.
func (k *AppKey) IsActive(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// IsIPAllowed checks the client IP against the key allow list.
func (k *AppKey) IsIPAllowed(ip string) bool {
	return listContains(k.AllowedIPs, ip)
}

// HasScope tests membership in the comma-parsed scope list.
func (k *AppKey) HasScope(scope string) bool {
	for _, s := range strings.Split(k.Scopes, ",") {
		if strings.TrimSpace(s) == scope {
			return true
		}
	}
	return false
}

// DailyRequestLimit resolves the effective daily quota: the per-key
// override when set, otherwise the partner default.
func (k *AppKey) DailyRequestLimit(p *WhitelabelPartner) int {
	if k.DailyLimit != nil {
		return *k.DailyLimit
	}
	return p.DailyAPILimit
}

// MonthlyRequestLimit resolves the effective monthly quota.
func (k *AppKey) MonthlyRequestLimit(p *WhitelabelPartner) int {
	if k.MonthlyLimit != nil {
		return *k.MonthlyLimit
	}
	return p.MonthlyAPILimit
}

// MaskedPublicKey is the only displayable form of a credential after
// creation.
func (k *AppKey) MaskedPublicKey() string {
	if len(k.PublicKey) <= 8 {
		return "****"
	}
	return k.PublicKey[:8] + "..." + k.PublicKey[len(k.PublicKey)-4:]
}

// AppKeyUsageLog is an append-only per-request record.
type AppKeyUsageLog struct {
	ID       uint64 `gorm:"primaryKey"`
	AppKeyID uint64 `gorm:"not null;index"`

	Endpoint       string `gorm:"size:255;not null"`
	Method         string `gorm:"size:8;not null"`
	IPAddress      string `gorm:"size:45"`
	StatusCode     int
	ResponseTimeMs int

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (AppKeyUsageLog) TableName() string { return "app_key_usage_log" }
