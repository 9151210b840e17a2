package model

import (
	"strings"
	"time"
)

// WhitelabelPartner is an integration partner that owns API keys.
type WhitelabelPartner struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string `gorm:"size:128;not null"`
	Code string `gorm:"size:32;not null;uniqueIndex"`

	ContactEmail string `gorm:"size:255"`
	ContactPhone string `gorm:"size:32"`
	BusinessName string `gorm:"size:255"`

	// comma separated; empty means unrestricted
	AllowedDomains string `gorm:"size:1024"`

	WebhookURL    string `gorm:"size:512"`
	WebhookSecret string `gorm:"size:128"`

	DailyAPILimit              int `gorm:"not null;default:10000"`
	MonthlyAPILimit            int `gorm:"not null;default:300000"`
	ConcurrentConnectionsLimit int `gorm:"not null;default:10"`

	IsActive   bool `gorm:"not null;default:true"`
	IsVerified bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (WhitelabelPartner) TableName() string { return "whitelabel_partner" }

// IsDomainAllowed checks a caller domain against the allow list.
func (p *WhitelabelPartner) IsDomainAllowed(domain string) bool {
	return listContains(p.AllowedDomains, domain)
}

// listContains parses a comma list and tests membership.
// An empty list means unrestricted.
func listContains(list, item string) bool {
	if strings.TrimSpace(list) == "" {
		return true
	}
	for _, v := range strings.Split(list, ",") {
		if strings.TrimSpace(v) == item {
			return true
		}
	}
	return false
}
