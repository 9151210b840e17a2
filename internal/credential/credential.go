// Package credential issues and verifies partner API credentials.
// A credential is a public key (identifier) plus a secret bearer token;
// only the SHA-256 of the secret is ever stored.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/paylink/ledger-service/internal/model"
	"github.com/paylink/ledger-service/internal/repo"
	"go.uber.org/zap"
)

// Service mints and verifies partner API keys.
type Service struct {
	repo      repo.RepositoryInterface
	log       *zap.SugaredLogger
	keyPrefix string
}

// NewService returns the credential service. keyPrefix defaults to
// "pk_" when empty.
func NewService(r repo.RepositoryInterface, logger *zap.SugaredLogger, keyPrefix string) *Service {
	if keyPrefix == "" {
		keyPrefix = "pk_"
	}
	return &Service{repo: r, log: logger, keyPrefix: keyPrefix}
}

// PartnerParams carries the fields for a new whitelabel partner.
type PartnerParams struct {
	Name           string
	Code           string
	ContactEmail   string
	BusinessName   string
	AllowedDomains string
	WebhookURL     string

	DailyAPILimit   int
	MonthlyAPILimit int
}

// CreatePartner registers a partner. The webhook secret is minted here
// with the same entropy as key secrets.
func (s *Service) CreatePartner(ctx context.Context, p PartnerParams) (*model.WhitelabelPartner, error) {
	if p.Name == "" || p.Code == "" {
		return nil, errors.New("partner name and code are required")
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	partner := &model.WhitelabelPartner{
		Name:           p.Name,
		Code:           p.Code,
		ContactEmail:   p.ContactEmail,
		BusinessName:   p.BusinessName,
		AllowedDomains: p.AllowedDomains,
		WebhookURL:     p.WebhookURL,
		WebhookSecret:  secret,
		IsActive:       true,
	}
	if p.DailyAPILimit > 0 {
		partner.DailyAPILimit = p.DailyAPILimit
	} else {
		partner.DailyAPILimit = 10000
	}
	if p.MonthlyAPILimit > 0 {
		partner.MonthlyAPILimit = p.MonthlyAPILimit
	} else {
		partner.MonthlyAPILimit = 300000
	}
	partner.ConcurrentConnectionsLimit = 10
	if err := s.repo.DB(ctx).Create(partner).Error; err != nil {
		return nil, err
	}
	return partner, nil
}

// KeyParams carries the fields for a new app key.
type KeyParams struct {
	PartnerID  uint64
	Name       string
	KeyType    string
	Scopes     string
	AllowedIPs string
	ExpiresAt  *time.Time

	DailyLimit   *int
	MonthlyLimit *int
}

// GenerateKeys mints a key pair for a partner. The raw secret is
// returned exactly once and never persisted; the row stores its
// SHA-256 only.
func (s *Service) GenerateKeys(ctx context.Context, p KeyParams) (*model.AppKey, string, error) {
	partner, err := s.repo.GetPartner(ctx, p.PartnerID)
	if err != nil {
		return nil, "", err
	}

	suffix, err := randomToken(12)
	if err != nil {
		return nil, "", err
	}
	publicKey := fmt.Sprintf("%s%s_%s", s.keyPrefix, partner.Code, suffix)

	rawSecret, err := randomToken(32)
	if err != nil {
		return nil, "", err
	}

	keyType := p.KeyType
	if keyType == "" {
		keyType = model.KeyTypeSandbox
	}
	scopes := p.Scopes
	if scopes == "" {
		scopes = "read"
	}

	key := &model.AppKey{
		PartnerID:     p.PartnerID,
		Name:          p.Name,
		KeyType:       keyType,
		PublicKey:     publicKey,
		SecretKeyHash: hashSecret(rawSecret),
		Scopes:        scopes,
		AllowedIPs:    p.AllowedIPs,
		DailyLimit:    p.DailyLimit,
		MonthlyLimit:  p.MonthlyLimit,
		Status:        model.KeyStatusActive,
		ExpiresAt:     p.ExpiresAt,
	}
	if err := s.repo.DB(ctx).Create(key).Error; err != nil {
		return nil, "", err
	}
	s.log.Infow("app key issued", "partner", partner.Code, "public_key", key.MaskedPublicKey())
	return key, rawSecret, nil
}

// VerifySecret compares a candidate against the stored hash.
func VerifySecret(key *model.AppKey, candidate string) bool {
	computed := hashSecret(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(key.SecretKeyHash)) == 1
}

// Revoke stamps revocation fields and moves the key to revoked.
// Terminal by convention: nothing stops an admin reactivating, but the
// stamps survive.
func (s *Service) Revoke(ctx context.Context, keyID uint64, revokedBy *uint64, reason string) error {
	now := time.Now()
	res := s.repo.DB(ctx).Model(&model.AppKey{}).Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"status":        model.KeyStatusRevoked,
			"revoked_at":    &now,
			"revoked_by_id": revokedBy,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("app key not found")
	}
	s.log.Infow("app key revoked", "key_id", keyID, "reason", reason)
	return nil
}

// Suspend parks the key without revocation stamps.
func (s *Service) Suspend(ctx context.Context, keyID uint64) error {
	return s.setStatus(ctx, keyID, model.KeyStatusSuspended)
}

// Activate returns the key to active.
func (s *Service) Activate(ctx context.Context, keyID uint64) error {
	return s.setStatus(ctx, keyID, model.KeyStatusActive)
}

func (s *Service) setStatus(ctx context.Context, keyID uint64, status string) error {
	res := s.repo.DB(ctx).Model(&model.AppKey{}).Where("id = ?", keyID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("app key not found")
	}
	return nil
}

// RecordUsage bumps the atomic request counter and stamps last_used_at.
// Authentication calls this once per accepted request.
func (s *Service) RecordUsage(ctx context.Context, keyID uint64) error {
	return s.repo.IncrementKeyUsage(ctx, keyID, time.Now())
}

// LogRequest appends a usage log row once the response outcome is
// known. Counter and log are deliberately separate writes: the counter
// moves at authentication time, the log after the handler ran.
func (s *Service) LogRequest(ctx context.Context, keyID uint64, endpoint, method, ip string, statusCode, responseTimeMs int) error {
	return s.repo.CreateUsageLog(ctx, &model.AppKeyUsageLog{
		AppKeyID:       keyID,
		Endpoint:       endpoint,
		Method:         method,
		IPAddress:      ip,
		StatusCode:     statusCode,
		ResponseTimeMs: responseTimeMs,
	})
}

// UsageCount counts logged requests for a key since a point in time.
func (s *Service) UsageCount(ctx context.Context, keyID uint64, since time.Time) (int64, error) {
	var n int64
	err := s.repo.DB(ctx).Model(&model.AppKeyUsageLog{}).
		Where("app_key_id = ? AND created_at >= ?", keyID, since).
		Count(&n).Error
	return n, err
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// randomToken returns a url-safe token built from n crypto-random
// bytes.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
