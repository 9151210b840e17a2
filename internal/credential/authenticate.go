package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/paylink/ledger-service/internal/model"
)

// ErrMalformedCredential means the presented string is not of the form
// "public_key:secret".
var ErrMalformedCredential = errors.New("malformed credential")

// ErrAuthenticationFailed covers every rejection after parsing: unknown
// key, bad secret, inactive or expired key, disallowed IP, inactive
// partner. Callers must not learn which check failed; the cause goes to
// the log only.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticate runs the full verification flow for a presented
// credential and client IP. On success it records usage metadata on the
// key and returns it as the authenticated principal.
func (s *Service) Authenticate(ctx context.Context, cred, clientIP string) (*model.AppKey, error) {
	publicKey, secret, found := strings.Cut(cred, ":")
	if !found || publicKey == "" || secret == "" {
		return nil, ErrMalformedCredential
	}

	key, err := s.repo.GetActiveAppKey(ctx, publicKey)
	if err != nil {
		s.log.Infow("auth rejected: key not found", "public_key", publicKey)
		return nil, ErrAuthenticationFailed
	}
	if !VerifySecret(key, secret) {
		s.log.Infow("auth rejected: secret mismatch", "public_key", key.MaskedPublicKey())
		return nil, ErrAuthenticationFailed
	}
	if !key.IsActive(time.Now()) {
		s.log.Infow("auth rejected: key inactive or expired", "public_key", key.MaskedPublicKey())
		return nil, ErrAuthenticationFailed
	}
	if !key.IsIPAllowed(clientIP) {
		s.log.Infow("auth rejected: ip not allowed", "public_key", key.MaskedPublicKey(), "ip", clientIP)
		return nil, ErrAuthenticationFailed
	}
	partner, err := s.repo.GetPartner(ctx, key.PartnerID)
	if err != nil {
		s.log.Errorw("auth rejected: partner lookup", "partner_id", key.PartnerID, "err", err)
		return nil, ErrAuthenticationFailed
	}
	if !partner.IsActive {
		s.log.Infow("auth rejected: partner inactive", "partner", partner.Code)
		return nil, ErrAuthenticationFailed
	}

	if err := s.RecordUsage(ctx, key.ID); err != nil {
		s.log.Warnw("record usage", "key_id", key.ID, "err", err)
	}
	return key, nil
}
