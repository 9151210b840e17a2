package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/paylink/ledger-service/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MerchantStats aggregates a merchant's ledger over an optional date
// range.
type MerchantStats struct {
	Total       int64           `json:"total"`
	Completed   int64           `json:"completed"`
	Failed      int64           `json:"failed"`
	SuccessRate float64         `json:"success_rate"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	NetVolume   decimal.Decimal `json:"net_volume"`
}

// GetMerchantStats computes counts, success rate and volumes. Volume
// only counts completed payments; fees count every completed row.
func (s *Service) GetMerchantStats(ctx context.Context, merchantID uint64, start, end *time.Time) (*MerchantStats, error) {
	base := func() *gorm.DB {
		q := s.repo.DB(ctx).Model(&model.Transaction{}).Where("merchant_id = ?", merchantID)
		if start != nil {
			q = q.Where("created_at >= ?", *start)
		}
		if end != nil {
			q = q.Where("created_at <= ?", *end)
		}
		return q
	}

	stats := &MerchantStats{
		TotalVolume: decimal.Zero,
		TotalFees:   decimal.Zero,
		NetVolume:   decimal.Zero,
	}
	if err := base().Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", model.StatusCompleted).Count(&stats.Completed).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", model.StatusFailed).Count(&stats.Failed).Error; err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}

	// volume counts completed payments only, fees every completed row
	var volume, fees *string
	if err := base().
		Select("SUM(amount)").
		Where("status = ? AND type = ?", model.StatusCompleted, model.TypePayment).
		Scan(&volume).Error; err != nil {
		return nil, err
	}
	if err := base().
		Select("SUM(fee_amount)").
		Where("status = ?", model.StatusCompleted).
		Scan(&fees).Error; err != nil {
		return nil, err
	}
	var err error
	if volume != nil {
		if stats.TotalVolume, err = decimal.NewFromString(*volume); err != nil {
			return nil, err
		}
	}
	if fees != nil {
		if stats.TotalFees, err = decimal.NewFromString(*fees); err != nil {
			return nil, err
		}
	}
	stats.NetVolume = stats.TotalVolume.Sub(stats.TotalFees)
	return stats, nil
}

// TransactionHash is a tamper-evidence digest over the immutable core
// fields. No secret is involved, so it is advisory, not a signature.
func TransactionHash(t *model.Transaction) string {
	payload := fmt.Sprintf("%s|%s|%s|%d|%s",
		t.Reference, t.Amount.String(), t.Currency, t.MerchantID,
		t.CreatedAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
