package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"gorm.io/gorm"
)

type refillRepo struct{}

func NewRefillRepository() transferdomain.RefillRepository {
	return &refillRepo{}
}

func (r *refillRepo) Get(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (*transferdomain.RefillSettings, error) {
	var settings transferdomain.RefillSettings
	err := db.WithContext(ctx).Where("principal_id = ?", principalID).Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (r *refillRepo) Upsert(ctx context.Context, db *gorm.DB, settings *transferdomain.RefillSettings) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refill_settings (principal_id, enabled, refill_tokens, payment_method_ref, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (principal_id) DO UPDATE SET
			enabled = excluded.enabled,
			refill_tokens = excluded.refill_tokens,
			payment_method_ref = excluded.payment_method_ref,
			updated_at = excluded.updated_at`,
		settings.PrincipalID,
		settings.Enabled,
		settings.RefillTokens,
		settings.PaymentMethodRef,
		settings.UpdatedAt.UTC(),
	).Error
}
