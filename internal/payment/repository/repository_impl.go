package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.EventRepository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, record *domain.ExternalEventRecord) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO external_event_records (
			id, event_id, event_type, payload, processing_status,
			failure_reason, received_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		record.ID,
		record.EventID,
		record.EventType,
		record.Payload,
		record.ProcessingStatus,
		record.FailureReason,
		record.ReceivedAt,
		record.ProcessedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// LockByEventID blocks until concurrent units holding the record finish.
func (r *repo) LockByEventID(ctx context.Context, tx *gorm.DB, eventID string) (*domain.ExternalEventRecord, error) {
	var item domain.ExternalEventRecord
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("event_id = ?", eventID).
		Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkSuccess(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE external_event_records
		SET processing_status = ?, failure_reason = NULL, processed_at = ?, updated_at = ?
		WHERE id = ?`,
		domain.EventStatusSuccess,
		at.UTC(),
		at.UTC(),
		id,
	).Error
}

// MarkFailed runs after the business unit rolled back, so the processing
// record may not exist. A record that already succeeded is left alone.
func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, record *domain.ExternalEventRecord, reason string, at time.Time) error {
	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := *record
		failed.ProcessingStatus = domain.EventStatusFailed
		failed.FailureReason = &reason
		failed.ProcessedAt = &at
		failed.UpdatedAt = at
		if _, err := r.Insert(ctx, tx, &failed); err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`UPDATE external_event_records
			SET processing_status = ?, failure_reason = ?, processed_at = ?, updated_at = ?
			WHERE event_id = ? AND processing_status <> ?`,
			domain.EventStatusFailed,
			reason,
			at.UTC(),
			at.UTC(),
			record.EventID,
			domain.EventStatusSuccess,
		).Error
	})
}

func (r *repo) FindByEventID(ctx context.Context, conn *gorm.DB, eventID string) (*domain.ExternalEventRecord, error) {
	var item domain.ExternalEventRecord
	err := conn.WithContext(ctx).Where("event_id = ?", eventID).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
