package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, w *domain.WithdrawalRequest) error {
	return tx.WithContext(ctx).Create(w).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.WithdrawalRequest, error) {
	var item domain.WithdrawalRequest
	err := conn.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.WithdrawalRequest, error) {
	var item domain.WithdrawalRequest
	err := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, w *domain.WithdrawalRequest) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE withdrawal_requests
		SET status = ?, external_transfer_id = ?, failure_reason = ?, processed_at = ?, updated_at = ?
		WHERE id = ?`,
		w.Status,
		w.ExternalTransferID,
		w.FailureReason,
		w.ProcessedAt,
		w.UpdatedAt.UTC(),
		w.ID,
	).Error
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, req domain.ListWithdrawalsRequest) ([]domain.WithdrawalRequest, error) {
	q := conn.WithContext(ctx).Model(&domain.WithdrawalRequest{}).
		Where("creator_id = ?", req.CreatorID)
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		q = q.Where("id < ?", cursorID)
	}

	var items []domain.WithdrawalRequest
	if err := q.Order("id DESC").Limit(req.Limit() + 1).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) PendingTotal(ctx context.Context, conn *gorm.DB, creatorID snowflake.ID) (int64, error) {
	var total int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(token_amount), 0)
		FROM withdrawal_requests
		WHERE creator_id = ? AND status IN (?, ?)`,
		creatorID,
		domain.WithdrawalStatusPending,
		domain.WithdrawalStatusProcessing,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ClaimDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	var items []domain.WithdrawalRequest
	err := db.ForUpdateSkipLocked(tx.WithContext(ctx)).
		Where("status = ? AND payout_date <= ?", domain.WithdrawalStatusPending, now.UTC()).
		Order("payout_date ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimStalled(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	var items []domain.WithdrawalRequest
	err := db.ForUpdateSkipLocked(tx.WithContext(ctx)).
		Where("status = ? AND external_transfer_id IS NULL AND updated_at < ?", domain.WithdrawalStatusProcessing, cutoff.UTC()).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
