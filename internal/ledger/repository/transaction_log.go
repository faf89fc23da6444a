package repository

import (
	"context"
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"gorm.io/gorm"
)

type transactionLog struct{}

func NewTransactionLog() ledgerdomain.TransactionLog {
	return &transactionLog{}
}

func (l *transactionLog) Append(ctx context.Context, tx *gorm.DB, txn *ledgerdomain.Transaction) error {
	if txn == nil || txn.ID == 0 || txn.TransferID == 0 {
		return ledgerdomain.ErrInvalidPrincipal
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ledgerdomain.ErrDuplicateReference
		}
		return translateLockErr(err)
	}
	return nil
}

// Query returns transactions newest first. Snowflake ids grow with time so the
// id doubles as the page cursor.
func (l *transactionLog) Query(ctx context.Context, conn *gorm.DB, filter ledgerdomain.TransactionFilter) ([]ledgerdomain.Transaction, error) {
	q := conn.WithContext(ctx).Model(&ledgerdomain.Transaction{})
	if filter.PrincipalID != 0 {
		q = q.Where("principal_id = ?", filter.PrincipalID)
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ExternalReference != "" {
		q = q.Where("external_reference = ?", filter.ExternalReference)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", filter.To.UTC())
	}
	if filter.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		q = q.Where("id < ?", id)
	}

	var out []ledgerdomain.Transaction
	err := q.Order("id DESC").Limit(filter.Limit() + 1).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *transactionLog) FindByReference(ctx context.Context, conn *gorm.DB, principalID snowflake.ID, txnType ledgerdomain.TransactionType, reference string) (*ledgerdomain.Transaction, error) {
	var txn ledgerdomain.Transaction
	err := conn.WithContext(ctx).
		Where("principal_id = ? AND type = ? AND external_reference = ?", principalID, txnType, reference).
		Take(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// SetStatus is the only mutation allowed on an appended row.
func (l *transactionLog) SetStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status ledgerdomain.TransactionStatus) error {
	switch status {
	case ledgerdomain.TransactionStatusCompleted, ledgerdomain.TransactionStatusFailed:
	default:
		return ledgerdomain.ErrInvalidStatusTransition
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE ledger_transactions SET status = ? WHERE id = ? AND status = ?`,
		status,
		id,
		ledgerdomain.TransactionStatusPending,
	)
	if result.Error != nil {
		return translateLockErr(result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.WithContext(ctx).Model(&ledgerdomain.Transaction{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ledgerdomain.ErrTransactionNotFound
		}
		return ledgerdomain.ErrInvalidStatusTransition
	}
	return nil
}
