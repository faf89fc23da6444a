package repository

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"gorm.io/gorm"
)

type balanceStore struct{}

func NewBalanceStore() ledgerdomain.BalanceStore {
	return &balanceStore{}
}

// CanonicalOrder dedupes ids and sorts them ascending. Every multi-principal
// lock is taken in this order so two units never wait on each other.
func CanonicalOrder(ids ...snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *balanceStore) Get(ctx context.Context, conn *gorm.DB, principalID snowflake.ID) (int64, error) {
	var rows []ledgerdomain.Balance
	err := conn.WithContext(ctx).Raw(
		`SELECT principal_id, balance, updated_at
		FROM token_balances
		WHERE principal_id = ?`,
		principalID,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Balance, nil
}

func (s *balanceStore) Ensure(ctx context.Context, conn *gorm.DB, principalIDs ...snowflake.ID) error {
	now := time.Now().UTC()
	for _, id := range CanonicalOrder(principalIDs...) {
		err := conn.WithContext(ctx).Exec(
			`INSERT INTO token_balances (principal_id, balance, updated_at)
			VALUES (?, 0, ?)
			ON CONFLICT (principal_id) DO NOTHING`,
			id,
			now,
		).Error
		if err != nil {
			return translateLockErr(err)
		}
	}
	return nil
}

func (s *balanceStore) LockOrdered(ctx context.Context, tx *gorm.DB, principalIDs ...snowflake.ID) (map[snowflake.ID]int64, error) {
	ordered := CanonicalOrder(principalIDs...)
	if len(ordered) == 0 {
		return nil, ledgerdomain.ErrInvalidPrincipal
	}
	if err := s.Ensure(ctx, tx, ordered...); err != nil {
		return nil, err
	}

	balances := make(map[snowflake.ID]int64, len(ordered))
	for _, id := range ordered {
		var row ledgerdomain.Balance
		err := db.ForUpdate(tx.WithContext(ctx)).
			Where("principal_id = ?", id).
			Take(&row).Error
		if err != nil {
			return nil, translateLockErr(err)
		}
		balances[id] = row.Balance
	}
	return balances, nil
}

// ApplyDelta adjusts the balance only when the result stays non-negative.
func (s *balanceStore) ApplyDelta(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, delta int64, at time.Time) (int64, error) {
	if delta == 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE token_balances
		SET balance = balance + ?, updated_at = ?
		WHERE principal_id = ? AND balance + ? >= 0`,
		delta,
		at.UTC(),
		principalID,
		delta,
	)
	if result.Error != nil {
		return 0, translateLockErr(result.Error)
	}
	if result.RowsAffected == 0 {
		current, err := s.Get(ctx, tx, principalID)
		if err != nil {
			return 0, err
		}
		return 0, &ledgerdomain.InsufficientFundsError{
			PrincipalID: principalID,
			Balance:     current,
			Required:    -delta,
		}
	}

	return s.Get(ctx, tx, principalID)
}

func translateLockErr(err error) error {
	if db.IsLockTimeoutErr(err) {
		return ledgerdomain.ErrLockTimeout
	}
	return err
}
