package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/cache"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/internal/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  config.Config
	Policy  *config.PayoutPolicyHolder
	Pending earningsdomain.PendingWithdrawals
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	policy   *config.PayoutPolicyHolder
	pending  earningsdomain.PendingWithdrawals
	rate     money.Rate
	cache    cache.Cache[snowflake.ID, earningsdomain.Summary]
	cacheTTL time.Duration
}

func NewService(p Params) (earningsdomain.Service, error) {
	rate, err := money.NewRate(p.Config.Tokens.UnitCents)
	if err != nil {
		return nil, err
	}
	policy := p.Policy
	if policy == nil {
		policy, err = config.NewStaticPayoutPolicy(p.Config.Payout)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		db:       p.DB,
		log:      p.Log.Named("earnings.service"),
		clock:    p.Clock,
		policy:   policy,
		pending:  p.Pending,
		rate:     rate,
		cache:    cache.NewTTLCache[snowflake.ID, earningsdomain.Summary](),
		cacheTTL: p.Config.EarningsCacheTTL,
	}, nil
}

func (s *Service) GetEarningsSummary(ctx context.Context, creatorID snowflake.ID) (earningsdomain.Summary, error) {
	if creatorID == 0 {
		return earningsdomain.Summary{}, earningsdomain.ErrInvalidCreator
	}
	if s.cacheTTL > 0 {
		if summary, ok := s.cache.Get(creatorID); ok {
			return summary, nil
		}
	}

	summary, err := s.compute(ctx, s.db, creatorID)
	if err != nil {
		return earningsdomain.Summary{}, err
	}
	if err := s.saveSnapshot(ctx, summary); err != nil {
		s.log.Warn("earnings snapshot not saved",
			zap.String("creator_id", creatorID.String()),
			zap.Error(err),
		)
	}
	if s.cacheTTL > 0 {
		s.cache.Set(creatorID, summary, s.cacheTTL)
	}
	return summary, nil
}

func (s *Service) SummaryInUnit(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID) (earningsdomain.Summary, error) {
	if creatorID == 0 {
		return earningsdomain.Summary{}, earningsdomain.ErrInvalidCreator
	}
	return s.compute(ctx, tx, creatorID)
}

func (s *Service) Invalidate(creatorID snowflake.ID) {
	s.cache.Delete(creatorID)
}

func (s *Service) RefreshStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-maxAge).UTC()

	var creatorIDs []int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT creator_id
		FROM earnings_snapshots
		WHERE computed_at < ?
		ORDER BY computed_at ASC
		LIMIT ?`,
		cutoff,
		limit,
	).Scan(&creatorIDs).Error
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, raw := range creatorIDs {
		creatorID := snowflake.ID(raw)
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		summary, err := s.compute(ctx, s.db, creatorID)
		if err != nil {
			return refreshed, err
		}
		if err := s.saveSnapshot(ctx, summary); err != nil {
			return refreshed, err
		}
		s.cache.Delete(creatorID)
		refreshed++
	}
	return refreshed, nil
}

type ledgerTotals struct {
	TotalEarned      int64
	BufferedEarnings int64
	TotalPaidOut     int64
}

func (s *Service) compute(ctx context.Context, conn *gorm.DB, creatorID snowflake.ID) (earningsdomain.Summary, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.policy.Get().BufferWindow)

	earningTypes := make([]string, 0, 4)
	for _, t := range ledgerdomain.EarningTypes() {
		earningTypes = append(earningTypes, string(t))
	}

	var totals ledgerTotals
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN type IN ? AND token_amount > 0 THEN token_amount ELSE 0 END), 0) AS total_earned,
			COALESCE(SUM(CASE WHEN type IN ? AND token_amount > 0 AND created_at > ? THEN token_amount ELSE 0 END), 0) AS buffered_earnings,
			COALESCE(SUM(CASE WHEN type = ? THEN -token_amount ELSE 0 END), 0) AS total_paid_out
		FROM ledger_transactions
		WHERE principal_id = ? AND status = ?`,
		earningTypes,
		earningTypes,
		cutoff,
		ledgerdomain.TransactionTypePayout,
		creatorID,
		ledgerdomain.TransactionStatusCompleted,
	).Scan(&totals).Error
	if err != nil {
		return earningsdomain.Summary{}, err
	}

	pending, err := s.pending.PendingTotal(ctx, conn, creatorID)
	if err != nil {
		return earningsdomain.Summary{}, err
	}

	available := totals.TotalEarned - totals.BufferedEarnings - totals.TotalPaidOut - pending
	if available < 0 {
		available = 0
	}
	cents, err := s.rate.TokensToCents(available)
	if err != nil {
		return earningsdomain.Summary{}, err
	}

	return earningsdomain.Summary{
		CreatorID:          creatorID,
		TotalEarned:        totals.TotalEarned,
		BufferedEarnings:   totals.BufferedEarnings,
		TotalPaidOut:       totals.TotalPaidOut,
		PendingWithdrawals: pending,
		AvailableBalance:   available,
		AvailableUSDCents:  cents,
		ComputedAt:         now,
	}, nil
}

func (s *Service) saveSnapshot(ctx context.Context, summary earningsdomain.Summary) error {
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO earnings_snapshots (
			creator_id, total_earned, buffered_earnings, total_paid_out,
			pending_withdrawals, available_balance, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (creator_id) DO UPDATE SET
			total_earned = excluded.total_earned,
			buffered_earnings = excluded.buffered_earnings,
			total_paid_out = excluded.total_paid_out,
			pending_withdrawals = excluded.pending_withdrawals,
			available_balance = excluded.available_balance,
			computed_at = excluded.computed_at`,
		summary.CreatorID,
		summary.TotalEarned,
		summary.BufferedEarnings,
		summary.TotalPaidOut,
		summary.PendingWithdrawals,
		summary.AvailableBalance,
		summary.ComputedAt,
	).Error
}
