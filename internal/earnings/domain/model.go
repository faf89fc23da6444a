package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Summary is a creator's earnings position in tokens.
// AvailableBalance = TotalEarned - BufferedEarnings - TotalPaidOut - PendingWithdrawals,
// floored at zero.
type Summary struct {
	CreatorID          snowflake.ID `json:"creator_id"`
	TotalEarned        int64        `json:"total_earned"`
	BufferedEarnings   int64        `json:"buffered_earnings"`
	TotalPaidOut       int64        `json:"total_paid_out"`
	PendingWithdrawals int64        `json:"pending_withdrawals"`
	AvailableBalance   int64        `json:"available_balance"`
	AvailableUSDCents  int64        `json:"available_usd_cents"`
	ComputedAt         time.Time    `json:"computed_at"`
}

// Snapshot is the materialized summary row.
type Snapshot struct {
	CreatorID          snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	TotalEarned        int64        `gorm:"not null"`
	BufferedEarnings   int64        `gorm:"not null"`
	TotalPaidOut       int64        `gorm:"not null"`
	PendingWithdrawals int64        `gorm:"not null"`
	AvailableBalance   int64        `gorm:"not null"`
	ComputedAt         time.Time    `gorm:"not null"`
}

func (Snapshot) TableName() string { return "earnings_snapshots" }

// PendingWithdrawals reports tokens committed to withdrawals that have not
// been paid yet.
type PendingWithdrawals interface {
	PendingTotal(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error)
}

type Service interface {
	// GetEarningsSummary serves from a short-lived cache and materializes the
	// snapshot on every recomputation.
	GetEarningsSummary(ctx context.Context, creatorID snowflake.ID) (Summary, error)
	// SummaryInUnit recomputes without cache inside the caller's unit.
	SummaryInUnit(ctx context.Context, tx *gorm.DB, creatorID snowflake.ID) (Summary, error)
	Invalidate(creatorID snowflake.ID)
	// RefreshStale recomputes up to limit snapshots older than maxAge and
	// returns how many were refreshed.
	RefreshStale(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

var ErrInvalidCreator = errors.New("invalid_creator")
