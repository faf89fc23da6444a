package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusPaid       WithdrawalStatus = "paid"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
	WithdrawalStatusCancelled  WithdrawalStatus = "cancelled"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalStatusPending, WithdrawalStatusProcessing, WithdrawalStatusPaid,
		WithdrawalStatusFailed, WithdrawalStatusCancelled:
		return true
	default:
		return false
	}
}

// Final reports whether no further transition is allowed.
func (s WithdrawalStatus) Final() bool {
	return s == WithdrawalStatusPaid || s == WithdrawalStatusFailed || s == WithdrawalStatusCancelled
}

// CanTransition encodes pending -> processing -> paid|failed and
// pending -> cancelled.
func (s WithdrawalStatus) CanTransition(to WithdrawalStatus) bool {
	switch s {
	case WithdrawalStatusPending:
		return to == WithdrawalStatusProcessing || to == WithdrawalStatusCancelled
	case WithdrawalStatusProcessing:
		return to == WithdrawalStatusPaid || to == WithdrawalStatusFailed
	default:
		return false
	}
}

type WithdrawalRequest struct {
	ID                 snowflake.ID     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	CreatorID          snowflake.ID     `json:"creator_id" gorm:"not null;index"`
	TokenAmount        int64            `json:"token_amount" gorm:"not null"`
	USDCents           int64            `json:"usd_cents" gorm:"column:usd_cents;not null"`
	Status             WithdrawalStatus `json:"status" gorm:"type:text;not null"`
	PayoutDate         time.Time        `json:"payout_date" gorm:"not null"`
	ExternalTransferID *string          `json:"external_transfer_id,omitempty"`
	FailureReason      *string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at" gorm:"not null"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at" gorm:"not null"`
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Calendar lists the days of the month payouts are released on.
type Calendar struct {
	Days []int
}

// Next returns midnight UTC of the first configured day strictly after the
// date of now. Days past the end of a month fall on its last day.
func (c Calendar) Next(now time.Time) time.Time {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := c.Days
	if len(days) == 0 {
		days = []int{1}
	}

	var best time.Time
	for offset := 0; offset < 2; offset++ {
		first := time.Date(today.Year(), today.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
		last := first.AddDate(0, 1, -1).Day()
		for _, d := range days {
			if d > last {
				d = last
			}
			if d < 1 {
				d = 1
			}
			candidate := time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
			if !candidate.After(today) {
				continue
			}
			if best.IsZero() || candidate.Before(best) {
				best = candidate
			}
		}
		if !best.IsZero() {
			return best
		}
	}
	return best
}
