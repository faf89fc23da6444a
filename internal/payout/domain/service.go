package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListWithdrawalsRequest struct {
	pagination.Pagination
	CreatorID snowflake.ID
	Status    WithdrawalStatus
}

type ListWithdrawalsResponse struct {
	pagination.PageInfo
	Withdrawals []WithdrawalRequest `json:"withdrawals"`
}

// SettlementReport summarizes one settlement pass.
type SettlementReport struct {
	Claimed  int `json:"claimed"`
	Resent   int `json:"resent"`
	Paid     int `json:"paid"`
	Failed   int `json:"failed"`
	InFlight int `json:"in_flight"`
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, w *WithdrawalRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WithdrawalRequest, error)
	LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*WithdrawalRequest, error)
	Update(ctx context.Context, tx *gorm.DB, w *WithdrawalRequest) error
	List(ctx context.Context, db *gorm.DB, req ListWithdrawalsRequest) ([]WithdrawalRequest, error)
	// PendingTotal sums tokens of pending and processing requests.
	PendingTotal(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error)
	// ClaimDue locks pending requests whose payout date has passed, skipping
	// rows other workers hold.
	ClaimDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WithdrawalRequest, error)
	// ClaimStalled locks processing requests that never got an external
	// transfer id and have not moved since before cutoff.
	ClaimStalled(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]WithdrawalRequest, error)
}

type Service interface {
	RequestWithdrawal(ctx context.Context, creatorID snowflake.ID, amount int64) (WithdrawalRequest, error)
	CancelWithdrawal(ctx context.Context, requestID, creatorID snowflake.ID) (WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, req ListWithdrawalsRequest) (ListWithdrawalsResponse, error)
	GetWithdrawal(ctx context.Context, id snowflake.ID) (WithdrawalRequest, error)

	MarkProcessing(ctx context.Context, id snowflake.ID, externalTransferID string) (WithdrawalRequest, error)
	MarkPaid(ctx context.Context, id snowflake.ID, externalTransferID string) (WithdrawalRequest, error)
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (WithdrawalRequest, error)

	// MarkPaidInUnit debits the creator and settles the request inside a
	// unit owned by the caller.
	// The returned transfer result is empty when the request was already paid.
	MarkPaidInUnit(ctx context.Context, tx *gorm.DB, id snowflake.ID, externalTransferID string) (WithdrawalRequest, transferdomain.Result, error)
	MarkFailedInUnit(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (WithdrawalRequest, error)

	// SettleDue claims due requests and disburses them.
	SettleDue(ctx context.Context, limit int) (SettlementReport, error)
}

var (
	ErrInvalidCreator       = errors.New("invalid_creator")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrBelowMinimum         = errors.New("below_minimum_payout")
	ErrExceedsAvailable     = errors.New("exceeds_available_balance")
	ErrWithdrawalNotFound   = errors.New("withdrawal_not_found")
	ErrNotOwner             = errors.New("withdrawal_not_owned")
	ErrInvalidTransition    = errors.New("invalid_withdrawal_transition")
	ErrPayoutWindowClosed   = errors.New("payout_window_closed")
	ErrInvalidStatus        = errors.New("invalid_withdrawal_status")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrDisburserUnavailable = errors.New("disburser_unavailable")
)
