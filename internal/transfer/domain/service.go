package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Transfer runs the request as one atomic unit and publishes the new
	// balances after commit. Refillable kinds top up the sender once when
	// auto-refill is enabled.
	Transfer(ctx context.Context, req Request) (Result, error)
	// ApplyInUnit runs the request inside a unit owned by the caller. No
	// refill and no notification happen here.
	ApplyInUnit(ctx context.Context, tx *gorm.DB, req Request) (Result, error)
	GetRefillSettings(ctx context.Context, principalID snowflake.ID) (*RefillSettings, error)
	UpdateRefillSettings(ctx context.Context, settings RefillSettings) (RefillSettings, error)
	// PublishBalances notifies subscribers about balances committed by a
	// caller-owned unit.
	PublishBalances(ctx context.Context, result Result)
}

type RefillRepository interface {
	Get(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (*RefillSettings, error)
	Upsert(ctx context.Context, db *gorm.DB, settings *RefillSettings) error
}

// Reservations reports tokens a principal holds but may not spend on peer
// transfers, such as requested withdrawals.
type Reservations interface {
	PendingTotal(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (int64, error)
}

// EarningsInvalidator drops cached earnings for a creator whose ledger
// changed.
type EarningsInvalidator interface {
	Invalidate(creatorID snowflake.ID)
}

var (
	ErrInvalidKind           = errors.New("invalid_transfer_kind")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrSelfTransfer          = errors.New("self_transfer")
	ErrMissingSender         = errors.New("missing_sender")
	ErrMissingRecipient      = errors.New("missing_recipient")
	ErrUnexpectedSender      = errors.New("unexpected_sender")
	ErrUnexpectedRecipient   = errors.New("unexpected_recipient")
	ErrInvalidRefillSetting  = errors.New("invalid_refill_settings")
	ErrRefillUnavailable     = errors.New("refill_unavailable")
	ErrPlatformNotConfigured = errors.New("platform_principal_not_configured")
)
