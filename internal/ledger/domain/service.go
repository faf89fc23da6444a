package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"gorm.io/gorm"
)

type TransactionFilter struct {
	pagination.Pagination
	PrincipalID       snowflake.ID
	Types             []TransactionType
	Status            TransactionStatus
	ExternalReference string
	From              *time.Time
	To                *time.Time
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// BalanceStore owns token_balances rows. Every method takes the handle to run
// on so callers can compose it inside their own transaction.
type BalanceStore interface {
	Get(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (int64, error)
	Ensure(ctx context.Context, db *gorm.DB, principalIDs ...snowflake.ID) error
	LockOrdered(ctx context.Context, tx *gorm.DB, principalIDs ...snowflake.ID) (map[snowflake.ID]int64, error)
	ApplyDelta(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, delta int64, at time.Time) (int64, error)
}

// TransactionLog owns ledger_transactions rows.
type TransactionLog interface {
	Append(ctx context.Context, tx *gorm.DB, txn *Transaction) error
	Query(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]Transaction, error)
	FindByReference(ctx context.Context, db *gorm.DB, principalID snowflake.ID, txnType TransactionType, reference string) (*Transaction, error)
	SetStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status TransactionStatus) error
}

// UnitFunc is the body of an atomic unit. tx must be used for every
// statement that belongs to the unit.
type UnitFunc func(tx *gorm.DB) error

type Service interface {
	GetBalance(ctx context.Context, principalID snowflake.ID) (int64, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) (ListTransactionsResponse, error)
	FindByReference(ctx context.Context, db *gorm.DB, principalID snowflake.ID, txnType TransactionType, reference string) (*Transaction, error)

	// RunUnit executes fn in one database transaction with a bounded lock
	// wait. A lock wait timeout surfaces as ErrLockTimeout.
	RunUnit(ctx context.Context, fn UnitFunc) error
	LockPrincipals(ctx context.Context, tx *gorm.DB, principalIDs ...snowflake.ID) (map[snowflake.ID]int64, error)
	ApplyDelta(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, delta int64) (int64, error)
	Append(ctx context.Context, tx *gorm.DB, txn *Transaction) (snowflake.ID, error)
	SetStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status TransactionStatus) error
}

var (
	ErrInvalidPrincipal        = errors.New("invalid_principal")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidType             = errors.New("invalid_transaction_type")
	ErrInvalidStatus           = errors.New("invalid_transaction_status")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
	ErrInvalidPageToken        = errors.New("invalid_page_token")
	ErrInsufficientFunds       = errors.New("insufficient_funds")
	ErrDuplicateReference      = errors.New("duplicate_external_reference")
	ErrTransactionNotFound     = errors.New("transaction_not_found")
	ErrLockTimeout             = errors.New("lock_timeout")
	ErrTransient               = errors.New("transient_failure")
)
