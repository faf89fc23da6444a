package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/pkg/db"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Balances ledgerdomain.BalanceStore
	Txns     ledgerdomain.TransactionLog
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	balances    ledgerdomain.BalanceStore
	txns        ledgerdomain.TransactionLog
	lockTimeout time.Duration
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		balances:    p.Balances,
		txns:        p.Txns,
		lockTimeout: p.Config.DBLockWaitTimeout,
	}
}

func (s *Service) GetBalance(ctx context.Context, principalID snowflake.ID) (int64, error) {
	if principalID == 0 {
		return 0, ledgerdomain.ErrInvalidPrincipal
	}
	return s.balances.Get(ctx, s.db, principalID)
}

func (s *Service) ListTransactions(ctx context.Context, filter ledgerdomain.TransactionFilter) (ledgerdomain.ListTransactionsResponse, error) {
	if filter.PrincipalID == 0 {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidPrincipal
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidType
		}
	}
	switch filter.Status {
	case "", ledgerdomain.TransactionStatusPending, ledgerdomain.TransactionStatusCompleted, ledgerdomain.TransactionStatusFailed:
	default:
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidStatus
	}

	rows, err := s.txns.Query(ctx, s.db, filter)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	rows, pageInfo, err := pagination.Trim(rows, filter.Limit(), func(t ledgerdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: strconv.FormatInt(t.ID.Int64(), 10)}
	})
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	if rows == nil {
		rows = []ledgerdomain.Transaction{}
	}

	return ledgerdomain.ListTransactionsResponse{
		PageInfo:     pageInfo,
		Transactions: rows,
	}, nil
}

func (s *Service) FindByReference(ctx context.Context, conn *gorm.DB, principalID snowflake.ID, txnType ledgerdomain.TransactionType, reference string) (*ledgerdomain.Transaction, error) {
	if conn == nil {
		conn = s.db
	}
	return s.txns.FindByReference(ctx, conn, principalID, txnType, reference)
}

func (s *Service) RunUnit(ctx context.Context, fn ledgerdomain.UnitFunc) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		return fn(tx)
	})
	if err == nil {
		return nil
	}
	if db.IsLockTimeoutErr(err) && !errors.Is(err, ledgerdomain.ErrLockTimeout) {
		s.log.Warn("unit aborted on lock wait", zap.Error(err))
		return ledgerdomain.ErrLockTimeout
	}
	return err
}

func (s *Service) LockPrincipals(ctx context.Context, tx *gorm.DB, principalIDs ...snowflake.ID) (map[snowflake.ID]int64, error) {
	return s.balances.LockOrdered(ctx, tx, principalIDs...)
}

func (s *Service) ApplyDelta(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, delta int64) (int64, error) {
	if principalID == 0 {
		return 0, ledgerdomain.ErrInvalidPrincipal
	}
	return s.balances.ApplyDelta(ctx, tx, principalID, delta, s.clock.Now())
}

// Append assigns an id and creation time when missing and writes the leg.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, txn *ledgerdomain.Transaction) (snowflake.ID, error) {
	if txn == nil || txn.PrincipalID == 0 {
		return 0, ledgerdomain.ErrInvalidPrincipal
	}
	if txn.TokenAmount == 0 {
		return 0, ledgerdomain.ErrInvalidAmount
	}
	if !txn.Type.Valid() {
		return 0, ledgerdomain.ErrInvalidType
	}
	if txn.ID == 0 {
		txn.ID = s.genID.Generate()
	}
	if txn.Status == "" {
		txn.Status = ledgerdomain.TransactionStatusCompleted
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.clock.Now()
	}
	txn.CreatedAt = txn.CreatedAt.UTC()

	if err := s.txns.Append(ctx, tx, txn); err != nil {
		return 0, err
	}
	return txn.ID, nil
}

func (s *Service) SetStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status ledgerdomain.TransactionStatus) error {
	return s.txns.SetStatus(ctx, tx, id, status)
}
