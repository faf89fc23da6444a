package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/internal/money"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/internal/retry"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Policy    *config.PayoutPolicyHolder
	Repo      payoutdomain.Repository
	Ledger    ledgerdomain.Service
	Transfers transferdomain.Service
	Earnings  earningsdomain.Service

	Disburser paymentdomain.Disburser `optional:"true"`
	Metrics   *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.PayoutPolicyHolder
	repo      payoutdomain.Repository
	ledger    ledgerdomain.Service
	transfers transferdomain.Service
	earnings  earningsdomain.Service
	disburser paymentdomain.Disburser
	metrics   *obsmetrics.Metrics
	retry     retry.Policy

	rate         money.Rate
	currency     string
	stallTimeout time.Duration
}

func NewService(p Params) (payoutdomain.Service, error) {
	return newService(p)
}

func newService(p Params) (*Service, error) {
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
	stall := p.Config.Scheduler.PayoutStallTimeout
	if stall <= 0 {
		stall = 15 * time.Minute
	}

	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payout.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		policy:       policy,
		repo:         p.Repo,
		ledger:       p.Ledger,
		transfers:    p.Transfers,
		earnings:     p.Earnings,
		disburser:    p.Disburser,
		metrics:      p.Metrics,
		retry:        retry.DefaultPolicy(),
		rate:         rate,
		currency:     p.Config.Gateway.Currency,
		stallTimeout: stall,
	}, nil
}

func (s *Service) RequestWithdrawal(ctx context.Context, creatorID snowflake.ID, amount int64) (payoutdomain.WithdrawalRequest, error) {
	if creatorID == 0 {
		return payoutdomain.WithdrawalRequest{}, payoutdomain.ErrInvalidCreator
	}
	if amount <= 0 {
		return payoutdomain.WithdrawalRequest{}, payoutdomain.ErrInvalidAmount
	}
	policy := s.policy.Get()
	if amount < policy.MinimumPayoutTokens {
		return payoutdomain.WithdrawalRequest{}, fmt.Errorf("%w: minimum is %d tokens", payoutdomain.ErrBelowMinimum, policy.MinimumPayoutTokens)
	}
	cents, err := s.rate.TokensToCents(amount)
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}

	now := s.clock.Now()
	var created payoutdomain.WithdrawalRequest
	err = s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		// the balance row lock serializes concurrent requests for one creator
		balances, err := s.ledger.LockPrincipals(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		summary, err := s.earnings.SummaryInUnit(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if amount > summary.AvailableBalance {
			return fmt.Errorf("%w: requested %d, available %d", payoutdomain.ErrExceedsAvailable, amount, summary.AvailableBalance)
		}
		if spendable := balances[creatorID] - summary.PendingWithdrawals; amount > spendable {
			return fmt.Errorf("%w: requested %d, balance allows %d", payoutdomain.ErrExceedsAvailable, amount, spendable)
		}

		created = payoutdomain.WithdrawalRequest{
			ID:          s.genID.Generate(),
			CreatorID:   creatorID,
			TokenAmount: amount,
			USDCents:    cents,
			Status:      payoutdomain.WithdrawalStatusPending,
			PayoutDate:  payoutdomain.Calendar{Days: policy.CalendarDays}.Next(now),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return s.repo.Insert(ctx, tx, &created)
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}

	s.earnings.Invalidate(creatorID)
	s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusPending))
	s.log.Info("withdrawal requested",
		zap.String("withdrawal_id", created.ID.String()),
		zap.String("creator_id", creatorID.String()),
		zap.Int64("tokens", amount),
		zap.Time("payout_date", created.PayoutDate),
	)
	return created, nil
}

func (s *Service) CancelWithdrawal(ctx context.Context, requestID, creatorID snowflake.ID) (payoutdomain.WithdrawalRequest, error) {
	if requestID == 0 {
		return payoutdomain.WithdrawalRequest{}, payoutdomain.ErrWithdrawalNotFound
	}
	if creatorID == 0 {
		return payoutdomain.WithdrawalRequest{}, payoutdomain.ErrInvalidCreator
	}

	now := s.clock.Now()
	var cancelled payoutdomain.WithdrawalRequest
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		w, err := s.repo.LockByID(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if w.CreatorID != creatorID {
			return payoutdomain.ErrNotOwner
		}
		if !w.Status.CanTransition(payoutdomain.WithdrawalStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidTransition, w.Status, payoutdomain.WithdrawalStatusCancelled)
		}
		if !now.Before(w.PayoutDate) {
			return payoutdomain.ErrPayoutWindowClosed
		}

		w.Status = payoutdomain.WithdrawalStatusCancelled
		w.ProcessedAt = &now
		w.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, w); err != nil {
			return err
		}
		cancelled = *w
		return nil
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}

	s.earnings.Invalidate(creatorID)
	s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusCancelled))
	return cancelled, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, req payoutdomain.ListWithdrawalsRequest) (payoutdomain.ListWithdrawalsResponse, error) {
	if req.CreatorID == 0 {
		return payoutdomain.ListWithdrawalsResponse{}, payoutdomain.ErrInvalidCreator
	}
	if req.Status != "" && !req.Status.Valid() {
		return payoutdomain.ListWithdrawalsResponse{}, payoutdomain.ErrInvalidStatus
	}

	rows, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return payoutdomain.ListWithdrawalsResponse{}, err
	}
	rows, pageInfo, err := pagination.Trim(rows, req.Limit(), func(w payoutdomain.WithdrawalRequest) pagination.Cursor {
		return pagination.Cursor{ID: strconv.FormatInt(w.ID.Int64(), 10)}
	})
	if err != nil {
		return payoutdomain.ListWithdrawalsResponse{}, err
	}
	if rows == nil {
		rows = []payoutdomain.WithdrawalRequest{}
	}

	return payoutdomain.ListWithdrawalsResponse{
		PageInfo:    pageInfo,
		Withdrawals: rows,
	}, nil
}

func (s *Service) GetWithdrawal(ctx context.Context, id snowflake.ID) (payoutdomain.WithdrawalRequest, error) {
	w, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	return *w, nil
}

func (s *Service) MarkProcessing(ctx context.Context, id snowflake.ID, externalTransferID string) (payoutdomain.WithdrawalRequest, error) {
	now := s.clock.Now()
	var updated payoutdomain.WithdrawalRequest
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		w, err := s.repo.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if w.Status != payoutdomain.WithdrawalStatusProcessing {
			if !w.Status.CanTransition(payoutdomain.WithdrawalStatusProcessing) {
				return fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidTransition, w.Status, payoutdomain.WithdrawalStatusProcessing)
			}
			w.Status = payoutdomain.WithdrawalStatusProcessing
		}
		if ref := strings.TrimSpace(externalTransferID); ref != "" {
			w.ExternalTransferID = &ref
		}
		w.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, w); err != nil {
			return err
		}
		updated = *w
		return nil
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusProcessing))
	return updated, nil
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID, externalTransferID string) (payoutdomain.WithdrawalRequest, error) {
	var (
		paid   payoutdomain.WithdrawalRequest
		result transferdomain.Result
	)
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		var err error
		paid, result, err = s.MarkPaidInUnit(ctx, tx, id, externalTransferID)
		return err
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	s.transfers.PublishBalances(ctx, result)
	s.earnings.Invalidate(paid.CreatorID)
	return paid, nil
}

func (s *Service) MarkPaidInUnit(ctx context.Context, tx *gorm.DB, id snowflake.ID, externalTransferID string) (payoutdomain.WithdrawalRequest, transferdomain.Result, error) {
	w, err := s.repo.LockByID(ctx, tx, id)
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, transferdomain.Result{}, err
	}
	if w.Status == payoutdomain.WithdrawalStatusPaid {
		return *w, transferdomain.Result{}, nil
	}
	if !w.Status.CanTransition(payoutdomain.WithdrawalStatusPaid) {
		return payoutdomain.WithdrawalRequest{}, transferdomain.Result{}, fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidTransition, w.Status, payoutdomain.WithdrawalStatusPaid)
	}

	cents := w.USDCents
	result, err := s.transfers.ApplyInUnit(ctx, tx, transferdomain.Request{
		FromID:            w.CreatorID,
		Amount:            w.TokenAmount,
		Kind:              transferdomain.KindPayout,
		ExternalReference: w.ID.String(),
		USDCents:          &cents,
		Metadata: map[string]any{
			"withdrawal_id": w.ID.String(),
		},
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, transferdomain.Result{}, err
	}

	now := s.clock.Now()
	w.Status = payoutdomain.WithdrawalStatusPaid
	w.ProcessedAt = &now
	w.UpdatedAt = now
	w.FailureReason = nil
	if ref := strings.TrimSpace(externalTransferID); ref != "" {
		w.ExternalTransferID = &ref
	}
	if err := s.repo.Update(ctx, tx, w); err != nil {
		return payoutdomain.WithdrawalRequest{}, transferdomain.Result{}, err
	}
	s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusPaid))
	return *w, result, nil
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (payoutdomain.WithdrawalRequest, error) {
	var failed payoutdomain.WithdrawalRequest
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		var err error
		failed, err = s.MarkFailedInUnit(ctx, tx, id, reason)
		return err
	})
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	s.earnings.Invalidate(failed.CreatorID)
	return failed, nil
}

// MarkFailedInUnit releases the reserved tokens. The ledger is not touched
// since nothing was debited yet.
func (s *Service) MarkFailedInUnit(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (payoutdomain.WithdrawalRequest, error) {
	w, err := s.repo.LockByID(ctx, tx, id)
	if err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	if w.Status == payoutdomain.WithdrawalStatusFailed {
		return *w, nil
	}
	if !w.Status.CanTransition(payoutdomain.WithdrawalStatusFailed) {
		return payoutdomain.WithdrawalRequest{}, fmt.Errorf("%w: %s -> %s", payoutdomain.ErrInvalidTransition, w.Status, payoutdomain.WithdrawalStatusFailed)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "disbursement_failed"
	}
	now := s.clock.Now()
	w.Status = payoutdomain.WithdrawalStatusFailed
	w.FailureReason = &reason
	w.ProcessedAt = &now
	w.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, w); err != nil {
		return payoutdomain.WithdrawalRequest{}, err
	}
	s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusFailed))
	return *w, nil
}

func (s *Service) SettleDue(ctx context.Context, limit int) (payoutdomain.SettlementReport, error) {
	var report payoutdomain.SettlementReport
	if s.disburser == nil {
		return report, payoutdomain.ErrDisburserUnavailable
	}
	if limit <= 0 {
		return report, nil
	}

	now := s.clock.Now()
	var claimed, stalled []payoutdomain.WithdrawalRequest
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		var err error
		claimed, err = s.repo.ClaimDue(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = payoutdomain.WithdrawalStatusProcessing
			claimed[i].UpdatedAt = now
			if err := s.repo.Update(ctx, tx, &claimed[i]); err != nil {
				return err
			}
		}

		stalled, err = s.repo.ClaimStalled(ctx, tx, now.Add(-s.stallTimeout), limit)
		if err != nil {
			return err
		}
		for i := range stalled {
			stalled[i].UpdatedAt = now
			if err := s.repo.Update(ctx, tx, &stalled[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)
	report.Resent = len(stalled)
	for range claimed {
		s.metrics.RecordWithdrawalTransition(ctx, string(payoutdomain.WithdrawalStatusProcessing))
	}

	var jobErr error
	for _, w := range append(claimed, stalled...) {
		if ctx.Err() != nil {
			return report, errors.Join(jobErr, ctx.Err())
		}
		if err := s.settle(ctx, w, &report); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return report, jobErr
}

// settle disburses one processing request. The idempotency key is derived
// from the request id so a resend can never pay twice.
func (s *Service) settle(ctx context.Context, w payoutdomain.WithdrawalRequest, report *payoutdomain.SettlementReport) error {
	log := s.log.With(
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("creator_id", w.CreatorID.String()),
	)

	var disbursement paymentdomain.Disbursement
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		disbursement, err = s.disburser.Disburse(ctx, paymentdomain.DisbursementRequest{
			WithdrawalID:   w.ID,
			CreatorID:      w.CreatorID,
			AmountCents:    w.USDCents,
			Currency:       s.currency,
			IdempotencyKey: "withdrawal_" + w.ID.String(),
		})
		return err
	}, paymentdomain.IsRetryableGatewayError)

	switch {
	case err == nil && disbursement.Status == paymentdomain.DisbursementStatusPaid:
		if _, err := s.MarkPaid(ctx, w.ID, disbursement.ID); err != nil {
			log.Error("disbursed but not settled", zap.String("external_transfer_id", disbursement.ID), zap.Error(err))
			return err
		}
		report.Paid++
	case err == nil && disbursement.Status == paymentdomain.DisbursementStatusFailed:
		if _, err := s.MarkFailed(ctx, w.ID, disbursement.FailureMessage); err != nil {
			return err
		}
		report.Failed++
	case err == nil:
		if _, err := s.MarkProcessing(ctx, w.ID, disbursement.ID); err != nil {
			return err
		}
		report.InFlight++
	case errors.Is(err, paymentdomain.ErrGatewayRejected):
		log.Warn("disbursement rejected", zap.Error(err))
		if _, err := s.MarkFailed(ctx, w.ID, err.Error()); err != nil {
			return err
		}
		report.Failed++
	default:
		log.Warn("disbursement outcome unknown, will resend", zap.Error(err))
		report.InFlight++
	}
	return nil
}
