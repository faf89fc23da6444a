package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/internal/money"
	"github.com/smallbiznis/creatorpay/internal/notify"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/smallbiznis/creatorpay/internal/retry"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Policy   *config.PayoutPolicyHolder
	Ledger   ledgerdomain.Service
	Refills  transferdomain.RefillRepository
	Notifier notify.Notifier

	Charger      paymentdomain.Charger              `optional:"true"`
	Earnings     transferdomain.EarningsInvalidator `optional:"true"`
	Reservations transferdomain.Reservations        `optional:"true"`
	Metrics      *obsmetrics.Metrics                `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.PayoutPolicyHolder
	ledger   ledgerdomain.Service
	refills  transferdomain.RefillRepository
	notifier notify.Notifier
	charger  paymentdomain.Charger
	earnings transferdomain.EarningsInvalidator
	reserved transferdomain.Reservations
	metrics  *obsmetrics.Metrics
	retry    retry.Policy

	rate       money.Rate
	platformID snowflake.ID
	currency   string
}

func NewService(p Params) (transferdomain.Service, error) {
	return newService(p)
}

func newService(p Params) (*Service, error) {
	rate, err := money.NewRate(p.Config.Tokens.UnitCents)
	if err != nil {
		return nil, err
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	policy := p.Policy
	if policy == nil {
		policy, err = config.NewStaticPayoutPolicy(p.Config.Payout)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("transfer.engine"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     policy,
		ledger:     p.Ledger,
		refills:    p.Refills,
		notifier:   notifier,
		charger:    p.Charger,
		earnings:   p.Earnings,
		reserved:   p.Reservations,
		metrics:    p.Metrics,
		retry:      retry.DefaultPolicy(),
		rate:       rate,
		platformID: snowflake.ID(p.Config.Tokens.PlatformPrincipalID),
		currency:   p.Config.Gateway.Currency,
	}, nil
}

func (s *Service) Transfer(ctx context.Context, req transferdomain.Request) (transferdomain.Result, error) {
	shape, err := s.validate(req)
	if err != nil {
		s.metrics.RecordTransfer(ctx, string(req.Kind), "rejected", 0)
		return transferdomain.Result{}, err
	}

	result, err := s.execute(ctx, req)
	if err == nil {
		s.PublishBalances(ctx, result)
		s.metrics.RecordTransfer(ctx, string(req.Kind), "success", req.Amount)
		return result, nil
	}

	var insufficient *ledgerdomain.InsufficientFundsError
	if !shape.Refillable || !errors.As(err, &insufficient) || insufficient.PrincipalID != req.FromID {
		s.metrics.RecordTransfer(ctx, string(req.Kind), outcomeOf(err), 0)
		return transferdomain.Result{}, err
	}

	refilled, refillErr := s.refill(ctx, req.FromID, insufficient.Shortfall())
	if refillErr != nil {
		s.log.Warn("auto-refill failed",
			zap.String("principal_id", req.FromID.String()),
			zap.Int64("shortfall", insufficient.Shortfall()),
			zap.Error(refillErr),
		)
	}
	if !refilled {
		s.metrics.RecordTransfer(ctx, string(req.Kind), outcomeOf(err), 0)
		return transferdomain.Result{}, err
	}

	result, err = s.execute(ctx, req)
	if err != nil {
		s.metrics.RecordTransfer(ctx, string(req.Kind), outcomeOf(err), 0)
		return transferdomain.Result{}, err
	}
	result.Refilled = true
	s.PublishBalances(ctx, result)
	s.metrics.RecordTransfer(ctx, string(req.Kind), "success", req.Amount)
	return result, nil
}

func (s *Service) ApplyInUnit(ctx context.Context, tx *gorm.DB, req transferdomain.Request) (transferdomain.Result, error) {
	shape, err := s.validate(req)
	if err != nil {
		return transferdomain.Result{}, err
	}
	return s.apply(ctx, tx, req, shape)
}

func (s *Service) PublishBalances(ctx context.Context, result transferdomain.Result) {
	for principalID, balance := range result.NewBalances {
		s.notifier.BalanceChanged(ctx, principalID, balance)
	}
	if s.earnings == nil {
		return
	}
	for _, leg := range result.Legs {
		if leg.PrincipalID != s.platformID {
			s.earnings.Invalidate(leg.PrincipalID)
		}
	}
}

func (s *Service) execute(ctx context.Context, req transferdomain.Request) (transferdomain.Result, error) {
	shape, _ := transferdomain.ShapeOf(req.Kind)
	var result transferdomain.Result
	err := s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.apply(ctx, tx, req, shape)
		return err
	})
	if err != nil {
		return transferdomain.Result{}, err
	}
	return result, nil
}

type leg struct {
	principalID    snowflake.ID
	counterpartyID snowflake.ID
	txnType        ledgerdomain.TransactionType
	amount         int64
}

// plan expands a request into signed legs. Debits come first so a short
// sender fails before any credit is written.
func (s *Service) plan(req transferdomain.Request, shape transferdomain.Shape) ([]leg, error) {
	legs := make([]leg, 0, 3)
	if shape.DebitType != "" {
		legs = append(legs, leg{
			principalID:    req.FromID,
			counterpartyID: req.ToID,
			txnType:        shape.DebitType,
			amount:         -req.Amount,
		})
	}
	if shape.CreditType == "" {
		return legs, nil
	}

	recipientShare, platformShare := req.Amount, int64(0)
	if shape.Split {
		feeBps := s.policy.Get().PlatformFeeBps
		var err error
		recipientShare, platformShare, err = money.SplitFee(req.Amount, feeBps)
		if err != nil {
			return nil, err
		}
		if platformShare > 0 && s.platformID == 0 {
			return nil, transferdomain.ErrPlatformNotConfigured
		}
	}
	if recipientShare > 0 {
		legs = append(legs, leg{
			principalID:    req.ToID,
			counterpartyID: req.FromID,
			txnType:        shape.CreditType,
			amount:         recipientShare,
		})
	}
	if platformShare > 0 {
		legs = append(legs, leg{
			principalID:    s.platformID,
			counterpartyID: req.FromID,
			txnType:        ledgerdomain.TransactionTypePlatformFee,
			amount:         platformShare,
		})
	}
	return legs, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, req transferdomain.Request, shape transferdomain.Shape) (transferdomain.Result, error) {
	legs, err := s.plan(req, shape)
	if err != nil {
		return transferdomain.Result{}, err
	}

	ids := make([]snowflake.ID, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, l.principalID)
	}
	locked, err := s.ledger.LockPrincipals(ctx, tx, ids...)
	if err != nil {
		return transferdomain.Result{}, err
	}
	if shape.DebitType != "" {
		spendable := locked[req.FromID]
		if shape.IsPeer() && s.reserved != nil {
			held, err := s.reserved.PendingTotal(ctx, tx, req.FromID)
			if err != nil {
				return transferdomain.Result{}, err
			}
			spendable -= held
		}
		if spendable < req.Amount {
			if spendable < 0 {
				spendable = 0
			}
			return transferdomain.Result{}, &ledgerdomain.InsufficientFundsError{
				PrincipalID: req.FromID,
				Balance:     spendable,
				Required:    req.Amount,
			}
		}
	}

	transferID := s.genID.Generate()
	result := transferdomain.Result{
		TransferID:     transferID,
		TransactionIDs: make([]snowflake.ID, 0, len(legs)),
		NewBalances:    make(map[snowflake.ID]int64, len(legs)),
		Legs:           make([]transferdomain.Leg, 0, len(legs)),
	}

	var reference *string
	if ref := strings.TrimSpace(req.ExternalReference); ref != "" {
		reference = &ref
	}

	for _, l := range legs {
		balance, err := s.ledger.ApplyDelta(ctx, tx, l.principalID, l.amount)
		if err != nil {
			return transferdomain.Result{}, err
		}

		cents, err := s.legCents(req, l, len(legs))
		if err != nil {
			return transferdomain.Result{}, err
		}

		txn := &ledgerdomain.Transaction{
			TransferID:        transferID,
			PrincipalID:       l.principalID,
			Type:              l.txnType,
			TokenAmount:       l.amount,
			USDCents:          cents,
			Status:            ledgerdomain.TransactionStatusCompleted,
			ExternalReference: reference,
			Metadata:          legMetadata(req),
		}
		if l.counterpartyID != 0 {
			counterparty := l.counterpartyID
			txn.CounterpartyID = &counterparty
		}

		id, err := s.ledger.Append(ctx, tx, txn)
		if err != nil {
			return transferdomain.Result{}, err
		}
		s.metrics.RecordLedgerEntry(ctx, string(l.txnType))

		result.TransactionIDs = append(result.TransactionIDs, id)
		result.NewBalances[l.principalID] = balance
		result.Legs = append(result.Legs, transferdomain.Leg{
			TransactionID: id,
			PrincipalID:   l.principalID,
			Type:          l.txnType,
			Amount:        l.amount,
			Balance:       balance,
		})
	}

	return result, nil
}

// legCents converts a leg to currency. An explicit amount from the gateway
// wins for single-leg transfers.
func (s *Service) legCents(req transferdomain.Request, l leg, legCount int) (int64, error) {
	if req.USDCents != nil && legCount == 1 {
		if l.amount < 0 {
			return -*req.USDCents, nil
		}
		return *req.USDCents, nil
	}
	abs := l.amount
	if abs < 0 {
		abs = -abs
	}
	cents, err := s.rate.TokensToCents(abs)
	if err != nil {
		return 0, err
	}
	if l.amount < 0 {
		return -cents, nil
	}
	return cents, nil
}

func legMetadata(req transferdomain.Request) datatypes.JSONMap {
	meta := datatypes.JSONMap{"transfer_kind": string(req.Kind)}
	for k, v := range req.Metadata {
		if k == "transfer_kind" {
			continue
		}
		meta[k] = v
	}
	return meta
}

func (s *Service) validate(req transferdomain.Request) (transferdomain.Shape, error) {
	shape, ok := transferdomain.ShapeOf(req.Kind)
	if !ok {
		return transferdomain.Shape{}, transferdomain.ErrInvalidKind
	}
	if req.Amount <= 0 {
		return transferdomain.Shape{}, transferdomain.ErrInvalidAmount
	}
	if req.USDCents != nil && *req.USDCents < 0 {
		return transferdomain.Shape{}, transferdomain.ErrInvalidAmount
	}

	switch {
	case shape.IsPeer():
		if req.FromID == 0 {
			return transferdomain.Shape{}, transferdomain.ErrMissingSender
		}
		if req.ToID == 0 {
			return transferdomain.Shape{}, transferdomain.ErrMissingRecipient
		}
		if req.FromID == req.ToID {
			return transferdomain.Shape{}, transferdomain.ErrSelfTransfer
		}
	case shape.CreditType != "":
		if req.ToID == 0 {
			return transferdomain.Shape{}, transferdomain.ErrMissingRecipient
		}
		if req.FromID != 0 {
			return transferdomain.Shape{}, transferdomain.ErrUnexpectedSender
		}
	default:
		if req.FromID == 0 {
			return transferdomain.Shape{}, transferdomain.ErrMissingSender
		}
		if req.ToID != 0 {
			return transferdomain.Shape{}, transferdomain.ErrUnexpectedRecipient
		}
	}

	return shape, nil
}

// refill charges the principal's stored payment method and credits the
// tokens in their own unit. It reports whether the credit landed.
func (s *Service) refill(ctx context.Context, principalID snowflake.ID, shortfall int64) (bool, error) {
	if s.charger == nil {
		return false, nil
	}
	settings, err := s.refills.Get(ctx, s.db, principalID)
	if err != nil {
		return false, err
	}
	if settings == nil || !settings.Enabled || settings.PaymentMethodRef == nil {
		return false, nil
	}

	tokens := settings.RefillTokens
	if shortfall > tokens {
		tokens = shortfall
	}
	cents, err := s.rate.TokensToCents(tokens)
	if err != nil {
		return false, err
	}

	key := "refill_" + ulid.Make().String()
	var charge paymentdomain.Charge
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		charge, err = s.charger.CreateCharge(ctx, paymentdomain.ChargeRequest{
			PrincipalID:      principalID,
			Tokens:           tokens,
			AmountCents:      cents,
			Currency:         s.currency,
			PaymentMethodRef: *settings.PaymentMethodRef,
			IdempotencyKey:   key,
			Purpose:          paymentdomain.PurposeSmartRefill,
		})
		return err
	}, paymentdomain.IsRetryableGatewayError)
	if err != nil {
		s.metrics.RecordRefill(ctx, "charge_failed")
		return false, err
	}
	if charge.Status != paymentdomain.ChargeStatusSucceeded {
		s.metrics.RecordRefill(ctx, "charge_"+string(charge.Status))
		return false, fmt.Errorf("%w: charge %s is %s", transferdomain.ErrRefillUnavailable, charge.ID, charge.Status)
	}

	chargedCents := charge.AmountCents
	if chargedCents <= 0 {
		chargedCents = cents
	}
	credit := transferdomain.Request{
		ToID:              principalID,
		Amount:            tokens,
		Kind:              transferdomain.KindSmartRefill,
		ExternalReference: charge.ID,
		USDCents:          &chargedCents,
		Metadata: map[string]any{
			"idempotency_key": key,
			"shortfall":       shortfall,
		},
	}
	result, err := s.execute(ctx, credit)
	switch {
	case errors.Is(err, ledgerdomain.ErrDuplicateReference):
		// the gateway webhook credited this charge first
		s.metrics.RecordRefill(ctx, "credited_by_webhook")
		return true, nil
	case err != nil:
		s.metrics.RecordRefill(ctx, "credit_failed")
		s.log.Error("refill charged but credit failed",
			zap.String("principal_id", principalID.String()),
			zap.String("charge_id", charge.ID),
			zap.Error(err),
		)
		return false, err
	}

	s.metrics.RecordRefill(ctx, "credited")
	s.PublishBalances(ctx, result)
	s.log.Info("auto-refill credited",
		zap.String("principal_id", principalID.String()),
		zap.String("charge_id", charge.ID),
		zap.Int64("tokens", tokens),
	)
	return true, nil
}

func (s *Service) GetRefillSettings(ctx context.Context, principalID snowflake.ID) (*transferdomain.RefillSettings, error) {
	if principalID == 0 {
		return nil, ledgerdomain.ErrInvalidPrincipal
	}
	settings, err := s.refills.Get(ctx, s.db, principalID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return &transferdomain.RefillSettings{PrincipalID: principalID}, nil
	}
	return settings, nil
}

func (s *Service) UpdateRefillSettings(ctx context.Context, settings transferdomain.RefillSettings) (transferdomain.RefillSettings, error) {
	if settings.PrincipalID == 0 {
		return transferdomain.RefillSettings{}, ledgerdomain.ErrInvalidPrincipal
	}
	if settings.RefillTokens < 0 {
		return transferdomain.RefillSettings{}, transferdomain.ErrInvalidRefillSetting
	}
	if settings.PaymentMethodRef != nil {
		ref := strings.TrimSpace(*settings.PaymentMethodRef)
		if ref == "" {
			settings.PaymentMethodRef = nil
		} else {
			settings.PaymentMethodRef = &ref
		}
	}
	if settings.Enabled && (settings.RefillTokens == 0 || settings.PaymentMethodRef == nil) {
		return transferdomain.RefillSettings{}, transferdomain.ErrInvalidRefillSetting
	}
	settings.UpdatedAt = s.clock.Now()

	if err := s.refills.Upsert(ctx, s.db, &settings); err != nil {
		return transferdomain.RefillSettings{}, err
	}
	return settings, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledgerdomain.ErrDuplicateReference):
		return "duplicate"
	case ledgerdomain.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
