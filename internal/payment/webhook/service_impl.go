package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/internal/money"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Adapter   paymentdomain.Adapter
	Repo      paymentdomain.EventRepository
	Ledger    ledgerdomain.Service
	Transfers transferdomain.Service
	Payouts   payoutdomain.Service

	Cache    paymentdomain.EventCache           `optional:"true"`
	Earnings transferdomain.EarningsInvalidator `optional:"true"`
	Metrics  *obsmetrics.Metrics                `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	adapter   paymentdomain.Adapter
	repo      paymentdomain.EventRepository
	cache     paymentdomain.EventCache
	ledger    ledgerdomain.Service
	transfers transferdomain.Service
	payouts   payoutdomain.Service
	earnings  transferdomain.EarningsInvalidator
	metrics   *obsmetrics.Metrics

	freshness time.Duration
}

func NewService(p Params) paymentdomain.WebhookService {
	return newService(p)
}

func newService(p Params) *Service {
	freshness := p.Config.Webhook.FreshnessWindow
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.webhook"),
		genID:     p.GenID,
		clock:     p.Clock,
		adapter:   p.Adapter,
		repo:      p.Repo,
		cache:     p.Cache,
		ledger:    p.Ledger,
		transfers: p.Transfers,
		payouts:   p.Payouts,
		earnings:  p.Earnings,
		metrics:   p.Metrics,
		freshness: freshness,
	}
}

// effect is what a committed event changed, published after commit.
type effect struct {
	result  transferdomain.Result
	touched []snowflake.ID
}

// businessError marks a handler failure that redelivery cannot fix.
type businessError struct {
	err error
}

func (e *businessError) Error() string { return e.err.Error() }
func (e *businessError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &businessError{err: err}
}

func (s *Service) Receive(ctx context.Context, payload []byte, signatureHeader string) (paymentdomain.Ack, error) {
	if err := s.adapter.Verify(payload, signatureHeader); err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unknown", "invalid_signature")
		return paymentdomain.Ack{}, paymentdomain.ErrInvalidSignature
	}
	event, err := s.adapter.Parse(payload)
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unknown", "invalid_payload")
		return paymentdomain.Ack{}, err
	}

	log := s.log.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	now := s.clock.Now()
	if event.CreatedAt.Before(now.Add(-s.freshness)) {
		log.Warn("stale webhook event rejected", zap.Time("created_at", event.CreatedAt))
		s.metrics.RecordWebhookEvent(ctx, event.Type, "stale")
		return paymentdomain.Ack{}, paymentdomain.ErrStaleEvent
	}

	ack := paymentdomain.Ack{EventID: event.ID, EventType: event.Type}
	if !allowed(event.Type) {
		ack.Status = paymentdomain.AckIgnored
		s.metrics.RecordWebhookEvent(ctx, event.Type, string(ack.Status))
		return ack, nil
	}

	if s.cache != nil {
		seen, err := s.cache.Seen(ctx, event.ID)
		if err != nil {
			log.Warn("event cache lookup failed", zap.Error(err))
		}
		if seen {
			ack.Status = paymentdomain.AckDuplicate
			s.metrics.RecordWebhookEvent(ctx, event.Type, string(ack.Status))
			return ack, nil
		}
	}

	record := paymentdomain.ExternalEventRecord{
		ID:               s.genID.Generate(),
		EventID:          event.ID,
		EventType:        event.Type,
		Payload:          datatypes.JSON(event.Raw),
		ProcessingStatus: paymentdomain.EventStatusProcessing,
		ReceivedAt:       now,
		UpdatedAt:        now,
	}

	var (
		out       effect
		duplicate bool
	)
	err = s.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		if _, err := s.repo.Insert(ctx, tx, &record); err != nil {
			return err
		}
		stored, err := s.repo.LockByEventID(ctx, tx, event.ID)
		if err != nil {
			return err
		}
		if stored.ProcessingStatus == paymentdomain.EventStatusSuccess {
			duplicate = true
			return nil
		}

		out, err = s.apply(ctx, tx, event)
		if err != nil {
			return err
		}
		return s.repo.MarkSuccess(ctx, tx, stored.ID, s.clock.Now())
	})

	var bizErr *businessError
	switch {
	case err == nil:
	case errors.As(err, &bizErr) && !ledgerdomain.IsTransient(err):
		reason := err.Error()
		if markErr := s.repo.MarkFailed(ctx, s.db, &record, reason, s.clock.Now()); markErr != nil {
			log.Error("failed to record event failure", zap.Error(markErr))
			s.metrics.RecordWebhookEvent(ctx, event.Type, "transient")
			return paymentdomain.Ack{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransient, markErr)
		}
		log.Warn("webhook event failed permanently", zap.String("reason", reason))
		ack.Status = paymentdomain.AckFailed
		ack.Reason = failureCode(err)
		s.metrics.RecordWebhookEvent(ctx, event.Type, string(ack.Status))
		return ack, nil
	default:
		log.Warn("webhook event will be redelivered", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, event.Type, "transient")
		return paymentdomain.Ack{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
	}

	s.remember(ctx, log, event.ID)
	if duplicate {
		ack.Status = paymentdomain.AckDuplicate
		s.metrics.RecordWebhookEvent(ctx, event.Type, string(ack.Status))
		return ack, nil
	}

	s.transfers.PublishBalances(ctx, out.result)
	if s.earnings != nil {
		for _, id := range out.touched {
			s.earnings.Invalidate(id)
		}
	}
	ack.Status = paymentdomain.AckProcessed
	s.metrics.RecordWebhookEvent(ctx, event.Type, string(ack.Status))
	log.Info("webhook event processed")
	return ack, nil
}

func (s *Service) remember(ctx context.Context, log *zap.Logger, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remember(ctx, eventID); err != nil {
		log.Warn("event cache write failed", zap.Error(err))
	}
}

func allowed(eventType string) bool {
	switch eventType {
	case paymentdomain.EventTypePaymentSucceeded,
		paymentdomain.EventTypePaymentFailed,
		paymentdomain.EventTypeChargeRefunded,
		paymentdomain.EventTypePayoutPaid,
		paymentdomain.EventTypePayoutFailed:
		return true
	}
	return false
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) (effect, error) {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.creditPayment(ctx, tx, event)
	case paymentdomain.EventTypeChargeRefunded:
		return s.debitRefund(ctx, tx, event)
	case paymentdomain.EventTypePaymentFailed:
		obj, err := s.adapter.DecodePayment(event.Object)
		if err != nil {
			return effect{}, permanent(err)
		}
		s.log.Info("payment failed",
			zap.String("event_id", event.ID),
			zap.String("payment_id", obj.ID),
			zap.String("principal_id", obj.PrincipalID.String()),
			zap.String("failure", obj.FailureMessage),
		)
		return effect{}, nil
	case paymentdomain.EventTypePayoutPaid:
		obj, err := s.adapter.DecodePayout(event.Object)
		if err != nil {
			return effect{}, permanent(err)
		}
		w, result, err := s.payouts.MarkPaidInUnit(ctx, tx, obj.WithdrawalID, obj.ID)
		if err != nil {
			return effect{}, classify(err)
		}
		return effect{result: result, touched: []snowflake.ID{w.CreatorID}}, nil
	case paymentdomain.EventTypePayoutFailed:
		obj, err := s.adapter.DecodePayout(event.Object)
		if err != nil {
			return effect{}, permanent(err)
		}
		w, err := s.payouts.MarkFailedInUnit(ctx, tx, obj.WithdrawalID, obj.FailureMessage)
		if err != nil {
			return effect{}, classify(err)
		}
		return effect{touched: []snowflake.ID{w.CreatorID}}, nil
	}
	return effect{}, permanent(paymentdomain.ErrInvalidEvent)
}

// creditPayment credits purchased tokens. A smart refill credit may already
// exist from the synchronous charge path, in which case nothing is written.
func (s *Service) creditPayment(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) (effect, error) {
	obj, err := s.adapter.DecodePayment(event.Object)
	if err != nil {
		return effect{}, permanent(err)
	}
	if obj.Tokens <= 0 {
		return effect{}, permanent(fmt.Errorf("%w: metadata.tokens must be positive", paymentdomain.ErrInvalidEvent))
	}

	kind := transferdomain.KindPurchase
	txnType := ledgerdomain.TransactionTypePurchase
	if strings.EqualFold(obj.Purpose, paymentdomain.PurposeSmartRefill) {
		kind = transferdomain.KindSmartRefill
		txnType = ledgerdomain.TransactionTypeSmartRefill
	}

	existing, err := s.ledger.FindByReference(ctx, tx, obj.PrincipalID, txnType, obj.ID)
	if err != nil {
		return effect{}, err
	}
	if existing != nil {
		return effect{}, nil
	}

	cents := obj.AmountCents
	result, err := s.transfers.ApplyInUnit(ctx, tx, transferdomain.Request{
		ToID:              obj.PrincipalID,
		Amount:            obj.Tokens,
		Kind:              kind,
		ExternalReference: obj.ID,
		USDCents:          &cents,
		Metadata: map[string]any{
			"event_id": event.ID,
			"currency": obj.Currency,
		},
	})
	if err != nil {
		return effect{}, classify(err)
	}
	return effect{result: result}, nil
}

// debitRefund removes the refunded share of the purchased tokens.
func (s *Service) debitRefund(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) (effect, error) {
	obj, err := s.adapter.DecodePayment(event.Object)
	if err != nil {
		return effect{}, permanent(err)
	}
	tokens, err := refundedTokens(obj)
	if err != nil {
		return effect{}, permanent(err)
	}
	if tokens <= 0 {
		return effect{}, permanent(fmt.Errorf("%w: nothing to refund", paymentdomain.ErrInvalidEvent))
	}

	existing, err := s.ledger.FindByReference(ctx, tx, obj.PrincipalID, ledgerdomain.TransactionTypeRefund, obj.ID)
	if err != nil {
		return effect{}, err
	}
	if existing != nil {
		return effect{}, nil
	}

	cents := obj.AmountRefundedCents
	if cents <= 0 {
		cents = obj.AmountCents
	}
	result, err := s.transfers.ApplyInUnit(ctx, tx, transferdomain.Request{
		FromID:            obj.PrincipalID,
		Amount:            tokens,
		Kind:              transferdomain.KindRefund,
		ExternalReference: obj.ID,
		USDCents:          &cents,
		Metadata: map[string]any{
			"event_id":          event.ID,
			"payment_intent_id": obj.PaymentIntentID,
		},
	})
	if err != nil {
		return effect{}, classify(err)
	}
	return effect{result: result}, nil
}

// refundedTokens prorates metadata.tokens by the refunded share of the charge.
func refundedTokens(obj paymentdomain.PaymentObject) (int64, error) {
	if obj.Tokens <= 0 {
		return 0, nil
	}
	if obj.AmountRefundedCents <= 0 || obj.AmountCents <= 0 || obj.AmountRefundedCents >= obj.AmountCents {
		return obj.Tokens, nil
	}
	tokens, err := money.MulDiv(obj.Tokens, obj.AmountRefundedCents, obj.AmountCents)
	if err != nil {
		return 0, fmt.Errorf("%w: refunded tokens: %v", paymentdomain.ErrInvalidEvent, err)
	}
	return tokens, nil
}

// failureCodes are the outcomes a caller may see in Ack.Reason. The full
// error text stays in the event record and the logs.
var failureCodes = []error{
	ledgerdomain.ErrInsufficientFunds,
	payoutdomain.ErrWithdrawalNotFound,
	payoutdomain.ErrInvalidTransition,
	transferdomain.ErrInvalidAmount,
	transferdomain.ErrInvalidKind,
	transferdomain.ErrMissingSender,
	transferdomain.ErrMissingRecipient,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
}

func failureCode(err error) string {
	for _, code := range failureCodes {
		if errors.Is(err, code) {
			return code.Error()
		}
	}
	return "permanent_failure"
}

// classify leaves infrastructure failures and reference races retryable.
// Everything else a handler returns is a business outcome.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ledgerdomain.IsTransient(err) || errors.Is(err, ledgerdomain.ErrDuplicateReference) {
		return err
	}
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds),
		errors.Is(err, payoutdomain.ErrWithdrawalNotFound),
		errors.Is(err, payoutdomain.ErrInvalidTransition),
		errors.Is(err, transferdomain.ErrInvalidAmount),
		errors.Is(err, transferdomain.ErrInvalidKind),
		errors.Is(err, transferdomain.ErrMissingSender),
		errors.Is(err, transferdomain.ErrMissingRecipient),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return permanent(err)
	}
	return err
}
