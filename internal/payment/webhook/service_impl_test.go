package webhook

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	earningsservice "github.com/smallbiznis/creatorpay/internal/earnings/service"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creatorpay/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creatorpay/internal/ledger/service"
	"github.com/smallbiznis/creatorpay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/smallbiznis/creatorpay/internal/payment/eventcache"
	paymentrepo "github.com/smallbiznis/creatorpay/internal/payment/repository"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	payoutrepo "github.com/smallbiznis/creatorpay/internal/payout/repository"
	payoutservice "github.com/smallbiznis/creatorpay/internal/payout/service"
	"github.com/smallbiznis/creatorpay/internal/testutil"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	transferrepo "github.com/smallbiznis/creatorpay/internal/transfer/repository"
	transferservice "github.com/smallbiznis/creatorpay/internal/transfer/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	secret  = "whsec_test"
	buyer   = snowflake.ID(3100)
	fan     = snowflake.ID(3200)
	creator = snowflake.ID(3300)
)

type fixture struct {
	params    Params
	svc       *Service
	transfers transferdomain.Service
	payouts   payoutdomain.Service
	earnings  earningsdomain.Service
	db        *gorm.DB
	clk       *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Tokens:  config.TokenConfig{UnitCents: 5},
		Gateway: config.GatewayConfig{Currency: "usd"},
		Webhook: config.WebhookConfig{
			SigningSecret:   secret,
			FreshnessWindow: 5 * time.Minute,
			EventCacheTTL:   time.Hour,
		},
		Payout: config.PayoutPolicy{
			CalendarDays:        []int{1, 15},
			MinimumPayoutTokens: 1000,
			BufferWindow:        72 * time.Hour,
		},
	}
	policy, err := config.NewStaticPayoutPolicy(cfg.Payout)
	require.NoError(t, err)

	withdrawals := payoutrepo.Provide()
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Balances: ledgerrepo.NewBalanceStore(),
		Txns:     ledgerrepo.NewTransactionLog(),
	})
	earnings, err := earningsservice.NewService(earningsservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   clk,
		Config:  cfg,
		Policy:  policy,
		Pending: withdrawals,
	})
	require.NoError(t, err)
	transfers, err := transferservice.NewService(transferservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Config:       cfg,
		Policy:       policy,
		Ledger:       ledger,
		Refills:      transferrepo.NewRefillRepository(),
		Earnings:     earnings,
		Reservations: withdrawals,
	})
	require.NoError(t, err)
	payouts, err := payoutservice.NewService(payoutservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		Policy:    policy,
		Repo:      withdrawals,
		Ledger:    ledger,
		Transfers: transfers,
		Earnings:  earnings,
	})
	require.NoError(t, err)
	adapter, err := stripe.NewAdapter(cfg)
	require.NoError(t, err)

	params := Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		Adapter:   adapter,
		Repo:      paymentrepo.Provide(),
		Ledger:    ledger,
		Transfers: transfers,
		Payouts:   payouts,
		Cache:     eventcache.NewMemory(time.Hour),
		Earnings:  earnings,
	}
	return fixture{
		params:    params,
		svc:       newService(params),
		transfers: transfers,
		payouts:   payouts,
		earnings:  earnings,
		db:        db,
		clk:       clk,
	}
}

// withoutCache returns a second gateway instance over the same database
// with no advisory cache, so only the durable record can dedupe.
func (f fixture) withoutCache() *Service {
	p := f.params
	p.Cache = nil
	return newService(p)
}

func (f fixture) payload(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func (f fixture) deliver(t *testing.T, svc *Service, payload []byte) (paymentdomain.Ack, error) {
	t.Helper()
	return svc.Receive(context.Background(), payload, stripe.SignatureHeaderValue(secret, payload, f.clk.Now()))
}

func purchase(id string, principal snowflake.ID, tokens, cents int64) map[string]any {
	return map[string]any{
		"id":              id,
		"amount":          cents,
		"amount_received": cents,
		"currency":        "usd",
		"metadata": map[string]any{
			"principal_id": principal.String(),
			"tokens":       tokens,
		},
	}
}

func (f fixture) eventStatus(t *testing.T, eventID string) paymentdomain.EventStatus {
	t.Helper()
	var status string
	require.NoError(t, f.db.Raw(`SELECT processing_status FROM external_event_records WHERE event_id = ?`, eventID).Scan(&status).Error)
	return paymentdomain.EventStatus(status)
}

func TestPurchaseCreditsTokens(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t, "evt_1", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_1", buyer, 200, 1000))

	ack, err := f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)
	assert.Equal(t, "evt_1", ack.EventID)

	assert.Equal(t, int64(200), testutil.Balance(t, f.db, buyer))
	assert.Equal(t, paymentdomain.EventStatusSuccess, f.eventStatus(t, "evt_1"))
	assert.Equal(t, int64(1), testutil.Count(t, f.db,
		`SELECT COUNT(*) FROM ledger_transactions WHERE principal_id = ? AND type = ? AND external_reference = 'pi_1' AND usd_cents = 1000`,
		buyer, ledgerdomain.TransactionTypePurchase))
}

func TestDuplicateDeliveryHasNoSecondEffect(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t, "evt_dup", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_dup", buyer, 200, 1000))

	ack, err := f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.AckProcessed, ack.Status)

	ack, err = f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckDuplicate, ack.Status)

	ack, err = f.deliver(t, f.withoutCache(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckDuplicate, ack.Status)

	assert.Equal(t, int64(200), testutil.Balance(t, f.db, buyer))
	assert.Equal(t, int64(1), testutil.Count(t, f.db, `SELECT COUNT(*) FROM external_event_records`))
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	svc := f.withoutCache()
	payload := f.payload(t, "evt_race", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_race", buyer, 50, 250))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[paymentdomain.AckStatus]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := svc.Receive(context.Background(), payload, stripe.SignatureHeaderValue(secret, payload, f.clk.Now()))
			if err != nil {
				return
			}
			mu.Lock()
			statuses[ack.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[paymentdomain.AckProcessed])
	assert.Equal(t, 7, statuses[paymentdomain.AckDuplicate])
	assert.Equal(t, int64(50), testutil.Balance(t, f.db, buyer))
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t, "evt_sig", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_sig", buyer, 10, 50))

	_, err := f.svc.Receive(context.Background(), payload, stripe.SignatureHeaderValue("whsec_other", payload, f.clk.Now()))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	_, err = f.svc.Receive(context.Background(), payload, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	assert.Zero(t, testutil.Balance(t, f.db, buyer))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM external_event_records`))
}

func TestRejectsStaleEventAcceptsFutureEvent(t *testing.T) {
	f := newFixture(t)

	stale := f.payload(t, "evt_old", paymentdomain.EventTypePaymentSucceeded, f.clk.Now().Add(-10*time.Minute), purchase("pi_old", buyer, 10, 50))
	_, err := f.deliver(t, f.svc, stale)
	assert.ErrorIs(t, err, paymentdomain.ErrStaleEvent)

	future := f.payload(t, "evt_future", paymentdomain.EventTypePaymentSucceeded, f.clk.Now().Add(2*time.Minute), purchase("pi_future", buyer, 10, 50))
	ack, err := f.deliver(t, f.svc, future)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)
	assert.Equal(t, int64(10), testutil.Balance(t, f.db, buyer))
}

func TestRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_x","type":`)

	_, err := f.deliver(t, f.svc, payload)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestIgnoresUnknownEventTypes(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t, "evt_cust", "customer.created", f.clk.Now(), map[string]any{"id": "cus_1"})

	ack, err := f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckIgnored, ack.Status)
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM external_event_records`))
}

func TestUndecodableObjectFailsPermanently(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t, "evt_bad", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), map[string]any{
		"id":     "pi_bad",
		"amount": 100,
	})

	ack, err := f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckFailed, ack.Status)
	assert.NotEmpty(t, ack.Reason)
	assert.Equal(t, paymentdomain.EventStatusFailed, f.eventStatus(t, "evt_bad"))
}

func TestPaymentFailedIsRecordedWithoutLedgerEffect(t *testing.T) {
	f := newFixture(t)
	object := purchase("pi_declined", buyer, 100, 500)
	object["last_payment_error"] = map[string]any{"message": "card_declined"}
	payload := f.payload(t, "evt_declined", paymentdomain.EventTypePaymentFailed, f.clk.Now(), object)

	ack, err := f.deliver(t, f.svc, payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions`))
	assert.Equal(t, paymentdomain.EventStatusSuccess, f.eventStatus(t, "evt_declined"))
}

func TestRefundDebitsProratedTokens(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, f.svc, f.payload(t, "evt_buy", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_2", buyer, 200, 1000)))
	require.NoError(t, err)

	refund := purchase("ch_2", buyer, 200, 1000)
	refund["payment_intent"] = "pi_2"
	refund["amount_refunded"] = 500
	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_refund", paymentdomain.EventTypeChargeRefunded, f.clk.Now(), refund))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)

	assert.Equal(t, int64(100), testutil.Balance(t, f.db, buyer))
	assert.Equal(t, int64(1), testutil.Count(t, f.db,
		`SELECT COUNT(*) FROM ledger_transactions WHERE type = ? AND token_amount = -100 AND usd_cents = -500`,
		ledgerdomain.TransactionTypeRefund))
}

func TestRefundWithoutFundsFailsPermanently(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, f.svc, f.payload(t, "evt_buy3", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), purchase("pi_3", buyer, 200, 1000)))
	require.NoError(t, err)

	_, err = f.transfers.Transfer(context.Background(), transferdomain.Request{FromID: buyer, ToID: creator, Amount: 150, Kind: transferdomain.KindTip})
	require.NoError(t, err)

	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_refund3", paymentdomain.EventTypeChargeRefunded, f.clk.Now(), purchase("ch_3", buyer, 200, 1000)))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckFailed, ack.Status)
	assert.Equal(t, ledgerdomain.ErrInsufficientFunds.Error(), ack.Reason)

	assert.Equal(t, int64(50), testutil.Balance(t, f.db, buyer))
	assert.Equal(t, paymentdomain.EventStatusFailed, f.eventStatus(t, "evt_refund3"))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions WHERE type = ?`, ledgerdomain.TransactionTypeRefund))
}

func TestSmartRefillWebhookAfterSynchronousCredit(t *testing.T) {
	f := newFixture(t)
	cents := int64(500)
	_, err := f.transfers.Transfer(context.Background(), transferdomain.Request{
		ToID:              buyer,
		Amount:            100,
		Kind:              transferdomain.KindSmartRefill,
		ExternalReference: "pi_refill",
		USDCents:          &cents,
	})
	require.NoError(t, err)

	object := purchase("pi_refill", buyer, 100, 500)
	object["metadata"].(map[string]any)["purpose"] = paymentdomain.PurposeSmartRefill
	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_refill", paymentdomain.EventTypePaymentSucceeded, f.clk.Now(), object))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)

	assert.Equal(t, int64(100), testutil.Balance(t, f.db, buyer))
	assert.Equal(t, int64(1), testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions WHERE type = ?`, ledgerdomain.TransactionTypeSmartRefill))
}

func (f fixture) processingWithdrawal(t *testing.T, tokens int64) payoutdomain.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()
	testutil.SeedBalance(t, f.db, fan, testutil.Balance(t, f.db, fan)+tokens)
	_, err := f.transfers.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: tokens, Kind: transferdomain.KindTip})
	require.NoError(t, err)
	f.clk.Advance(4 * 24 * time.Hour)

	w, err := f.payouts.RequestWithdrawal(ctx, creator, tokens)
	require.NoError(t, err)
	w, err = f.payouts.MarkProcessing(ctx, w.ID, "")
	require.NoError(t, err)
	return w
}

func TestPayoutPaidSettlesWithdrawal(t *testing.T) {
	f := newFixture(t)
	w := f.processingWithdrawal(t, 1200)

	object := map[string]any{
		"id":       "po_1",
		"amount":   w.USDCents,
		"metadata": map[string]any{"withdrawal_id": w.ID.String()},
	}
	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_po_paid", paymentdomain.EventTypePayoutPaid, f.clk.Now(), object))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)

	paid, err := f.payouts.GetWithdrawal(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.WithdrawalStatusPaid, paid.Status)
	assert.Zero(t, testutil.Balance(t, f.db, creator))

	// a second event for the same payout is a no-op
	ack, err = f.deliver(t, f.svc, f.payload(t, "evt_po_paid_again", paymentdomain.EventTypePayoutPaid, f.clk.Now(), object))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions WHERE type = ?`, ledgerdomain.TransactionTypePayout))

	summary, err := f.earnings.GetEarningsSummary(context.Background(), creator)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), summary.TotalPaidOut)
	assert.Zero(t, summary.AvailableBalance)
}

func TestPayoutFailedReleasesWithdrawal(t *testing.T) {
	f := newFixture(t)
	w := f.processingWithdrawal(t, 1000)

	object := map[string]any{
		"id":              "po_2",
		"amount":          w.USDCents,
		"failure_message": "account_closed",
		"metadata":        map[string]any{"withdrawal_id": w.ID.String()},
	}
	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_po_failed", paymentdomain.EventTypePayoutFailed, f.clk.Now(), object))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckProcessed, ack.Status)

	failed, err := f.payouts.GetWithdrawal(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.WithdrawalStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "account_closed", *failed.FailureReason)

	assert.Equal(t, int64(1000), testutil.Balance(t, f.db, creator))
	summary, err := f.earnings.GetEarningsSummary(context.Background(), creator)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), summary.AvailableBalance)
}

func TestPayoutForUnknownWithdrawalFails(t *testing.T) {
	f := newFixture(t)
	object := map[string]any{
		"id":       "po_3",
		"metadata": map[string]any{"withdrawal_id": "123456789"},
	}
	ack, err := f.deliver(t, f.svc, f.payload(t, "evt_po_unknown", paymentdomain.EventTypePayoutPaid, f.clk.Now(), object))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AckFailed, ack.Status)
}

func TestRefundedTokens(t *testing.T) {
	cases := []struct {
		name string
		obj  paymentdomain.PaymentObject
		want int64
	}{
		{"full", paymentdomain.PaymentObject{Tokens: 200, AmountCents: 1000, AmountRefundedCents: 1000}, 200},
		{"partial", paymentdomain.PaymentObject{Tokens: 200, AmountCents: 1000, AmountRefundedCents: 250}, 50},
		{"unknown refund amount", paymentdomain.PaymentObject{Tokens: 200, AmountCents: 1000}, 200},
		{"no tokens", paymentdomain.PaymentObject{AmountCents: 1000, AmountRefundedCents: 1000}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := refundedTokens(tc.obj)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRefundedTokensOverflowIsInvalidEvent(t *testing.T) {
	_, err := refundedTokens(paymentdomain.PaymentObject{
		Tokens:              math.MaxInt64 / 2,
		AmountCents:         math.MaxInt64,
		AmountRefundedCents: math.MaxInt64 - 1,
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
	assert.ErrorIs(t, classify(err), paymentdomain.ErrInvalidEvent)
	var bizErr *businessError
	assert.ErrorAs(t, classify(err), &bizErr)
}
