package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/internal/clock"
	"github.com/smallbiznis/creatorpay/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creatorpay/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creatorpay/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/smallbiznis/creatorpay/internal/retry"
	"github.com/smallbiznis/creatorpay/internal/testutil"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"github.com/smallbiznis/creatorpay/internal/transfer/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fan      = snowflake.ID(1001)
	creator  = snowflake.ID(2002)
	platform = snowflake.ID(9)
)

type mockCharger struct {
	mock.Mock
}

func (m *mockCharger) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.Charge, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.Charge), args.Error(1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[snowflake.ID][]int64
}

func (n *recordingNotifier) BalanceChanged(_ context.Context, principalID snowflake.ID, balance int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = map[snowflake.ID][]int64{}
	}
	n.events[principalID] = append(n.events[principalID], balance)
}

func (n *recordingNotifier) last(principalID snowflake.ID) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	values := n.events[principalID]
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (r *recordingInvalidator) Invalidate(id snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	charger  *mockCharger
	notifier *recordingNotifier
	earnings *recordingInvalidator
}

func newFixture(t *testing.T, feeBps int64) fixture {
	t.Helper()

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Tokens:  config.TokenConfig{UnitCents: 5, PlatformPrincipalID: int64(platform)},
		Gateway: config.GatewayConfig{Currency: "usd"},
	}
	policy, err := config.NewStaticPayoutPolicy(config.PayoutPolicy{
		CalendarDays:        []int{1, 15},
		MinimumPayoutTokens: 1000,
		BufferWindow:        72 * time.Hour,
		PlatformFeeBps:      feeBps,
	})
	require.NoError(t, err)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Balances: ledgerrepo.NewBalanceStore(),
		Txns:     ledgerrepo.NewTransactionLog(),
	})

	charger := &mockCharger{}
	notifier := &recordingNotifier{}
	earnings := &recordingInvalidator{}
	svc, err := newService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Policy:   policy,
		Ledger:   ledger,
		Refills:  repository.NewRefillRepository(),
		Notifier: notifier,
		Charger:  charger,
		Earnings: earnings,
	})
	require.NoError(t, err)
	svc.retry = retry.Policy{MaxRetries: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond}

	return fixture{svc: svc, db: db, charger: charger, notifier: notifier, earnings: earnings}
}

func (f fixture) enableRefill(t *testing.T, principalID snowflake.ID, tokens int64) {
	t.Helper()
	ref := "pm_card_visa"
	_, err := f.svc.UpdateRefillSettings(context.Background(), transferdomain.RefillSettings{
		PrincipalID:      principalID,
		Enabled:          true,
		RefillTokens:     tokens,
		PaymentMethodRef: &ref,
	})
	require.NoError(t, err)
}

func sumBalances(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	return testutil.Count(t, db, `SELECT COALESCE(SUM(balance), 0) FROM token_balances`)
}

func TestTipMovesTokensAndWritesTwoLegs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 100)

	result, err := f.svc.Transfer(ctx, transferdomain.Request{
		FromID: fan,
		ToID:   creator,
		Amount: 30,
		Kind:   transferdomain.KindTip,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(70), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(30), testutil.Balance(t, f.db, creator))
	assert.Equal(t, map[snowflake.ID]int64{fan: 70, creator: 30}, result.NewBalances)
	require.Len(t, result.TransactionIDs, 2)

	var rows []ledgerdomain.Transaction
	require.NoError(t, f.db.Where("transfer_id = ?", result.TransferID).Order("token_amount").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, fan, rows[0].PrincipalID)
	assert.Equal(t, int64(-30), rows[0].TokenAmount)
	assert.Equal(t, int64(-150), rows[0].USDCents)
	assert.Equal(t, ledgerdomain.TransactionTypeTip, rows[0].Type)
	assert.Equal(t, creator, rows[1].PrincipalID)
	assert.Equal(t, int64(30), rows[1].TokenAmount)
	require.NotNil(t, rows[1].CounterpartyID)
	assert.Equal(t, fan, *rows[1].CounterpartyID)

	balance, ok := f.notifier.last(creator)
	require.True(t, ok)
	assert.Equal(t, int64(30), balance)
	assert.Contains(t, f.earnings.ids, creator)
}

func TestTransferInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 20)

	_, err := f.svc.Transfer(ctx, transferdomain.Request{
		FromID: fan,
		ToID:   creator,
		Amount: 30,
		Kind:   transferdomain.KindTip,
	})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	var insufficient *ledgerdomain.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Shortfall())

	assert.Equal(t, int64(20), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(0), testutil.Balance(t, f.db, creator))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions`))
	f.charger.AssertNotCalled(t, "CreateCharge", mock.Anything, mock.Anything)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, 0)

	cases := []struct {
		name string
		req  transferdomain.Request
		err  error
	}{
		{"unknown kind", transferdomain.Request{FromID: fan, ToID: creator, Amount: 1, Kind: "bribe"}, transferdomain.ErrInvalidKind},
		{"zero amount", transferdomain.Request{FromID: fan, ToID: creator, Amount: 0, Kind: transferdomain.KindTip}, transferdomain.ErrInvalidAmount},
		{"negative amount", transferdomain.Request{FromID: fan, ToID: creator, Amount: -5, Kind: transferdomain.KindGift}, transferdomain.ErrInvalidAmount},
		{"self tip", transferdomain.Request{FromID: fan, ToID: fan, Amount: 5, Kind: transferdomain.KindTip}, transferdomain.ErrSelfTransfer},
		{"peer without sender", transferdomain.Request{ToID: creator, Amount: 5, Kind: transferdomain.KindCallCharge}, transferdomain.ErrMissingSender},
		{"peer without recipient", transferdomain.Request{FromID: fan, Amount: 5, Kind: transferdomain.KindMembership}, transferdomain.ErrMissingRecipient},
		{"purchase with sender", transferdomain.Request{FromID: fan, ToID: creator, Amount: 5, Kind: transferdomain.KindPurchase}, transferdomain.ErrUnexpectedSender},
		{"refund with recipient", transferdomain.Request{FromID: fan, ToID: creator, Amount: 5, Kind: transferdomain.KindRefund}, transferdomain.ErrUnexpectedRecipient},
		{"payout without sender", transferdomain.Request{Amount: 5, Kind: transferdomain.KindPayout}, transferdomain.ErrMissingSender},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Transfer(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestGiftSplitsPlatformFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	testutil.SeedBalance(t, f.db, fan, 100)

	result, err := f.svc.Transfer(ctx, transferdomain.Request{
		FromID: fan,
		ToID:   creator,
		Amount: 25,
		Kind:   transferdomain.KindGift,
	})
	require.NoError(t, err)
	require.Len(t, result.Legs, 3)

	assert.Equal(t, ledgerdomain.TransactionTypeGiftSent, result.Legs[0].Type)
	assert.Equal(t, int64(-25), result.Legs[0].Amount)
	assert.Equal(t, ledgerdomain.TransactionTypeGiftReceived, result.Legs[1].Type)
	assert.Equal(t, int64(23), result.Legs[1].Amount)
	assert.Equal(t, ledgerdomain.TransactionTypePlatformFee, result.Legs[2].Type)
	assert.Equal(t, int64(2), result.Legs[2].Amount)

	assert.Equal(t, int64(100), sumBalances(t, f.db))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COALESCE(SUM(token_amount), 0) FROM ledger_transactions WHERE transfer_id = ?`, result.TransferID))
}

func TestSplitSkipsZeroPlatformLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	testutil.SeedBalance(t, f.db, fan, 100)

	result, err := f.svc.Transfer(ctx, transferdomain.Request{
		FromID: fan,
		ToID:   creator,
		Amount: 9,
		Kind:   transferdomain.KindTip,
	})
	require.NoError(t, err)
	require.Len(t, result.Legs, 2)
	assert.Equal(t, int64(9), result.Legs[1].Amount)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 100)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, transferdomain.Request{
				FromID: fan,
				ToID:   creator,
				Amount: 10,
				Kind:   transferdomain.KindTip,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, workers-10, rejected)
	assert.Equal(t, int64(0), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(100), testutil.Balance(t, f.db, creator))
	assert.Equal(t, int64(100), sumBalances(t, f.db))
}

func TestOpposingTransfersComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 50)
	testutil.SeedBalance(t, f.db, creator, 50)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: 1, Kind: transferdomain.KindTip})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: creator, ToID: fan, Amount: 1, Kind: transferdomain.KindGift})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(50), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(50), testutil.Balance(t, f.db, creator))
}

func TestPurchaseCreditIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	cents := int64(999)

	req := transferdomain.Request{
		ToID:              fan,
		Amount:            200,
		Kind:              transferdomain.KindPurchase,
		ExternalReference: "pi_123",
		USDCents:          &cents,
	}
	result, err := f.svc.Transfer(ctx, req)
	require.NoError(t, err)
	require.Len(t, result.Legs, 1)

	var row ledgerdomain.Transaction
	require.NoError(t, f.db.Where("id = ?", result.TransactionIDs[0]).Take(&row).Error)
	assert.Equal(t, int64(999), row.USDCents)
	require.NotNil(t, row.ExternalReference)
	assert.Equal(t, "pi_123", *row.ExternalReference)
	assert.Nil(t, row.CounterpartyID)

	_, err = f.svc.Transfer(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrDuplicateReference)
	assert.Equal(t, int64(200), testutil.Balance(t, f.db, fan))
}

func TestApplyInUnitRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, creator, 500)

	err := f.svc.ledger.RunUnit(ctx, func(tx *gorm.DB) error {
		if _, err := f.svc.ApplyInUnit(ctx, tx, transferdomain.Request{
			FromID: creator,
			Amount: 400,
			Kind:   transferdomain.KindPayout,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(500), testutil.Balance(t, f.db, creator))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions`))
}

func TestAutoRefillCoversShortfallAndRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 10)
	f.enableRefill(t, fan, 100)

	f.charger.On("CreateCharge", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.PrincipalID == fan &&
			req.Tokens == 100 &&
			req.AmountCents == 500 &&
			req.PaymentMethodRef == "pm_card_visa" &&
			req.Purpose == paymentdomain.PurposeSmartRefill &&
			strings.HasPrefix(req.IdempotencyKey, "refill_")
	})).Return(paymentdomain.Charge{
		ID:          "pi_refill_1",
		Status:      paymentdomain.ChargeStatusSucceeded,
		AmountCents: 500,
	}, nil).Once()

	result, err := f.svc.Transfer(ctx, transferdomain.Request{
		FromID: fan,
		ToID:   creator,
		Amount: 30,
		Kind:   transferdomain.KindTip,
	})
	require.NoError(t, err)
	assert.True(t, result.Refilled)
	f.charger.AssertExpectations(t)

	assert.Equal(t, int64(80), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(30), testutil.Balance(t, f.db, creator))
	assert.Equal(t, int64(1), testutil.Count(t, f.db,
		`SELECT COUNT(*) FROM ledger_transactions WHERE principal_id = ? AND type = ? AND external_reference = ?`,
		fan, ledgerdomain.TransactionTypeSmartRefill, "pi_refill_1"))
}

func TestAutoRefillChargesShortfallWhenLarger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 0)
	f.enableRefill(t, fan, 10)

	f.charger.On("CreateCharge", mock.Anything, mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		return req.Tokens == 40
	})).Return(paymentdomain.Charge{ID: "pi_refill_2", Status: paymentdomain.ChargeStatusSucceeded, AmountCents: 200}, nil).Once()

	_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: 40, Kind: transferdomain.KindCallCharge})
	require.NoError(t, err)
	assert.Equal(t, int64(0), testutil.Balance(t, f.db, fan))
	assert.Equal(t, int64(40), testutil.Balance(t, f.db, creator))
}

func TestAutoRefillRetriesUnavailableGatewayWithSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 0)
	f.enableRefill(t, fan, 50)

	var (
		mu   sync.Mutex
		keys []string
	)
	capture := mock.MatchedBy(func(req paymentdomain.ChargeRequest) bool {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, req.IdempotencyKey)
		return true
	})
	f.charger.On("CreateCharge", mock.Anything, capture).
		Return(paymentdomain.Charge{}, paymentdomain.ErrGatewayUnavailable).Once()
	f.charger.On("CreateCharge", mock.Anything, capture).
		Return(paymentdomain.Charge{ID: "pi_refill_3", Status: paymentdomain.ChargeStatusSucceeded, AmountCents: 250}, nil).Once()

	_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: 50, Kind: transferdomain.KindTip})
	require.NoError(t, err)
	f.charger.AssertNumberOfCalls(t, "CreateCharge", 2)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		assert.Equal(t, keys[0], key)
	}
}

func TestAutoRefillDeclinedReportsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 5)
	f.enableRefill(t, fan, 100)

	f.charger.On("CreateCharge", mock.Anything, mock.Anything).
		Return(paymentdomain.Charge{}, paymentdomain.ErrChargeDeclined).Once()

	_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: 30, Kind: transferdomain.KindTip})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	f.charger.AssertNumberOfCalls(t, "CreateCharge", 1)

	assert.Equal(t, int64(5), testutil.Balance(t, f.db, fan))
	assert.Zero(t, testutil.Count(t, f.db, `SELECT COUNT(*) FROM ledger_transactions`))
}

func TestRefillSkippedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	testutil.SeedBalance(t, f.db, fan, 5)

	_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: fan, ToID: creator, Amount: 30, Kind: transferdomain.KindTip})
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	f.charger.AssertNotCalled(t, "CreateCharge", mock.Anything, mock.Anything)
}

func TestRefillSettingsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	settings, err := f.svc.GetRefillSettings(ctx, fan)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)

	blank := "  "
	_, err = f.svc.UpdateRefillSettings(ctx, transferdomain.RefillSettings{
		PrincipalID:      fan,
		Enabled:          true,
		RefillTokens:     100,
		PaymentMethodRef: &blank,
	})
	assert.ErrorIs(t, err, transferdomain.ErrInvalidRefillSetting)

	_, err = f.svc.UpdateRefillSettings(ctx, transferdomain.RefillSettings{PrincipalID: fan, RefillTokens: -1})
	assert.ErrorIs(t, err, transferdomain.ErrInvalidRefillSetting)

	f.enableRefill(t, fan, 100)
	settings, err = f.svc.GetRefillSettings(ctx, fan)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, int64(100), settings.RefillTokens)
}

type fixedReservations map[snowflake.ID]int64

func (r fixedReservations) PendingTotal(_ context.Context, _ *gorm.DB, principalID snowflake.ID) (int64, error) {
	return r[principalID], nil
}

func TestReservedTokensAreNotSpendable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.svc.reserved = fixedReservations{creator: 800}
	testutil.SeedBalance(t, f.db, creator, 1000)

	_, err := f.svc.Transfer(ctx, transferdomain.Request{FromID: creator, ToID: fan, Amount: 300, Kind: transferdomain.KindTip})
	var insufficient *ledgerdomain.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Shortfall())
	assert.Equal(t, int64(1000), testutil.Balance(t, f.db, creator))

	_, err = f.svc.Transfer(ctx, transferdomain.Request{FromID: creator, Amount: 1000, Kind: transferdomain.KindRefund, ExternalReference: "ch_reserved"})
	require.NoError(t, err)
	assert.Zero(t, testutil.Balance(t, f.db, creator))
}
