package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/commission"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type testFeed struct {
	mu    sync.Mutex
	ticks map[string]marketdata.Tick
}

func (f *testFeed) set(symbol, bid, ask string) marketdata.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := marketdata.Tick{Symbol: symbol, Bid: d(bid), Ask: d(ask), Timestamp: time.Now().UTC()}
	f.ticks[symbol] = t
	return t
}

func (f *testFeed) drop(symbol string) {
	f.mu.Lock()
	delete(f.ticks, symbol)
	f.mu.Unlock()
}

func (f *testFeed) LatestTick(symbol string) (marketdata.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.ticks[symbol]
	if !ok {
		return marketdata.Tick{}, apperr.ErrUpstreamUnavailable
	}
	return t, nil
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	ledger *ledger.Service
	ib     *commission.Distributor
	feed   *testFeed
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	feed := &testFeed{ticks: map[string]marketdata.Tick{}}
	led := ledger.NewService(st, bus, nil)
	ib := commission.NewDistributor(st, decimal.Zero, nil)
	val := accounts.NewValuator(feed, decimal.NewFromInt(3000))
	h := &harness{
		svc:    NewService(st, led, ib, val, feed, bus, DefaultRiskConfig(), nil),
		store:  st,
		ledger: led,
		ib:     ib,
		feed:   feed,
		bus:    bus,
	}
	h.instrument(t, model.Instrument{Symbol: "EURUSD", ContractSize: d("100000"), PipSize: d("0.0001"), MinLot: d("0.01"), MaxLot: d("100")})
	h.instrument(t, model.Instrument{Symbol: "GBPUSD", ContractSize: d("100000"), PipSize: d("0.0001"), MinLot: d("0.01"), MaxLot: d("100")})
	return h
}

func (h *harness) instrument(t *testing.T, in model.Instrument) {
	t.Helper()
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertInstrument(ctx, in)
	}))
}

func (h *harness) account(t *testing.T, balance string) string {
	t.Helper()
	acc := model.Account{OwnerID: "owner-1", Balance: decimal.Zero, Currency: "USD", Leverage: 100, Status: types.AccountStatusActive}
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, &acc)
	}))
	if b := d(balance); b.IsPositive() {
		_, err := h.ledger.Credit(context.Background(), acc.ID, b, ledger.Details{})
		require.NoError(t, err)
	}
	return acc.ID
}

func (h *harness) summary(t *testing.T, accountID string) accounts.Summary {
	t.Helper()
	sum, err := h.svc.summary(context.Background(), accountID)
	require.NoError(t, err)
	return sum
}

func (h *harness) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	return h.summary(t, accountID).Balance
}

func (h *harness) reconciled(t *testing.T, accountID string) {
	t.Helper()
	rec, err := h.ledger.Reconcile(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, rec.OK(), rec.Problems)
}

func (h *harness) tradeEntries(t *testing.T, accountID string) []model.LedgerEntry {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), accountID)
	require.NoError(t, err)
	var out []model.LedgerEntry
	for _, e := range entries {
		if e.ChangeType == types.ChangeTypeTrade {
			out = append(out, e)
		}
	}
	return out
}

func market(accountID, symbol string, side types.PositionSide, lot string) OpenRequest {
	return OpenRequest{AccountID: accountID, Symbol: symbol, Side: side, LotSize: d(lot), OrderType: types.OrderTypeMarket}
}

func TestOpenAndRevalueUpdatesEquity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "100000")
	h.feed.set("EURUSD", "1.10000", "1.10000")

	pos, err := h.svc.Open(ctx, market(acc, "eurusd", types.SideBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusOpen, pos.Status)
	assert.True(t, pos.OpenPrice.Equal(d("1.1")))
	require.NotNil(t, pos.OpenedAt)

	sum := h.summary(t, acc)
	assert.True(t, sum.UsedMargin.Equal(d("1100")), sum.UsedMargin.String())
	assert.True(t, sum.FreeMargin.Equal(d("98900")), sum.FreeMargin.String())

	tick := h.feed.set("EURUSD", "1.10050", "1.10060")
	pos, err = h.svc.Revalue(ctx, pos.ID, tick)
	require.NoError(t, err)
	assert.True(t, pos.Profit.Equal(d("50")), pos.Profit.String())
	assert.Equal(t, types.PositionStatusOpen, pos.Status)

	sum = h.summary(t, acc)
	assert.True(t, sum.Equity.Equal(d("100050")), sum.Equity.String())
	assert.True(t, sum.Balance.Equal(d("100000")))
}

func TestCloseChargesCommissionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.instrument(t, model.Instrument{Symbol: "EURUSD", ContractSize: d("100000"), PipSize: d("0.0001"), CommissionPerLot: d("7"), MinLot: d("0.01"), MaxLot: d("100")})
	acc := h.account(t, "100000")
	_, err := h.ib.Link(ctx, "ib-1", "owner-1", d("3.5"))
	require.NoError(t, err)

	h.feed.set("EURUSD", "1.10000", "1.10000")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "1"))
	require.NoError(t, err)
	assert.True(t, pos.Commission.Equal(d("7")))

	h.feed.set("EURUSD", "1.10050", "1.10060")
	res, err := h.svc.Close(ctx, pos.ID, types.CloseReasonManual, ledger.Actor{Type: types.ActorUser, ID: "owner-1"})
	require.NoError(t, err)
	assert.True(t, res.FinalProfit.Equal(d("50")), res.FinalProfit.String())
	assert.True(t, res.NetProfit.Equal(d("43")), res.NetProfit.String())
	assert.True(t, res.Pips.Equal(d("5")), res.Pips.String())
	require.NotNil(t, res.Commission)
	assert.True(t, res.Commission.Amount.Equal(d("3.5")))
	assert.Equal(t, types.CommissionStatusPending, res.Commission.Status)

	trades := h.tradeEntries(t, acc)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].ChangeAmount.Equal(d("43")))
	assert.Equal(t, pos.ID, trades[0].ReferenceID)
	assert.True(t, h.balance(t, acc).Equal(d("100043")))

	history, err := h.svc.History(ctx, acc)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].NetProfit.Equal(d("43")))
	h.reconciled(t, acc)
}

func TestCloseTwiceIsStateConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.1", "1.1")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideSell, "0.1"))
	require.NoError(t, err)

	_, err = h.svc.Close(ctx, pos.ID, types.CloseReasonManual, ledger.Actor{})
	require.NoError(t, err)
	_, err = h.svc.Close(ctx, pos.ID, types.CloseReasonManual, ledger.Actor{})
	require.ErrorIs(t, err, apperr.ErrStateConflict)

	assert.Len(t, h.tradeEntries(t, acc), 1)
	h.reconciled(t, acc)
}

func TestConcurrentCloseSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "100000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "1"))
	require.NoError(t, err)
	h.feed.set("EURUSD", "1.10050", "1.10050")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for _, reason := range []types.CloseReason{types.CloseReasonManual, types.CloseReasonTakeProfit} {
		wg.Add(1)
		go func(reason types.CloseReason) {
			defer wg.Done()
			_, err := h.svc.Close(ctx, pos.ID, reason, ledger.Actor{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, apperr.ErrStateConflict):
				conflicts++
			}
		}(reason)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	trades := h.tradeEntries(t, acc)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].ChangeAmount.Equal(d("50")))
	h.reconciled(t, acc)
}

func TestSellLimitBelowBidBecomesStopAndFills(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "100000")
	h.feed.set("EURUSD", "1.10000", "1.10000")

	pos, err := h.svc.Open(ctx, OpenRequest{
		AccountID:    acc,
		Symbol:       "EURUSD",
		Side:         types.SideSell,
		LotSize:      d("1"),
		OrderType:    types.OrderTypeLimit,
		TriggerPrice: dp("1.09500"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusPending, pos.Status)
	assert.Equal(t, types.OrderTypeStop, pos.OrderType)

	quiet := h.feed.set("EURUSD", "1.09600", "1.09610")
	pos, err = h.svc.Trigger(ctx, pos.ID, quiet)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusPending, pos.Status)

	tick := h.feed.set("EURUSD", "1.09480", "1.09490")
	pos, err = h.svc.Trigger(ctx, pos.ID, tick)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusOpen, pos.Status)
	assert.True(t, pos.OpenPrice.Equal(d("1.09480")), pos.OpenPrice.String())

	_, err = h.svc.Trigger(ctx, pos.ID, tick)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestTriggerCancelsWhenMarginGoneAtFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "2000")
	h.feed.set("EURUSD", "1.10000", "1.10000")

	pos, err := h.svc.Open(ctx, OpenRequest{
		AccountID:    acc,
		Symbol:       "EURUSD",
		Side:         types.SideBuy,
		LotSize:      d("1"),
		OrderType:    types.OrderTypeLimit,
		TriggerPrice: dp("1.09"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderTypeLimit, pos.OrderType)

	_, err = h.ledger.Debit(ctx, acc, d("1500"), ledger.Details{})
	require.NoError(t, err)

	pos, err = h.svc.Trigger(ctx, pos.ID, h.feed.set("EURUSD", "1.08990", "1.09000"))
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusCancelled, pos.Status)
	assert.Equal(t, types.CloseReasonSystem, pos.CloseReason)
	assert.Empty(t, h.tradeEntries(t, acc))
}

func TestOpenMarginBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.set("EURUSD", "1.10000", "1.10000")

	short := h.account(t, "1099.99")
	_, err := h.svc.Open(ctx, market(short, "EURUSD", types.SideBuy, "1"))
	require.ErrorIs(t, err, apperr.ErrInsufficientMargin)
	open, err := h.svc.List(ctx, short, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	exact := h.account(t, "1100")
	_, err = h.svc.Open(ctx, market(exact, "EURUSD", types.SideBuy, "1"))
	require.NoError(t, err)
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.10000", "1.10020")

	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"zero lot", market(acc, "EURUSD", types.SideBuy, "0"), apperr.ErrValidation},
		{"below min lot", market(acc, "EURUSD", types.SideBuy, "0.001"), apperr.ErrValidation},
		{"above max lot", market(acc, "EURUSD", types.SideBuy, "101"), apperr.ErrValidation},
		{"bad side", market(acc, "EURUSD", "hold", "1"), apperr.ErrValidation},
		{"unknown symbol", market(acc, "XAUUSD", types.SideBuy, "1"), apperr.ErrUpstreamUnavailable},
		{"missing account", market("nope", "EURUSD", types.SideBuy, "0.1"), apperr.ErrNotFound},
		{"limit without trigger", OpenRequest{AccountID: acc, Symbol: "EURUSD", Side: types.SideBuy, LotSize: d("0.1"), OrderType: types.OrderTypeLimit}, apperr.ErrValidation},
		{"buy stop loss above entry", OpenRequest{AccountID: acc, Symbol: "EURUSD", Side: types.SideBuy, LotSize: d("0.1"), StopLoss: dp("1.2")}, apperr.ErrValidation},
		{"sell take profit above entry", OpenRequest{AccountID: acc, Symbol: "EURUSD", Side: types.SideSell, LotSize: d("0.1"), TakeProfit: dp("1.2")}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Open(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenRespectsMaxOpenPositions(t *testing.T) {
	h := newHarness(t)
	h.svc.risk.MaxOpenPositions = 2
	ctx := context.Background()
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.1", "1.1")

	for i := 0; i < 2; i++ {
		_, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.01"))
		require.NoError(t, err)
	}
	_, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.01"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOpenRejectsSuspendedAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "10000")
	require.NoError(t, h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateAccountStatus(ctx, acc, types.AccountStatusSuspended)
	}))
	h.feed.set("EURUSD", "1.1", "1.1")
	_, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.1"))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestAutoCloseStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	req := market(acc, "EURUSD", types.SideBuy, "0.1")
	req.StopLoss = dp("1.09500")
	req.TakeProfit = dp("1.10500")
	pos, err := h.svc.Open(ctx, req)
	require.NoError(t, err)

	_, closed, err := h.svc.AutoCloseCheck(ctx, pos, h.feed.set("EURUSD", "1.09800", "1.09810"))
	require.NoError(t, err)
	assert.False(t, closed)

	res, closed, err := h.svc.AutoCloseCheck(ctx, pos, h.feed.set("EURUSD", "1.09400", "1.09410"))
	require.NoError(t, err)
	require.True(t, closed)
	assert.Equal(t, string(types.CloseReasonStopLoss), res.Reason)
	assert.True(t, res.NetProfit.Equal(d("-60")), res.NetProfit.String())
	assert.True(t, h.balance(t, acc).Equal(d("9940")))

	got, err := h.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosed, got.Status)
	assert.Equal(t, types.CloseReasonStopLoss, got.CloseReason)
	require.NotNil(t, got.ClosedAt)

	// a second automated check on the stale copy loses the race quietly
	_, _, err = h.svc.AutoCloseCheck(ctx, pos, h.feed.set("EURUSD", "1.09400", "1.09410"))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	h.reconciled(t, acc)
}

func TestCancelPendingOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.1", "1.1")

	pending, err := h.svc.Open(ctx, OpenRequest{AccountID: acc, Symbol: "EURUSD", Side: types.SideBuy, LotSize: d("0.1"), OrderType: types.OrderTypeStop, TriggerPrice: dp("1.2")})
	require.NoError(t, err)
	cancelled, err := h.svc.Cancel(ctx, pending.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusCancelled, cancelled.Status)
	assert.Equal(t, types.CloseReasonManual, cancelled.CloseReason)

	_, err = h.svc.Cancel(ctx, pending.ID, types.CloseReasonManual)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	_, err = h.svc.Close(ctx, pending.ID, types.CloseReasonManual, ledger.Actor{})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	open, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.1"))
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, open.ID, types.CloseReasonManual)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	_, err = h.svc.Cancel(ctx, open.ID, types.CloseReasonStopLoss)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLossBeyondBalanceIsWrittenOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "1000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.5"))
	require.NoError(t, err)

	res, err := h.svc.closeAt(ctx, pos.ID, types.CloseReasonManual, ledger.SystemActor, h.feed.set("EURUSD", "1.07500", "1.07500"))
	require.NoError(t, err)
	assert.True(t, res.NetProfit.Equal(d("-1250")))
	assert.True(t, res.Settled.Equal(d("-1000")))
	assert.True(t, h.balance(t, acc).IsZero())

	trades := h.tradeEntries(t, acc)
	require.Len(t, trades, 1)
	assert.Equal(t, "250.00", trades[0].Metadata[ledger.MetaWrittenOff])
	h.reconciled(t, acc)
}

func TestMarginCallWarnsWithoutClosing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)
	acc := h.account(t, "1000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	_, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.5"))
	require.NoError(t, err)

	h.feed.set("EURUSD", "1.08600", "1.08600")
	res, err := h.svc.MarginCallCheck(ctx, acc)
	require.NoError(t, err)
	assert.True(t, res.Warned)
	assert.Empty(t, res.Closed)
	require.NotNil(t, res.LevelBefore)
	assert.True(t, res.LevelBefore.LessThan(d("60")))

	var sawMarginCall bool
	for len(sub) > 0 {
		if evt := <-sub; evt.Type == events.TypeMarginCall {
			sawMarginCall = true
		}
	}
	assert.True(t, sawMarginCall)
}

func TestStopOutClosesLargestLossFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "1000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	h.feed.set("GBPUSD", "1.25000", "1.25000")

	big, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.5"))
	require.NoError(t, err)
	small, err := h.svc.Open(ctx, market(acc, "GBPUSD", types.SideBuy, "0.1"))
	require.NoError(t, err)

	h.feed.set("EURUSD", "1.08200", "1.08200")
	h.feed.set("GBPUSD", "1.24950", "1.24950")
	res, err := h.svc.MarginCallCheck(ctx, acc)
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, big.ID, res.Closed[0].PositionID)
	assert.Equal(t, string(types.CloseReasonMarginCall), res.Closed[0].Reason)
	require.NotNil(t, res.LevelAfter)
	assert.True(t, res.LevelAfter.GreaterThanOrEqual(d("20")))

	got, err := h.svc.Get(ctx, small.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusOpen, got.Status)
	assert.True(t, h.balance(t, acc).Equal(d("100")))
	h.reconciled(t, acc)
}

func TestStopOutSkipsStaleSymbols(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "1000")
	h.feed.set("EURUSD", "1.10000", "1.10000")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "0.5"))
	require.NoError(t, err)

	_, err = h.svc.Revalue(ctx, pos.ID, h.feed.set("EURUSD", "1.08000", "1.08000"))
	require.NoError(t, err)
	h.feed.drop("EURUSD")

	res, err := h.svc.MarginCallCheck(ctx, acc)
	require.NoError(t, err)
	assert.Empty(t, res.Closed)
	got, err := h.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusOpen, got.Status)
}

func TestAccrueSwapIsSettledAtClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.instrument(t, model.Instrument{Symbol: "EURUSD", ContractSize: d("100000"), PipSize: d("0.0001"), SwapLongPerLot: d("2.5"), SwapShortPerLot: d("-1"), MinLot: d("0.01"), MaxLot: d("100")})
	acc := h.account(t, "10000")
	h.feed.set("EURUSD", "1.1", "1.1")
	pos, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideBuy, "2"))
	require.NoError(t, err)

	day := time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		charged, err := h.svc.AccrueSwap(ctx, pos.ID, day.AddDate(0, 0, i))
		require.NoError(t, err)
		assert.True(t, charged.Equal(d("5")))
	}

	// a second charge for a day already rolled over is a no-op
	charged, err := h.svc.AccrueSwap(ctx, pos.ID, day.AddDate(0, 0, 1).Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, charged.IsZero())
	charged, err = h.svc.AccrueSwap(ctx, pos.ID, day)
	require.NoError(t, err)
	assert.True(t, charged.IsZero())

	res, err := h.svc.Close(ctx, pos.ID, types.CloseReasonManual, ledger.Actor{})
	require.NoError(t, err)
	assert.True(t, res.Trade.Swap.Equal(d("10")))
	assert.True(t, res.NetProfit.Equal(d("-10")), res.NetProfit.String())

	_, err = h.svc.AccrueSwap(ctx, pos.ID, day.AddDate(0, 0, 2))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	h.reconciled(t, acc)
}

func TestStatusOnlyMovesAlongLegalEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.account(t, "100000")
	h.feed.set("EURUSD", "1.1", "1.1")

	pending, err := h.svc.Open(ctx, OpenRequest{AccountID: acc, Symbol: "EURUSD", Side: types.SideBuy, LotSize: d("0.1"), OrderType: types.OrderTypeLimit, TriggerPrice: dp("1.05")})
	require.NoError(t, err)
	open, err := h.svc.Open(ctx, market(acc, "EURUSD", types.SideSell, "0.1"))
	require.NoError(t, err)

	seen := map[string][]types.PositionStatus{}
	record := func() {
		all, err := h.svc.List(ctx, acc, "")
		require.NoError(t, err)
		for _, p := range all {
			hist := seen[p.ID]
			if len(hist) == 0 || hist[len(hist)-1] != p.Status {
				seen[p.ID] = append(hist, p.Status)
			}
		}
	}
	record()
	_, err = h.svc.Close(ctx, open.ID, types.CloseReasonManual, ledger.Actor{})
	require.NoError(t, err)
	record()
	_, err = h.svc.Trigger(ctx, pending.ID, h.feed.set("EURUSD", "1.04990", "1.05000"))
	require.NoError(t, err)
	record()
	_, err = h.svc.Cancel(ctx, pending.ID, types.CloseReasonManual)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	record()

	for id, hist := range seen {
		for i := 1; i < len(hist); i++ {
			assert.True(t, hist[i-1].CanTransition(hist[i]), "position %s moved %s→%s", id, hist[i-1], hist[i])
		}
	}
	assert.Equal(t, []types.PositionStatus{types.PositionStatusOpen, types.PositionStatusClosed}, seen[open.ID])
	assert.Equal(t, []types.PositionStatus{types.PositionStatusPending, types.PositionStatusOpen}, seen[pending.ID])
}
