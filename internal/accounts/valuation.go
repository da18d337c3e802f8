package accounts

import (
	"context"
	"sort"

	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// Summary is the derived account view. It is computed on every read and
// never stored.
type Summary struct {
	AccountID     string           `json:"account_id"`
	Currency      string           `json:"currency"`
	Status        string           `json:"status"`
	Leverage      decimal.Decimal  `json:"leverage"`
	Balance       decimal.Decimal  `json:"balance"`
	Equity        decimal.Decimal  `json:"equity"`
	UsedMargin    decimal.Decimal  `json:"used_margin"`
	FreeMargin    decimal.Decimal  `json:"free_margin"`
	MarginLevel   *decimal.Decimal `json:"margin_level"`
	PnL           decimal.Decimal  `json:"pl"`
	OpenPositions []model.Position `json:"open_positions"`
	// StaleSymbols lists symbols valued at their last stored price because
	// the feed had no fresh tick.
	StaleSymbols []string `json:"stale_symbols,omitempty"`
}

func (s Summary) Snapshot() margin.Snapshot {
	return margin.Snapshot{
		Balance:     s.Balance,
		Equity:      s.Equity,
		UsedMargin:  s.UsedMargin,
		FreeMargin:  s.FreeMargin,
		MarginLevel: s.MarginLevel,
		PnL:         s.PnL,
	}
}

// Valuator marks open positions to the feed and derives the margin figures
// of an account.
type Valuator struct {
	feed              marketdata.Feed
	unlimitedLeverage decimal.Decimal
}

func NewValuator(feed marketdata.Feed, unlimitedLeverage decimal.Decimal) *Valuator {
	return &Valuator{feed: feed, unlimitedLeverage: unlimitedLeverage}
}

func (v *Valuator) Leverage(acc model.Account) decimal.Decimal {
	return margin.EffectiveLeverage(acc.Leverage, v.unlimitedLeverage)
}

// SummaryTx values acc inside tx. Open positions come back with current
// price and profit refreshed from the feed where a fresh tick exists.
func (v *Valuator) SummaryTx(ctx context.Context, tx store.Tx, acc model.Account) (Summary, error) {
	open, err := tx.ListPositionsByAccount(ctx, acc.ID, types.PositionStatusOpen)
	if err != nil {
		return Summary{}, err
	}
	instruments := make(map[string]model.Instrument, 4)
	exposures := make([]margin.Exposure, 0, len(open))
	stale := map[string]struct{}{}
	for i := range open {
		p := &open[i]
		inst, ok := instruments[p.Symbol]
		if !ok {
			if inst, err = tx.GetInstrument(ctx, p.Symbol); err != nil {
				return Summary{}, err
			}
			instruments[p.Symbol] = inst
		}
		if tick, err := v.feed.LatestTick(p.Symbol); err == nil {
			p.CurrentPrice = margin.ExitPrice(p.Side, tick.Bid, tick.Ask)
		} else {
			stale[p.Symbol] = struct{}{}
		}
		p.Profit = margin.PnL(p.Side, p.OpenPrice, p.CurrentPrice, p.LotSize, inst.ContractSize)
		exposures = append(exposures, margin.Exposure{
			Side:         p.Side,
			LotSize:      p.LotSize,
			ContractSize: inst.ContractSize,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: p.CurrentPrice,
		})
	}

	leverage := v.Leverage(acc)
	snap := margin.Evaluate(acc.Balance, exposures, leverage)
	out := Summary{
		AccountID:     acc.ID,
		Currency:      acc.Currency,
		Status:        string(acc.Status),
		Leverage:      leverage,
		Balance:       snap.Balance,
		Equity:        snap.Equity,
		UsedMargin:    snap.UsedMargin,
		FreeMargin:    snap.FreeMargin,
		MarginLevel:   snap.MarginLevel,
		PnL:           snap.PnL,
		OpenPositions: open,
	}
	if out.OpenPositions == nil {
		out.OpenPositions = []model.Position{}
	}
	for sym := range stale {
		out.StaleSymbols = append(out.StaleSymbols, sym)
	}
	sort.Strings(out.StaleSymbols)
	return out, nil
}
