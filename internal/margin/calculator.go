// Package margin holds the pure margin and valuation arithmetic. Nothing in
// here performs I/O; every amount is a fixed-point decimal.
package margin

import (
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the precision balances and settlements are rounded to.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Exposure is the slice of an open position the calculator needs.
type Exposure struct {
	Side         types.PositionSide
	LotSize      decimal.Decimal
	ContractSize decimal.Decimal
	OpenPrice    decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Snapshot is the derived account view. MarginLevel is nil when there is no
// exposure.
type Snapshot struct {
	Balance     decimal.Decimal  `json:"balance"`
	Equity      decimal.Decimal  `json:"equity"`
	UsedMargin  decimal.Decimal  `json:"used_margin"`
	FreeMargin  decimal.Decimal  `json:"free_margin"`
	MarginLevel *decimal.Decimal `json:"margin_level"`
	PnL         decimal.Decimal  `json:"pl"`
}

func Notional(lotSize, contractSize, price decimal.Decimal) decimal.Decimal {
	return lotSize.Mul(contractSize).Mul(price)
}

// RequiredMargin is lotSize*contractSize*price/leverage. A non-positive
// leverage is treated as 1:1.
func RequiredMargin(lotSize, contractSize, price, leverage decimal.Decimal) decimal.Decimal {
	notional := Notional(lotSize, contractSize, price)
	if !leverage.GreaterThan(decimal.Zero) {
		return notional
	}
	return notional.Div(leverage)
}

func PnL(side types.PositionSide, openPrice, currentPrice, lotSize, contractSize decimal.Decimal) decimal.Decimal {
	size := lotSize.Mul(contractSize)
	switch side {
	case types.SideBuy:
		return currentPrice.Sub(openPrice).Mul(size)
	case types.SideSell:
		return openPrice.Sub(currentPrice).Mul(size)
	default:
		return decimal.Zero
	}
}

func NetPnL(pnl, commission, swap decimal.Decimal) decimal.Decimal {
	return pnl.Sub(commission).Sub(swap)
}

// Pips is the signed price move in units of pipSize, positive when in the
// position's favour.
func Pips(side types.PositionSide, openPrice, closePrice, pipSize decimal.Decimal) decimal.Decimal {
	if !pipSize.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	move := closePrice.Sub(openPrice)
	if side == types.SideSell {
		move = move.Neg()
	}
	return move.Div(pipSize).Round(1)
}

func Equity(balance decimal.Decimal, open []Exposure) decimal.Decimal {
	equity := balance
	for _, e := range open {
		equity = equity.Add(PnL(e.Side, e.OpenPrice, e.CurrentPrice, e.LotSize, e.ContractSize))
	}
	return equity
}

func UsedMargin(open []Exposure, leverage decimal.Decimal) decimal.Decimal {
	used := decimal.Zero
	for _, e := range open {
		used = used.Add(RequiredMargin(e.LotSize, e.ContractSize, e.OpenPrice, leverage))
	}
	return used
}

func FreeMargin(equity, usedMargin decimal.Decimal) decimal.Decimal {
	free := equity.Sub(usedMargin)
	if free.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return free
}

// MarginLevel returns equity/usedMargin*100. ok is false when usedMargin is
// zero, i.e. the account has no exposure and the level is undefined.
func MarginLevel(equity, usedMargin decimal.Decimal) (level decimal.Decimal, ok bool) {
	if !usedMargin.GreaterThan(decimal.Zero) {
		return decimal.Zero, false
	}
	return equity.Div(usedMargin).Mul(hundred), true
}

// HasSufficientMargin is boundary inclusive.
func HasSufficientMargin(freeMargin, required decimal.Decimal) bool {
	return freeMargin.GreaterThanOrEqual(required)
}

func Evaluate(balance decimal.Decimal, open []Exposure, leverage decimal.Decimal) Snapshot {
	equity := Equity(balance, open)
	used := UsedMargin(open, leverage)
	s := Snapshot{
		Balance:    balance,
		Equity:     equity,
		UsedMargin: used,
		FreeMargin: FreeMargin(equity, used),
		PnL:        equity.Sub(balance),
	}
	if lvl, ok := MarginLevel(equity, used); ok {
		s.MarginLevel = &lvl
	}
	return s
}

// EntryPrice is the price a new position executes at: ask for buys, bid for
// sells.
func EntryPrice(side types.PositionSide, bid, ask decimal.Decimal) decimal.Decimal {
	if side == types.SideSell {
		return bid
	}
	return ask
}

// ExitPrice is the price an open position is valued and closed at.
func ExitPrice(side types.PositionSide, bid, ask decimal.Decimal) decimal.Decimal {
	if side == types.SideSell {
		return ask
	}
	return bid
}

// EffectiveLeverage resolves the configured account leverage. Zero means
// unlimited and maps to the platform cap.
func EffectiveLeverage(configured int, unlimited decimal.Decimal) decimal.Decimal {
	if configured == 0 {
		return unlimited
	}
	if configured > 0 {
		return decimal.NewFromInt(int64(configured))
	}
	return decimal.NewFromInt(100)
}
