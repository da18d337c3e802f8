package positions

import (
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// NormalizeOrderType reclassifies a limit order whose trigger sits on the
// stop side of the market: a buy limit above the ask, or a sell limit below
// the bid, is stored as a stop so it cannot fill on placement.
func NormalizeOrderType(side types.PositionSide, orderType types.OrderType, trigger, bid, ask decimal.Decimal) types.OrderType {
	if orderType != types.OrderTypeLimit {
		return orderType
	}
	switch side {
	case types.SideBuy:
		if trigger.GreaterThan(ask) {
			return types.OrderTypeStop
		}
	case types.SideSell:
		if trigger.LessThan(bid) {
			return types.OrderTypeStop
		}
	}
	return orderType
}

// ShouldTrigger reports whether a pending order fills on tick.
//
//	buy limit:  ask <= trigger    buy stop:  ask >= trigger
//	sell limit: bid >= trigger    sell stop: bid <= trigger
func ShouldTrigger(p model.Position, tick marketdata.Tick) bool {
	if p.Status != types.PositionStatusPending || p.TriggerPrice == nil {
		return false
	}
	trigger := *p.TriggerPrice
	switch {
	case p.Side == types.SideBuy && p.OrderType == types.OrderTypeLimit:
		return tick.Ask.LessThanOrEqual(trigger)
	case p.Side == types.SideSell && p.OrderType == types.OrderTypeLimit:
		return tick.Bid.GreaterThanOrEqual(trigger)
	case p.Side == types.SideBuy && p.OrderType == types.OrderTypeStop:
		return tick.Ask.GreaterThanOrEqual(trigger)
	case p.Side == types.SideSell && p.OrderType == types.OrderTypeStop:
		return tick.Bid.LessThanOrEqual(trigger)
	}
	return false
}

// StopOrTarget reports whether tick crosses the stop loss or take profit of
// an open position. The stop loss wins when both are crossed.
func StopOrTarget(p model.Position, tick marketdata.Tick) (types.CloseReason, bool) {
	if p.Status != types.PositionStatusOpen {
		return "", false
	}
	price := margin.ExitPrice(p.Side, tick.Bid, tick.Ask)
	if p.Side == types.SideBuy {
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return types.CloseReasonStopLoss, true
		}
		if p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit) {
			return types.CloseReasonTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
		return types.CloseReasonStopLoss, true
	}
	if p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit) {
		return types.CloseReasonTakeProfit, true
	}
	return "", false
}

// validateProtection checks that stop loss and take profit sit on the
// correct side of the reference price.
func validateProtection(side types.PositionSide, ref decimal.Decimal, sl, tp *decimal.Decimal) string {
	if sl != nil && !sl.IsPositive() {
		return "stop loss must be positive"
	}
	if tp != nil && !tp.IsPositive() {
		return "take profit must be positive"
	}
	if side == types.SideBuy {
		if sl != nil && sl.GreaterThanOrEqual(ref) {
			return "stop loss of a buy must be below the entry price"
		}
		if tp != nil && tp.LessThanOrEqual(ref) {
			return "take profit of a buy must be above the entry price"
		}
		return ""
	}
	if sl != nil && sl.LessThanOrEqual(ref) {
		return "stop loss of a sell must be above the entry price"
	}
	if tp != nil && tp.GreaterThanOrEqual(ref) {
		return "take profit of a sell must be below the entry price"
	}
	return ""
}
