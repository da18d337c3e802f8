package model

import (
	"time"

	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID           string               `json:"id"`
	AccountID    string               `json:"account_id"`
	Symbol       string               `json:"symbol"`
	Side         types.PositionSide   `json:"side"`
	LotSize      decimal.Decimal      `json:"lot_size"`
	OrderType    types.OrderType      `json:"order_type"`
	TriggerPrice *decimal.Decimal     `json:"trigger_price"`
	OpenPrice    decimal.Decimal      `json:"open_price"`
	CurrentPrice decimal.Decimal      `json:"current_price"`
	ClosePrice   *decimal.Decimal     `json:"close_price,omitempty"`
	StopLoss     *decimal.Decimal     `json:"stop_loss"`
	TakeProfit   *decimal.Decimal     `json:"take_profit"`
	Commission   decimal.Decimal      `json:"commission"`
	// Swap is the accumulated rollover charge. Positive reduces the
	// settlement at close, negative adds to it.
	Swap         decimal.Decimal      `json:"swap"`
	Profit       decimal.Decimal      `json:"profit"`
	Status       types.PositionStatus `json:"status"`
	CloseReason  types.CloseReason    `json:"close_reason,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	OpenedAt     *time.Time           `json:"opened_at"`
	ClosedAt     *time.Time           `json:"closed_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	// LastSwapOn is the UTC day of the last rollover charged.
	LastSwapOn   *time.Time           `json:"last_swap_on,omitempty"`
}

// TradeRecord is the immutable history row written when a position closes.
type TradeRecord struct {
	ID          string             `json:"id"`
	PositionID  string             `json:"position_id"`
	AccountID   string             `json:"account_id"`
	Symbol      string             `json:"symbol"`
	Side        types.PositionSide `json:"side"`
	LotSize     decimal.Decimal    `json:"lot_size"`
	OpenPrice   decimal.Decimal    `json:"open_price"`
	ClosePrice  decimal.Decimal    `json:"close_price"`
	Profit      decimal.Decimal    `json:"profit"`
	Commission  decimal.Decimal    `json:"commission"`
	Swap        decimal.Decimal    `json:"swap"`
	NetProfit   decimal.Decimal    `json:"net_profit"`
	Pips        decimal.Decimal    `json:"pips"`
	CloseReason types.CloseReason  `json:"close_reason"`
	OpenedAt    time.Time          `json:"opened_at"`
	ClosedAt    time.Time          `json:"closed_at"`
}

type Instrument struct {
	Symbol           string          `json:"symbol"`
	ContractSize     decimal.Decimal `json:"contract_size"`
	PipSize          decimal.Decimal `json:"pip_size"`
	CommissionPerLot decimal.Decimal `json:"commission_per_lot"`
	// Swap rates are charged per lot per rollover day. A positive rate is a
	// cost to the holder, a negative rate a credit.
	SwapLongPerLot   decimal.Decimal `json:"swap_long_per_lot"`
	SwapShortPerLot  decimal.Decimal `json:"swap_short_per_lot"`
	MinLot           decimal.Decimal `json:"min_lot"`
	MaxLot           decimal.Decimal `json:"max_lot"`
	Status           string          `json:"status"`
}

func (i Instrument) Active() bool {
	return i.Status == "" || i.Status == "active"
}
