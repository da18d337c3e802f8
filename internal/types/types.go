package types

type PositionSide string

type OrderType string

type PositionStatus string

type CloseReason string

type ChangeType string

type AccountStatus string

type Direction string

type CommissionStatus string

type ActorType string

const (
	SideBuy  PositionSide = "buy"
	SideSell PositionSide = "sell"
)

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

const (
	PositionStatusPending   PositionStatus = "pending"
	PositionStatusOpen      PositionStatus = "open"
	PositionStatusClosed    PositionStatus = "closed"
	PositionStatusCancelled PositionStatus = "cancelled"
)

const (
	CloseReasonManual     CloseReason = "manual"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonMarginCall CloseReason = "margin_call"
	CloseReasonSystem     CloseReason = "system"
)

const (
	ChangeTypeDeposit    ChangeType = "deposit"
	ChangeTypeWithdrawal ChangeType = "withdrawal"
	ChangeTypeTrade      ChangeType = "trade"
	ChangeTypeAdjustment ChangeType = "adjustment"
	ChangeTypeCommission ChangeType = "commission"
	ChangeTypeCorrection ChangeType = "correction"
)

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusInactive  AccountStatus = "inactive"
)

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

const (
	CommissionStatusPending CommissionStatus = "pending"
	CommissionStatusPaid    CommissionStatus = "paid"
)

const (
	ActorUser   ActorType = "user"
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

func (s PositionSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit || t == OrderTypeStop
}

func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusCancelled
}

// CanTransition reports whether a position may move from s to next.
// The only legal edges are pending→open, pending→cancelled and open→closed.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusOpen || next == PositionStatusCancelled
	case PositionStatusOpen:
		return next == PositionStatusClosed
	default:
		return false
	}
}

func (r CloseReason) Valid() bool {
	switch r {
	case CloseReasonManual, CloseReasonStopLoss, CloseReasonTakeProfit, CloseReasonMarginCall, CloseReasonSystem:
		return true
	}
	return false
}

func (d Direction) Valid() bool {
	return d == DirectionCredit || d == DirectionDebit
}

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeTypeDeposit, ChangeTypeWithdrawal, ChangeTypeTrade, ChangeTypeAdjustment, ChangeTypeCommission, ChangeTypeCorrection:
		return true
	}
	return false
}

func (s AccountStatus) Valid() bool {
	return s == AccountStatusActive || s == AccountStatusSuspended || s == AccountStatusInactive
}
