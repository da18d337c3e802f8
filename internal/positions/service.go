// Package positions is the position lifecycle state machine. Every status
// change is a guarded update (pending→open, pending→cancelled, open→closed)
// made inside one transaction together with its ledger settlement.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/commission"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/metrics"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type RiskConfig struct {
	MaxOpenPositions int
	MarginCallLevel  decimal.Decimal
	StopOutLevel     decimal.Decimal
}

var defaultRiskConfig = RiskConfig{
	MaxOpenPositions: 200,
	MarginCallLevel:  decimal.NewFromInt(60),
	StopOutLevel:     decimal.NewFromInt(20),
}

func DefaultRiskConfig() RiskConfig {
	return defaultRiskConfig
}

type Service struct {
	store       store.Store
	ledger      *ledger.Service
	commissions *commission.Distributor
	valuator    *accounts.Valuator
	feed        marketdata.Feed
	publisher   events.Publisher
	risk        RiskConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(
	st store.Store,
	ledgerSvc *ledger.Service,
	commissions *commission.Distributor,
	valuator *accounts.Valuator,
	feed marketdata.Feed,
	publisher events.Publisher,
	risk RiskConfig,
	logger *slog.Logger,
) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if risk.MaxOpenPositions <= 0 {
		risk.MaxOpenPositions = defaultRiskConfig.MaxOpenPositions
	}
	if !risk.MarginCallLevel.IsPositive() {
		risk.MarginCallLevel = defaultRiskConfig.MarginCallLevel
	}
	if !risk.StopOutLevel.IsPositive() {
		risk.StopOutLevel = defaultRiskConfig.StopOutLevel
	}
	return &Service{
		store:       st,
		ledger:      ledgerSvc,
		commissions: commissions,
		valuator:    valuator,
		feed:        feed,
		publisher:   publisher,
		risk:        risk,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for opened/closed timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Risk() RiskConfig {
	return s.risk
}

type OpenRequest struct {
	AccountID    string
	Symbol       string
	Side         types.PositionSide
	LotSize      decimal.Decimal
	OrderType    types.OrderType
	TriggerPrice *decimal.Decimal
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	Actor        ledger.Actor
}

func (r *OpenRequest) normalize() error {
	r.Symbol = marketdata.NormalizeSymbol(r.Symbol)
	r.Side = types.PositionSide(strings.ToLower(strings.TrimSpace(string(r.Side))))
	r.OrderType = types.OrderType(strings.ToLower(strings.TrimSpace(string(r.OrderType))))
	if r.OrderType == "" {
		r.OrderType = types.OrderTypeMarket
	}
	if r.AccountID == "" {
		return apperr.Validation("account id is required")
	}
	if r.Symbol == "" {
		return apperr.Validation("symbol is required")
	}
	if !r.Side.Valid() {
		return apperr.Validation("side must be buy or sell")
	}
	if !r.OrderType.Valid() {
		return apperr.Validation("order type must be market, limit or stop")
	}
	if !r.LotSize.IsPositive() {
		return apperr.Validation("lot size must be positive")
	}
	if r.OrderType == types.OrderTypeMarket {
		r.TriggerPrice = nil
		return nil
	}
	if r.TriggerPrice == nil || !r.TriggerPrice.IsPositive() {
		return apperr.Validation("trigger price is required for " + string(r.OrderType) + " orders")
	}
	return nil
}

// Open places an order. Market orders open immediately at the execution
// price of the current tick after a margin check made under the account
// lock. Limit and stop orders are stored as pending.
func (s *Service) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if err := req.normalize(); err != nil {
		return model.Position{}, err
	}
	tick, err := s.feed.LatestTick(req.Symbol)
	if err != nil {
		return model.Position{}, err
	}

	var pos model.Position
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acc.Status != types.AccountStatusActive {
			return apperr.Conflict("account " + acc.ID + " is " + string(acc.Status))
		}
		inst, err := s.instrument(ctx, tx, req.Symbol)
		if err != nil {
			return err
		}
		if req.LotSize.LessThan(inst.MinLot) || (inst.MaxLot.IsPositive() && req.LotSize.GreaterThan(inst.MaxLot)) {
			return apperr.Validation(fmt.Sprintf("lot size must be between %s and %s", inst.MinLot, inst.MaxLot))
		}

		summary, err := s.valuator.SummaryTx(ctx, tx, acc)
		if err != nil {
			return err
		}
		if len(summary.OpenPositions) >= s.risk.MaxOpenPositions {
			return apperr.Validation(fmt.Sprintf("max open positions reached (%d)", s.risk.MaxOpenPositions))
		}

		now := s.now()
		pos = model.Position{
			AccountID:  acc.ID,
			Symbol:     inst.Symbol,
			Side:       req.Side,
			LotSize:    req.LotSize,
			OrderType:  req.OrderType,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Commission: req.LotSize.Mul(inst.CommissionPerLot).Round(margin.MoneyPlaces),
			Swap:       decimal.Zero,
			Profit:     decimal.Zero,
			CreatedAt:  now,
		}

		ref := margin.EntryPrice(req.Side, tick.Bid, tick.Ask)
		if req.OrderType != types.OrderTypeMarket {
			ref = *req.TriggerPrice
			trigger := *req.TriggerPrice
			pos.TriggerPrice = &trigger
			pos.OrderType = NormalizeOrderType(req.Side, req.OrderType, trigger, tick.Bid, tick.Ask)
		}
		if msg := validateProtection(req.Side, ref, req.StopLoss, req.TakeProfit); msg != "" {
			return apperr.Validation(msg)
		}

		required := margin.RequiredMargin(req.LotSize, inst.ContractSize, ref, summary.Leverage)
		if !margin.HasSufficientMargin(summary.FreeMargin, required) {
			metrics.MarginRejections.Inc()
			return fmt.Errorf("%w: required %s, free %s", apperr.ErrInsufficientMargin,
				required.StringFixed(margin.MoneyPlaces), summary.FreeMargin.StringFixed(margin.MoneyPlaces))
		}

		if req.OrderType == types.OrderTypeMarket {
			pos.Status = types.PositionStatusOpen
			pos.OpenPrice = ref
			pos.CurrentPrice = margin.ExitPrice(req.Side, tick.Bid, tick.Ask)
			pos.Profit = margin.PnL(req.Side, pos.OpenPrice, pos.CurrentPrice, pos.LotSize, inst.ContractSize).Round(margin.MoneyPlaces)
			pos.OpenedAt = &now
		} else {
			pos.Status = types.PositionStatusPending
		}
		return tx.InsertPosition(ctx, &pos)
	})
	if err != nil {
		return model.Position{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.OrderType)).Inc()
	evtType := events.TypePositionOpened
	if pos.Status == types.PositionStatusPending {
		evtType = events.TypePositionPending
	}
	s.publisher.Publish(events.Event{Type: evtType, AccountID: pos.AccountID, Data: pos})
	s.logger.Info("position placed",
		"position_id", pos.ID,
		"account_id", pos.AccountID,
		"symbol", pos.Symbol,
		"side", string(pos.Side),
		"order_type", string(pos.OrderType),
		"status", string(pos.Status),
	)
	return pos, nil
}

// Trigger fills a pending order when tick crosses its trigger price. The
// returned position is pending when nothing happened, open when filled, and
// cancelled when the account could no longer carry the margin at fill.
func (s *Service) Trigger(ctx context.Context, positionID string, tick marketdata.Tick) (model.Position, error) {
	var pos model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != types.PositionStatusPending {
			return apperr.Conflict("position " + p.ID + " is " + string(p.Status))
		}
		if p.Symbol != marketdata.NormalizeSymbol(tick.Symbol) {
			return apperr.Validation("tick symbol " + tick.Symbol + " does not match " + p.Symbol)
		}
		if !ShouldTrigger(p, tick) {
			pos = p
			return nil
		}

		acc, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		inst, err := s.instrument(ctx, tx, p.Symbol)
		if err != nil {
			return err
		}
		summary, err := s.valuator.SummaryTx(ctx, tx, acc)
		if err != nil {
			return err
		}
		price := margin.EntryPrice(p.Side, tick.Bid, tick.Ask)
		required := margin.RequiredMargin(p.LotSize, inst.ContractSize, price, summary.Leverage)
		now := s.now()

		if acc.Status != types.AccountStatusActive || !margin.HasSufficientMargin(summary.FreeMargin, required) {
			metrics.MarginRejections.Inc()
			p.Status = types.PositionStatusCancelled
			p.CloseReason = types.CloseReasonSystem
			p.ClosedAt = &now
			ok, err := tx.TransitionPosition(ctx, p, types.PositionStatusPending)
			if err != nil {
				return err
			}
			if !ok {
				return s.conflict("trigger", p.ID)
			}
			pos = p
			return nil
		}

		p.Status = types.PositionStatusOpen
		p.OpenPrice = price
		p.CurrentPrice = margin.ExitPrice(p.Side, tick.Bid, tick.Ask)
		p.Profit = margin.PnL(p.Side, p.OpenPrice, p.CurrentPrice, p.LotSize, inst.ContractSize).Round(margin.MoneyPlaces)
		p.OpenedAt = &now
		ok, err := tx.TransitionPosition(ctx, p, types.PositionStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return s.conflict("trigger", p.ID)
		}
		pos = p
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}

	switch pos.Status {
	case types.PositionStatusOpen:
		metrics.PositionsOpened.WithLabelValues("triggered").Inc()
		s.publisher.Publish(events.Event{Type: events.TypePositionOpened, AccountID: pos.AccountID, Data: pos})
		s.logger.Info("pending order filled", "position_id", pos.ID, "symbol", pos.Symbol, "price", pos.OpenPrice.String())
	case types.PositionStatusCancelled:
		s.publisher.Publish(events.Event{Type: events.TypePositionCancelled, AccountID: pos.AccountID, Data: pos})
		s.logger.Warn("pending order cancelled at fill", "position_id", pos.ID, "account_id", pos.AccountID)
	}
	return pos, nil
}

// Revalue refreshes current price and profit of an open position. Status
// is never changed.
func (s *Service) Revalue(ctx context.Context, positionID string, tick marketdata.Tick) (model.Position, error) {
	var pos model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != types.PositionStatusOpen {
			return apperr.Conflict("position " + p.ID + " is " + string(p.Status))
		}
		inst, err := s.instrument(ctx, tx, p.Symbol)
		if err != nil {
			return err
		}
		p.CurrentPrice = margin.ExitPrice(p.Side, tick.Bid, tick.Ask)
		p.Profit = margin.PnL(p.Side, p.OpenPrice, p.CurrentPrice, p.LotSize, inst.ContractSize).Round(margin.MoneyPlaces)
		ok, err := tx.UpdatePositionMark(ctx, p.ID, p.CurrentPrice, p.Profit)
		if err != nil {
			return err
		}
		if !ok {
			return s.conflict("revalue", p.ID)
		}
		pos = p
		return nil
	})
	return pos, err
}

// AutoCloseCheck closes an open position whose stop loss or take profit is
// crossed by tick. The boolean reports whether a close happened.
func (s *Service) AutoCloseCheck(ctx context.Context, p model.Position, tick marketdata.Tick) (CloseResult, bool, error) {
	reason, hit := StopOrTarget(p, tick)
	if !hit {
		return CloseResult{}, false, nil
	}
	res, err := s.closeAt(ctx, p.ID, reason, ledger.SystemActor, tick)
	if err != nil {
		return CloseResult{}, false, err
	}
	return res, true, nil
}

// Cancel moves a pending order to cancelled. Anything but a pending order
// is a state conflict.
func (s *Service) Cancel(ctx context.Context, positionID string, reason types.CloseReason) (model.Position, error) {
	if reason == "" {
		reason = types.CloseReasonManual
	}
	if reason != types.CloseReasonManual && reason != types.CloseReasonSystem {
		return model.Position{}, apperr.Validation("cancel reason must be manual or system")
	}
	var pos model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != types.PositionStatusPending {
			return s.conflict("cancel", p.ID)
		}
		now := s.now()
		p.Status = types.PositionStatusCancelled
		p.CloseReason = reason
		p.ClosedAt = &now
		ok, err := tx.TransitionPosition(ctx, p, types.PositionStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return s.conflict("cancel", p.ID)
		}
		pos = p
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}
	s.publisher.Publish(events.Event{Type: events.TypePositionCancelled, AccountID: pos.AccountID, Data: pos})
	return pos, nil
}

func (s *Service) Get(ctx context.Context, positionID string) (model.Position, error) {
	var pos model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pos, err = tx.GetPosition(ctx, positionID)
		return err
	})
	return pos, err
}

// List returns the positions of an account, optionally filtered by status.
func (s *Service) List(ctx context.Context, accountID string, status types.PositionStatus) ([]model.Position, error) {
	var out []model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPositionsByAccount(ctx, accountID, status)
		return err
	})
	return out, err
}

func (s *Service) History(ctx context.Context, accountID string) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListTradeRecords(ctx, accountID)
		return err
	})
	return out, err
}

func (s *Service) instrument(ctx context.Context, tx store.Tx, symbol string) (model.Instrument, error) {
	inst, err := tx.GetInstrument(ctx, symbol)
	if err != nil {
		return model.Instrument{}, err
	}
	if !inst.Active() {
		return model.Instrument{}, apperr.Validation("instrument " + symbol + " is not tradable")
	}
	if !inst.ContractSize.IsPositive() {
		return model.Instrument{}, fmt.Errorf("%w: instrument %s has no contract size", apperr.ErrInternal, symbol)
	}
	return inst, nil
}

func (s *Service) conflict(op, positionID string) error {
	metrics.StateConflicts.WithLabelValues(op).Inc()
	return apperr.Conflict("position " + positionID + " already left the required status")
}
