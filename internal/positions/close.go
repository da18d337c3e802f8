package positions

import (
	"context"
	"errors"

	"lv-marginbook/internal/apperr"
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

const referencePosition = "position"

type CloseResult struct {
	PositionID  string          `json:"position_id"`
	AccountID   string          `json:"account_id"`
	Reason      string          `json:"reason"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	FinalProfit decimal.Decimal `json:"final_profit"`
	NetProfit   decimal.Decimal `json:"net_profit"`
	Pips        decimal.Decimal `json:"pips"`
	// Settled is what the ledger actually applied. It differs from
	// NetProfit only when a loss exceeded the balance.
	Settled    decimal.Decimal         `json:"settled"`
	Ledger     ledger.Result           `json:"ledger"`
	Trade      model.TradeRecord       `json:"trade"`
	Commission *model.CommissionRecord `json:"ib_commission,omitempty"`
}

// Close settles an open position at the current feed price. A position
// that is no longer open yields STATE_CONFLICT and nothing is written.
func (s *Service) Close(ctx context.Context, positionID string, reason types.CloseReason, actor ledger.Actor) (CloseResult, error) {
	if reason == "" {
		reason = types.CloseReasonManual
	}
	if !reason.Valid() {
		return CloseResult{}, apperr.Validation("unknown close reason " + string(reason))
	}
	p, err := s.Get(ctx, positionID)
	if err != nil {
		return CloseResult{}, err
	}
	if p.Status != types.PositionStatusOpen {
		return CloseResult{}, s.conflict("close", p.ID)
	}
	tick, err := s.feed.LatestTick(p.Symbol)
	if err != nil {
		return CloseResult{}, err
	}
	return s.closeAt(ctx, positionID, reason, actor, tick)
}

// closeAt performs open→closed for one position: the guarded status
// update, the trade settlement, the trade record and the IB commission all
// commit together or not at all.
func (s *Service) closeAt(ctx context.Context, positionID string, reason types.CloseReason, actor ledger.Actor, tick marketdata.Tick) (CloseResult, error) {
	if actor.Type == "" {
		actor = ledger.SystemActor
	}
	var res CloseResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != types.PositionStatusOpen {
			return s.conflict("close", p.ID)
		}
		if p.Symbol != marketdata.NormalizeSymbol(tick.Symbol) {
			return apperr.Validation("tick symbol " + tick.Symbol + " does not match " + p.Symbol)
		}
		acc, err := tx.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		inst, err := tx.GetInstrument(ctx, p.Symbol)
		if err != nil {
			return err
		}

		now := s.now()
		closePrice := margin.ExitPrice(p.Side, tick.Bid, tick.Ask)
		finalProfit := margin.PnL(p.Side, p.OpenPrice, closePrice, p.LotSize, inst.ContractSize).Round(margin.MoneyPlaces)
		netProfit := margin.NetPnL(finalProfit, p.Commission, p.Swap).Round(margin.MoneyPlaces)

		p.Status = types.PositionStatusClosed
		p.ClosePrice = &closePrice
		p.CurrentPrice = closePrice
		p.Profit = finalProfit
		p.CloseReason = reason
		p.ClosedAt = &now
		ok, err := tx.TransitionPosition(ctx, p, types.PositionStatusOpen)
		if err != nil {
			return err
		}
		if !ok {
			return s.conflict("close", p.ID)
		}

		settled, err := s.ledger.ApplyTx(ctx, tx, ledger.Request{
			AccountID:     acc.ID,
			Amount:        netProfit,
			ChangeType:    types.ChangeTypeTrade,
			Actor:         actor,
			ReferenceType: referencePosition,
			ReferenceID:   p.ID,
			Metadata: map[string]string{
				"symbol":       p.Symbol,
				"close_reason": string(reason),
				"profit":       finalProfit.StringFixed(margin.MoneyPlaces),
				"commission":   p.Commission.StringFixed(margin.MoneyPlaces),
				"swap":         p.Swap.StringFixed(margin.MoneyPlaces),
			},
			WriteOff: true,
		})
		if err != nil {
			return err
		}
		if settled.Replayed {
			return apperr.Conflict("position " + p.ID + " already settled")
		}

		opened := p.CreatedAt
		if p.OpenedAt != nil {
			opened = *p.OpenedAt
		}
		trade := model.TradeRecord{
			PositionID:  p.ID,
			AccountID:   acc.ID,
			Symbol:      p.Symbol,
			Side:        p.Side,
			LotSize:     p.LotSize,
			OpenPrice:   p.OpenPrice,
			ClosePrice:  closePrice,
			Profit:      finalProfit,
			Commission:  p.Commission,
			Swap:        p.Swap,
			NetProfit:   netProfit,
			Pips:        margin.Pips(p.Side, p.OpenPrice, closePrice, inst.PipSize),
			CloseReason: reason,
			OpenedAt:    opened,
			ClosedAt:    now,
		}
		if err := tx.InsertTradeRecord(ctx, &trade); err != nil {
			return err
		}

		res = CloseResult{
			PositionID:  p.ID,
			AccountID:   acc.ID,
			Reason:      string(reason),
			ClosePrice:  closePrice,
			FinalProfit: finalProfit,
			NetProfit:   netProfit,
			Pips:        trade.Pips,
			Settled:     settled.Change,
			Ledger:      settled,
			Trade:       trade,
		}
		if s.commissions != nil {
			rec, created, err := s.commissions.DistributeTx(ctx, tx, acc.OwnerID, trade)
			if err != nil {
				return err
			}
			if created {
				res.Commission = &rec
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrStateConflict) {
			s.logger.Info("close lost to a concurrent transition", "position_id", positionID, "reason", string(reason))
		}
		return CloseResult{}, err
	}

	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	s.ledger.Announce(res.Ledger)
	s.publisher.Publish(events.Event{Type: events.TypePositionClosed, AccountID: res.AccountID, Data: res})
	s.logger.Info("position closed",
		"position_id", res.PositionID,
		"account_id", res.AccountID,
		"reason", res.Reason,
		"net_profit", res.NetProfit.String(),
	)
	return res, nil
}
