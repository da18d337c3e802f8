package positions

import (
	"context"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

// AccrueSwap charges the rollover of day to an open position. The charge is
// carried on the position and settled at close. A position already charged
// for day is left alone and yields zero.
func (s *Service) AccrueSwap(ctx context.Context, positionID string, day time.Time) (decimal.Decimal, error) {
	day = store.SwapDay(day)
	var charged decimal.Decimal
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.LockPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status != types.PositionStatusOpen {
			return s.conflict("swap", p.ID)
		}
		if p.LastSwapOn != nil && !p.LastSwapOn.Before(day) {
			return nil
		}
		inst, err := tx.GetInstrument(ctx, p.Symbol)
		if err != nil {
			return err
		}
		rate := inst.SwapLongPerLot
		if p.Side == types.SideSell {
			rate = inst.SwapShortPerLot
		}
		amount := p.LotSize.Mul(rate).Round(margin.MoneyPlaces)
		ok, err := tx.AddPositionSwap(ctx, p.ID, amount, day)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("position " + p.ID + " changed during rollover")
		}
		charged = amount
		return nil
	})
	return charged, err
}
