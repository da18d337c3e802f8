package positions

import (
	"context"
	"errors"
	"strings"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"

	"github.com/shopspring/decimal"
)

// InstrumentUpdate changes the contract specification of a symbol. Nil
// fields keep their stored value; creating a symbol needs at least the
// contract and pip size.
type InstrumentUpdate struct {
	ContractSize     *decimal.Decimal `json:"contract_size"`
	PipSize          *decimal.Decimal `json:"pip_size"`
	CommissionPerLot *decimal.Decimal `json:"commission_per_lot"`
	SwapLongPerLot   *decimal.Decimal `json:"swap_long_per_lot"`
	SwapShortPerLot  *decimal.Decimal `json:"swap_short_per_lot"`
	MinLot           *decimal.Decimal `json:"min_lot"`
	MaxLot           *decimal.Decimal `json:"max_lot"`
	Status           *string          `json:"status"`
}

func (s *Service) Instrument(ctx context.Context, symbol string) (model.Instrument, error) {
	var inst model.Instrument
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inst, err = tx.GetInstrument(ctx, marketdata.NormalizeSymbol(symbol))
		return err
	})
	return inst, err
}

// UpdateInstrument upserts a symbol. Open positions keep the commission
// fixed when they were opened.
func (s *Service) UpdateInstrument(ctx context.Context, symbol string, u InstrumentUpdate) (model.Instrument, error) {
	symbol = marketdata.NormalizeSymbol(symbol)
	if symbol == "" {
		return model.Instrument{}, apperr.Validation("symbol is required")
	}
	var out model.Instrument
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstrument(ctx, symbol)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			inst = model.Instrument{
				Symbol: symbol,
				MinLot: decimal.RequireFromString("0.01"),
				MaxLot: decimal.NewFromInt(100),
				Status: "active",
			}
		case err != nil:
			return err
		}
		apply := func(dst *decimal.Decimal, src *decimal.Decimal) {
			if src != nil {
				*dst = *src
			}
		}
		apply(&inst.ContractSize, u.ContractSize)
		apply(&inst.PipSize, u.PipSize)
		apply(&inst.CommissionPerLot, u.CommissionPerLot)
		apply(&inst.SwapLongPerLot, u.SwapLongPerLot)
		apply(&inst.SwapShortPerLot, u.SwapShortPerLot)
		apply(&inst.MinLot, u.MinLot)
		apply(&inst.MaxLot, u.MaxLot)
		if u.Status != nil {
			inst.Status = strings.ToLower(strings.TrimSpace(*u.Status))
		}
		if inst.Status == "" {
			inst.Status = "active"
		}
		if err := validateInstrument(inst); err != nil {
			return err
		}
		if err := tx.UpsertInstrument(ctx, inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return model.Instrument{}, err
	}
	s.logger.Info("instrument updated", "symbol", out.Symbol, "status", out.Status)
	return out, nil
}

func validateInstrument(in model.Instrument) error {
	switch {
	case !in.ContractSize.IsPositive():
		return apperr.Validation("contract_size must be positive")
	case !in.PipSize.IsPositive():
		return apperr.Validation("pip_size must be positive")
	case !in.MinLot.IsPositive() || in.MaxLot.LessThan(in.MinLot):
		return apperr.Validation("lot range must be positive and ordered")
	case in.CommissionPerLot.IsNegative():
		return apperr.Validation("commission_per_lot cannot be negative")
	case in.Status != "active" && in.Status != "disabled":
		return apperr.Validation("status must be active or disabled")
	}
	return nil
}
