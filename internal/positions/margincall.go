package positions

import (
	"context"
	"errors"
	"sort"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
)

type MarginCallResult struct {
	AccountID   string           `json:"account_id"`
	LevelBefore *decimal.Decimal `json:"level_before"`
	LevelAfter  *decimal.Decimal `json:"level_after"`
	Warned      bool             `json:"warned"`
	Closed      []CloseResult    `json:"closed,omitempty"`
}

func (s *Service) summary(ctx context.Context, accountID string) (accounts.Summary, error) {
	var out accounts.Summary
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		out, err = s.valuator.SummaryTx(ctx, tx, acc)
		return err
	})
	return out, err
}

// MarginCallCheck evaluates an account against the risk levels. Below the
// margin call level it publishes a warning; below the stop-out level it
// closes losing positions, largest loss first, until the level recovers.
func (s *Service) MarginCallCheck(ctx context.Context, accountID string) (MarginCallResult, error) {
	sum, err := s.summary(ctx, accountID)
	if err != nil {
		return MarginCallResult{}, err
	}
	out := MarginCallResult{AccountID: accountID, LevelBefore: sum.MarginLevel, LevelAfter: sum.MarginLevel}
	if sum.MarginLevel == nil {
		return out, nil
	}
	level := *sum.MarginLevel
	if !level.LessThan(s.risk.StopOutLevel) {
		if level.LessThan(s.risk.MarginCallLevel) {
			out.Warned = true
			s.publisher.Publish(events.Event{Type: events.TypeMarginCall, AccountID: accountID, Data: out})
			s.logger.Warn("margin call", "account_id", accountID, "margin_level", level.StringFixed(2))
		}
		return out, nil
	}

	stale := make(map[string]struct{}, len(sum.StaleSymbols))
	for _, sym := range sum.StaleSymbols {
		stale[sym] = struct{}{}
	}
	losing := make([]string, 0, len(sum.OpenPositions))
	byID := make(map[string]decimal.Decimal, len(sum.OpenPositions))
	symbols := make(map[string]string, len(sum.OpenPositions))
	for _, p := range sum.OpenPositions {
		if _, ok := stale[p.Symbol]; ok || !p.Profit.IsNegative() {
			continue
		}
		losing = append(losing, p.ID)
		byID[p.ID] = p.Profit
		symbols[p.ID] = p.Symbol
	}
	sort.SliceStable(losing, func(i, j int) bool {
		return byID[losing[i]].LessThan(byID[losing[j]])
	})

	s.logger.Warn("stop out", "account_id", accountID, "margin_level", level.StringFixed(2), "losing_positions", len(losing))
	for _, id := range losing {
		tick, err := s.feed.LatestTick(symbols[id])
		if err != nil {
			continue
		}
		res, err := s.closeAt(ctx, id, types.CloseReasonMarginCall, ledger.SystemActor, tick)
		if errors.Is(err, apperr.ErrStateConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out.Closed = append(out.Closed, res)

		sum, err = s.summary(ctx, accountID)
		if err != nil {
			return out, err
		}
		out.LevelAfter = sum.MarginLevel
		if sum.MarginLevel == nil || !sum.MarginLevel.LessThan(s.risk.StopOutLevel) {
			break
		}
	}
	if len(out.Closed) > 0 {
		s.publisher.Publish(events.Event{Type: events.TypeMarginCall, AccountID: accountID, Data: out})
	}
	return out, nil
}
