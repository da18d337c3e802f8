package positions

import (
	"context"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"
)

// ByStatus returns up to limit positions in status, oldest first, starting
// after the cursor.
func (s *Service) ByStatus(ctx context.Context, status types.PositionStatus, after store.Cursor, limit int) ([]model.Position, error) {
	var out []model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPositionsByStatus(ctx, status, after, limit)
		return err
	})
	return out, err
}

func (s *Service) AccountsWithExposure(ctx context.Context, afterID string, limit int) ([]string, error) {
	var out []string
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListAccountsWithOpenPositions(ctx, afterID, limit)
		return err
	})
	return out, err
}

// PendingBefore returns pending orders created before the cutoff.
func (s *Service) PendingBefore(ctx context.Context, before time.Time, after store.Cursor, limit int) ([]model.Position, error) {
	var out []model.Position
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPendingCreatedBefore(ctx, before, after, limit)
		return err
	})
	return out, err
}

// PurgeTerminal deletes closed and cancelled positions last touched before
// the cutoff. Trade history and ledger entries are kept.
func (s *Service) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteTerminalPositions(ctx, before)
		return err
	})
	return n, err
}
