package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, s *MemoryStore, balance string) model.Account {
	t.Helper()
	acc := model.Account{
		OwnerID:  "user-1",
		Balance:  decimal.RequireFromString(balance),
		Currency: "USD",
		Leverage: 100,
		Status:   types.AccountStatusActive,
	}
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateAccount(ctx, &acc)
	}))
	return acc
}

func TestMemoryStoreRollbackRestoresState(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "100")

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateAccountBalance(ctx, acc.ID, decimal.NewFromInt(5)); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{AccountID: acc.ID, ChangeType: types.ChangeTypeDeposit}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		got, err := tx.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))
		entries, err := tx.ListLedgerEntries(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func TestMemoryStoreTransitionIsGuardedByStatus(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "100")
	ctx := context.Background()

	pos := model.Position{AccountID: acc.ID, Symbol: "EURUSD", Side: types.SideBuy, Status: types.PositionStatusOpen}
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPosition(ctx, &pos)
	}))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		closed := pos
		closed.Status = types.PositionStatusClosed
		ok, err := tx.TransitionPosition(ctx, closed, types.PositionStatusOpen)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.TransitionPosition(ctx, closed, types.PositionStatusOpen)
		require.NoError(t, err)
		assert.False(t, ok, "second transition from open must not apply")

		ok, err = tx.UpdatePositionMark(ctx, pos.ID, decimal.NewFromInt(2), decimal.NewFromInt(1))
		require.NoError(t, err)
		assert.False(t, ok, "closed positions are not revalued")
		return nil
	}))
}

func TestMemoryStoreDuplicateLedgerReference(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "0")
	ctx := context.Background()

	insert := func() error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				AccountID:     acc.ID,
				ChangeType:    types.ChangeTypeDeposit,
				ReferenceType: "payment",
				ReferenceID:   "p-1",
			})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), apperr.ErrStateConflict)
}

func TestMemoryStoreCommissionUniquePerTrade(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		rec := model.CommissionRecord{RelationshipID: "rel-1", TradeID: "t-1", Status: types.CommissionStatusPending}
		ok, err := tx.InsertCommissionRecord(ctx, &rec)
		require.NoError(t, err)
		assert.True(t, ok)

		dup := model.CommissionRecord{RelationshipID: "rel-1", TradeID: "t-1", Status: types.CommissionStatusPending}
		ok, err = tx.InsertCommissionRecord(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, ok)

		recs, err := tx.ListCommissionRecords(ctx, "")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
		return nil
	}))
}

func TestMemoryStoreCleanupQueries(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })
	acc := seedAccount(t, s, "0")
	ctx := context.Background()

	pending := model.Position{AccountID: acc.ID, Symbol: "EURUSD", Status: types.PositionStatusPending}
	cancelled := model.Position{AccountID: acc.ID, Symbol: "EURUSD", Status: types.PositionStatusCancelled}
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, &pending); err != nil {
			return err
		}
		return tx.InsertPosition(ctx, &cancelled)
	}))

	now = base.Add(48 * time.Hour)
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		stale, err := tx.ListPendingCreatedBefore(ctx, now.Add(-24*time.Hour), Cursor{}, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, pending.ID, stale[0].ID)

		n, err := tx.DeleteTerminalPositions(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = tx.GetPosition(ctx, cancelled.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		return nil
	}))
}

func TestMemoryStoreKeysetPaging(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })
	first := seedAccount(t, s, "0")
	second := seedAccount(t, s, "0")
	ctx := context.Background()

	var want []string
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		for i, acc := range []model.Account{first, first, second, second, first} {
			p := model.Position{AccountID: acc.ID, Symbol: "EURUSD", Status: types.PositionStatusOpen}
			if i >= 3 {
				p.CreatedAt = base
			}
			if err := tx.InsertPosition(ctx, &p); err != nil {
				return err
			}
			now = now.Add(time.Second)
		}
		all, err := tx.ListPositionsByStatus(ctx, types.PositionStatusOpen, Cursor{}, 0)
		for _, p := range all {
			want = append(want, p.ID)
		}
		return err
	}))
	require.Len(t, want, 5)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var got []string
		var after Cursor
		for {
			page, err := tx.ListPositionsByStatus(ctx, types.PositionStatusOpen, after, 2)
			require.NoError(t, err)
			for _, p := range page {
				got = append(got, p.ID)
			}
			if len(page) < 2 {
				break
			}
			after = CursorOf(page[len(page)-1])
		}
		assert.Equal(t, want, got)

		ids, err := tx.ListAccountsWithOpenPositions(ctx, "", 1)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		rest, err := tx.ListAccountsWithOpenPositions(ctx, ids[0], 1)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.ElementsMatch(t, []string{first.ID, second.ID}, append(ids, rest...))
		none, err := tx.ListAccountsWithOpenPositions(ctx, rest[0], 1)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))
}

func TestMemoryStoreSwapIsChargedOncePerDay(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "0")
	ctx := context.Background()
	day := time.Date(2024, 5, 2, 22, 0, 0, 0, time.UTC)

	p := model.Position{AccountID: acc.ID, Symbol: "EURUSD", Status: types.PositionStatusOpen}
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPosition(ctx, &p); err != nil {
			return err
		}
		ok, err := tx.AddPositionSwap(ctx, p.ID, decimal.NewFromInt(3), day)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.AddPositionSwap(ctx, p.ID, decimal.NewFromInt(3), day.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = tx.AddPositionSwap(ctx, p.ID, decimal.NewFromInt(3), day.Add(3*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := tx.GetPosition(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.Swap.Equal(decimal.NewFromInt(6)))
		require.NotNil(t, got.LastSwapOn)
		assert.Equal(t, SwapDay(day.Add(3*time.Hour)), *got.LastSwapOn)
		return nil
	}))
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
