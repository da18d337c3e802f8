package commission

import (
	"context"
	"testing"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func distribute(t *testing.T, st store.Store, dist *Distributor, owner string, trade model.TradeRecord) (model.CommissionRecord, bool) {
	t.Helper()
	var rec model.CommissionRecord
	var created bool
	require.NoError(t, st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, created, err = dist.DistributeTx(ctx, tx, owner, trade)
		return err
	}))
	return rec, created
}

func TestDistributeChargesVolumeRegardlessOfResult(t *testing.T) {
	st := store.NewMemoryStore()
	dist := NewDistributor(st, d("2"), nil)
	_, err := dist.Link(context.Background(), "ib-1", "client-1", d("3.5"))
	require.NoError(t, err)

	losing := model.TradeRecord{ID: "trade-1", LotSize: d("1.5"), NetProfit: d("-120")}
	rec, created := distribute(t, st, dist, "client-1", losing)
	require.True(t, created)
	assert.True(t, rec.Amount.Equal(d("5.25")))
	assert.True(t, rec.Volume.Equal(d("1.5")))
	assert.Equal(t, types.CommissionStatusPending, rec.Status)

	_, created = distribute(t, st, dist, "client-1", losing)
	assert.False(t, created, "one record per trade")

	recs, err := dist.Records(context.Background(), rec.RelationshipID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDistributeFallsBackToDefaultRate(t *testing.T) {
	st := store.NewMemoryStore()
	dist := NewDistributor(st, d("2"), nil)
	_, err := dist.Link(context.Background(), "ib-1", "client-1", decimal.Zero)
	require.NoError(t, err)

	rec, created := distribute(t, st, dist, "client-1", model.TradeRecord{ID: "trade-1", LotSize: d("0.1")})
	require.True(t, created)
	assert.True(t, rec.Rate.Equal(d("2")))
	assert.True(t, rec.Amount.Equal(d("0.2")))
}

func TestDistributeWithoutRelationship(t *testing.T) {
	st := store.NewMemoryStore()
	dist := NewDistributor(st, d("2"), nil)
	_, created := distribute(t, st, dist, "nobody", model.TradeRecord{ID: "trade-1", LotSize: d("1")})
	assert.False(t, created)
}

func TestLinkValidation(t *testing.T) {
	st := store.NewMemoryStore()
	dist := NewDistributor(st, decimal.Zero, nil)
	ctx := context.Background()

	_, err := dist.Link(ctx, "u1", "u1", decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = dist.Link(ctx, "u1", "u2", d("-1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = dist.Link(ctx, "u1", "u2", decimal.Zero)
	require.NoError(t, err)
	_, err = dist.Link(ctx, "u3", "u2", decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}
