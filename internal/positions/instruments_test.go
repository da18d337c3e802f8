package positions

import (
	"context"
	"testing"

	"lv-marginbook/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateInstrumentCreatesAndPatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateInstrument(ctx, "xauusd", InstrumentUpdate{ContractSize: dp("100")})
	require.ErrorIs(t, err, apperr.ErrValidation)

	inst, err := h.svc.UpdateInstrument(ctx, "xauusd", InstrumentUpdate{ContractSize: dp("100"), PipSize: dp("0.01")})
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", inst.Symbol)
	assert.Equal(t, "active", inst.Status)
	assert.True(t, inst.MinLot.Equal(d("0.01")))

	disabled := "disabled"
	inst, err = h.svc.UpdateInstrument(ctx, "XAUUSD", InstrumentUpdate{CommissionPerLot: dp("5"), Status: &disabled})
	require.NoError(t, err)
	assert.True(t, inst.ContractSize.Equal(d("100")))
	assert.True(t, inst.CommissionPerLot.Equal(d("5")))

	got, err := h.svc.Instrument(ctx, "xauusd")
	require.NoError(t, err)
	assert.Equal(t, "disabled", got.Status)
}

func TestUpdateInstrumentValidation(t *testing.T) {
	h := newHarness(t)
	bogus := "paused"
	tests := []struct {
		name string
		u    InstrumentUpdate
	}{
		{"negative commission", InstrumentUpdate{CommissionPerLot: dp("-1")}},
		{"lot range inverted", InstrumentUpdate{MinLot: dp("5"), MaxLot: dp("1")}},
		{"zero pip", InstrumentUpdate{PipSize: dp("0")}},
		{"unknown status", InstrumentUpdate{Status: &bogus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.UpdateInstrument(context.Background(), "EURUSD", tt.u)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	_, err := h.svc.Instrument(context.Background(), "NOPE")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
