package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"validation", Validation("lot size must be positive"), "VALIDATION"},
		{"not found", NotFound("account", "a1"), "NOT_FOUND"},
		{"conflict wrapped twice", fmt.Errorf("close: %w", Conflict("already closed")), "STATE_CONFLICT"},
		{"funds", fmt.Errorf("debit: %w", ErrInsufficientFunds), "INSUFFICIENT_FUNDS"},
		{"margin", ErrInsufficientMargin, "INSUFFICIENT_MARGIN"},
		{"upstream", fmt.Errorf("EURUSD: %w", ErrUpstreamUnavailable), "UPSTREAM_UNAVAILABLE"},
		{"plain error", errors.New("connection reset"), "INTERNAL"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestKindUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, ErrInternal, Kind(errors.New("boom")))
	assert.Nil(t, Kind(nil))
}
