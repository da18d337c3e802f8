package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionStatusTransitions(t *testing.T) {
	all := []PositionStatus{PositionStatusPending, PositionStatusOpen, PositionStatusClosed, PositionStatusCancelled}
	allowed := map[[2]PositionStatus]bool{
		{PositionStatusPending, PositionStatusOpen}:      true,
		{PositionStatusPending, PositionStatusCancelled}: true,
		{PositionStatusOpen, PositionStatusClosed}:       true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]PositionStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, PositionStatusClosed.Terminal())
	assert.True(t, PositionStatusCancelled.Terminal())
	assert.False(t, PositionStatusOpen.Terminal())
	assert.False(t, PositionStatusPending.Terminal())
}
