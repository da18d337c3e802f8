package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToEverySubscriber(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(Event{Type: TypeBalanceChanged, AccountID: "acc-1"})

	for _, ch := range []chan Event{a, c} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypeBalanceChanged, evt.Type)
			assert.Equal(t, "acc-1", evt.AccountID)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	for i := 0; i < 150; i++ {
		b.Publish(Event{Type: TypeQuote})
	}
	assert.Len(t, ch, cap(ch))
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{Type: TypeMarginCall})
}
