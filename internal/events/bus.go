// Package events is the outbound notification port of the engine. Services
// publish after their transaction commits; delivery is fire-and-forget.
package events

import (
	"sync"
)

const (
	TypeBalanceChanged    = "balance_changed"
	TypePositionOpened    = "position_opened"
	TypePositionPending   = "position_pending"
	TypePositionClosed    = "position_closed"
	TypePositionCancelled = "position_cancelled"
	TypeMarginCall        = "margin_call"
	TypeQuote             = "quote"
)

type Event struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	Data      any    `json:"data"`
}

type Publisher interface {
	Publish(evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus fans events out to in-process subscribers. Slow subscribers lose
// events instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

// Subscribers reports how many channels are attached.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
