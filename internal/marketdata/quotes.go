// Package marketdata holds the price feed port consumed by the engine: the
// latest-tick cache with staleness detection and the upstream sources that
// fill it.
package marketdata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/metrics"

	"github.com/shopspring/decimal"
)

type Tick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t Tick) Validate() error {
	if t.Symbol == "" {
		return apperr.Validation("tick symbol is required")
	}
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return apperr.Validation("tick prices must be positive")
	}
	if t.Ask.LessThan(t.Bid) {
		return apperr.Validation("tick ask below bid")
	}
	return nil
}

// Feed is what the engine reads prices from.
type Feed interface {
	LatestTick(symbol string) (Tick, error)
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// QuoteCache keeps the latest tick per symbol. Ticks older than maxAge are
// reported as unavailable so automation never acts on a frozen price.
type QuoteCache struct {
	mu        sync.RWMutex
	data      map[string]Tick
	maxAge    time.Duration
	now       func() time.Time
	publisher events.Publisher
}

func NewQuoteCache(maxAge time.Duration, publisher events.Publisher) *QuoteCache {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &QuoteCache{
		data:      map[string]Tick{},
		maxAge:    maxAge,
		now:       func() time.Time { return time.Now().UTC() },
		publisher: publisher,
	}
}

func (c *QuoteCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Update stores t unless it is invalid or older than the stored tick.
func (c *QuoteCache) Update(t Tick) error {
	t.Symbol = NormalizeSymbol(t.Symbol)
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if t.Timestamp.IsZero() {
		t.Timestamp = c.now()
	}
	if prev, ok := c.data[t.Symbol]; ok && t.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		return nil
	}
	c.data[t.Symbol] = t
	c.mu.Unlock()

	c.publisher.Publish(events.Event{Type: events.TypeQuote, Data: t})
	return nil
}

func (c *QuoteCache) LatestTick(symbol string) (Tick, error) {
	symbol = NormalizeSymbol(symbol)
	c.mu.RLock()
	t, ok := c.data[symbol]
	now := c.now()
	c.mu.RUnlock()
	if !ok {
		metrics.StaleTicks.WithLabelValues(symbol).Inc()
		return Tick{}, fmt.Errorf("%w: no tick for %s", apperr.ErrUpstreamUnavailable, symbol)
	}
	if c.maxAge > 0 && now.Sub(t.Timestamp) > c.maxAge {
		metrics.StaleTicks.WithLabelValues(symbol).Inc()
		return Tick{}, fmt.Errorf("%w: tick for %s is %s old", apperr.ErrUpstreamUnavailable, symbol, now.Sub(t.Timestamp).Truncate(time.Millisecond))
	}
	return t, nil
}

func (c *QuoteCache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.data))
	for s := range c.data {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
