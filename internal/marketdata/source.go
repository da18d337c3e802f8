package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lv-marginbook/internal/apperr"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Source pulls the current quotes for a set of symbols from upstream.
// Symbols without a quote are omitted from the result.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]Tick, error)
}

// RedisSource reads quotes published by an external pricing process. Each
// symbol is a hash at <prefix><SYMBOL> with fields bid, ask and ts (unix
// milliseconds).
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = "quote:"
	}
	return &RedisSource{client: client, prefix: prefix}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Fetch(ctx context.Context, symbols []string) ([]Tick, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	for i, sym := range symbols {
		cmds[i] = pipe.HGetAll(ctx, s.prefix+NormalizeSymbol(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: redis quotes: %v", apperr.ErrUpstreamUnavailable, err)
	}
	out := make([]Tick, 0, len(symbols))
	for i, sym := range symbols {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := parseQuoteFields(NormalizeSymbol(sym), fields)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func parseQuoteFields(symbol string, fields map[string]string) (Tick, error) {
	bid, err := decimal.NewFromString(strings.TrimSpace(fields["bid"]))
	if err != nil {
		return Tick{}, apperr.Validation("invalid bid for " + symbol)
	}
	ask, err := decimal.NewFromString(strings.TrimSpace(fields["ask"]))
	if err != nil {
		return Tick{}, apperr.Validation("invalid ask for " + symbol)
	}
	t := Tick{Symbol: symbol, Bid: bid, Ask: ask}
	if raw := strings.TrimSpace(fields["ts"]); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Tick{}, apperr.Validation("invalid timestamp for " + symbol)
		}
		t.Timestamp = time.UnixMilli(ms).UTC()
	}
	return t, t.Validate()
}

// BinanceSource reads best bid/ask from the Binance futures book ticker.
// Aliases map engine symbols to exchange symbols, e.g. BTCUSD → BTCUSDT.
type BinanceSource struct {
	client  *futures.Client
	aliases map[string]string
	now     func() time.Time
}

func NewBinanceSource(client *futures.Client, aliases map[string]string) *BinanceSource {
	return &BinanceSource{
		client:  client,
		aliases: aliases,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) exchangeSymbol(symbol string) string {
	if alias, ok := s.aliases[symbol]; ok {
		return alias
	}
	return symbol
}

func (s *BinanceSource) Fetch(ctx context.Context, symbols []string) ([]Tick, error) {
	tickers, err := s.client.NewListBookTickersService().Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok {
			return nil, fmt.Errorf("%w: binance book ticker: code %d: %s", apperr.ErrUpstreamUnavailable, apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("%w: binance book ticker: %v", apperr.ErrUpstreamUnavailable, err)
	}
	books := make(map[string]*futures.BookTicker, len(tickers))
	for _, bt := range tickers {
		books[bt.Symbol] = bt
	}
	now := s.now()
	out := make([]Tick, 0, len(symbols))
	for _, sym := range symbols {
		sym = NormalizeSymbol(sym)
		bt, ok := books[s.exchangeSymbol(sym)]
		if !ok {
			continue
		}
		t, err := parseQuoteFields(sym, map[string]string{"bid": bt.BidPrice, "ask": bt.AskPrice})
		if err != nil {
			continue
		}
		t.Timestamp = now
		out = append(out, t)
	}
	return out, nil
}
