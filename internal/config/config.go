package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	PriceSourceRedis   = "redis"
	PriceSourceBinance = "binance"
	PriceSourceNone    = "none"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	RedisURL        string
	JWTIssuer       string
	JWTSecret       string
	InternalToken   string
	WebSocketOrigin string
	LogLevel        slog.Level

	PriceSource    string
	Symbols        []string
	SymbolAliases  map[string]string
	BinanceTestnet bool
	MaxTickAge     time.Duration

	IngestInterval      time.Duration
	TriggerInterval     time.Duration
	RevaluationInterval time.Duration
	RolloverInterval    time.Duration
	CleanupInterval     time.Duration

	StopOutLevel            decimal.Decimal
	MarginCallLevel         decimal.Decimal
	MaxOpenPositions        int
	UnlimitedLeverage       decimal.Decimal
	DefaultIBCommissionRate decimal.Decimal
	PendingOrderTTL         time.Duration
	ClosedRetention         time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     float64
}

// Load reads the environment, after merging a .env file when one exists.
// All problems are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var missing, invalid []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			invalid = append(invalid, key)
			return def
		}
		return d
	}
	number := func(key string, def decimal.Decimal) decimal.Decimal {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() {
			invalid = append(invalid, key)
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalid = append(invalid, key)
			return def
		}
		return n
	}

	c.HTTPAddr = required("HTTP_ADDR")
	c.DBDSN = required("DB_DSN")
	c.JWTIssuer = required("JWT_ISSUER")
	c.JWTSecret = required("JWT_SECRET")
	c.InternalToken = strings.TrimSpace(os.Getenv("INTERNAL_TOKEN"))
	c.WebSocketOrigin = strings.TrimSpace(os.Getenv("WS_ORIGIN"))
	if c.WebSocketOrigin == "" {
		c.WebSocketOrigin = "*"
	}
	if err := c.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		invalid = append(invalid, "LOG_LEVEL")
	}

	c.PriceSource = strings.ToLower(envOr("PRICE_SOURCE", PriceSourceNone))
	switch c.PriceSource {
	case PriceSourceRedis:
		c.RedisURL = required("REDIS_URL")
	case PriceSourceBinance, PriceSourceNone:
	default:
		invalid = append(invalid, "PRICE_SOURCE")
	}
	c.Symbols = splitList(os.Getenv("SYMBOLS"))
	if c.PriceSource != PriceSourceNone && len(c.Symbols) == 0 {
		missing = append(missing, "SYMBOLS")
	}
	aliases, err := parseAliases(os.Getenv("SYMBOL_ALIASES"))
	if err != nil {
		invalid = append(invalid, "SYMBOL_ALIASES")
	}
	c.SymbolAliases = aliases
	if raw := strings.TrimSpace(os.Getenv("BINANCE_TESTNET")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			invalid = append(invalid, "BINANCE_TESTNET")
		}
		c.BinanceTestnet = b
	}
	c.MaxTickAge = duration("MAX_TICK_AGE", 10*time.Second)

	c.IngestInterval = duration("INGEST_INTERVAL", time.Second)
	c.TriggerInterval = duration("TRIGGER_INTERVAL", time.Second)
	c.RevaluationInterval = duration("REVALUATION_INTERVAL", 2*time.Second)
	c.RolloverInterval = duration("ROLLOVER_INTERVAL", time.Hour)
	c.CleanupInterval = duration("CLEANUP_INTERVAL", time.Hour)

	c.StopOutLevel = number("STOP_OUT_LEVEL", decimal.NewFromInt(20))
	c.MarginCallLevel = number("MARGIN_CALL_LEVEL", decimal.NewFromInt(60))
	if c.StopOutLevel.GreaterThanOrEqual(c.MarginCallLevel) {
		invalid = append(invalid, "STOP_OUT_LEVEL must be below MARGIN_CALL_LEVEL")
	}
	c.MaxOpenPositions = integer("MAX_OPEN_POSITIONS", 200)
	c.UnlimitedLeverage = number("UNLIMITED_LEVERAGE", decimal.NewFromInt(3000))
	c.DefaultIBCommissionRate = number("DEFAULT_IB_COMMISSION_RATE", decimal.Zero)
	c.PendingOrderTTL = duration("PENDING_ORDER_TTL", 30*24*time.Hour)
	c.ClosedRetention = duration("CLOSED_RETENTION", 0)

	c.RateLimitPerSecond = float64(integer("RATE_LIMIT_PER_SECOND", 20))
	c.RateLimitBurst = float64(integer("RATE_LIMIT_BURST", 40))

	if len(missing) > 0 || len(invalid) > 0 {
		var errs []error
		if len(missing) > 0 {
			errs = append(errs, errors.New("missing required env: "+strings.Join(missing, ",")))
		}
		if len(invalid) > 0 {
			errs = append(errs, errors.New("invalid env: "+strings.Join(invalid, ",")))
		}
		return c, errors.Join(errs...)
	}
	return c, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseAliases reads "EURUSD=EURUSDT,GBPUSD=GBPUSDT".
func parseAliases(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			return out, fmt.Errorf("bad alias %q", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
