package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/commission"
	"lv-marginbook/internal/config"
	"lv-marginbook/internal/db"
	"lv-marginbook/internal/events"
	"lv-marginbook/internal/health"
	"lv-marginbook/internal/httpserver"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/positions"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/sweep"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/redis/go-redis/v9"
)

const binanceTestnetURL = "https://testnet.binancefuture.com"

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("connect database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}
	checks := map[string]health.Pinger{"postgres": pool}

	st := store.NewPostgresStore(pool)
	bus := events.NewBus()
	quotes := marketdata.NewQuoteCache(cfg.MaxTickAge, bus)

	var source marketdata.Source
	switch cfg.PriceSource {
	case config.PriceSourceRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("parse redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		checks["redis"] = redisPinger{rdb}
		source = marketdata.NewRedisSource(rdb, "quote:")
	case config.PriceSourceBinance:
		client := futures.NewClient("", "")
		if cfg.BinanceTestnet {
			client.BaseURL = binanceTestnetURL
		}
		source = marketdata.NewBinanceSource(client, cfg.SymbolAliases)
	default:
		logger.Warn("no price source configured; quotes must be pushed by another process")
	}

	ledgerSvc := ledger.NewService(st, bus, logger)
	valuator := accounts.NewValuator(quotes, cfg.UnlimitedLeverage)
	accountSvc := accounts.NewService(st, ledgerSvc, valuator, bus, logger)
	distributor := commission.NewDistributor(st, cfg.DefaultIBCommissionRate, logger)
	positionSvc := positions.NewService(st, ledgerSvc, distributor, valuator, quotes, bus, positions.RiskConfig{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MarginCallLevel:  cfg.MarginCallLevel,
		StopOutLevel:     cfg.StopOutLevel,
	}, logger)

	verifier := auth.NewVerifier(cfg.JWTIssuer, cfg.JWTSecret)
	limiter := httpserver.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		AccountsHandler: accounts.NewHandler(accountSvc),
		LedgerHandler: ledger.NewHandler(ledgerSvc, func(ctx context.Context, actor ledger.Actor, accountID string) error {
			_, err := accountSvc.Authorize(ctx, actor, accountID)
			return err
		}),
		PositionsHandler:  positions.NewHandler(positionSvc, accountSvc),
		CommissionHandler: commission.NewHandler(distributor),
		MarketHandler:     marketdata.NewHandler(quotes),
		HealthHandler:     health.NewHandler(time.Now(), checks),
		Verifier:          verifier,
		InternalToken:     cfg.InternalToken,
		CORSOrigin:        cfg.WebSocketOrigin,
		Limiter:           limiter,
		WSHandler:         httpserver.NewWSHandler(bus, verifier, accountSvc, cfg.WebSocketOrigin),
	})

	sched := sweep.NewScheduler(logger)
	if source != nil {
		sched.Every(cfg.IngestInterval, &sweep.IngestTask{Source: source, Cache: quotes, Symbols: cfg.Symbols, Logger: logger})
	}
	sched.Every(cfg.TriggerInterval, &sweep.TriggerSweep{Positions: positionSvc, Feed: quotes, Logger: logger})
	sched.Every(cfg.RevaluationInterval, &sweep.RevaluationSweep{Positions: positionSvc, Feed: quotes, Logger: logger})
	sched.Every(cfg.RolloverInterval, &sweep.RolloverTask{Positions: positionSvc, Logger: logger})
	sched.Every(cfg.CleanupInterval, &sweep.CleanupTask{
		Positions:  positionSvc,
		PendingTTL: cfg.PendingOrderTTL,
		Retention:  cfg.ClosedRetention,
		Logger:     logger,
	})
	sched.Every(time.Minute, limiter)

	sweepsDone := make(chan struct{})
	go func() {
		defer close(sweepsDone)
		sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", cfg.HTTPAddr, "price_source", cfg.PriceSource, "symbols", cfg.Symbols)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "err", err)
		stop()
	}
	<-sweepsDone
	logger.Info("shutdown complete")
}
