package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/model"
	"lv-marginbook/internal/positions"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"
)

const defaultBatch = 500

func batchOr(n int) int {
	if n <= 0 {
		return defaultBatch
	}
	return n
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// eachPage feeds fn every row of list, page by page, until a short page
// ends the set.
func eachPage(ctx context.Context, batch int, list func(after store.Cursor, limit int) ([]model.Position, error), fn func(model.Position)) error {
	limit := batchOr(batch)
	var after store.Cursor
	for {
		page, err := list(after, limit)
		if err != nil {
			return err
		}
		for _, p := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(p)
		}
		if len(page) < limit {
			return nil
		}
		after = store.CursorOf(page[len(page)-1])
	}
}

func byStatus(ctx context.Context, svc *positions.Service, status types.PositionStatus) func(store.Cursor, int) ([]model.Position, error) {
	return func(after store.Cursor, limit int) ([]model.Position, error) {
		return svc.ByStatus(ctx, status, after, limit)
	}
}

// benign reports errors that mean "someone else got there first" or "no
// usable price"; the item is skipped rather than failed.
func benign(err error) bool {
	return errors.Is(err, apperr.ErrStateConflict) || errors.Is(err, apperr.ErrUpstreamUnavailable)
}

// TriggerSweep fills pending orders whose trigger price was crossed.
type TriggerSweep struct {
	Positions *positions.Service
	Feed      marketdata.Feed
	Batch     int
	Logger    *slog.Logger
}

func (t *TriggerSweep) Name() string { return "trigger" }

func (t *TriggerSweep) ProcessBatch(ctx context.Context) (Result, error) {
	logger := loggerOr(t.Logger)
	var res Result
	err := eachPage(ctx, t.Batch, byStatus(ctx, t.Positions, types.PositionStatusPending), func(p model.Position) {
		tick, err := t.Feed.LatestTick(p.Symbol)
		if err != nil || !positions.ShouldTrigger(p, tick) {
			res.Skipped++
			return
		}
		if _, err := t.Positions.Trigger(ctx, p.ID, tick); err != nil {
			if benign(err) {
				res.Skipped++
				return
			}
			res.Failed++
			logger.Warn("trigger failed", "position_id", p.ID, "symbol", p.Symbol, "err", err)
			return
		}
		res.Processed++
	})
	return res, err
}

// RevaluationSweep marks open positions to market, closes those whose stop
// loss or take profit was crossed, and runs the margin check of every
// account still carrying exposure.
type RevaluationSweep struct {
	Positions *positions.Service
	Feed      marketdata.Feed
	Batch     int
	Logger    *slog.Logger
}

func (t *RevaluationSweep) Name() string { return "revaluation" }

func (t *RevaluationSweep) ProcessBatch(ctx context.Context) (Result, error) {
	logger := loggerOr(t.Logger)
	var res Result
	err := eachPage(ctx, t.Batch, byStatus(ctx, t.Positions, types.PositionStatusOpen), func(p model.Position) {
		tick, err := t.Feed.LatestTick(p.Symbol)
		if err != nil {
			res.Skipped++
			return
		}
		marked, err := t.Positions.Revalue(ctx, p.ID, tick)
		if err != nil {
			if benign(err) {
				res.Skipped++
				return
			}
			res.Failed++
			logger.Warn("revalue failed", "position_id", p.ID, "symbol", p.Symbol, "err", err)
			return
		}
		if _, _, err := t.Positions.AutoCloseCheck(ctx, marked, tick); err != nil && !benign(err) {
			res.Failed++
			logger.Warn("auto close failed", "position_id", p.ID, "symbol", p.Symbol, "err", err)
			return
		}
		res.Processed++
	})
	if err != nil {
		return res, err
	}

	limit := batchOr(t.Batch)
	after := ""
	for {
		accounts, err := t.Positions.AccountsWithExposure(ctx, after, limit)
		if err != nil {
			return res, err
		}
		for _, id := range accounts {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if _, err := t.Positions.MarginCallCheck(ctx, id); err != nil && !benign(err) {
				res.Failed++
				logger.Warn("margin check failed", "account_id", id, "err", err)
			}
		}
		if len(accounts) < limit {
			return res, nil
		}
		after = accounts[len(accounts)-1]
	}
}

// IngestTask copies the latest upstream quotes into the cache.
type IngestTask struct {
	Source  marketdata.Source
	Cache   *marketdata.QuoteCache
	Symbols []string
	Logger  *slog.Logger
}

func (t *IngestTask) Name() string { return "ingest_" + t.Source.Name() }

func (t *IngestTask) ProcessBatch(ctx context.Context) (Result, error) {
	ticks, err := t.Source.Fetch(ctx, t.Symbols)
	if err != nil {
		return Result{}, err
	}
	res := Result{Skipped: len(t.Symbols) - len(ticks)}
	if res.Skipped < 0 {
		res.Skipped = 0
	}
	for _, tick := range ticks {
		if err := t.Cache.Update(tick); err != nil {
			res.Failed++
			loggerOr(t.Logger).Warn("quote rejected", "symbol", tick.Symbol, "err", err)
			continue
		}
		res.Processed++
	}
	return res, nil
}

// RolloverTask charges one day of swap to every open position. Each
// position records the day it was last charged, so a restart within the
// same UTC day charges nothing twice. lastDay only skips the walk once a
// full pass for the day succeeded.
type RolloverTask struct {
	Positions *positions.Service
	Batch     int
	Logger    *slog.Logger
	Now       func() time.Time

	lastDay string
}

func (t *RolloverTask) Name() string { return "rollover" }

func (t *RolloverTask) ProcessBatch(ctx context.Context) (Result, error) {
	now := time.Now().UTC()
	if t.Now != nil {
		now = t.Now().UTC()
	}
	day := now.Format("2006-01-02")
	if day == t.lastDay {
		return Result{}, nil
	}
	var res Result
	err := eachPage(ctx, t.Batch, byStatus(ctx, t.Positions, types.PositionStatusOpen), func(p model.Position) {
		charged, err := t.Positions.AccrueSwap(ctx, p.ID, now)
		switch {
		case benign(err):
			res.Skipped++
		case err != nil:
			res.Failed++
			loggerOr(t.Logger).Warn("swap accrual failed", "position_id", p.ID, "symbol", p.Symbol, "err", err)
		case charged.IsZero():
			res.Skipped++
		default:
			res.Processed++
		}
	})
	if err != nil {
		return res, err
	}
	t.lastDay = day
	return res, nil
}

// CleanupTask cancels pending orders older than PendingTTL and purges
// closed and cancelled positions older than Retention.
type CleanupTask struct {
	Positions  *positions.Service
	PendingTTL time.Duration
	Retention  time.Duration
	Batch      int
	Logger     *slog.Logger
	Now        func() time.Time
}

func (t *CleanupTask) Name() string { return "cleanup" }

func (t *CleanupTask) ProcessBatch(ctx context.Context) (Result, error) {
	logger := loggerOr(t.Logger)
	now := time.Now().UTC()
	if t.Now != nil {
		now = t.Now().UTC()
	}
	var res Result
	if t.PendingTTL > 0 {
		cutoff := now.Add(-t.PendingTTL)
		list := func(after store.Cursor, limit int) ([]model.Position, error) {
			return t.Positions.PendingBefore(ctx, cutoff, after, limit)
		}
		err := eachPage(ctx, t.Batch, list, func(p model.Position) {
			if _, err := t.Positions.Cancel(ctx, p.ID, types.CloseReasonSystem); err != nil {
				if benign(err) {
					res.Skipped++
					return
				}
				res.Failed++
				logger.Warn("expire pending failed", "position_id", p.ID, "symbol", p.Symbol, "err", err)
				return
			}
			res.Processed++
		})
		if err != nil {
			return res, err
		}
	}
	if t.Retention > 0 {
		n, err := t.Positions.PurgeTerminal(ctx, now.Add(-t.Retention))
		if err != nil {
			return res, err
		}
		res.Processed += int(n)
		if n > 0 {
			logger.Info("purged terminal positions", "count", n)
		}
	}
	return res, nil
}
