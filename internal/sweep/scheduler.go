// Package sweep runs the periodic automation of the engine: pending order
// fills, revaluation with SL/TP and stop-out, price ingestion, swap
// rollover and cleanup. Each task processes one batch per tick; a failing
// item is logged and counted and never aborts the batch.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lv-marginbook/internal/metrics"
)

type Result struct {
	Processed int
	Skipped   int
	Failed    int
}

type Task interface {
	Name() string
	// ProcessBatch handles one batch. A returned error means the batch
	// could not be loaded at all.
	ProcessBatch(ctx context.Context) (Result, error)
}

type job struct {
	task     Task
	interval time.Duration
}

type Scheduler struct {
	logger *slog.Logger
	jobs   []job
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Every registers task to run once per interval. A non-positive interval
// disables the task.
func (s *Scheduler) Every(interval time.Duration, task Task) {
	if interval <= 0 {
		s.logger.Info("sweep disabled", "task", task.Name())
		return
	}
	s.jobs = append(s.jobs, job{task: task, interval: interval})
}

// Run starts every registered task and blocks until ctx is cancelled and
// all of them have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	s.logger.Info("sweep started", "task", j.task.Name(), "interval", j.interval.String())
	RunOnce(ctx, j.task, s.logger)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, j.task, s.logger)
		}
	}
}

// RunOnce executes a single batch of task and records its metrics.
func RunOnce(ctx context.Context, task Task, logger *slog.Logger) Result {
	start := time.Now()
	res, err := task.ProcessBatch(ctx)
	name := task.Name()
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("sweep batch failed", "task", name, "err", err)
		}
		return res
	}
	metrics.SweepItems.WithLabelValues(name, "processed").Add(float64(res.Processed))
	metrics.SweepItems.WithLabelValues(name, "skipped").Add(float64(res.Skipped))
	metrics.SweepItems.WithLabelValues(name, "failed").Add(float64(res.Failed))
	if res.Failed > 0 {
		logger.Warn("sweep batch had failures", "task", name, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res
}
