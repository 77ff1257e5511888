// Package worker runs queued runs in the background on a cron schedule.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// Runner executes a single run to a terminal state. Satisfied by
// *engine.Engine.
type Runner interface {
	Execute(ctx context.Context, runID uuid.UUID) error
}

// batchSize caps how many queued runs one sweep picks up.
const batchSize = 50

// Worker periodically sweeps the runs table for queued runs and executes
// them. Overlapping sweeps are skipped; concurrency within a sweep is
// bounded.
type Worker struct {
	store       storage.Store
	runner      Runner
	logger      *slog.Logger
	schedule    string
	concurrency int
	cron        *cron.Cron

	mu       sync.Mutex
	sweeping bool
}

// New creates a Worker. Schedule accepts standard cron expressions and
// descriptors like "@every 15s".
func New(store storage.Store, runner Runner, logger *slog.Logger, schedule string, concurrency int) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		runner:      runner,
		logger:      logger,
		schedule:    schedule,
		concurrency: concurrency,
	}
}

// Start registers the sweep on the cron schedule and starts the
// scheduler.
func (w *Worker) Start() error {
	c := cron.New()
	_, err := c.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(context.Background()); err != nil {
			w.logger.Error("worker sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("worker: bad schedule %q: %w", w.schedule, err)
	}
	w.cron = c
	c.Start()
	w.logger.Info("worker started", "schedule", w.schedule, "concurrency", w.concurrency)
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish,
// or until ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cron == nil {
		return nil
	}
	done := w.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep picks up queued runs and executes them with bounded
// concurrency. Returns the number of runs picked up. A sweep that
// overlaps a running one is a no-op.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.sweeping {
		w.mu.Unlock()
		return 0, nil
	}
	w.sweeping = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.sweeping = false
		w.mu.Unlock()
	}()

	runs, err := w.store.ListRunsByStatus(ctx, model.RunStatusQueued, batchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: list queued runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	w.logger.Info("worker sweep", "queued", len(runs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, run := range runs {
		g.Go(func() error {
			// One failed run must not abort the rest of the sweep.
			if err := w.runner.Execute(gctx, run.ID); err != nil {
				w.logger.Error("run execution failed", "run_id", run.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(runs), nil
}
