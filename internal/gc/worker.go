package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"mailstore/internal/metrics"
	"mailstore/internal/staging"
)

const (
	DefaultInterval = 15 * time.Minute

	minRetryDelay = time.Second
)

// VolumeSweeper sweeps every volume.
type VolumeSweeper interface {
	SweepAll(ctx context.Context, dryRun bool) ([]SweepResult, error)
}

// StagingSweeper expires abandoned staged blobs.
type StagingSweeper interface {
	Sweep(ctx context.Context) (staging.SweepResult, error)
}

// WorkerConfig encapsulates the configuration of the maintenance worker.
type WorkerConfig struct {
	Sweeper  VolumeSweeper
	Staging  StagingSweeper
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Sweeper == nil {
		return errors.New("missing sweeper")
	}
	if c.Staging == nil {
		return errors.New("missing staging sweeper")
	}
	if c.Clock == nil {
		return errors.New("missing clock")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %v", c.Interval)
	}
	return nil
}

// Worker periodically expires staged blobs and sweeps all volumes. Failed
// iterations are retried with exponential backoff, capped at the interval.
type Worker struct {
	tomb    tomb.Tomb
	cfg     WorkerConfig
	backoff func(time.Duration, int) time.Duration
	logger  *slog.Logger
}

// NewWorker validates cfg and starts the worker loop.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minDelay := max(cfg.Interval/16, minRetryDelay)
	if minDelay > cfg.Interval {
		minDelay = cfg.Interval
	}

	w := &Worker{
		cfg:     cfg,
		backoff: retry.ExpBackoff(minDelay, cfg.Interval, 2, true),
		logger:  logger.With("component", "gc-worker"),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill asks the worker to stop.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait blocks until the worker has stopped.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	timer := w.cfg.Clock.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	var failures int
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			err := w.runOnce()
			w.cfg.Metrics.RecordWorkerIteration(err)

			delay := w.cfg.Interval
			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, context.Canceled):
				return tomb.ErrDying
			default:
				failures++
				delay = w.backoff(0, failures)
				w.logger.Warn("maintenance iteration failed", "attempt", failures, "retry_in", delay, "err", err)
			}
			timer.Reset(delay)
		}
	}
}

func (w *Worker) runOnce() error {
	ctx := w.tomb.Context(context.Background())

	var errs []error
	stagingResult, err := w.cfg.Staging.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("staging sweep: %w", err))
	}
	results, err := w.cfg.Sweeper.SweepAll(ctx, false)
	if err != nil {
		errs = append(errs, fmt.Errorf("volume sweep: %w", err))
	}

	deleted := 0
	for _, r := range results {
		deleted += r.Deleted
	}
	w.logger.Debug("maintenance iteration", "staging_removed", stagingResult.Removed, "volumes", len(results), "deleted", deleted)
	return errors.Join(errs...)
}
