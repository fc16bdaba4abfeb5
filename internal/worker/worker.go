package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stoppagemap/internal/logging"
	"stoppagemap/internal/telemetry"
	"stoppagemap/internal/trace"
)

type Runner interface {
	Run(ctx context.Context) (*trace.Snapshot, error)
}

// Worker reruns the load cycle on a fixed interval.
type Worker struct {
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

// RunOnce reports whether a snapshot was published. A degraded load still
// publishes, so only an abandoned cycle returns false.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	snap, err := w.Runner.Run(ctx)
	if snap == nil {
		return false, err
	}
	if err != nil && !telemetry.IsLoadError(err) {
		return true, err
	}
	return true, nil
}

// Loop blocks until ctx is done. A non-positive interval returns at once.
func (w *Worker) Loop(ctx context.Context) {
	if w.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.LogError(w.logger(), "scheduled reload failed", err)
		}
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
