package studio

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often batch progress is re-read while jobs are outstanding.
const DefaultPollInterval = 3 * time.Second

// Watcher polls batch progress until every job is terminal.
type Watcher struct {
	store    *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewWatcher constructs a Watcher. A non-positive interval selects DefaultPollInterval.
func NewWatcher(store *Service, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Watcher{store: store, interval: interval, logger: logger}
}

// Interval returns the polling period.
func (watcher *Watcher) Interval() time.Duration {
	return watcher.interval
}

// Watch reads progress right away and then once per interval, passing every reading to
// onProgress. It returns the final progress once the batch is complete, or the context
// error when ctx ends first. No query is issued after completion.
func (watcher *Watcher) Watch(ctx context.Context, batchID string, onProgress func(Progress)) (Progress, error) {
	ticker := time.NewTicker(watcher.interval)
	defer ticker.Stop()

	polls := 0
	for {
		progress, err := watcher.store.Progress(ctx, batchID)
		if err != nil {
			return Progress{}, err
		}
		polls++
		if onProgress != nil {
			onProgress(progress)
		}
		if progress.Complete {
			watcher.logger.Info("studio batch complete",
				zap.String(fieldBatchID, batchID),
				zap.Int("done", progress.Done),
				zap.Int("failed", progress.Failed),
				zap.Int("polls", polls))
			return progress, nil
		}
		select {
		case <-ctx.Done():
			return progress, ctx.Err()
		case <-ticker.C:
		}
	}
}
