package window

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically sweeps a store so that cells for subjects that went
// quiet are reclaimed. Evaluation prunes lazily on its own; the janitor only
// bounds the number of idle cells.
type Janitor struct {
	store    *Store
	interval time.Duration
	now      func() time.Time
	onSweep  func(remaining int)
	logger   *zap.Logger
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithSweepHook calls fn with the number of live cells after every sweep.
func WithSweepHook(fn func(remaining int)) JanitorOption {
	return func(j *Janitor) {
		j.onSweep = fn
	}
}

// NewJanitor creates a janitor sweeping store every interval.
func NewJanitor(store *Store, interval time.Duration, logger *zap.Logger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps until ctx is cancelled. Cancelling between sweeps is always
// safe; a sweep in progress only ever holds one cell lock at a time.
func (j *Janitor) Run(ctx context.Context) error {
	if j.interval <= 0 {
		j.logger.Info("window janitor disabled")
		return nil
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("started window janitor",
		zap.Duration("interval", j.interval))

	for {
		select {
		case <-ticker.C:
			removed := j.store.Sweep(j.now())
			remaining := j.store.Len()
			if removed > 0 {
				j.logger.Debug("swept idle window cells",
					zap.Int("removed", removed),
					zap.Int("remaining", remaining))
			}
			if j.onSweep != nil {
				j.onSweep(remaining)
			}
		case <-ctx.Done():
			j.logger.Info("stopping window janitor")
			return nil
		}
	}
}
