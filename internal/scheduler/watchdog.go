package scheduler

import (
	"context"
	"time"

	"afiss_backend/platform/logger"
)

const (
	defaultWatchdogInterval = time.Minute
	defaultStaleAfter       = 15 * time.Minute
)

// StaleMarker interrupts cycles that stopped sending heartbeats.
type StaleMarker interface {
	MarkStale(ctx context.Context, staleAfter time.Duration) ([]int, error)
}

// CycleWatchdog periodically marks running cycles whose process died as
// interrupted so the next run resumes them.
type CycleWatchdog struct {
	marker     StaleMarker
	log        *logger.Logger
	interval   time.Duration
	staleAfter time.Duration
}

func NewCycleWatchdog(marker StaleMarker, log *logger.Logger, interval, staleAfter time.Duration) *CycleWatchdog {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &CycleWatchdog{
		marker:     marker,
		log:        log,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (w *CycleWatchdog) Run(ctx context.Context) {
	if w == nil || w.marker == nil {
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CycleWatchdog) sweep(ctx context.Context) {
	stale, err := w.marker.MarkStale(ctx, w.staleAfter)
	if err != nil {
		w.log.Warn("calibration watchdog sweep failed", "error", err)
		return
	}

	if len(stale) > 0 {
		w.log.Info("calibration watchdog interrupted stale cycles", "cycles", stale)
	}
}
