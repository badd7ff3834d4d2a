package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrSyncInProgress means a cycle was requested while another was running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Runner drives periodic sync cycles in the background, independent of the
// work/break cycle. Cycles are single-flight: a tick that lands while a
// cycle is still running is skipped.
type Runner struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	inFlight atomic.Bool
	stopChan chan struct{}
}

// NewRunner creates a periodic sync runner.
func NewRunner(engine *Engine, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Runner{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "sync-runner").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic loop.
func (r *Runner) Start() {
	go r.run()
	r.logger.Info().Dur("interval", r.interval).Msg("Sync runner started")
}

// Stop stops the periodic loop. An in-flight cycle runs to completion or its
// own timeout; there is no mid-request cancellation.
func (r *Runner) Stop() {
	close(r.stopChan)
	r.logger.Info().Msg("Sync runner stopped")
}

func (r *Runner) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.SyncNow(context.Background()); err != nil {
				r.observe(err)
			}
		case <-r.stopChan:
			return
		}
	}
}

// SyncNow runs one cycle immediately unless one is already in flight.
func (r *Runner) SyncNow(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer r.inFlight.Store(false)

	return r.engine.Sync(ctx)
}

// observe logs a cycle failure at the right severity. Offline is routine;
// dead credentials are not.
func (r *Runner) observe(err error) {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		r.logger.Debug().Msg("Previous sync still running, tick skipped")
	case errors.Is(err, ErrOffline):
		r.logger.Debug().Err(err).Msg("Sync authority unreachable, will retry next cycle")
	case errors.Is(err, ErrReauthRequired):
		r.logger.Warn().Err(err).Msg("Sync requires re-authentication")
	default:
		r.logger.Error().Err(err).Msg("Sync cycle failed")
	}
}
