// Package worker runs the periodic snapshot refresh.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/retry"
)

// RefreshWorker periodically rebuilds every snapshot so live reads stay
// cheap: the longer a snapshot ages, the more pending ledger rows each
// read has to aggregate on top of it.
type RefreshWorker struct {
	refresh  func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	retryCfg *retry.RetryConfig
	logger   *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// RefreshWorkerConfig holds configuration for the refresh worker
type RefreshWorkerConfig struct {
	// Refresh performs one full refresh pass.
	Refresh  func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	// Retry overrides the backoff used for a failed pass.
	Retry  *retry.RetryConfig
	Logger *logging.Logger
}

// NewRefreshWorker creates a new refresh worker
func NewRefreshWorker(cfg *RefreshWorkerConfig) (*RefreshWorker, error) {
	if cfg.Refresh == nil {
		return nil, fmt.Errorf("refresh function cannot be nil")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RefreshWorker{
		refresh:  cfg.Refresh,
		interval: interval,
		timeout:  timeout,
		retryCfg: retryCfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the periodic refresh loop
func (w *RefreshWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.WithField("interval", w.interval.String()).Info("Starting refresh worker")

	go w.loop(ctx)

	return nil
}

// Stop gracefully stops the refresh worker
func (w *RefreshWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		w.logger.Info("Refresh worker stopped")
	case <-ctx.Done():
		w.logger.Warn("Refresh worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

func (w *RefreshWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First pass immediately; cold snapshots make every read a full scan.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Refresh worker context cancelled")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce performs one refresh pass with retry. An overflow error is
// not retried; it is logged and left for the next pass, by which time
// an operator may have intervened.
func (w *RefreshWorker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(logging.WithLogger(ctx, w.logger), w.timeout)
	defer cancel()

	start := time.Now()
	result := retry.WithExponentialBackoff(runCtx, w.retryCfg, func(ctx context.Context, attempt int) error {
		return w.refresh(ctx)
	})

	if !result.Success {
		w.logger.WithError(result.LastError).WithFields(map[string]interface{}{
			"attempts": result.Attempts,
			"duration": time.Since(start).String(),
		}).Error("Periodic refresh failed")
		return
	}

	w.logger.WithField("duration", time.Since(start).String()).Info("Periodic refresh complete")
}
