package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/ratelimit"
)

// Syncer runs one reconciliation pass. Satisfied by *SyncService.
type Syncer interface {
	SyncOnce(ctx context.Context) (SyncReport, error)
}

// SyncRunner runs a Syncer periodically and on demand.
type SyncRunner struct {
	syncer   Syncer
	interval time.Duration
	limiter  *ratelimit.KeyedRateLimiter
	trigger  chan struct{}
	logger   *slog.Logger

	runs atomic.Int64
}

const (
	// DefaultSyncInterval is the time between background runs.
	DefaultSyncInterval = 5 * time.Minute
	// DefaultTriggerInterval is the minimum spacing of on-demand runs per reason.
	DefaultTriggerInterval = 10 * time.Second
)

// NewSyncRunner creates a runner that syncs every interval.
func NewSyncRunner(syncer Syncer, interval time.Duration, logger *slog.Logger) *SyncRunner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &SyncRunner{
		syncer:   syncer,
		interval: interval,
		limiter:  ratelimit.New(DefaultTriggerInterval, 1),
		trigger:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Trigger requests an immediate run. Requests for the same reason are
// throttled; it returns false when the request was dropped.
func (r *SyncRunner) Trigger(reason string) bool {
	if !r.limiter.Allow(reason) {
		r.logger.Debug("sync trigger throttled", "reason", reason)
		return false
	}
	select {
	case r.trigger <- struct{}{}:
	default:
		// A run is already queued.
	}
	return true
}

// Runs returns the number of completed runs.
func (r *SyncRunner) Runs() int64 {
	return r.runs.Load()
}

// Run syncs once at startup, then on every tick and trigger, until ctx is done.
func (r *SyncRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *SyncRunner) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	report, err := r.syncer.SyncOnce(ctx)
	r.runs.Add(1)
	if err != nil {
		code := errors.CodeOf(err)
		r.logger.WarnContext(ctx, "sync failed",
			"error", err,
			"code", code,
			"retryable", code.Retryable(),
			"duration", time.Since(start),
		)
		return
	}
	r.logger.DebugContext(ctx, "sync run finished",
		"pushed", report.Pushed,
		"conflicts", len(report.Conflicts()),
		"duration", time.Since(start),
	)
	r.limiter.Prune(time.Hour)
}
