package providers

import (
	"context"
	"time"

	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/config"
	"github.com/partokit/chartstore/internal/logger"
	"github.com/partokit/chartstore/internal/service"
)

// SyncRunnerHandle wraps the background sync runner with shutdown capability.
type SyncRunnerHandle struct {
	*service.SyncRunner
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown implements do.Shutdownable. It waits for an in-flight run to finish.
func (h *SyncRunnerHandle) Shutdown() error {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(shutdownTimeout):
	}
	return nil
}

// ProvideSyncRunner provides the periodic sync runner and starts it.
func ProvideSyncRunner(i do.Injector) (*SyncRunnerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	svc := do.MustInvoke[*service.SyncService](i)

	runner := service.NewSyncRunner(svc, cfg.Sync.Interval, log.Component("sync-runner"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	log.Info("Sync runner started", "interval", cfg.Sync.Interval)

	return &SyncRunnerHandle{SyncRunner: runner, cancel: cancel, done: done}, nil
}
