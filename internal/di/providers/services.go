package providers

import (
	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/config"
	"github.com/partokit/chartstore/internal/logger"
	"github.com/partokit/chartstore/internal/service"
)

// ProvideSyncService provides the reconciler. The transport must have been
// registered with do.ProvideValue[service.Transport] beforehand.
func ProvideSyncService(i do.Injector) (*service.SyncService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	kv := do.MustInvoke[*KVStoreHandle](i)
	repos := do.MustInvoke[*Repositories](i)

	transport, err := do.Invoke[service.Transport](i)
	if err != nil {
		return nil, err
	}

	policy, err := service.ParseConflictPolicy(cfg.Sync.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	return service.NewSyncService(transport, kv.Store, log.Component("sync"), service.SyncOptions{
		BatchSize: cfg.Sync.BatchSize,
		Policy:    policy,
	}, repos.Tables()...), nil
}
