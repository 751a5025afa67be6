// Package di provides dependency injection configuration for the chart store.
package di

import (
	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/config"
	"github.com/partokit/chartstore/internal/device"
	"github.com/partokit/chartstore/internal/di/providers"
	"github.com/partokit/chartstore/internal/logger"
	"github.com/partokit/chartstore/internal/service"
)

// NewContainer creates and configures the DI container with the local datastore providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)

	// Storage layer
	do.Provide(injector, providers.ProvideKVStore)
	do.Provide(injector, providers.ProvideDeviceProvider)
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideRepositories)

	return injector
}

// WithTransport registers the remote transport and the sync layer on top of it.
// Without it the container serves local reads and writes only.
func WithTransport(injector *do.RootScope, transport service.Transport) {
	do.ProvideValue(injector, transport)
	do.Provide(injector, providers.ProvideSyncService)
	do.Provide(injector, providers.ProvideSyncRunner)
}

// Bootstrap initializes all services and returns handles for lifecycle management.
// This triggers lazy initialization of all core services.
func Bootstrap(injector *do.RootScope) error {
	if _, err := do.Invoke[*config.Config](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*logger.Logger](injector)

	if _, err := do.Invoke[*providers.KVStoreHandle](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*device.Provider](injector)
	if _, err := do.Invoke[*providers.StoreHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.Repositories](injector); err != nil {
		return err
	}

	// Sync layer, only when a transport was registered.
	if _, err := do.Invoke[service.Transport](injector); err != nil {
		return nil
	}
	if _, err := do.Invoke[*service.SyncService](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.SyncRunnerHandle](injector); err != nil {
		return err
	}

	return nil
}
