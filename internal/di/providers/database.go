package providers

import (
	"context"
	"log/slog"
	"os"

	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/config"
	"github.com/partokit/chartstore/internal/device"
	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/logger"
	"github.com/partokit/chartstore/internal/service"
	"github.com/partokit/chartstore/internal/store"
	"github.com/partokit/chartstore/internal/store/sqlite"
)

// KVStoreHandle wraps the key-value store with shutdown capability.
type KVStoreHandle struct {
	*store.Store
}

// Shutdown implements do.Shutdownable.
func (h *KVStoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideKVStore provides the badger store holding device identity and sync state.
func ProvideKVStore(i do.Injector) (*KVStoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	path := cfg.Storage.KVPath()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	kv, err := store.New(path, log.Component("kv"))
	if err != nil {
		log.WithError(err).Error("Failed to open KV store", "path", path)
		return nil, err
	}

	log.Info("KV store initialized", "path", path)
	return &KVStoreHandle{Store: kv}, nil
}

// ProvideDeviceProvider provides the device identity provider.
func ProvideDeviceProvider(i do.Injector) (*device.Provider, error) {
	kv := do.MustInvoke[*KVStoreHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	p := device.NewProvider(kv.Store, log.Component("device"))
	log.Info("Device identity ready", "device_id", p.ID())
	return p, nil
}

// StoreHandle wraps the chart database with shutdown capability.
type StoreHandle struct {
	*sqlite.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore provides the chart database.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, err
	}

	dbPath := cfg.Storage.DatabasePath()
	db, err := sqlite.Open(dbPath, log.Component("sqlite"), sqlite.Options{
		BusyTimeout:    cfg.Storage.BusyTimeout,
		QueryChunkSize: cfg.Storage.QueryChunkSize,
	})
	if err != nil {
		log.WithError(err).Error("Failed to open database", "path", dbPath)
		return nil, err
	}

	log.Info("Database initialized", "path", dbPath)
	return &StoreHandle{Store: db}, nil
}

// Repositories groups the clinical entity repositories.
type Repositories struct {
	BloodPressure    *sqlite.Repository[*domain.BloodPressure]
	BishopScore      *sqlite.Repository[*domain.BishopScore]
	OxytocinInfusion *sqlite.Repository[*domain.OxytocinInfusion]
	FetalHeartRate   *sqlite.Repository[*domain.FetalHeartRate]
	CervicalDilation *sqlite.Repository[*domain.CervicalDilation]
	Contraction      *sqlite.Repository[*domain.Contraction]
}

// Tables returns every repository bound for the reconciler, in sync order.
func (r *Repositories) Tables() []service.Table {
	return []service.Table{
		service.Bind(r.BloodPressure),
		service.Bind(r.BishopScore),
		service.Bind(r.OxytocinInfusion),
		service.Bind(r.FetalHeartRate),
		service.Bind(r.CervicalDilation),
		service.Bind(r.Contraction),
	}
}

// ProvideRepositories provides the repositories and creates their tables.
func ProvideRepositories(i do.Injector) (*Repositories, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	s := storeHandle.Store
	repos := &Repositories{
		BloodPressure:    sqlite.NewRepository(s, sqlite.BloodPressureSchema),
		BishopScore:      sqlite.NewRepository(s, sqlite.BishopScoreSchema),
		OxytocinInfusion: sqlite.NewRepository(s, sqlite.OxytocinInfusionSchema),
		FetalHeartRate:   sqlite.NewRepository(s, sqlite.FetalHeartRateSchema),
		CervicalDilation: sqlite.NewRepository(s, sqlite.CervicalDilationSchema),
		Contraction:      sqlite.NewRepository(s, sqlite.ContractionSchema),
	}

	// Fail at startup rather than on first use.
	ctx := context.Background()
	for _, init := range []func(context.Context) error{
		repos.BloodPressure.InitializeSchema,
		repos.BishopScore.InitializeSchema,
		repos.OxytocinInfusion.InitializeSchema,
		repos.FetalHeartRate.InitializeSchema,
		repos.CervicalDilation.InitializeSchema,
		repos.Contraction.InitializeSchema,
	} {
		if err := init(ctx); err != nil {
			log.WithError(err).Error("Failed to initialize chart tables")
			return nil, err
		}
	}

	log.Info("Repositories ready", "tables", 6)
	return repos, nil
}

// ProvideSlogLogger provides access to the underlying slog.Logger for packages that need it.
func ProvideSlogLogger(i do.Injector) (*slog.Logger, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return log.Logger, nil
}
