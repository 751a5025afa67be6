// Command dbinspect prints sync bookkeeping for the local chart store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/samber/do/v2"

	"github.com/partokit/chartstore/internal/device"
	"github.com/partokit/chartstore/internal/di"
	"github.com/partokit/chartstore/internal/di/providers"
	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/service"
	"github.com/partokit/chartstore/internal/store/sqlite"
)

type tableStats interface {
	Table() string
	CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error)
	MaxServerVersion(ctx context.Context) (int64, error)
	PullCursor(ctx context.Context) (int64, error)
}

func main() {
	injector := di.NewContainer()
	defer func() {
		if err := injector.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if err := di.Bootstrap(injector); err != nil {
		log.Fatalf("Failed to open chart store: %v", err)
	}

	ctx := context.Background()
	repos := do.MustInvoke[*providers.Repositories](injector)
	db := do.MustInvoke[*providers.StoreHandle](injector)
	kv := do.MustInvoke[*providers.KVStoreHandle](injector)
	dev := do.MustInvoke[*device.Provider](injector)

	fmt.Println("=== Chart Store Inspection ===")
	fmt.Printf("Device: %s\n\n", dev.ID())

	tables := []tableStats{
		repos.BloodPressure,
		repos.BishopScore,
		repos.OxytocinInfusion,
		repos.FetalHeartRate,
		repos.CervicalDilation,
		repos.Contraction,
	}

	failed := false
	for _, t := range tables {
		if err := inspect(ctx, t, db.Store); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.Table(), err)
			failed = true
		}
	}

	if err := printSyncStates(kv); err != nil {
		fmt.Fprintf(os.Stderr, "sync state: %v\n", err)
		failed = true
	}

	staff, err := db.ListStaff(ctx)
	if err != nil {
		log.Fatalf("Failed to list staff: %v", err)
	}
	fmt.Printf("Staff members: %d\n", len(staff))

	if failed {
		fmt.Fprintln(os.Stderr, "one or more tables could not be inspected")
	}
}

func inspect(ctx context.Context, t tableStats, db *sqlite.Store) error {
	counts, err := t.CountByStatus(ctx)
	if err != nil {
		return err
	}
	maxVersion, err := t.MaxServerVersion(ctx)
	if err != nil {
		return err
	}
	cursor, err := t.PullCursor(ctx)
	if err != nil {
		return err
	}
	open, err := db.ListConflicts(ctx, sqlite.ConflictFilter{Table: t.Table(), OpenOnly: true})
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", t.Table())
	fmt.Printf("  Pending:            %d\n", counts[domain.SyncPending])
	fmt.Printf("  Synced:             %d\n", counts[domain.SyncSynced])
	fmt.Printf("  Max server version: %d\n", maxVersion)
	fmt.Printf("  Pull cursor:        %d\n", cursor)
	fmt.Printf("  Open conflicts:     %d\n", len(open))
	fmt.Println()
	return nil
}

// printSyncStates lists the bookkeeping of every table that was ever pulled.
func printSyncStates(kv *providers.KVStoreHandle) error {
	keys, err := kv.Keys(service.SyncStatePrefix)
	if err != nil {
		return err
	}

	fmt.Println("Last sync")
	if len(keys) == 0 {
		fmt.Println("  never")
	}
	for _, key := range keys {
		var state service.SyncState
		if err := kv.Get(key, &state); err != nil {
			return err
		}
		table := strings.TrimPrefix(key, service.SyncStatePrefix)
		synced := time.UnixMilli(state.SyncedAt).UTC().Format(time.RFC3339)
		fmt.Printf("  %-20s %s (server version %d)\n", table, synced, state.ServerVersion)
	}
	fmt.Println()
	return nil
}
