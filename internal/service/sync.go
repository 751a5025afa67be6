package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/store/sqlite"
	"github.com/partokit/chartstore/internal/validation"
)

// DefaultSyncBatchSize is the push/pull page size when none is configured.
const DefaultSyncBatchSize = 200

// StateStore persists small sync bookkeeping values. Satisfied by the KV store.
type StateStore interface {
	Get(key string, dest any) error
	Set(key string, value any) error
}

// SyncState is the bookkeeping kept per table after a successful sync.
type SyncState struct {
	ServerVersion int64 `json:"server_version"`
	SyncedAt      int64 `json:"synced_at"`
}

// SyncStatePrefix prefixes every KV key holding a SyncState.
const SyncStatePrefix = "sync:last:"

// SyncStateKey returns the KV key holding the SyncState of table.
func SyncStateKey(table string) string {
	return SyncStatePrefix + table
}

// ApplyReport summarizes one ApplyRemote call.
type ApplyReport struct {
	Table     string  `json:"table"`
	Inserted  int     `json:"inserted"`
	Updated   int     `json:"updated"`
	Skipped   int     `json:"skipped"`
	Converged int     `json:"converged"`
	Conflicts []error `json:"-"`
}

// Err joins the conflict errors, nil when there were none.
func (r ApplyReport) Err() error {
	return errors.Join(r.Conflicts...)
}

// SyncReport summarizes one SyncOnce run.
type SyncReport struct {
	Pushed       int
	Acknowledged int
	Applied      []ApplyReport
}

// Conflicts returns every conflict of the run.
func (r SyncReport) Conflicts() []error {
	var out []error
	for _, a := range r.Applied {
		out = append(out, a.Conflicts...)
	}
	return out
}

// SyncOptions tunes a SyncService.
type SyncOptions struct {
	BatchSize int
	Policy    ConflictPolicy
	Clock     func() time.Time
}

// SyncService reconciles the local tables with the central store: it builds
// push batches from pending rows, applies acknowledgements and merges remote
// changes under the conflict policy.
type SyncService struct {
	tables    map[string]Table
	order     []string
	transport Transport
	state     StateStore
	validator *validation.Validator
	logger    *slog.Logger

	batchSize int
	policy    ConflictPolicy
	now       func() time.Time
}

// NewSyncService creates a sync service over the given tables.
func NewSyncService(transport Transport, state StateStore, logger *slog.Logger, opts SyncOptions, tables ...Table) *SyncService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultSyncBatchSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyKeepLocal
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &SyncService{
		tables:    make(map[string]Table, len(tables)),
		transport: transport,
		state:     state,
		validator: validation.New(),
		logger:    logger,
		batchSize: opts.BatchSize,
		policy:    opts.Policy,
		now:       opts.Clock,
	}
	for _, t := range tables {
		s.tables[t.Name()] = t
		s.order = append(s.order, t.Name())
	}
	return s
}

// Policy returns the conflict policy in effect.
func (s *SyncService) Policy() ConflictPolicy {
	return s.policy
}

func (s *SyncService) table(name string) (Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.Validationf("unknown table %q", name)
	}
	return t, nil
}

// BuildPushBatch returns up to limit pending records across all tables.
func (s *SyncService) BuildPushBatch(ctx context.Context, limit int) ([]PushItem, error) {
	if limit <= 0 {
		limit = s.batchSize
	}

	var batch []PushItem
	for _, name := range s.order {
		if len(batch) >= limit {
			break
		}
		items, _, err := s.tables[name].Pending(ctx, sqlite.PendingCursor{}, limit-len(batch))
		if err != nil {
			return nil, err
		}
		batch = append(batch, items...)
	}
	return batch, nil
}

// Acknowledge marks acknowledged versions synced. Every ack is attempted; the
// failures are returned joined.
func (s *SyncService) Acknowledge(ctx context.Context, acks []Ack) error {
	var errs []error
	for _, ack := range acks {
		if err := s.validator.Validate(ack); err != nil {
			errs = append(errs, err)
			continue
		}
		t, err := s.table(ack.Table)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.MarkSynced(ctx, ack.ID, ack.LocalVersion, ack.ServerVersion); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyRemote merges remote records of one table. Conflicts do not fail the
// call; they are reported in the ApplyReport as CodeConflict errors. Any
// other failure stops the batch.
func (s *SyncService) ApplyRemote(ctx context.Context, table string, records []RemoteRecord) (ApplyReport, error) {
	report := ApplyReport{Table: table}

	t, err := s.table(table)
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		if err := s.validator.Validate(rec); err != nil {
			return report, err
		}
		if rec.Table != table {
			return report, errors.Validationf("record %s belongs to %s, not %s", rec.ID, rec.Table, table)
		}

		applied, err := t.Apply(ctx, rec, s.policy)
		if err != nil {
			return report, err
		}

		switch applied.Outcome {
		case OutcomeInserted:
			report.Inserted++
		case OutcomeUpdated:
			report.Updated++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeConverged:
			report.Converged++
		case OutcomeConflict:
			c := applied.Conflict
			report.Conflicts = append(report.Conflicts,
				errors.Conflictf("%s %s diverged: local v%d on %s, remote sv%d on %s",
					table, rec.ID, c.LocalVersion, c.LocalDeviceID, c.RemoteServerVersion, c.RemoteDeviceID,
				).WithDetails(c))
			s.logger.WarnContext(ctx, "sync conflict",
				"table", table,
				"id", rec.ID,
				"local_version", c.LocalVersion,
				"remote_server_version", c.RemoteServerVersion,
				"resolution", c.Resolution,
			)
		}
	}
	return report, nil
}

// SyncOnce pushes every pending record, then pulls every table from its
// pull cursor until the central store has nothing newer.
func (s *SyncService) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	for _, name := range s.order {
		pushed, acked, err := s.pushTable(ctx, s.tables[name])
		report.Pushed += pushed
		report.Acknowledged += acked
		if err != nil {
			return report, err
		}
	}

	for _, name := range s.order {
		applied, err := s.pullTable(ctx, s.tables[name])
		report.Applied = append(report.Applied, applied)
		if err != nil {
			return report, err
		}
	}

	s.logger.InfoContext(ctx, "sync completed",
		"pushed", report.Pushed,
		"acknowledged", report.Acknowledged,
		"conflicts", len(report.Conflicts()),
	)
	return report, nil
}

// pushTable walks the pending rows of t page by page. The cursor only moves
// forward, so rows the central store does not acknowledge are offered once
// per run.
func (s *SyncService) pushTable(ctx context.Context, t Table) (pushed, acked int, err error) {
	var cursor sqlite.PendingCursor
	for {
		items, next, err := t.Pending(ctx, cursor, s.batchSize)
		if err != nil {
			return pushed, acked, err
		}
		if len(items) == 0 {
			return pushed, acked, nil
		}

		acks, err := s.transport.Push(ctx, items)
		if err != nil {
			return pushed, acked, errors.Wrapf(err, errors.CodeStorage, "push %s", t.Name())
		}
		pushed += len(items)

		if err := s.Acknowledge(ctx, acks); err != nil {
			return pushed, acked, err
		}
		acked += len(acks)
		cursor = next

		if len(items) < s.batchSize {
			return pushed, acked, nil
		}
	}
}

func (s *SyncService) pullTable(ctx context.Context, t Table) (ApplyReport, error) {
	report := ApplyReport{Table: t.Name()}

	// The cursor only follows pulled pages. Server versions assigned to our
	// own pushes may be ahead of records other devices pushed earlier.
	since, err := t.PullCursor(ctx)
	if err != nil {
		return report, err
	}

	for {
		page, err := s.transport.Pull(ctx, t.Name(), since, s.batchSize)
		if err != nil {
			return report, errors.Wrapf(err, errors.CodeStorage, "pull %s", t.Name())
		}

		applied, err := s.ApplyRemote(ctx, t.Name(), page.Records)
		report.Inserted += applied.Inserted
		report.Updated += applied.Updated
		report.Skipped += applied.Skipped
		report.Converged += applied.Converged
		report.Conflicts = append(report.Conflicts, applied.Conflicts...)
		if err != nil {
			return report, err
		}

		next := page.Next
		for _, rec := range page.Records {
			next = max(next, rec.ServerVersion)
		}
		if next > since {
			if err := t.AdvancePullCursor(ctx, next); err != nil {
				return report, err
			}
			since = next
		}
		if !page.More || len(page.Records) == 0 {
			break
		}
	}

	state := SyncState{ServerVersion: since, SyncedAt: s.now().UnixMilli()}
	if err := s.state.Set(SyncStateKey(t.Name()), state); err != nil {
		// Bookkeeping only; the pull cursor lives in the chart database.
		s.logger.WarnContext(ctx, "saving sync state failed", "table", t.Name(), "error", err)
	}
	return report, nil
}

// LastSync returns the bookkeeping of the last successful pull of table.
// The bool is false if the table was never synced.
func (s *SyncService) LastSync(table string) (SyncState, bool, error) {
	var state SyncState
	err := s.state.Get(SyncStateKey(table), &state)
	if errors.Is(err, errors.ErrNotFound) {
		return state, false, nil
	}
	if err != nil {
		return state, false, err
	}
	return state, true, nil
}
