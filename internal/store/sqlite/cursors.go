package sqlite

import (
	"context"
	"database/sql"

	"github.com/Masterminds/squirrel"

	"github.com/partokit/chartstore/internal/errors"
)

// PullCursor returns the server version up to which table has been pulled.
// Zero when it was never pulled.
func (s *Store) PullCursor(ctx context.Context, table string) (int64, error) {
	query, args, err := s.builder.Select("server_version").
		From("sync_cursors").
		Where(squirrel.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	var v int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Storagef(err, "read pull cursor %s", table)
	}
	return v, nil
}

// AdvancePullCursor moves the pull cursor of table to serverVersion. A lower
// value than the stored one is ignored.
func (s *Store) AdvancePullCursor(ctx context.Context, table string, serverVersion int64) error {
	if serverVersion < 0 {
		return errors.Validationf("server version %d is negative", serverVersion)
	}

	stmt := s.builder.Insert("sync_cursors").
		Columns("table_name", "server_version", "updated_at").
		Values(table, serverVersion, s.nowMillis()).
		Suffix("ON CONFLICT(table_name) DO UPDATE SET " +
			"server_version = MAX(server_version, excluded.server_version), " +
			"updated_at = excluded.updated_at")

	if _, err := exec(ctx, s.db, stmt); err != nil {
		return errors.Storagef(err, "advance pull cursor %s", table)
	}
	return nil
}

// PullCursor returns the pull position of the repository's table.
func (r *Repository[T]) PullCursor(ctx context.Context) (int64, error) {
	return r.store.PullCursor(ctx, r.schema.Table)
}

// AdvancePullCursor moves the pull position of the repository's table forward.
func (r *Repository[T]) AdvancePullCursor(ctx context.Context, serverVersion int64) error {
	return r.store.AdvancePullCursor(ctx, r.schema.Table, serverVersion)
}
