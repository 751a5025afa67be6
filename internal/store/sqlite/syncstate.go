package sqlite

import (
	"context"
	"database/sql"

	"github.com/Masterminds/squirrel"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
)

// PendingCursor is the keyset position of a ListPending page.
type PendingCursor struct {
	UpdatedAt int64  `json:"updated_at"`
	ID        string `json:"id"`
}

// CursorAfter returns the cursor positioned after e.
func CursorAfter(e domain.Entity) PendingCursor {
	m := e.Meta()
	return PendingCursor{UpdatedAt: m.UpdatedAt, ID: m.ID}
}

// ListPending returns up to limit records awaiting push, ordered by
// (updated_at, id) and starting after the cursor. Soft-deleted records are
// included so deletions propagate.
func (r *Repository[T]) ListPending(ctx context.Context, after PendingCursor, limit int) ([]T, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	q := r.selectAll().
		Where(squirrel.Eq{"t.sync_status": int(domain.SyncPending)}).
		Where(squirrel.Or{
			squirrel.Gt{"t.updated_at": after.UpdatedAt},
			squirrel.And{
				squirrel.Eq{"t.updated_at": after.UpdatedAt},
				squirrel.Gt{"t.id": after.ID},
			},
		}).
		OrderBy("t.updated_at", "t.id").
		Limit(uint64(limit))

	return r.query(ctx, r.store.db, q)
}

// MarkSynced records that the remote store accepted localVersion of a record
// as serverVersion. The record flips to Synced only if it was not edited
// again after the push; otherwise it stays Pending and is pushed on top of
// the new server version.
func (r *Repository[T]) MarkSynced(ctx context.Context, id string, localVersion, serverVersion int64) error {
	if err := r.InitializeSchema(ctx); err != nil {
		return err
	}
	if serverVersion < 0 {
		return errors.Validationf("server version %d is negative", serverVersion)
	}

	stmt := r.store.builder.Update(r.schema.Table).
		Set("server_version", squirrel.Expr("MAX(server_version, ?)", serverVersion)).
		Set("sync_status", squirrel.Expr("CASE WHEN local_version = ? THEN ? ELSE sync_status END", localVersion, int(domain.SyncSynced))).
		Where(squirrel.Eq{"id": id})

	res, err := exec(ctx, r.store.db, stmt)
	if err != nil {
		return errors.Storagef(err, "mark synced %s %s", r.schema.Table, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NotFoundf("%s %s", r.schema.Table, id)
	}
	return nil
}

// MaxServerVersion returns the highest server version stored locally. Zero
// when nothing was ever synced. Acknowledged pushes raise it, so it is not a
// pull position; see PullCursor.
func (r *Repository[T]) MaxServerVersion(ctx context.Context) (int64, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return 0, err
	}

	query, args, err := r.store.builder.
		Select("COALESCE(MAX(server_version), 0)").
		From(r.schema.Table).
		ToSql()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	var v int64
	if err := r.store.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, errors.Storagef(err, "max server version %s", r.schema.Table)
	}
	return v, nil
}

// CountByStatus returns the number of rows per sync status, including deleted rows.
func (r *Repository[T]) CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return nil, err
	}

	query, args, err := r.store.builder.
		Select("sync_status", "COUNT(*)").
		From(r.schema.Table).
		GroupBy("sync_status").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storagef(err, "count %s", r.schema.Table)
	}
	defer rows.Close()

	counts := map[domain.SyncStatus]int{domain.SyncPending: 0, domain.SyncSynced: 0}
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Storagef(err, "scan count %s", r.schema.Table)
		}
		counts[domain.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterate count %s", r.schema.Table)
	}
	return counts, nil
}

// MergeResult is what a merge decision wants written.
type MergeResult[T domain.Entity] struct {
	// Apply writes Write. Without it nothing changes.
	Apply bool
	// Write is stored with its metadata as given; only the deletion flag,
	// the content hash and the recorded time precision are derived.
	Write T
	// Conflict, when set, is appended to the conflict log in the same transaction.
	Conflict *domain.Conflict
}

// MergeFunc decides how a remote version combines with the local record.
// found is false when the record does not exist locally.
type MergeFunc[T domain.Entity] func(local T, found bool) (MergeResult[T], error)

// Merge runs a read-decide-write cycle for one record inside a single write
// transaction, so no local save can interleave between the read and the write.
// It is the entry point of the reconciler.
func (r *Repository[T]) Merge(ctx context.Context, id string, decide MergeFunc[T]) (MergeResult[T], error) {
	var res MergeResult[T]
	if err := r.InitializeSchema(ctx); err != nil {
		return res, err
	}

	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		local, found, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		var prevVersion int64
		if found {
			prevVersion = local.Meta().LocalVersion
		}

		res, err = decide(local, found)
		if err != nil {
			return err
		}
		if !res.Apply {
			return nil
		}

		w := res.Write.Meta()
		if w.ID != id {
			return errors.Internalf("merge of %s wrote record %s", id, w.ID)
		}
		if w.LocalVersion < 1 {
			w.LocalVersion = 1
		}
		if w.LocalVersion < prevVersion {
			return errors.Internalf("merge of %s would lower local version %d to %d", id, prevVersion, w.LocalVersion)
		}
		if err := r.write(ctx, tx, res.Write, !found); err != nil {
			return err
		}

		if res.Conflict != nil {
			res.Conflict.TableName = r.schema.Table
			res.Conflict.RecordID = id
			if err := r.store.insertConflict(ctx, tx, res.Conflict); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return MergeResult[T]{}, err
	}
	return res, nil
}

// Now returns the store clock in epoch milliseconds.
func (r *Repository[T]) Now() int64 {
	return r.store.nowMillis()
}
