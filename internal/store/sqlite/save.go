package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/id"
)

// Save creates e when its ID is empty and updates the stored record otherwise,
// returning the record id.
//
// All sync and audit metadata is stamped here. On update createdAt, the
// origin device, version counters, deletion state and any conflict snapshot
// come from the stored row, not from e. The content hash is computed last,
// over the final values. If Save fails, e's metadata is restored and the
// stored record is unchanged.
func (r *Repository[T]) Save(ctx context.Context, sess domain.Session, e T) (string, error) {
	if err := r.store.validator.Validate(sess); err != nil {
		return "", err
	}
	if err := r.InitializeSchema(ctx); err != nil {
		return "", err
	}

	m := e.Meta()
	snapshot := *m

	var err error
	if m.ID == "" {
		err = r.create(ctx, sess, e)
	} else {
		err = r.update(ctx, sess, e, false)
	}
	if err != nil {
		*m = snapshot
		return "", err
	}
	return m.ID, nil
}

// ResolveConflict saves the caller's chosen content for a conflicted record,
// clears its conflict snapshot and closes the open conflict log rows.
func (r *Repository[T]) ResolveConflict(ctx context.Context, sess domain.Session, e T) (string, error) {
	if err := r.store.validator.Validate(sess); err != nil {
		return "", err
	}
	if err := r.InitializeSchema(ctx); err != nil {
		return "", err
	}

	m := e.Meta()
	if m.ID == "" {
		return "", errors.Validation("resolving a conflict requires a record id")
	}

	snapshot := *m
	if err := r.update(ctx, sess, e, true); err != nil {
		*m = snapshot
		return "", err
	}
	return m.ID, nil
}

// SoftDelete marks a record deleted. It stays retrievable by id and is
// pushed like any other change. Deleting a deleted record is a no-op.
func (r *Repository[T]) SoftDelete(ctx context.Context, sess domain.Session, id string) error {
	if err := r.store.validator.Validate(sess); err != nil {
		return err
	}
	if err := r.InitializeSchema(ctx); err != nil {
		return err
	}

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		e, found, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return errors.NotFoundf("%s %s", r.schema.Table, id)
		}

		m := e.Meta()
		if m.IsDeleted() {
			return nil
		}

		now := r.nextUpdatedAt(m.UpdatedAt)
		m.DeletedAt = &now
		m.UpdatedAt = now
		m.DeviceID = sess.DeviceID
		m.LocalVersion++
		m.SyncStatus = domain.SyncPending

		if err := r.write(ctx, tx, e, false); err != nil {
			return err
		}
		r.logger.Debug("record soft-deleted", "id", id, "local_version", m.LocalVersion)
		return nil
	})
}

func (r *Repository[T]) create(ctx context.Context, sess domain.Session, e T) error {
	m := e.Meta()
	now := r.store.nowMillis()

	m.ID = id.New()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.DeletedAt = nil
	m.DeviceID = sess.DeviceID
	m.OriginDeviceID = sess.DeviceID
	m.SyncStatus = domain.SyncPending
	m.LocalVersion = 1
	m.ServerVersion = 0
	m.ConflictData = nil
	if m.RecordedBy == "" {
		m.RecordedBy = sess.StaffID
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.UnixMilli(now).UTC()
	}

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		return r.write(ctx, tx, e, true)
	})
}

func (r *Repository[T]) update(ctx context.Context, sess domain.Session, e T, resolve bool) error {
	m := e.Meta()

	return r.store.withTx(ctx, func(tx *sql.Tx) error {
		prev, found, err := r.get(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if !found {
			return errors.NotFoundf("%s %s", r.schema.Table, m.ID)
		}
		pm := prev.Meta()

		m.CreatedAt = pm.CreatedAt
		m.UpdatedAt = r.nextUpdatedAt(pm.UpdatedAt)
		m.DeletedAt = pm.DeletedAt
		m.DeviceID = sess.DeviceID
		m.OriginDeviceID = pm.OriginDeviceID
		m.SyncStatus = domain.SyncPending
		m.LocalVersion = pm.LocalVersion + 1
		m.ServerVersion = pm.ServerVersion
		m.ConflictData = pm.ConflictData
		if m.RecordedBy == "" {
			m.RecordedBy = pm.RecordedBy
		}
		if m.RecordedAt.IsZero() {
			m.RecordedAt = pm.RecordedAt
		}

		if resolve {
			m.ConflictData = nil
			if err := r.store.resolveConflicts(ctx, tx, r.schema.Table, m.ID, m.UpdatedAt); err != nil {
				return err
			}
		}

		return r.write(ctx, tx, e, false)
	})
}

// nextUpdatedAt returns the store clock, forced past prev so updatedAt
// advances on every write even when the clock does not.
func (r *Repository[T]) nextUpdatedAt(prev int64) int64 {
	return max(r.store.nowMillis(), prev+1)
}

// write derives the deletion flag, normalizes the clinical time to stored
// precision, computes the content hash and persists e. It is the only path
// that writes entity rows.
func (r *Repository[T]) write(ctx context.Context, tx querier, e T, insert bool) error {
	m := e.Meta()
	m.Deleted = m.DeletedAt != nil
	m.RecordedAt = time.UnixMilli(m.RecordedAt.UnixMilli()).UTC()

	hash, err := r.ContentHash(e)
	if err != nil {
		return errors.Wrapf(err, errors.CodeValidation, "hash %s %s", r.schema.Table, m.ID)
	}
	m.ContentHash = hash

	row := r.row(e)

	var stmt squirrel.Sqlizer
	if insert {
		stmt = r.store.builder.Insert(r.schema.Table).SetMap(row)
	} else {
		delete(row, "id")
		stmt = r.store.builder.Update(r.schema.Table).
			SetMap(row).
			Where(squirrel.Eq{"id": m.ID})
	}

	res, err := exec(ctx, tx, stmt)
	if err != nil {
		return errors.Storagef(err, "write %s %s", r.schema.Table, m.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NotFoundf("%s %s", r.schema.Table, m.ID)
	}
	return nil
}
