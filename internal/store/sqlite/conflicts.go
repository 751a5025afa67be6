package sqlite

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/id"
)

var conflictColumns = []string{
	"id", "table_name", "record_id",
	"local_version", "local_hash", "local_device_id",
	"remote_server_version", "remote_hash", "remote_device_id",
	"resolution", "snapshot", "detected_at", "resolved_at",
}

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	Table    string // empty means every table
	RecordID string
	OpenOnly bool
}

// insertConflict appends a conflict log row inside tx.
func (s *Store) insertConflict(ctx context.Context, tx querier, c *domain.Conflict) error {
	if c.ID == "" {
		cid, err := id.NewOrdered()
		if err != nil {
			return errors.Wrap(err, errors.CodeInternal, "generate conflict id")
		}
		c.ID = cid
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = s.nowMillis()
	}

	stmt := s.builder.Insert("sync_conflicts").
		Columns(conflictColumns...).
		Values(
			c.ID, c.TableName, c.RecordID,
			c.LocalVersion, c.LocalHash, c.LocalDeviceID,
			c.RemoteServerVersion, c.RemoteHash, c.RemoteDeviceID,
			string(c.Resolution), c.Snapshot, c.DetectedAt, c.ResolvedAt,
		)
	if _, err := exec(ctx, tx, stmt); err != nil {
		return errors.Storagef(err, "record conflict on %s %s", c.TableName, c.RecordID)
	}
	return nil
}

// resolveConflicts closes every open conflict row for a record.
func (s *Store) resolveConflicts(ctx context.Context, tx querier, table, recordID string, at int64) error {
	stmt := s.builder.Update("sync_conflicts").
		Set("resolved_at", at).
		Where(squirrel.Eq{"table_name": table, "record_id": recordID, "resolved_at": nil})
	if _, err := exec(ctx, tx, stmt); err != nil {
		return errors.Storagef(err, "resolve conflicts on %s %s", table, recordID)
	}
	return nil
}

// ListConflicts returns conflict log rows, oldest first.
func (s *Store) ListConflicts(ctx context.Context, filter ConflictFilter) ([]domain.Conflict, error) {
	q := s.builder.Select(conflictColumns...).
		From("sync_conflicts").
		OrderBy("detected_at", "id")

	if filter.Table != "" {
		q = q.Where(squirrel.Eq{"table_name": filter.Table})
	}
	if filter.RecordID != "" {
		q = q.Where(squirrel.Eq{"record_id": filter.RecordID})
	}
	if filter.OpenOnly {
		q = q.Where(squirrel.Eq{"resolved_at": nil})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	conflicts := []domain.Conflict{}
	if err := sqlscan.Select(ctx, s.db, &conflicts, query, args...); err != nil {
		return nil, errors.Storagef(err, "list conflicts")
	}
	return conflicts, nil
}
