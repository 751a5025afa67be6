package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/partokit/chartstore/internal/contenthash"
	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
)

// Repository is the versioned store of one entity type. Every entity type
// shares this implementation; only the Schema differs.
type Repository[T domain.Entity] struct {
	store  *Store
	schema Schema[T]
	logger *slog.Logger

	initMu sync.Mutex
	ready  atomic.Bool
}

// NewRepository binds schema to the store. The table is created lazily by the
// first operation.
func NewRepository[T domain.Entity](s *Store, schema Schema[T]) *Repository[T] {
	return &Repository[T]{
		store:  s,
		schema: schema,
		logger: s.logger.With("table", schema.Table),
	}
}

// Table returns the table name.
func (r *Repository[T]) Table() string {
	return r.schema.Table
}

// New returns an empty entity of the repository's type.
func (r *Repository[T]) New() T {
	return r.schema.New()
}

// InitializeSchema creates the table and its indexes if they do not exist.
// It is called at the top of every operation and is a no-op once it has
// succeeded.
func (r *Repository[T]) InitializeSchema(ctx context.Context) error {
	if r.ready.Load() {
		return nil
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.ready.Load() {
		return nil
	}

	if err := r.schema.validate(); err != nil {
		return errors.Schema(err, r.schema.Table)
	}
	for _, stmt := range r.schema.ddl() {
		if _, err := r.store.db.ExecContext(ctx, stmt); err != nil {
			return errors.Schema(err, r.schema.Table)
		}
	}

	r.ready.Store(true)
	r.logger.Debug("schema initialized")
	return nil
}

// DropTable removes the table. Test and reset utility.
func (r *Repository[T]) DropTable(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if _, err := r.store.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+r.schema.Table); err != nil {
		return errors.Storagef(err, "drop table %s", r.schema.Table)
	}
	r.ready.Store(false)
	return nil
}

// ListBySubject returns the live records of a subject, most recent first.
func (r *Repository[T]) ListBySubject(ctx context.Context, subjectID string) ([]T, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return nil, err
	}

	q := r.selectLive().Where(squirrel.Eq{"t.subject_id": subjectID})
	return r.query(ctx, r.store.db, q)
}

// GetLatestBySubject returns the most recent live record of a subject.
// Returns the zero value and false if the subject has none.
func (r *Repository[T]) GetLatestBySubject(ctx context.Context, subjectID string) (T, bool, error) {
	var zero T
	if err := r.InitializeSchema(ctx); err != nil {
		return zero, false, err
	}

	q := r.selectLive().Where(squirrel.Eq{"t.subject_id": subjectID}).Limit(1)
	rows, err := r.query(ctx, r.store.db, q)
	if err != nil || len(rows) == 0 {
		return zero, false, err
	}
	return rows[0], true, nil
}

// GetByID looks a record up by id, including soft-deleted ones.
// Returns the zero value and false if no such record exists.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		var zero T
		return zero, false, err
	}
	return r.get(ctx, r.store.db, id)
}

// ListConflicted returns every record holding an unresolved conflict snapshot.
func (r *Repository[T]) ListConflicted(ctx context.Context) ([]T, error) {
	if err := r.InitializeSchema(ctx); err != nil {
		return nil, err
	}

	q := r.selectAll().
		Where(squirrel.NotEq{"t.conflict_data": nil}).
		OrderBy("t.updated_at", "t.id")
	return r.query(ctx, r.store.db, q)
}

// ContentHash computes the digest of e's semantic fields: the subject, the
// clinical time and author, and every entity column.
func (r *Repository[T]) ContentHash(e T) (string, error) {
	m := e.Meta()
	fields := contenthash.Fields{
		"subject_id":  m.SubjectID,
		"recorded_at": m.RecordedAt,
		"recorded_by": m.RecordedBy,
	}
	for _, c := range r.schema.Columns {
		fields[c.Name] = c.Value(e)
	}
	return contenthash.Sum(fields)
}

func (r *Repository[T]) selectAll() squirrel.SelectBuilder {
	return r.store.builder.
		Select(r.schema.selectColumns()...).
		From(r.schema.Table + " t").
		LeftJoin("staff s ON s.id = t.recorded_by")
}

// selectLive selects non-deleted rows in listing order. Rows without a
// subject never match a subject filter.
func (r *Repository[T]) selectLive() squirrel.SelectBuilder {
	return r.selectAll().
		Where(squirrel.Eq{"t.deleted": 0}).
		OrderBy("t.recorded_at DESC", "t.created_at DESC", "t.id")
}

func (r *Repository[T]) get(ctx context.Context, q querier, id string) (T, bool, error) {
	var zero T
	rows, err := r.query(ctx, q, r.selectAll().Where(squirrel.Eq{"t.id": id}))
	if err != nil || len(rows) == 0 {
		return zero, false, err
	}
	return rows[0], true, nil
}

func (r *Repository[T]) query(ctx context.Context, q querier, stmt squirrel.SelectBuilder) ([]T, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storagef(err, "query %s", r.schema.Table)
	}
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, errors.Storagef(err, "scan %s", r.schema.Table)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storagef(err, "iterate %s", r.schema.Table)
	}
	return result, nil
}

// scan reads one row produced by selectAll.
func (r *Repository[T]) scan(scanner interface{ Scan(dest ...any) error }) (T, error) {
	e := r.schema.New()
	m := e.Meta()

	var (
		subjectID  sql.NullString
		recordedAt int64
		deletedAt  sql.NullInt64
		status     int
		conflict   []byte
	)

	dest := make([]any, 0, len(baseColumns)+len(r.schema.Columns)+1)
	dest = append(dest,
		&m.ID,
		&subjectID,
		&recordedAt,
		&m.RecordedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
		&deletedAt,
		&m.DeviceID,
		&m.OriginDeviceID,
		&status,
		&m.LocalVersion,
		&m.ServerVersion,
		&m.Deleted,
		&conflict,
		&m.ContentHash,
	)
	for _, c := range r.schema.Columns {
		dest = append(dest, c.Ptr(e))
	}
	dest = append(dest, &m.RecordedByName)

	if err := scanner.Scan(dest...); err != nil {
		var zero T
		return zero, err
	}

	if subjectID.Valid {
		m.SubjectID = &subjectID.String
	}
	m.RecordedAt = time.UnixMilli(recordedAt).UTC()
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Int64
	}
	m.SyncStatus = domain.SyncStatus(status)
	if len(conflict) > 0 {
		m.ConflictData = conflict
	}
	return e, nil
}

// row returns the column values written for e, keyed by column name.
func (r *Repository[T]) row(e T) map[string]any {
	m := e.Meta()
	row := map[string]any{
		"id":               m.ID,
		"subject_id":       m.SubjectID,
		"recorded_at":      m.RecordedAt.UnixMilli(),
		"recorded_by":      m.RecordedBy,
		"created_at":       m.CreatedAt,
		"updated_at":       m.UpdatedAt,
		"deleted_at":       m.DeletedAt,
		"device_id":        m.DeviceID,
		"origin_device_id": m.OriginDeviceID,
		"sync_status":      int(m.SyncStatus),
		"local_version":    m.LocalVersion,
		"server_version":   m.ServerVersion,
		"deleted":          m.Deleted,
		"conflict_data":    nullBytes(m.ConflictData),
		"content_hash":     m.ContentHash,
	}
	for _, c := range r.schema.Columns {
		row[c.Name] = c.Value(e)
	}
	return row
}
