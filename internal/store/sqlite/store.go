package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/validation"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	// MinChunkSize and MaxChunkSize bound the number of subject ids bound into
	// a single batch query.
	MinChunkSize     = 100
	MaxChunkSize     = 500
	DefaultChunkSize = 250

	defaultBusyTimeout = 5 * time.Second
)

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	BusyTimeout    time.Duration
	QueryChunkSize int
	// Clock is used for every audit timestamp. Tests pin it.
	Clock func() time.Time
}

// Store owns the SQLite handle shared by every entity repository.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	builder   squirrel.StatementBuilderType
	validator *validation.Validator
	now       func() time.Time
	chunkSize int
}

// Open creates (or opens) the chart database at path.
// Every write transaction begins IMMEDIATE so writers queue on the database
// lock up front instead of failing on upgrade.
func Open(path string, logger *slog.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, errors.Storagef(err, "open sqlite")
	}

	// SQLite serializes writers; a handful of connections is enough for
	// concurrent readers under WAL.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Schema(err, "staff, sync_conflicts, sync_cursors")
	}

	logger.Debug("chart store opened", "path", path, "busy_timeout", opts.BusyTimeout)

	return &Store{
		db:        db,
		logger:    logger,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		validator: validation.New(),
		now:       opts.Clock,
		chunkSize: clampChunkSize(opts.QueryChunkSize, DefaultChunkSize),
	}, nil
}

func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tooling such as dbinspect.
func (s *Store) DB() *sql.DB {
	return s.db
}

// nowMillis returns the store clock in epoch milliseconds.
func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storagef(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Storagef(err, "commit transaction")
	}
	return nil
}

// exec builds and runs a statement.
func exec(ctx context.Context, q querier, stmt squirrel.Sqlizer) (sql.Result, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build statement")
	}
	return q.ExecContext(ctx, query, args...)
}

// clampChunkSize maps a requested chunk size into [MinChunkSize, MaxChunkSize].
// Zero or negative selects def.
func clampChunkSize(n, def int) int {
	if n <= 0 {
		n = def
	}
	return min(max(n, MinChunkSize), MaxChunkSize)
}

// nullBytes stores empty blobs as NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
