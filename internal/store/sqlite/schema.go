package sqlite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/partokit/chartstore/internal/domain"
)

// Column maps one entity-specific field to a table column.
type Column[T any] struct {
	Name string
	// Type is the column definition after the name, e.g. "INTEGER NOT NULL DEFAULT 0".
	Type string
	// Value returns the value written to the column and fed to the content hash.
	Value func(T) any
	// Ptr returns the scan destination for the column.
	Ptr func(T) any
}

// Schema describes how one entity type is laid out in its table. It is the
// only per-entity code; the repository policy is shared.
type Schema[T domain.Entity] struct {
	Table   string
	Columns []Column[T]
	// New returns an empty entity to scan into.
	New func() T
}

// IntColumn maps an int field.
func IntColumn[T any](name string, field func(T) *int) Column[T] {
	return Column[T]{
		Name:  name,
		Type:  "INTEGER NOT NULL DEFAULT 0",
		Value: func(e T) any { return *field(e) },
		Ptr:   func(e T) any { return field(e) },
	}
}

// NullIntColumn maps an optional int field.
func NullIntColumn[T any](name string, field func(T) **int) Column[T] {
	return Column[T]{
		Name:  name,
		Type:  "INTEGER",
		Value: func(e T) any { return *field(e) },
		Ptr:   func(e T) any { return field(e) },
	}
}

// FloatColumn maps a float64 field.
func FloatColumn[T any](name string, field func(T) *float64) Column[T] {
	return Column[T]{
		Name:  name,
		Type:  "REAL NOT NULL DEFAULT 0",
		Value: func(e T) any { return *field(e) },
		Ptr:   func(e T) any { return field(e) },
	}
}

// TextColumn maps a string field.
func TextColumn[T any](name string, field func(T) *string) Column[T] {
	return Column[T]{
		Name:  name,
		Type:  "TEXT NOT NULL DEFAULT ''",
		Value: func(e T) any { return *field(e) },
		Ptr:   func(e T) any { return field(e) },
	}
}

// BoolColumn maps a bool field stored as 0/1.
func BoolColumn[T any](name string, field func(T) *bool) Column[T] {
	return Column[T]{
		Name:  name,
		Type:  "INTEGER NOT NULL DEFAULT 0 CHECK (" + name + " IN (0, 1))",
		Value: func(e T) any { return *field(e) },
		Ptr:   func(e T) any { return field(e) },
	}
}

// baseColumns is the ordered versioned shape present in every entity table.
// Must match the scan order in Repository.scan and the keys of Repository.row.
var baseColumns = []string{
	"id", "subject_id", "recorded_at", "recorded_by",
	"created_at", "updated_at", "deleted_at",
	"device_id", "origin_device_id", "sync_status",
	"local_version", "server_version", "deleted",
	"conflict_data", "content_hash",
}

const baseColumnDDL = `id               TEXT PRIMARY KEY,
    subject_id       TEXT,
    recorded_at      INTEGER NOT NULL,
    recorded_by      TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    deleted_at       INTEGER,
    device_id        TEXT NOT NULL,
    origin_device_id TEXT NOT NULL,
    sync_status      INTEGER NOT NULL DEFAULT 0 CHECK (sync_status IN (0, 1)),
    local_version    INTEGER NOT NULL CHECK (local_version >= 1),
    server_version   INTEGER NOT NULL DEFAULT 0 CHECK (server_version >= 0),
    deleted          INTEGER NOT NULL DEFAULT 0 CHECK (deleted IN (0, 1)),
    conflict_data    BLOB,
    content_hash     TEXT NOT NULL`

var identifier = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved names a descriptor may not reuse.
var reserved = func() map[string]bool {
	m := map[string]bool{"recorded_by_name": true}
	for _, c := range baseColumns {
		m[c] = true
	}
	return m
}()

func (s Schema[T]) validate() error {
	if !identifier.MatchString(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if s.Table == "staff" || s.Table == "sync_conflicts" || s.Table == "sync_cursors" {
		return fmt.Errorf("table name %q is reserved", s.Table)
	}
	if s.New == nil {
		return fmt.Errorf("schema %s has no constructor", s.Table)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		switch {
		case !identifier.MatchString(c.Name):
			return fmt.Errorf("invalid column name %q", c.Name)
		case reserved[c.Name]:
			return fmt.Errorf("column %q collides with a versioned column", c.Name)
		case seen[c.Name]:
			return fmt.Errorf("duplicate column %q", c.Name)
		case c.Value == nil || c.Ptr == nil:
			return fmt.Errorf("column %q has no field mapping", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// ddl returns the idempotent statements creating the table and its indexes.
func (s Schema[T]) ddl() []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n    %s", s.Table, baseColumnDDL)
	for _, c := range s.Columns {
		fmt.Fprintf(&b, ",\n    %s %s", c.Name, c.Type)
	}
	b.WriteString(",\n    CHECK (created_at <= updated_at),\n    CHECK (deleted = (deleted_at IS NOT NULL))\n)")

	return []string{
		b.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_subject ON %[1]s(subject_id, deleted, recorded_at DESC)", s.Table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_sync ON %[1]s(updated_at, sync_status)", s.Table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_server_version ON %[1]s(server_version)", s.Table),
	}
}

// selectColumns is the column list of every entity read, including the staff join.
func (s Schema[T]) selectColumns() []string {
	cols := make([]string, 0, len(baseColumns)+len(s.Columns)+1)
	for _, c := range baseColumns {
		cols = append(cols, "t."+c)
	}
	for _, c := range s.Columns {
		cols = append(cols, "t."+c.Name)
	}
	return append(cols, "COALESCE(s.name, '') AS recorded_by_name")
}
