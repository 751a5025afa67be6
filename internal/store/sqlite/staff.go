package sqlite

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
)

var staffColumns = []string{"id", "name", "role", "updated_at"}

// UpsertStaff inserts or replaces a staff reference row.
func (s *Store) UpsertStaff(ctx context.Context, staff *domain.Staff) error {
	if staff.ID == "" {
		return errors.Validation("staff id is required")
	}
	if staff.UpdatedAt == 0 {
		staff.UpdatedAt = s.nowMillis()
	}

	stmt := s.builder.Insert("staff").
		Columns(staffColumns...).
		Values(staff.ID, staff.Name, staff.Role, staff.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role, updated_at = excluded.updated_at")

	if _, err := exec(ctx, s.db, stmt); err != nil {
		return errors.Storagef(err, "upsert staff %s", staff.ID)
	}
	return nil
}

// GetStaff retrieves a staff member by id.
func (s *Store) GetStaff(ctx context.Context, id string) (*domain.Staff, error) {
	query, args, err := s.builder.Select(staffColumns...).
		From("staff").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	var staff domain.Staff
	if err := sqlscan.Get(ctx, s.db, &staff, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, errors.NotFoundf("staff %s", id)
		}
		return nil, errors.Storagef(err, "get staff %s", id)
	}
	return &staff, nil
}

// ListStaff returns all staff ordered by name.
func (s *Store) ListStaff(ctx context.Context) ([]domain.Staff, error) {
	query, args, err := s.builder.Select(staffColumns...).
		From("staff").
		OrderBy("name", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build query")
	}

	staff := []domain.Staff{}
	if err := sqlscan.Select(ctx, s.db, &staff, query, args...); err != nil {
		return nil, errors.Storagef(err, "list staff")
	}
	return staff, nil
}
