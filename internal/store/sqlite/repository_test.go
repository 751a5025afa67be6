package sqlite

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/id"
)

func newBPRepo(t *testing.T) (*Store, *Repository[*domain.BloodPressure]) {
	t.Helper()
	s := newTestStore(t)
	return s, NewRepository(s, BloodPressureSchema)
}

func newReading(subject string, systolic int, at time.Time) *domain.BloodPressure {
	bp := &domain.BloodPressure{Systolic: systolic, Diastolic: 80}
	bp.ForSubject(subject)
	bp.RecordedAt = at
	return bp
}

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func TestInitializeSchema_Idempotent(t *testing.T) {
	s, repo := newBPRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InitializeSchema(ctx))
	require.NoError(t, repo.InitializeSchema(ctx))

	// A second repository over the same table races harmlessly.
	other := NewRepository(s, BloodPressureSchema)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- other.InitializeSchema(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var indexes int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name=? AND name LIKE 'idx_%'",
		TableBloodPressure).Scan(&indexes))
	assert.Equal(t, 3, indexes)
}

func TestInitializeSchema_AllClinicalTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, NewRepository(s, BloodPressureSchema).InitializeSchema(ctx))
	require.NoError(t, NewRepository(s, BishopScoreSchema).InitializeSchema(ctx))
	require.NoError(t, NewRepository(s, OxytocinInfusionSchema).InitializeSchema(ctx))
	require.NoError(t, NewRepository(s, FetalHeartRateSchema).InitializeSchema(ctx))
	require.NoError(t, NewRepository(s, CervicalDilationSchema).InitializeSchema(ctx))
	require.NoError(t, NewRepository(s, ContractionSchema).InitializeSchema(ctx))
}

func TestInitializeSchema_InvalidDescriptor(t *testing.T) {
	s := newTestStore(t)

	bad := BloodPressureSchema
	bad.Table = "blood pressure; DROP TABLE staff"
	err := NewRepository(s, bad).InitializeSchema(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchema)

	dup := BloodPressureSchema
	dup.Table = "bp_dup"
	dup.Columns = append(slices.Clone(dup.Columns), IntColumn("deleted", func(e *domain.BloodPressure) *int { return &e.Systolic }))
	_, err = NewRepository(s, dup).Save(context.Background(), sessD1, &domain.BloodPressure{})
	assert.ErrorIs(t, err, errors.ErrSchema)
}

func TestSave_Create(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	subject := id.New()
	bp := newReading(subject, 118, t0)
	bp.LocalVersion = 7
	bp.ServerVersion = 3
	bp.SyncStatus = domain.SyncSynced
	bp.OriginDeviceID = "forged"

	newID, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)
	assert.True(t, id.Valid(newID))
	assert.Equal(t, newID, bp.ID)

	got, found, err := repo.GetByID(ctx, newID)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, int64(1), got.LocalVersion)
	assert.Equal(t, int64(0), got.ServerVersion)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.Equal(t, got.DeviceID, got.OriginDeviceID)
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	assert.False(t, got.Deleted)
	assert.Nil(t, got.DeletedAt)
	assert.Equal(t, "staff-1", got.RecordedBy, "recorded by defaults to the session staff")
	assert.True(t, t0.Equal(got.RecordedAt))
	assert.Equal(t, subject, got.Subject())
	assert.Equal(t, 118, got.Systolic)

	hash, err := repo.ContentHash(got)
	require.NoError(t, err)
	assert.Equal(t, hash, got.ContentHash)
	assert.Equal(t, bp.ContentHash, got.ContentHash)
}

func TestSave_CreateOptionalColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := NewRepository(s, CervicalDilationSchema)

	fifths := 3
	withDescent := &domain.CervicalDilation{DilationCm: 6.5, DescentFifths: &fifths}
	withDescent.ForSubject(id.New())
	withoutDescent := &domain.CervicalDilation{DilationCm: 4}
	withoutDescent.ForSubject(withDescent.Subject())

	id1, err := repo.Save(ctx, sessD1, withDescent)
	require.NoError(t, err)
	id2, err := repo.Save(ctx, sessD1, withoutDescent)
	require.NoError(t, err)

	got1, _, err := repo.GetByID(ctx, id1)
	require.NoError(t, err)
	require.NotNil(t, got1.DescentFifths)
	assert.Equal(t, 3, *got1.DescentFifths)
	assert.InDelta(t, 6.5, got1.DilationCm, 1e-9)

	got2, _, err := repo.GetByID(ctx, id2)
	require.NoError(t, err)
	assert.Nil(t, got2.DescentFifths)
	assert.NotEqual(t, got1.ContentHash, got2.ContentHash)
}

func TestSave_Update(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 118, t0)
	recordID, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)
	created := *bp.Meta()

	require.NoError(t, repo.MarkSynced(ctx, recordID, 1, 10))
	synced, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, synced.SyncStatus)

	synced.Systolic = 135
	// Forged metadata must be ignored.
	synced.LocalVersion = 99
	synced.OriginDeviceID = "forged"
	synced.CreatedAt = 1
	synced.ServerVersion = 0

	gotID, err := repo.Save(ctx, sessD2, synced)
	require.NoError(t, err)
	assert.Equal(t, recordID, gotID, "update keeps the id")

	got, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LocalVersion)
	assert.Equal(t, int64(10), got.ServerVersion)
	assert.Equal(t, domain.SyncPending, got.SyncStatus, "update resets to pending")
	assert.Equal(t, "device-1", got.OriginDeviceID)
	assert.Equal(t, "device-2", got.DeviceID)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
	assert.Greater(t, got.UpdatedAt, created.UpdatedAt)
	assert.Equal(t, 135, got.Systolic)
	assert.NotEqual(t, created.ContentHash, got.ContentHash)
}

func TestSave_HashIgnoresAuditFields(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 118, t0)
	_, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)
	before := bp.ContentHash
	beforeUpdated := bp.UpdatedAt

	// Same semantic content, different device and timestamps.
	_, err = repo.Save(ctx, sessD2, bp)
	require.NoError(t, err)
	assert.Equal(t, before, bp.ContentHash)
	assert.Greater(t, bp.UpdatedAt, beforeUpdated)
	assert.Equal(t, int64(2), bp.LocalVersion)
}

func TestSave_SequentialSavesKeepID(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()
	subject := id.New()

	a := newReading(subject, 110, t0)
	b := newReading(subject, 111, t0.Add(time.Minute))

	idA, err := repo.Save(ctx, sessD1, a)
	require.NoError(t, err)
	idB, err := repo.Save(ctx, sessD1, b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	a.Systolic = 112
	idA2, err := repo.Save(ctx, sessD1, a)
	require.NoError(t, err)
	assert.Equal(t, idA, idA2)
}

func TestSave_UnknownIDFails(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 118, t0)
	bp.ID = id.New()
	bp.LocalVersion = 4

	_, err := repo.Save(ctx, sessD1, bp)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, int64(4), bp.LocalVersion, "metadata restored")
	assert.Empty(t, bp.ContentHash)
}

func TestSave_InvalidSession(t *testing.T) {
	_, repo := newBPRepo(t)

	_, err := repo.Save(context.Background(), domain.Session{}, newReading(id.New(), 1, t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestSave_FailureLeavesPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := NewRepository(s, OxytocinInfusionSchema)

	inf := &domain.OxytocinInfusion{DoseMilliUnitsPerMin: 2, RateMlPerHour: 12, Running: true}
	inf.ForSubject(id.New())
	recordID, err := repo.Save(ctx, sessD1, inf)
	require.NoError(t, err)
	stored := *inf

	// NaN cannot be hashed: the update must fail as a whole.
	inf.DoseMilliUnitsPerMin = math.NaN()
	_, err = repo.Save(ctx, sessD2, inf)
	require.Error(t, err)
	assert.Equal(t, stored.Versioned, inf.Versioned, "caller metadata restored")

	got, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LocalVersion)
	assert.InDelta(t, 2.0, got.DoseMilliUnitsPerMin, 1e-9)
	assert.Equal(t, stored.ContentHash, got.ContentHash)
	assert.True(t, got.Running)
}

func TestSave_ConcurrentUpdatesSerialize(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 100, t0)
	recordID, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := newReading(bp.Subject(), 100+i, t0)
			e.ID = recordID
			_, err := repo.Save(ctx, sessD2, e)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers), got.LocalVersion)
}

func TestListBySubject(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()
	subject := id.New()

	older := newReading(subject, 110, t0)
	newer := newReading(subject, 120, t0.Add(30*time.Minute))
	deleted := newReading(subject, 130, t0.Add(time.Hour))
	elsewhere := newReading(id.New(), 140, t0)
	orphan := &domain.BloodPressure{Systolic: 150}

	for _, e := range []*domain.BloodPressure{older, newer, deleted, elsewhere, orphan} {
		_, err := repo.Save(ctx, sessD1, e)
		require.NoError(t, err)
	}
	require.NoError(t, repo.SoftDelete(ctx, sessD1, deleted.ID))

	list, err := repo.ListBySubject(ctx, subject)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "most recent first")
	assert.Equal(t, older.ID, list[1].ID)
	for _, e := range list {
		assert.False(t, e.Deleted)
	}

	empty, err := repo.ListBySubject(ctx, id.New())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	orphans, err := repo.ListBySubject(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orphans, "records without a subject are never listed")
}

func TestGetLatestBySubject(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()
	subject := id.New()

	_, found, err := repo.GetLatestBySubject(ctx, subject)
	require.NoError(t, err)
	assert.False(t, found)

	first := newReading(subject, 110, t0)
	latest := newReading(subject, 120, t0.Add(time.Hour))
	_, err = repo.Save(ctx, sessD1, latest)
	require.NoError(t, err)
	_, err = repo.Save(ctx, sessD1, first)
	require.NoError(t, err)

	got, found, err := repo.GetLatestBySubject(ctx, subject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, latest.ID, got.ID)

	require.NoError(t, repo.SoftDelete(ctx, sessD1, latest.ID))
	got, found, err = repo.GetLatestBySubject(ctx, subject)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.ID, got.ID)
}

func TestSoftDelete(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 118, t0)
	recordID, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSynced(ctx, recordID, 1, 4))

	require.NoError(t, repo.SoftDelete(ctx, sessD2, recordID))

	got, found, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	require.True(t, found, "deleted records stay retrievable by id")
	assert.True(t, got.Deleted)
	require.NotNil(t, got.DeletedAt)
	assert.Equal(t, got.UpdatedAt, *got.DeletedAt)
	assert.Equal(t, int64(2), got.LocalVersion)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	assert.Equal(t, "device-2", got.DeviceID)
	assert.Equal(t, bp.ContentHash, got.ContentHash, "deletion is not semantic content")

	// Deleting twice is a no-op.
	require.NoError(t, repo.SoftDelete(ctx, sessD2, recordID))
	again, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.LocalVersion)

	// Updating a deleted record keeps it deleted.
	again.Systolic = 90
	_, err = repo.Save(ctx, sessD1, again)
	require.NoError(t, err)
	after, _, err := repo.GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.True(t, after.Deleted)

	err = repo.SoftDelete(ctx, sessD1, id.New())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDeletedFlagDerivedFromTimestamp(t *testing.T) {
	s, repo := newBPRepo(t)
	ctx := context.Background()

	bp := newReading(id.New(), 118, t0)
	bp.Deleted = true // ignored: deleted follows deleted_at
	recordID, err := repo.Save(ctx, sessD1, bp)
	require.NoError(t, err)
	assert.False(t, bp.Deleted)

	// The table refuses rows where the two disagree.
	_, err = s.db.Exec("UPDATE blood_pressure SET deleted = 1 WHERE id = ?", recordID)
	assert.Error(t, err)
}

func TestStaffJoin(t *testing.T) {
	s, repo := newBPRepo(t)
	ctx := context.Background()
	subject := id.New()

	require.NoError(t, s.UpsertStaff(ctx, &domain.Staff{ID: "staff-1", Name: "Midwife Amara", Role: "midwife"}))

	known := newReading(subject, 110, t0)
	unknown := newReading(subject, 120, t0.Add(time.Minute))
	unknown.RecordedBy = "staff-404"
	_, err := repo.Save(ctx, sessD1, known)
	require.NoError(t, err)
	_, err = repo.Save(ctx, sessD1, unknown)
	require.NoError(t, err)

	list, err := repo.ListBySubject(ctx, subject)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "", list[0].RecordedByName)
	assert.Equal(t, "staff-404", list[0].RecordedBy)
	assert.Equal(t, "Midwife Amara", list[1].RecordedByName)

	// Renaming staff is visible on the next read; the record is untouched.
	require.NoError(t, s.UpsertStaff(ctx, &domain.Staff{ID: "staff-1", Name: "A. Okafor", Role: "midwife"}))
	got, _, err := repo.GetByID(ctx, known.ID)
	require.NoError(t, err)
	assert.Equal(t, "A. Okafor", got.RecordedByName)
	assert.Equal(t, int64(1), got.LocalVersion)
}

func TestStaffLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetStaff(ctx, "nobody")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, s.UpsertStaff(ctx, &domain.Staff{ID: "b", Name: "Zed"}))
	require.NoError(t, s.UpsertStaff(ctx, &domain.Staff{ID: "a", Name: "Ada", Role: "obstetrician"}))

	got, err := s.GetStaff(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
	assert.Equal(t, "obstetrician", got.Role)
	assert.NotZero(t, got.UpdatedAt)

	all, err := s.ListStaff(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Ada", all[0].Name)

	assert.ErrorIs(t, s.UpsertStaff(ctx, &domain.Staff{}), errors.ErrValidation)
}

func TestDropTable(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()
	subject := id.New()

	_, err := repo.Save(ctx, sessD1, newReading(subject, 110, t0))
	require.NoError(t, err)

	require.NoError(t, repo.DropTable(ctx))
	require.NoError(t, repo.DropTable(ctx), "drop is idempotent")

	// The next operation recreates an empty table.
	list, err := repo.ListBySubject(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	s, repo := newBPRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.InitializeSchema(ctx))
	require.NoError(t, s.db.Close())

	_, _, err := repo.GetByID(ctx, id.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.True(t, errors.CodeOf(err).Retryable())

	_, err = repo.Save(ctx, sessD1, newReading(id.New(), 1, t0))
	assert.ErrorIs(t, err, errors.ErrStorage)
}

func TestListBySubjectsBatch(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	const subjects = 260
	ids := make([]string, subjects)
	for i := range ids {
		ids[i] = id.New()
		// Every third subject has no records at all.
		if i%3 == 0 {
			continue
		}
		for j := range 2 {
			_, err := repo.Save(ctx, sessD1, newReading(ids[i], 100+j, t0.Add(time.Duration(i*10+j)*time.Minute)))
			require.NoError(t, err)
		}
	}
	deleted := newReading(ids[1], 199, t0.Add(48*time.Hour))
	_, err := repo.Save(ctx, sessD1, deleted)
	require.NoError(t, err)
	require.NoError(t, repo.SoftDelete(ctx, sessD1, deleted.ID))

	batch, err := repo.ListBySubjectsBatch(ctx, ids, 100)
	require.NoError(t, err)
	require.Len(t, batch, subjects)

	for _, sid := range ids {
		single, err := repo.ListBySubject(ctx, sid)
		require.NoError(t, err)

		got, ok := batch[sid]
		require.True(t, ok, "missing key %s", sid)
		require.Len(t, got, len(single))
		for k := range single {
			assert.Equal(t, single[k].ID, got[k].ID)
		}
	}
	assert.Empty(t, batch[ids[0]])
	assert.NotNil(t, batch[ids[0]])
	assert.Len(t, batch[ids[1]], 2, "soft-deleted records excluded")
}

func TestListBySubjectsBatch_ChunkSizeClamped(t *testing.T) {
	_, repo := newBPRepo(t)
	ctx := context.Background()

	ids := []string{id.New(), id.New(), id.New()}
	_, err := repo.Save(ctx, sessD1, newReading(ids[2], 100, t0))
	require.NoError(t, err)

	// Duplicates and a tiny chunk size are accepted.
	batch, err := repo.ListBySubjectsBatch(ctx, append(ids, ids[2], ""), 1)
	require.NoError(t, err)
	assert.Len(t, batch, 4)
	assert.Len(t, batch[ids[2]], 1)
	assert.Empty(t, batch[""])

	empty, err := repo.ListBySubjectsBatch(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListBySubjectsBatch_FailureReturnsNoPartialResult(t *testing.T) {
	s, repo := newBPRepo(t)
	ctx := context.Background()

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = fmt.Sprintf("subject-%03d", i)
	}
	require.NoError(t, repo.InitializeSchema(ctx))
	require.NoError(t, s.db.Close())

	batch, err := repo.ListBySubjectsBatch(ctx, ids, 100)
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, errors.ErrQuery)
	assert.Equal(t, errors.CodeQuery, errors.CodeOf(err))
}
