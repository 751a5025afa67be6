package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/id"
	"github.com/partokit/chartstore/internal/service"
	"github.com/partokit/chartstore/internal/service/remotetest"
	"github.com/partokit/chartstore/internal/store"
	"github.com/partokit/chartstore/internal/store/sqlite"
)

// device is one installation: its own database, KV store and sync service.
type device struct {
	sess  domain.Session
	store *sqlite.Store
	bp    *sqlite.Repository[*domain.BloodPressure]
	fhr   *sqlite.Repository[*domain.FetalHeartRate]
	svc   *service.SyncService
}

func newDevice(t *testing.T, name string, remote *remotetest.Remote, policy service.ConflictPolicy) *device {
	t.Helper()

	var ms atomic.Int64
	ms.Store(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).UnixMilli())
	clock := func() time.Time { return time.UnixMilli(ms.Add(1)).UTC() }

	s, err := sqlite.Open(filepath.Join(t.TempDir(), name+".db"), nil, sqlite.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	kv, err := store.NewInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	d := &device{
		sess:  domain.NewSession(name, "staff-"+name),
		store: s,
		bp:    sqlite.NewRepository(s, sqlite.BloodPressureSchema),
		fhr:   sqlite.NewRepository(s, sqlite.FetalHeartRateSchema),
	}
	d.svc = service.NewSyncService(remote, kv, nil,
		service.SyncOptions{BatchSize: 2, Policy: policy, Clock: clock},
		service.Bind(d.bp), service.Bind(d.fhr),
	)
	return d
}

var recordedAt = time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC)

func (d *device) createReading(t *testing.T, subject string, systolic int) string {
	t.Helper()
	bp := &domain.BloodPressure{Systolic: systolic, Diastolic: 80}
	bp.ForSubject(subject)
	bp.RecordedAt = recordedAt
	recordID, err := d.bp.Save(context.Background(), d.sess, bp)
	require.NoError(t, err)
	return recordID
}

func (d *device) editReading(t *testing.T, recordID string, systolic int) {
	t.Helper()
	ctx := context.Background()
	bp, found, err := d.bp.GetByID(ctx, recordID)
	require.NoError(t, err)
	require.True(t, found)
	bp.Systolic = systolic
	_, err = d.bp.Save(ctx, d.sess, bp)
	require.NoError(t, err)
}

func (d *device) reading(t *testing.T, recordID string) *domain.BloodPressure {
	t.Helper()
	bp, found, err := d.bp.GetByID(context.Background(), recordID)
	require.NoError(t, err)
	require.True(t, found)
	return bp
}

func (d *device) sync(t *testing.T) service.SyncReport {
	t.Helper()
	report, err := d.svc.SyncOnce(context.Background())
	require.NoError(t, err)
	return report
}

func TestSyncOnce_PushThenPull(t *testing.T) {
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepLocal)
	subject := id.New()

	ids := []string{
		d1.createReading(t, subject, 110),
		d1.createReading(t, subject, 120),
		d1.createReading(t, subject, 130),
	}

	report := d1.sync(t)
	assert.Equal(t, 3, report.Pushed)
	assert.Equal(t, 3, report.Acknowledged)
	assert.Empty(t, report.Conflicts())

	for _, recordID := range ids {
		got := d1.reading(t, recordID)
		assert.Equal(t, domain.SyncSynced, got.SyncStatus)
		assert.Positive(t, got.ServerVersion)
		assert.Equal(t, int64(1), got.LocalVersion)
	}

	report = d2.sync(t)
	assert.Zero(t, report.Pushed)
	require.Len(t, report.Applied, 2)
	assert.Equal(t, sqlite.TableBloodPressure, report.Applied[0].Table)
	assert.Equal(t, 3, report.Applied[0].Inserted)

	for _, recordID := range ids {
		mine, theirs := d1.reading(t, recordID), d2.reading(t, recordID)
		assert.Equal(t, mine.ContentHash, theirs.ContentHash)
		assert.Equal(t, mine.ServerVersion, theirs.ServerVersion)
		assert.Equal(t, "device-1", theirs.OriginDeviceID)
		assert.Equal(t, mine.CreatedAt, theirs.CreatedAt)
		assert.Equal(t, domain.SyncSynced, theirs.SyncStatus)
	}

	list, err := d2.bp.ListBySubject(context.Background(), subject)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	// A second pull finds nothing new.
	report = d2.sync(t)
	assert.Zero(t, report.Applied[0].Inserted)

	state, found, err := d2.svc.LastSync(sqlite.TableBloodPressure)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), state.ServerVersion)
	assert.NotZero(t, state.SyncedAt)

	_, found, err = newDevice(t, "device-3", remote, "").svc.LastSync(sqlite.TableBloodPressure)
	require.NoError(t, err)
	assert.False(t, found)
}

func (d *device) subjectReadings(t *testing.T, subject string) []*domain.BloodPressure {
	t.Helper()
	list, err := d.bp.ListBySubject(context.Background(), subject)
	require.NoError(t, err)
	return list
}

// Both devices push before pulling. Server versions handed to a device's own
// pushes are higher than those of records the other device pushed earlier,
// and those records must still arrive.
func TestSyncOnce_BothDevicesPushBeforePulling(t *testing.T) {
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepLocal)
	subject := id.New()

	b1 := d2.createReading(t, subject, 140)
	b2 := d2.createReading(t, subject, 141)
	d2.sync(t)

	d1.createReading(t, subject, 110)
	d1.createReading(t, subject, 111)
	d1.createReading(t, subject, 112)
	report := d1.sync(t)
	assert.Equal(t, 3, report.Pushed)
	assert.Equal(t, 2, report.Applied[0].Inserted)
	assert.Equal(t, 140, d1.reading(t, b1).Systolic)
	assert.Equal(t, 141, d1.reading(t, b2).Systolic)
	assert.Len(t, d1.subjectReadings(t, subject), 5)

	state, found, err := d1.svc.LastSync(sqlite.TableBloodPressure)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), state.ServerVersion)

	d2.sync(t)
	assert.Len(t, d2.subjectReadings(t, subject), 5)

	// Another round in the opposite order.
	d1.createReading(t, subject, 113)
	d2.createReading(t, subject, 142)
	d1.sync(t)
	d2.sync(t)
	d1.sync(t)

	mine, theirs := d1.subjectReadings(t, subject), d2.subjectReadings(t, subject)
	require.Len(t, mine, 7)
	require.Len(t, theirs, 7)
	for i := range mine {
		assert.Equal(t, mine[i].ID, theirs[i].ID)
		assert.Equal(t, mine[i].ContentHash, theirs[i].ContentHash)
		assert.Equal(t, domain.SyncSynced, mine[i].SyncStatus)
		assert.Equal(t, domain.SyncSynced, theirs[i].SyncStatus)
	}
}

// Two devices edit the same record offline with different content. The
// reconciler must record a conflict instead of overwriting either edit.
func TestSyncOnce_DivergentEditsConflict(t *testing.T) {
	ctx := context.Background()
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepLocal)

	a := d1.createReading(t, id.New(), 110)
	d1.sync(t)
	d2.sync(t)

	d2.editReading(t, a, 140)
	d1.editReading(t, a, 95)
	require.Equal(t, int64(2), d1.reading(t, a).LocalVersion)
	require.Equal(t, int64(2), d2.reading(t, a).LocalVersion)

	d2.sync(t)
	report := d1.sync(t)
	assert.Equal(t, 1, remote.Rejected(), "stale push refused")

	conflicts := report.Conflicts()
	require.Len(t, conflicts, 1)
	assert.ErrorIs(t, conflicts[0], errors.ErrConflict)
	var chartErr *errors.Error
	require.True(t, errors.As(conflicts[0], &chartErr))
	detail, ok := chartErr.Details.(*domain.Conflict)
	require.True(t, ok)
	assert.Equal(t, domain.ResolutionKeepLocal, detail.Resolution)
	assert.Equal(t, "device-2", detail.RemoteDeviceID)

	// Local edit stays live and pending, the remote edit is preserved.
	local := d1.reading(t, a)
	assert.Equal(t, 95, local.Systolic)
	assert.Equal(t, domain.SyncPending, local.SyncStatus)
	assert.Equal(t, int64(2), local.ServerVersion)
	require.True(t, local.HasConflict())
	var snapshot domain.BloodPressure
	require.NoError(t, json.Unmarshal(local.ConflictData, &snapshot))
	assert.Equal(t, 140, snapshot.Systolic)

	logged, err := d1.store.ListConflicts(ctx, sqlite.ConflictFilter{RecordID: a, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, int64(2), logged[0].LocalVersion)
	assert.Equal(t, int64(2), logged[0].RemoteServerVersion)

	// Next run pushes the kept edit on top of the remote version.
	report = d1.sync(t)
	assert.Equal(t, 1, report.Acknowledged)
	assert.Equal(t, domain.SyncSynced, d1.reading(t, a).SyncStatus)

	d2.sync(t)
	assert.Equal(t, 95, d2.reading(t, a).Systolic)
	assert.Equal(t, d1.reading(t, a).ContentHash, d2.reading(t, a).ContentHash)
}

func TestSyncOnce_DivergentEditsKeepRemote(t *testing.T) {
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepRemote)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepRemote)

	a := d1.createReading(t, id.New(), 110)
	d1.sync(t)
	d2.sync(t)

	d2.editReading(t, a, 140)
	d1.editReading(t, a, 95)
	d2.sync(t)
	report := d1.sync(t)
	require.Len(t, report.Conflicts(), 1)

	got := d1.reading(t, a)
	assert.Equal(t, 140, got.Systolic)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	assert.Equal(t, "device-1", got.OriginDeviceID)
	assert.Equal(t, int64(2), got.LocalVersion)

	var snapshot domain.BloodPressure
	require.NoError(t, json.Unmarshal(got.ConflictData, &snapshot))
	assert.Equal(t, 95, snapshot.Systolic, "losing local edit is kept")
}

func TestSyncOnce_SameContentConverges(t *testing.T) {
	ctx := context.Background()
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepLocal)

	a := d1.createReading(t, id.New(), 110)
	d1.sync(t)
	d2.sync(t)

	d1.editReading(t, a, 150)
	d2.editReading(t, a, 150)
	d2.sync(t)
	report := d1.sync(t)

	assert.Empty(t, report.Conflicts())
	assert.Equal(t, 1, report.Applied[0].Converged)

	got := d1.reading(t, a)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	assert.Equal(t, int64(2), got.ServerVersion)
	assert.False(t, got.HasConflict())

	logged, err := d1.store.ListConflicts(ctx, sqlite.ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestSyncOnce_SoftDeletePropagates(t *testing.T) {
	ctx := context.Background()
	remote := remotetest.New()
	d1 := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	d2 := newDevice(t, "device-2", remote, service.PolicyKeepLocal)
	subject := id.New()

	a := d1.createReading(t, subject, 110)
	d1.sync(t)
	d2.sync(t)

	require.NoError(t, d1.bp.SoftDelete(ctx, d1.sess, a))
	d1.sync(t)
	d2.sync(t)

	got := d2.reading(t, a)
	assert.True(t, got.Deleted)
	list, err := d2.bp.ListBySubject(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	remote := remotetest.New()
	d := newDevice(t, "device-1", remote, service.PolicyKeepLocal)

	entity := domain.FetalHeartRate{BeatsPerMinute: 142, Variability: "normal"}
	entity.ForSubject(id.New())
	entity.RecordedAt = recordedAt
	entity.CreatedAt = 1000
	entity.UpdatedAt = 900 // repaired to created_at
	payload, err := json.Marshal(entity)
	require.NoError(t, err)

	rec := service.RemoteRecord{
		Table:         sqlite.TableFetalHeartRate,
		ID:            id.New(),
		ServerVersion: 4,
		DeviceID:      "device-7",
		Entity:        payload,
	}

	report, err := d.svc.ApplyRemote(ctx, sqlite.TableFetalHeartRate, []service.RemoteRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	require.NoError(t, report.Err())

	got, found, err := d.fhr.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 142, got.BeatsPerMinute)
	assert.Equal(t, "device-7", got.DeviceID)
	assert.Equal(t, "device-7", got.OriginDeviceID)
	assert.Equal(t, int64(1), got.LocalVersion)
	assert.Equal(t, int64(1000), got.UpdatedAt)

	// Same or older server version is skipped.
	report, err = d.svc.ApplyRemote(ctx, sqlite.TableFetalHeartRate, []service.RemoteRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	_, err = d.svc.ApplyRemote(ctx, "no_such_table", []service.RemoteRecord{rec})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = d.svc.ApplyRemote(ctx, sqlite.TableBloodPressure, []service.RemoteRecord{rec})
	assert.ErrorIs(t, err, errors.ErrValidation, "record of another table")

	bad := rec
	bad.ServerVersion = 9
	bad.Entity = json.RawMessage(`{"id":"` + id.New() + `"}`)
	_, err = d.svc.ApplyRemote(ctx, sqlite.TableFetalHeartRate, []service.RemoteRecord{bad})
	assert.ErrorIs(t, err, errors.ErrValidation, "payload id mismatch")
}

func TestBuildPushBatchAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	remote := remotetest.New()
	d := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	subject := id.New()

	for i := range 3 {
		d.createReading(t, subject, 100+i)
	}
	fhr := &domain.FetalHeartRate{BeatsPerMinute: 150}
	fhr.ForSubject(subject)
	_, err := d.fhr.Save(ctx, d.sess, fhr)
	require.NoError(t, err)

	batch, err := d.svc.BuildPushBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	assert.Equal(t, sqlite.TableFetalHeartRate, batch[3].Table)
	for _, item := range batch {
		assert.Equal(t, int64(1), item.LocalVersion)
		assert.NotEmpty(t, item.ContentHash)
		assert.NotEmpty(t, item.Entity)
	}

	limited, err := d.svc.BuildPushBatch(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	err = d.svc.Acknowledge(ctx, []service.Ack{
		{Table: batch[0].Table, ID: batch[0].ID, LocalVersion: 1, ServerVersion: 1},
		{Table: "nope", ID: batch[1].ID, LocalVersion: 1, ServerVersion: 2},
		{Table: batch[2].Table, ID: id.New(), LocalVersion: 1, ServerVersion: 3},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.Equal(t, domain.SyncSynced, d.reading(t, batch[0].ID).SyncStatus)
	assert.Equal(t, domain.SyncPending, d.reading(t, batch[1].ID).SyncStatus)
}

func TestSyncOnce_PushFailureKeepsPending(t *testing.T) {
	remote := remotetest.New()
	d := newDevice(t, "device-1", remote, service.PolicyKeepLocal)
	a := d.createReading(t, id.New(), 110)

	remote.FailNextPush(errors.New("connection reset"))
	_, err := d.svc.SyncOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.Equal(t, domain.SyncPending, d.reading(t, a).SyncStatus)

	d.sync(t)
	assert.Equal(t, domain.SyncSynced, d.reading(t, a).SyncStatus)
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := service.ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, service.PolicyKeepLocal, p)

	p, err = service.ParseConflictPolicy("remote")
	require.NoError(t, err)
	assert.Equal(t, service.PolicyKeepRemote, p)

	_, err = service.ParseConflictPolicy("newest")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

type countingSyncer struct {
	runs atomic.Int64
}

func (c *countingSyncer) SyncOnce(context.Context) (service.SyncReport, error) {
	c.runs.Add(1)
	return service.SyncReport{}, nil
}

func TestSyncRunner(t *testing.T) {
	syncer := &countingSyncer{}
	runner := service.NewSyncRunner(syncer, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.Runs() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, runner.Trigger("manual"))
	assert.False(t, runner.Trigger("manual"), "throttled")
	require.Eventually(t, func() bool { return runner.Runs() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, runner.Trigger("connectivity"), "reasons are throttled independently")
	require.Eventually(t, func() bool { return runner.Runs() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int64(3), syncer.runs.Load())
}

type failingSyncer struct{}

func (failingSyncer) SyncOnce(context.Context) (service.SyncReport, error) {
	return service.SyncReport{}, errors.Storagef(errors.New("connection reset"), "push %s", sqlite.TableBloodPressure)
}

func TestSyncRunner_LogsFailureClass(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	runner := service.NewSyncRunner(failingSyncer{}, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.Runs() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	assert.Contains(t, out, `"msg":"sync failed"`)
	assert.Contains(t, out, `"code":"STORAGE"`)
	assert.Contains(t, out, `"retryable":true`)
}
