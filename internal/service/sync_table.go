package service

import (
	"context"
	"encoding/json"

	"github.com/partokit/chartstore/internal/contenthash"
	"github.com/partokit/chartstore/internal/domain"
	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/store/sqlite"
)

// ConflictPolicy decides which side stays live when a conflict is detected.
// The other side is never dropped: it is kept as the record's conflict
// snapshot and in the conflict log.
type ConflictPolicy string

const (
	// PolicyKeepLocal keeps the local edit live and pending, so it is pushed
	// on top of the remote version.
	PolicyKeepLocal ConflictPolicy = "local"
	// PolicyKeepRemote applies the remote version and keeps the local edit as snapshot.
	PolicyKeepRemote ConflictPolicy = "remote"
)

// ParseConflictPolicy parses a policy name. Empty selects PolicyKeepLocal.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", PolicyKeepLocal:
		return PolicyKeepLocal, nil
	case PolicyKeepRemote:
		return PolicyKeepRemote, nil
	default:
		return "", errors.Validationf("unknown conflict policy %q", s)
	}
}

// Outcome is what applying one remote record did locally.
type Outcome int

const (
	// OutcomeInserted means the record did not exist locally.
	OutcomeInserted Outcome = iota
	// OutcomeUpdated means a synced local copy was overwritten.
	OutcomeUpdated
	// OutcomeSkipped means the local copy already had this server version or newer.
	OutcomeSkipped
	// OutcomeConverged means both sides held the same content.
	OutcomeConverged
	// OutcomeConflict means both sides changed the content differently.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeConverged:
		return "converged"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Applied describes the result of applying one remote record.
type Applied struct {
	Outcome  Outcome
	Conflict *domain.Conflict
}

// Table is one entity repository as seen by the reconciler.
type Table interface {
	Name() string
	// Pending returns pending records after the cursor and the cursor of the last one.
	Pending(ctx context.Context, after sqlite.PendingCursor, limit int) ([]PushItem, sqlite.PendingCursor, error)
	MarkSynced(ctx context.Context, id string, localVersion, serverVersion int64) error
	// PullCursor is the server version up to which the table was pulled.
	PullCursor(ctx context.Context) (int64, error)
	AdvancePullCursor(ctx context.Context, serverVersion int64) error
	Apply(ctx context.Context, rec RemoteRecord, policy ConflictPolicy) (Applied, error)
}

type boundTable[T domain.Entity] struct {
	repo *sqlite.Repository[T]
}

// Bind exposes a repository to the reconciler.
func Bind[T domain.Entity](repo *sqlite.Repository[T]) Table {
	return &boundTable[T]{repo: repo}
}

func (b *boundTable[T]) Name() string {
	return b.repo.Table()
}

func (b *boundTable[T]) Pending(ctx context.Context, after sqlite.PendingCursor, limit int) ([]PushItem, sqlite.PendingCursor, error) {
	rows, err := b.repo.ListPending(ctx, after, limit)
	if err != nil {
		return nil, after, err
	}

	items := make([]PushItem, 0, len(rows))
	for _, e := range rows {
		item, err := b.pushItem(e)
		if err != nil {
			return nil, after, err
		}
		items = append(items, item)
	}
	if len(rows) > 0 {
		after = sqlite.CursorAfter(rows[len(rows)-1])
	}
	return items, after, nil
}

func (b *boundTable[T]) pushItem(e T) (PushItem, error) {
	m := e.Meta()
	data, err := encodeEntity(e)
	if err != nil {
		return PushItem{}, err
	}
	return PushItem{
		Table:             b.Name(),
		ID:                m.ID,
		BaseServerVersion: m.ServerVersion,
		LocalVersion:      m.LocalVersion,
		ContentHash:       m.ContentHash,
		Deleted:           m.IsDeleted(),
		Entity:            data,
	}, nil
}

func (b *boundTable[T]) MarkSynced(ctx context.Context, id string, localVersion, serverVersion int64) error {
	return b.repo.MarkSynced(ctx, id, localVersion, serverVersion)
}

func (b *boundTable[T]) PullCursor(ctx context.Context) (int64, error) {
	return b.repo.PullCursor(ctx)
}

func (b *boundTable[T]) AdvancePullCursor(ctx context.Context, serverVersion int64) error {
	return b.repo.AdvancePullCursor(ctx, serverVersion)
}

// Apply merges one remote record into the local table:
//
//  1. no local copy: insert it as synced;
//  2. the local copy already has this server version or newer: skip;
//  3. the local copy is synced: overwrite it;
//  4. the local copy is pending with the same content: accept the remote
//     metadata and mark it synced;
//  5. otherwise both sides diverged: keep the side chosen by policy live,
//     snapshot the other into conflict_data and log the conflict.
func (b *boundTable[T]) Apply(ctx context.Context, rec RemoteRecord, policy ConflictPolicy) (Applied, error) {
	remote, err := b.decodeRemote(rec)
	if err != nil {
		return Applied{}, err
	}
	rm := remote.Meta()

	remoteHash, err := b.repo.ContentHash(remote)
	if err != nil {
		return Applied{}, errors.Wrapf(err, errors.CodeValidation, "hash remote %s %s", rec.Table, rec.ID)
	}

	var applied Applied
	_, err = b.repo.Merge(ctx, rec.ID, func(local T, found bool) (sqlite.MergeResult[T], error) {
		if !found {
			applied.Outcome = OutcomeInserted
			return sqlite.MergeResult[T]{Apply: true, Write: remote}, nil
		}

		lm := local.Meta()
		if rec.ServerVersion <= lm.ServerVersion {
			applied.Outcome = OutcomeSkipped
			return sqlite.MergeResult[T]{}, nil
		}

		if !lm.IsPending() {
			adoptLocalIdentity(rm, lm)
			rm.ConflictData = lm.ConflictData
			applied.Outcome = OutcomeUpdated
			return sqlite.MergeResult[T]{Apply: true, Write: remote}, nil
		}

		if contenthash.Equal(lm.ContentHash, remoteHash) && lm.IsDeleted() == rm.IsDeleted() {
			lm.ServerVersion = rec.ServerVersion
			lm.SyncStatus = domain.SyncSynced
			applied.Outcome = OutcomeConverged
			return sqlite.MergeResult[T]{Apply: true, Write: local}, nil
		}

		conflict := &domain.Conflict{
			LocalVersion:        lm.LocalVersion,
			LocalHash:           lm.ContentHash,
			LocalDeviceID:       lm.DeviceID,
			RemoteServerVersion: rec.ServerVersion,
			RemoteHash:          remoteHash,
			RemoteDeviceID:      rec.DeviceID,
		}
		applied.Outcome = OutcomeConflict
		applied.Conflict = conflict

		if policy == PolicyKeepRemote {
			snapshot, err := encodeEntity(local)
			if err != nil {
				return sqlite.MergeResult[T]{}, err
			}
			adoptLocalIdentity(rm, lm)
			rm.ConflictData = snapshot
			conflict.Resolution = domain.ResolutionKeepRemote
			conflict.Snapshot = snapshot
			return sqlite.MergeResult[T]{Apply: true, Write: remote, Conflict: conflict}, nil
		}

		snapshot, err := encodeEntity(remote)
		if err != nil {
			return sqlite.MergeResult[T]{}, err
		}
		lm.ServerVersion = rec.ServerVersion
		lm.ConflictData = snapshot
		conflict.Resolution = domain.ResolutionKeepLocal
		conflict.Snapshot = snapshot
		return sqlite.MergeResult[T]{Apply: true, Write: local, Conflict: conflict}, nil
	})
	if err != nil {
		return Applied{}, err
	}
	return applied, nil
}

// decodeRemote turns a remote record into a synced entity. Local-only state
// carried in the payload is discarded.
func (b *boundTable[T]) decodeRemote(rec RemoteRecord) (T, error) {
	remote := b.repo.New()
	if err := json.Unmarshal(rec.Entity, remote); err != nil {
		var zero T
		return zero, errors.Wrapf(err, errors.CodeValidation, "decode remote %s %s", rec.Table, rec.ID)
	}

	rm := remote.Meta()
	if rm.ID != "" && rm.ID != rec.ID {
		var zero T
		return zero, errors.Validationf("remote %s payload id %s does not match record %s", rec.Table, rm.ID, rec.ID)
	}
	rm.ID = rec.ID
	rm.ServerVersion = rec.ServerVersion
	rm.SyncStatus = domain.SyncSynced
	rm.ConflictData = nil
	rm.RecordedByName = ""
	if rec.DeviceID != "" {
		rm.DeviceID = rec.DeviceID
	}
	if rm.OriginDeviceID == "" {
		rm.OriginDeviceID = rm.DeviceID
	}
	rm.LocalVersion = max(rm.LocalVersion, 1)
	rm.UpdatedAt = max(rm.UpdatedAt, rm.CreatedAt)
	if rec.Deleted && rm.DeletedAt == nil {
		deletedAt := rm.UpdatedAt
		rm.DeletedAt = &deletedAt
	}
	return remote, nil
}

// adoptLocalIdentity keeps the fields that never change after creation, and
// the local version counter, when remote content replaces a local row.
func adoptLocalIdentity(rm, lm *domain.Versioned) {
	rm.CreatedAt = lm.CreatedAt
	rm.OriginDeviceID = lm.OriginDeviceID
	rm.LocalVersion = max(rm.LocalVersion, lm.LocalVersion)
	rm.UpdatedAt = max(rm.UpdatedAt, rm.CreatedAt)
}

func encodeEntity(e domain.Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "encode %s", e.Meta().ID)
	}
	return data, nil
}
