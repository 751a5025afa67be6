package domain

import "time"

// SyncStatus reports whether the latest local version of a record has been
// acknowledged by the central store.
type SyncStatus int

const (
	// SyncPending means the local state has not been acknowledged yet.
	SyncPending SyncStatus = 0
	// SyncSynced means the remote store acknowledged the current local version.
	SyncSynced SyncStatus = 1
)

// String returns the status name.
func (s SyncStatus) String() string {
	switch s {
	case SyncPending:
		return "pending"
	case SyncSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Versioned is the shape shared by every synchronizable clinical record.
// It gets embedded in each clinical entity.
//
// Callers only ever set SubjectID, RecordedAt and RecordedBy. Everything else
// is stamped by the repository at persistence time; values set by calling
// code are overwritten.
type Versioned struct {
	ID         string    `json:"id" validate:"omitempty,uuid"`
	SubjectID  *string   `json:"subject_id,omitempty" validate:"omitempty,uuid"`
	RecordedAt time.Time `json:"recorded_at"`
	RecordedBy string    `json:"recorded_by"`

	// RecordedByName is resolved from the staff table on read. Never persisted.
	RecordedByName string `json:"recorded_by_name,omitempty"`

	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at" validate:"gtefield=CreatedAt"`
	DeletedAt      *int64     `json:"deleted_at,omitempty"`
	DeviceID       string     `json:"device_id"`
	OriginDeviceID string     `json:"origin_device_id"`
	SyncStatus     SyncStatus `json:"sync_status" validate:"oneof=0 1"`
	LocalVersion   int64      `json:"local_version" validate:"gte=1"`
	ServerVersion  int64      `json:"server_version" validate:"gte=0"`
	Deleted        bool       `json:"deleted"`
	ConflictData   []byte     `json:"conflict_data,omitempty"`
	ContentHash    string     `json:"content_hash"`
}

// Meta returns the versioned shape itself. Embedding Versioned makes any
// clinical struct satisfy Entity.
func (v *Versioned) Meta() *Versioned {
	return v
}

// IsDeleted returns true if this record has been soft-deleted.
func (v *Versioned) IsDeleted() bool {
	return v.DeletedAt != nil
}

// IsPending returns true if the record has local changes not yet acknowledged.
func (v *Versioned) IsPending() bool {
	return v.SyncStatus == SyncPending
}

// HasConflict returns true if a losing snapshot is waiting for resolution.
func (v *Versioned) HasConflict() bool {
	return len(v.ConflictData) > 0
}

// Subject returns the owning subject id, or "" for orphaned records.
func (v *Versioned) Subject() string {
	if v.SubjectID == nil {
		return ""
	}
	return *v.SubjectID
}

// ForSubject sets the owning subject.
func (v *Versioned) ForSubject(subjectID string) {
	v.SubjectID = &subjectID
}

// Entity is implemented by every clinical record via its embedded Versioned.
type Entity interface {
	Meta() *Versioned
}
