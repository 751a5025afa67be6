package domain

// Resolution names which side stayed live when a conflict was detected.
type Resolution string

const (
	// ResolutionKeepLocal keeps the local edit live and stores the remote snapshot.
	ResolutionKeepLocal Resolution = "keep_local"
	// ResolutionKeepRemote applies the remote version and stores the local snapshot.
	ResolutionKeepRemote Resolution = "keep_remote"
)

// Conflict is an entry of the sync conflict log. One is written every time the
// reconciler finds two devices produced different content for the same record.
type Conflict struct {
	ID                  string     `db:"id" json:"id"`
	TableName           string     `db:"table_name" json:"table_name"`
	RecordID            string     `db:"record_id" json:"record_id"`
	LocalVersion        int64      `db:"local_version" json:"local_version"`
	LocalHash           string     `db:"local_hash" json:"local_hash"`
	LocalDeviceID       string     `db:"local_device_id" json:"local_device_id"`
	RemoteServerVersion int64      `db:"remote_server_version" json:"remote_server_version"`
	RemoteHash          string     `db:"remote_hash" json:"remote_hash"`
	RemoteDeviceID      string     `db:"remote_device_id" json:"remote_device_id"`
	Resolution          Resolution `db:"resolution" json:"resolution"`
	Snapshot            []byte     `db:"snapshot" json:"snapshot"`
	DetectedAt          int64      `db:"detected_at" json:"detected_at"`
	ResolvedAt          *int64     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// IsOpen returns true until someone resolves the conflict.
func (c *Conflict) IsOpen() bool {
	return c.ResolvedAt == nil
}
