package domain

// Staff is a row of the read-only staff reference table used to resolve
// RecordedBy into a display name.
type Staff struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Role      string `db:"role" json:"role"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}
