package domain

// Session identifies who is writing and from which installation.
// It is passed explicitly into every mutating repository call.
type Session struct {
	DeviceID string `json:"device_id" validate:"required,max=128"`
	StaffID  string `json:"staff_id" validate:"max=128"`
}

// NewSession creates a session for the given device and staff member.
func NewSession(deviceID, staffID string) Session {
	return Session{DeviceID: deviceID, StaffID: staffID}
}
