package models

import "time"

// Resource identifies the utility a device measures.
type Resource string

const (
	ResourceWater       Resource = "water"
	ResourceElectricity Resource = "electricity"
)

// Resources lists every tracked resource in scoring order.
var Resources = []Resource{ResourceWater, ResourceElectricity}

// Valid reports whether r is a tracked resource.
func (r Resource) Valid() bool {
	return r == ResourceWater || r == ResourceElectricity
}

// DeviceStatus reflects whether a device is measuring.
type DeviceStatus string

const (
	DeviceIdle      DeviceStatus = "idle"
	DeviceMeasuring DeviceStatus = "measuring"
)

// Device is a physical sensing device.
type Device struct {
	ID                    string       `json:"id"`
	Type                  Resource     `json:"type"`
	AccountID             string       `json:"account_id,omitempty"`
	Status                DeviceStatus `json:"status"`
	CurrentSessionID      string       `json:"current_session_id,omitempty"`
	APIKeyHash            string       `json:"-"`
	LastSeen              *time.Time   `json:"last_seen,omitempty"`
	LastCompletedSession  string       `json:"last_completed_session,omitempty"`
	LastForceEndedSession string       `json:"last_force_ended_session,omitempty"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// DeviceRelease describes how a device leaves a session.
type DeviceRelease struct {
	DeviceID  string
	SessionID string
	At        time.Time
	Completed bool
}

// Card links a physical token to an account.
type Card struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}
