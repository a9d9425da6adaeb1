package models

// Device command names.
const (
	CommandStartMeasurement = "start_measurement"
	CommandStopMeasurement  = "stop_measurement"
	CommandForceStop        = "force_stop"
)

// DeviceCommand is the control message pushed to a device.
type DeviceCommand struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
