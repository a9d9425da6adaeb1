package models

import "time"

// SessionStatus is the lifecycle state of a measurement session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionEnding     SessionStatus = "ending"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionForceEnded SessionStatus = "force_ended"
	SessionTimeout    SessionStatus = "timeout"
)

// OpenStatuses lists the non-terminal statuses.
var OpenStatuses = []SessionStatus{SessionActive, SessionEnding}

// Open reports whether the status still accepts transitions.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionEnding
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionEnding, SessionCompleted, SessionFailed, SessionForceEnded, SessionTimeout:
		return true
	}
	return false
}

// Session is one measurement episode from token tap to a terminal outcome.
type Session struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	TokenID         string        `json:"token_id"`
	DeviceID        string        `json:"device_id"`
	Resource        Resource      `json:"resource"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndRequestTime  *time.Time    `json:"end_request_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Quantity        *float64      `json:"quantity,omitempty"`
	DurationSeconds *int64        `json:"duration_seconds,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	LedgerRecorded  bool          `json:"ledger_recorded"`
	Estimated       bool          `json:"estimated"`
	ForceEnded      bool          `json:"force_ended"`
	ForceEndReason  string        `json:"force_end_reason,omitempty"`
	TimeoutType     string        `json:"timeout_type,omitempty"`
	FailureType     string        `json:"failure_type,omitempty"`
	InterruptedBy   string        `json:"interrupted_by,omitempty"`
	MaintenanceMode bool          `json:"maintenance_mode,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndRequestTime != nil {
		t := *s.EndRequestTime
		out.EndRequestTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Quantity != nil {
		q := *s.Quantity
		out.Quantity = &q
	}
	if s.DurationSeconds != nil {
		d := *s.DurationSeconds
		out.DurationSeconds = &d
	}
	return &out
}

// QuantityValue returns the recorded quantity or zero.
func (s *Session) QuantityValue() float64 {
	if s == nil || s.Quantity == nil {
		return 0
	}
	return *s.Quantity
}
