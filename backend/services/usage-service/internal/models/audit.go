package models

import "time"

// Audit actions.
const (
	AuditLedgerRepair    = "ledger_repair"
	AuditForceEndSession = "force_end_session"
	AuditBulkForceEnd    = "bulk_force_end_sessions"
)

// AuditRecord is an append-only administrative log entry.
type AuditRecord struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	AccountID string         `json:"account_id,omitempty"`
	Date      string         `json:"date,omitempty"`
	Resource  Resource       `json:"resource,omitempty"`
	OldValue  *float64       `json:"old_value,omitempty"`
	NewValue  *float64       `json:"new_value,omitempty"`
	Delta     *float64       `json:"delta,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
