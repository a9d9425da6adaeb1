package models

import "time"

// DateLayout is the calendar-day key format of ledger entries.
const DateLayout = "2006-01-02"

// LedgerEntry is the per-account, per-day accumulation of measured usage.
type LedgerEntry struct {
	AccountID               string     `json:"account_id"`
	Date                    string     `json:"date"`
	Water                   float64    `json:"water"`
	Electricity             float64    `json:"electricity"`
	WaterSensorActive       bool       `json:"water_sensor_active"`
	ElectricitySensorActive bool       `json:"electricity_sensor_active"`
	Score                   *int       `json:"score,omitempty"`
	ScoredAt                *time.Time `json:"scored_at,omitempty"`
	EffectiveElectricity    *float64   `json:"effective_electricity,omitempty"`
	ElectricityBaselineUsed bool       `json:"electricity_baseline_used,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Amount returns the accumulated quantity for r.
func (e *LedgerEntry) Amount(r Resource) float64 {
	switch r {
	case ResourceWater:
		return e.Water
	case ResourceElectricity:
		return e.Electricity
	}
	return 0
}

// SensorActive reports whether r's sensor reported on this day.
func (e *LedgerEntry) SensorActive(r Resource) bool {
	switch r {
	case ResourceWater:
		return e.WaterSensorActive
	case ResourceElectricity:
		return e.ElectricitySensorActive
	}
	return false
}

// Scored reports whether the entry's one-time score settlement happened.
func (e *LedgerEntry) Scored() bool {
	return e.Score != nil
}

// Clone returns a deep copy.
func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Score != nil {
		v := *e.Score
		out.Score = &v
	}
	if e.ScoredAt != nil {
		v := *e.ScoredAt
		out.ScoredAt = &v
	}
	if e.EffectiveElectricity != nil {
		v := *e.EffectiveElectricity
		out.EffectiveElectricity = &v
	}
	return &out
}

// LedgerIncrement is one atomic add to a ledger entry. SourceID makes it idempotent.
type LedgerIncrement struct {
	AccountID string
	Date      string
	Resource  Resource
	Amount    float64
	SourceID  string
}

// ScoreSettlement is the one-time score write for an entry.
type ScoreSettlement struct {
	AccountID               string
	Date                    string
	Score                   int
	EffectiveElectricity    float64
	ElectricityBaselineUsed bool
	ScoredAt                time.Time
}
