package models

import "time"

const (
	// MeterMin and MeterMax bound the conservation meter.
	MeterMin = 0
	MeterMax = 100
	// MeterInitial is the meter value of a fresh account.
	MeterInitial = 50
)

// Account holds the long-lived meter and level of a user.
type Account struct {
	ID        string    `json:"id"`
	Meter     int       `json:"meter"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAccount returns an account with the initial meter.
func NewAccount(id string) *Account {
	return &Account{ID: id, Meter: MeterInitial}
}

// Boundary tags a settlement event.
type Boundary string

const (
	BoundaryUpper Boundary = "upper"
	BoundaryLower Boundary = "lower"
)

// Settlement is one meter boundary crossing.
type Settlement struct {
	Boundary    Boundary `json:"boundary"`
	MeterBefore int      `json:"meter_before"`
	MeterAfter  int      `json:"meter_after"`
	LevelBefore int      `json:"level_before"`
	LevelAfter  int      `json:"level_after"`
}
