package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"aquatrack/backend/services/usage-service/internal/models"
)

func TestScore(t *testing.T) {
	seenOnDay := time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC)
	seenDayBefore := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		entry     models.LedgerEntry
		lastSeen  *time.Time
		want      int
		waterBase bool
		elecBase  bool
	}{
		{
			name:  "zero usage with both sensors reporting",
			entry: models.LedgerEntry{WaterSensorActive: true, ElectricitySensorActive: true},
			want:  100,
		},
		{
			name:  "usage at baseline",
			entry: models.LedgerEntry{Water: 100, Electricity: 1800, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  0,
		},
		{
			name:  "half of baseline",
			entry: models.LedgerEntry{Water: 50, Electricity: 900, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  50,
		},
		{
			name:  "double baseline",
			entry: models.LedgerEntry{Water: 200, Electricity: 3600, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  -100,
		},
		{
			name:  "clamped below",
			entry: models.LedgerEntry{Water: 400, Electricity: 9000, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  -100,
		},
		{
			name:  "water halved electricity at baseline",
			entry: models.LedgerEntry{Water: 50, Electricity: 1800, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  25,
		},
		{
			name:      "no sensors reported",
			entry:     models.LedgerEntry{},
			want:      0,
			waterBase: true,
			elecBase:  true,
		},
		{
			name:     "electricity device seen on the scored day",
			entry:    models.LedgerEntry{Water: 100, WaterSensorActive: true},
			lastSeen: &seenOnDay,
			want:     50,
		},
		{
			name:     "electricity device seen another day",
			entry:    models.LedgerEntry{Water: 100, WaterSensorActive: true},
			lastSeen: &seenDayBefore,
			want:     0,
			elecBase: true,
		},
		{
			name:  "rounds to nearest",
			entry: models.LedgerEntry{Water: 99, Electricity: 1800, WaterSensorActive: true, ElectricitySensorActive: true},
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.entry.Date = "2024-03-09"
			got := Score(tt.entry, ScoreContext{ElectricityLastSeen: tt.lastSeen, Location: time.UTC}, DefaultBaselines())
			assert.Equal(t, tt.want, got.Score)
			assert.Equal(t, tt.waterBase, got.WaterBaselineUsed)
			assert.Equal(t, tt.elecBase, got.ElectricityBaselineUsed)
			assert.Equal(t, LevelFor(tt.want), got.Level)
		})
	}
}

func TestScoreHonoursLocationForLastSeen(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// 2024-03-09 20:00 UTC is already 2024-03-10 in Tokyo.
	seen := time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)
	entry := models.LedgerEntry{Date: "2024-03-10", Water: 100, WaterSensorActive: true}

	got := Score(entry, ScoreContext{ElectricityLastSeen: &seen, Location: tokyo}, DefaultBaselines())
	assert.False(t, got.ElectricityBaselineUsed)
	assert.Equal(t, 50, got.Score)
}

func TestScoreCustomBaselines(t *testing.T) {
	entry := models.LedgerEntry{Date: "2024-03-09", Water: 100, Electricity: 3600, WaterSensorActive: true, ElectricitySensorActive: true}
	got := Score(entry, ScoreContext{}, Baselines{Water: 200, Electricity: 3600})
	assert.Equal(t, 25, got.Score)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelExcellent, LevelFor(100))
	assert.Equal(t, LevelExcellent, LevelFor(80))
	assert.Equal(t, LevelGood, LevelFor(79))
	assert.Equal(t, LevelAverage, LevelFor(40))
	assert.Equal(t, LevelPoor, LevelFor(20))
	assert.Equal(t, LevelVeryPoor, LevelFor(0))
	assert.Equal(t, LevelWasteful, LevelFor(-1))
}

func TestAverageScore(t *testing.T) {
	assert.Equal(t, 0, AverageScore(nil))
	assert.Equal(t, 50, AverageScore([]int{40, 60}))
	assert.Equal(t, 34, AverageScore([]int{33, 34, 34}))
	assert.Equal(t, -3, AverageScore([]int{-5, 0}))
}
