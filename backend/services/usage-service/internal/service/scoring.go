package service

import (
	"math"
	"time"

	"aquatrack/backend/services/usage-service/internal/models"
)

const (
	// DefaultWaterBaseline is litres per day.
	DefaultWaterBaseline = 100.0
	// DefaultElectricityBaseline is device-on seconds per day (half an hour).
	DefaultElectricityBaseline = 1800.0

	scoreScale = 50.0
	scoreMin   = -100
	scoreMax   = 100
)

// Baselines are the reference daily usages a reduction is measured against.
type Baselines struct {
	Water       float64
	Electricity float64
}

// DefaultBaselines returns the stock baselines.
func DefaultBaselines() Baselines {
	return Baselines{Water: DefaultWaterBaseline, Electricity: DefaultElectricityBaseline}
}

func (b Baselines) normalized() Baselines {
	if b.Water <= 0 {
		b.Water = DefaultWaterBaseline
	}
	if b.Electricity <= 0 {
		b.Electricity = DefaultElectricityBaseline
	}
	return b
}

// ScoreContext carries facts about the scored day that are not in the entry.
type ScoreContext struct {
	// ElectricityLastSeen is the last contact of the account's electricity device.
	ElectricityLastSeen *time.Time
	Location            *time.Location
}

// ScoreBreakdown explains a score.
type ScoreBreakdown struct {
	Date                    string     `json:"date"`
	WaterUsage              float64    `json:"water_usage"`
	ElectricityUsage        float64    `json:"electricity_usage"`
	WaterBaselineUsed       bool       `json:"water_baseline_used"`
	ElectricityBaselineUsed bool       `json:"electricity_baseline_used"`
	WaterReduction          float64    `json:"water_reduction"`
	ElectricityReduction    float64    `json:"electricity_reduction"`
	Score                   int        `json:"score"`
	Level                   ScoreLevel `json:"level"`
}

// Score maps a ledger day to a bounded conservation score.
//
// A zero reading only counts as real when the sensor demonstrably reported that day:
// water needs its sensor flag, electricity needs its flag or a device last-seen on the
// scored day. Otherwise the baseline stands in and the resource contributes nothing.
func Score(entry models.LedgerEntry, sc ScoreContext, baselines Baselines) ScoreBreakdown {
	b := baselines.normalized()
	out := ScoreBreakdown{
		Date:             entry.Date,
		WaterUsage:       entry.Water,
		ElectricityUsage: entry.Electricity,
	}

	if out.WaterUsage == 0 && !entry.WaterSensorActive {
		out.WaterUsage = b.Water
		out.WaterBaselineUsed = true
	}
	if out.ElectricityUsage == 0 && !entry.ElectricitySensorActive && !seenOnDay(sc.ElectricityLastSeen, entry.Date, sc.Location) {
		out.ElectricityUsage = b.Electricity
		out.ElectricityBaselineUsed = true
	}

	out.WaterReduction = reduction(b.Water, out.WaterUsage)
	out.ElectricityReduction = reduction(b.Electricity, out.ElectricityUsage)

	raw := math.Round((out.WaterReduction + out.ElectricityReduction) * scoreScale)
	out.Score = clampInt(int(raw), scoreMin, scoreMax)
	out.Level = LevelFor(out.Score)
	return out
}

func reduction(baseline, usage float64) float64 {
	return (baseline - usage) / baseline
}

func seenOnDay(lastSeen *time.Time, date string, loc *time.Location) bool {
	if lastSeen == nil || date == "" {
		return false
	}
	return dayKey(*lastSeen, loc) == date
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoreLevel buckets a score for display.
type ScoreLevel string

const (
	LevelExcellent ScoreLevel = "excellent"
	LevelGood      ScoreLevel = "good"
	LevelAverage   ScoreLevel = "average"
	LevelPoor      ScoreLevel = "poor"
	LevelVeryPoor  ScoreLevel = "very_poor"
	LevelWasteful  ScoreLevel = "wasteful"
)

// LevelFor returns the bucket of a score.
func LevelFor(score int) ScoreLevel {
	switch {
	case score >= 80:
		return LevelExcellent
	case score >= 60:
		return LevelGood
	case score >= 40:
		return LevelAverage
	case score >= 20:
		return LevelPoor
	case score >= 0:
		return LevelVeryPoor
	default:
		return LevelWasteful
	}
}

// AverageScore returns the rounded mean, or 0 for no scores.
func AverageScore(scores []int) int {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return int(math.Round(float64(sum) / float64(len(scores))))
}
