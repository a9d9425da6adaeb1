package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository/memory"
)

func TestIncrementAccumulatesAndFlagsSensor(t *testing.T) {
	ledger := NewUsageLedger(memory.New().Ledger(), time.UTC, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Increment(ctx, models.LedgerIncrement{
				AccountID: "acct-1",
				Date:      "2024-03-10",
				Resource:  models.ResourceElectricity,
				Amount:    30,
				SourceID:  "src-" + string(rune('a'+i)),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := ledger.Get(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 600.0, entry.Electricity)
	assert.True(t, entry.ElectricitySensorActive)
	assert.False(t, entry.WaterSensorActive)
}

func TestIncrementZeroStillFlagsSensor(t *testing.T) {
	ledger := NewUsageLedger(memory.New().Ledger(), time.UTC, zap.NewNop())
	ctx := context.Background()

	_, err := ledger.Increment(ctx, models.LedgerIncrement{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater})
	require.NoError(t, err)

	entry, err := ledger.Get(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 0.0, entry.Water)
	assert.True(t, entry.WaterSensorActive)
}

func TestIncrementIgnoresRepeatedSource(t *testing.T) {
	ledger := NewUsageLedger(memory.New().Ledger(), time.UTC, zap.NewNop())
	ctx := context.Background()
	inc := models.LedgerIncrement{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater, Amount: 4, SourceID: "sess-1"}

	applied, err := ledger.Increment(ctx, inc)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ledger.Increment(ctx, inc)
	require.NoError(t, err)
	assert.False(t, applied)

	entry, err := ledger.Get(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 4.0, entry.Water)
}

func TestIncrementValidation(t *testing.T) {
	ledger := NewUsageLedger(memory.New().Ledger(), time.UTC, zap.NewNop())
	ctx := context.Background()

	tests := []models.LedgerIncrement{
		{Date: "2024-03-10", Resource: models.ResourceWater, Amount: 1},
		{AccountID: "acct-1", Date: "2024-3-10", Resource: models.ResourceWater, Amount: 1},
		{AccountID: "acct-1", Date: "2024-03-10", Resource: "gas", Amount: 1},
		{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater, Amount: -1},
	}
	for _, inc := range tests {
		_, err := ledger.Increment(ctx, inc)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", inc)
	}
}

func TestDayUsesLedgerLocation(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ledger := NewUsageLedger(memory.New().Ledger(), la, zap.NewNop())
	assert.Equal(t, "2024-03-09", ledger.Day(time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)))
}

func TestDailyStatus(t *testing.T) {
	store := memory.New()
	ledger := NewUsageLedger(store.Ledger(), time.UTC, zap.NewNop())
	ctx := context.Background()

	status, err := ledger.DailyStatus(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Nil(t, status.Entry)
	assert.False(t, status.Scored)

	score := 85
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-10", Water: 10, Score: &score})
	status, err = ledger.DailyStatus(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	require.NotNil(t, status.Entry)
	assert.True(t, status.Scored)
	assert.Equal(t, LevelExcellent, status.ScoreLevel)
}
