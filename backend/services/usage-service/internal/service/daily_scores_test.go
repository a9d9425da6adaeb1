package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
	"aquatrack/backend/services/usage-service/internal/repository/memory"
)

func newTestScorer(store *memory.Store, ledger repository.LedgerStore, now time.Time) *DailyScorer {
	logger := zap.NewNop()
	meter := NewMeterAccounting(store.Accounts(), logger)
	scorer := NewDailyScorer(ledger, store.Devices(), meter, ScorerConfig{ChunkSize: 2, Concurrency: 2}, logger)
	scorer.now = func() time.Time { return now }
	return scorer
}

func TestApplyDailyScoresSettlesPastDaysOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-10", Water: 50, Electricity: 900, WaterSensorActive: true, ElectricitySensorActive: true})
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-11", Water: 50, Electricity: 900, WaterSensorActive: true, ElectricitySensorActive: true})
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-12", Water: 1, WaterSensorActive: true})

	scorer := newTestScorer(store, store.Ledger(), now)

	res, err := scorer.ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedCount)
	assert.Equal(t, []string{"2024-03-10", "2024-03-11"}, res.ProcessedDates)
	assert.Equal(t, 100, res.TotalScoreAdded)
	require.NotNil(t, res.Account)
	assert.Equal(t, 50, res.Account.Meter, "150 re-bases to 100 and crosses again")
	assert.Equal(t, 10, res.Account.Level)
	require.Len(t, res.Settlements, 2)

	entry, err := store.GetEntry(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	require.NotNil(t, entry.Score)
	assert.Equal(t, 50, *entry.Score)

	today, err := store.GetEntry(ctx, "acct-1", "2024-03-12")
	require.NoError(t, err)
	assert.False(t, today.Scored(), "today is not final")

	again, err := scorer.ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.ProcessedCount)
	assert.Equal(t, 50, again.Account.Meter)
	assert.Equal(t, 10, again.Account.Level)
}

func TestApplyDailyScoresUsesElectricityLastSeen(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	seen := time.Date(2024, 3, 11, 18, 0, 0, 0, time.UTC)

	store.PutDevice(models.Device{ID: "dev-e1", Type: models.ResourceElectricity, AccountID: "acct-1", LastSeen: &seen})
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-11", Water: 100, WaterSensorActive: true})

	res, err := newTestScorer(store, store.Ledger(), now).ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, res.Breakdowns, 1)
	assert.False(t, res.Breakdowns[0].ElectricityBaselineUsed)
	assert.Equal(t, 50, res.TotalScoreAdded)

	entry, err := store.GetEntry(ctx, "acct-1", "2024-03-11")
	require.NoError(t, err)
	require.NotNil(t, entry.EffectiveElectricity)
	assert.Equal(t, 0.0, *entry.EffectiveElectricity)
}

func TestApplyDailyScoresConcurrentRunsApplyOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-11", Water: 80, Electricity: 1800, WaterSensorActive: true, ElectricitySensorActive: true})

	scorer := newTestScorer(store, store.Ledger(), now)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = scorer.ApplyDailyScores(ctx, "acct-1")
		}()
	}
	wg.Wait()

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 60, account.Meter, "score 10 applied exactly once")
}

func TestApplyDailyScoresWeekBacklogReachesMeter(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 8, 8, 0, 0, 0, time.UTC)

	dates := []string{"2024-03-01", "2024-03-02", "2024-03-03", "2024-03-04", "2024-03-05", "2024-03-06", "2024-03-07"}
	for _, date := range dates {
		store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: date, WaterSensorActive: true, ElectricitySensorActive: true})
	}

	scorer := newTestScorer(store, store.Ledger(), now)
	res, err := scorer.ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, len(dates), res.ProcessedCount)
	assert.Equal(t, dates, res.ProcessedDates)
	assert.Equal(t, 700, res.TotalScoreAdded)
	require.NotNil(t, res.Account)
	assert.Equal(t, 50, res.Account.Meter)
	assert.Equal(t, 70, res.Account.Level, "each +100 day crosses the upper boundary twice")
	assert.Len(t, res.Settlements, 14)

	stored, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 70, stored.Level)

	again, err := scorer.ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.ProcessedCount)
	assert.Equal(t, 70, again.Account.Level)
}

// brokenAccounts fails the meter half of every settlement.
type brokenAccounts struct {
	repository.LedgerStore
}

func (b brokenAccounts) SettleScore(ctx context.Context, settlement models.ScoreSettlement, apply func(*models.Account) error) (*models.Account, bool, error) {
	return b.LedgerStore.SettleScore(ctx, settlement, func(*models.Account) error {
		return errors.New("deadlock detected")
	})
}

func TestApplyDailyScoresFailedApplyLeavesDayUnscored(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	store.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-11", Water: 50, WaterSensorActive: true, ElectricitySensorActive: true})

	_, err := newTestScorer(store, brokenAccounts{store.Ledger()}, now).ApplyDailyScores(ctx, "acct-1")
	assert.ErrorIs(t, err, ErrLedgerWriteFailed)

	entry, err := store.GetEntry(ctx, "acct-1", "2024-03-11")
	require.NoError(t, err)
	assert.False(t, entry.Scored())

	res, err := newTestScorer(store, store.Ledger(), now).ApplyDailyScores(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-11"}, res.ProcessedDates)
	assert.Equal(t, 75, res.Account.Meter)
}

type failingReads struct {
	repository.LedgerStore
}

func (failingReads) ListUnscoredEntries(context.Context, string, string) ([]models.LedgerEntry, error) {
	return nil, errors.New("timeout")
}

func TestApplyDailyScoresReadFailure(t *testing.T) {
	store := memory.New()
	scorer := newTestScorer(store, failingReads{store.Ledger()}, time.Now())

	_, err := scorer.ApplyDailyScores(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrLedgerReadFailed)
	assert.Equal(t, KindLedgerRead, KindOf(err))
}

func TestApplyAllCoversEveryAccount(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)

	for _, id := range []string{"acct-1", "acct-2", "acct-3"} {
		store.PutLedgerEntry(models.LedgerEntry{AccountID: id, Date: "2024-03-11", Water: 200, Electricity: 1800, WaterSensorActive: true, ElectricitySensorActive: true})
	}

	res, err := newTestScorer(store, store.Ledger(), now).ApplyAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Accounts, 3)
	for i, id := range []string{"acct-1", "acct-2", "acct-3"} {
		assert.Equal(t, id, res.Accounts[i].AccountID)
		assert.Equal(t, -50, res.Accounts[i].TotalScoreAdded)
		assert.Equal(t, 50, res.Accounts[i].Meter, "50-50 lands on 0 and re-bases")
	}
}
