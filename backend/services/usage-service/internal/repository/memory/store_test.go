package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

var t0 = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func seeded() *Store {
	s := New()
	s.PutDevice(models.Device{ID: "dev-1", Type: models.ResourceWater, AccountID: "acct-1"})
	s.PutDevice(models.Device{ID: "dev-2", Type: models.ResourceWater, AccountID: "acct-2"})
	return s
}

func session(id, account, device string) *models.Session {
	return &models.Session{ID: id, AccountID: account, DeviceID: device, Resource: models.ResourceWater, Status: models.SessionActive, StartTime: t0}
}

func TestCreateSessionEnforcesOneOpenSession(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, session("s1", "acct-1", "dev-1")))
	device, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceMeasuring, device.Status)
	assert.Equal(t, "s1", device.CurrentSessionID)

	assert.ErrorIs(t, s.CreateSession(ctx, session("s2", "acct-1", "dev-2")), repository.ErrOpenSessionExists, "same account")
	assert.ErrorIs(t, s.CreateSession(ctx, session("s3", "acct-2", "dev-1")), repository.ErrOpenSessionExists, "same device")
	assert.ErrorIs(t, s.CreateSession(ctx, session("s4", "acct-2", "ghost")), repository.ErrNotFound)

	done := session("s1", "acct-1", "dev-1")
	done.Status = models.SessionCompleted
	require.NoError(t, s.UpdateSession(ctx, done, models.OpenStatuses...))

	_, err = s.OpenSessionForAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, s.CreateSession(ctx, session("s5", "acct-1", "dev-2")))
}

func TestUpdateSessionIsConditional(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, session("s1", "acct-1", "dev-1")))

	ending := session("s1", "acct-1", "dev-1")
	ending.Status = models.SessionEnding
	require.NoError(t, s.UpdateSession(ctx, ending, models.SessionActive))
	assert.ErrorIs(t, s.UpdateSession(ctx, ending, models.SessionActive), repository.ErrStaleStatus)
	assert.ErrorIs(t, s.UpdateSession(ctx, session("nope", "acct-1", "dev-1")), repository.ErrNotFound)

	open, err := s.OpenSessionForAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnding, open.Status)
}

func TestReleaseDeviceIgnoresOtherSessions(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, session("s1", "acct-1", "dev-1")))

	require.NoError(t, s.ReleaseDevice(ctx, models.DeviceRelease{DeviceID: "dev-1", SessionID: "old", At: t0}))
	device, _ := s.GetDevice(ctx, "dev-1")
	assert.Equal(t, models.DeviceMeasuring, device.Status)

	require.NoError(t, s.ReleaseDevice(ctx, models.DeviceRelease{DeviceID: "dev-1", SessionID: "s1", At: t0, Completed: true}))
	device, _ = s.GetDevice(ctx, "dev-1")
	assert.Equal(t, models.DeviceIdle, device.Status)
	assert.Empty(t, device.CurrentSessionID)
	assert.Equal(t, "s1", device.LastCompletedSession)
}

func TestListOpenSessionsFilters(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	older := session("s1", "acct-1", "dev-1")
	older.StartTime = t0.Add(-3 * time.Hour)
	require.NoError(t, s.CreateSession(ctx, older))
	require.NoError(t, s.CreateSession(ctx, session("s2", "acct-2", "dev-2")))

	all, err := s.ListOpenSessions(ctx, repository.OpenSessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].ID, "oldest first")

	stale, err := s.ListOpenSessions(ctx, repository.OpenSessionFilter{StartedBefore: t0.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "s1", stale[0].ID)

	byDevice, err := s.ListOpenSessions(ctx, repository.OpenSessionFilter{DeviceIDs: []string{"dev-2"}})
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, "s2", byDevice[0].ID)
}

func TestIncrementUsageIsIdempotentPerSource(t *testing.T) {
	s := New()
	ctx := context.Background()
	inc := models.LedgerIncrement{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater, Amount: 2.5, SourceID: "s1"}

	applied, err := s.IncrementUsage(ctx, inc)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.IncrementUsage(ctx, inc)
	require.NoError(t, err)
	assert.False(t, applied)

	inc.SourceID = "s2"
	inc.Resource = models.ResourceElectricity
	_, err = s.IncrementUsage(ctx, inc)
	require.NoError(t, err)

	entry, err := s.GetEntry(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 2.5, entry.Water)
	assert.Equal(t, 2.5, entry.Electricity)
	assert.True(t, entry.WaterSensorActive)
	assert.True(t, entry.ElectricitySensorActive)
}

func TestRecordSessionUsageIsAllOrNothing(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, session("s1", "acct-1", "dev-1")))

	inc := models.LedgerIncrement{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater, Amount: 7, SourceID: "s1"}
	done := session("s1", "acct-1", "dev-1")
	done.Status = models.SessionCompleted
	done.LedgerRecorded = true

	applied, err := s.RecordSessionUsage(ctx, inc, done, models.OpenStatuses...)
	require.NoError(t, err)
	assert.True(t, applied)

	stored, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, models.SessionCompleted, stored.Status)
	_, err = s.OpenSessionForAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	inc.Amount = 40
	forced := session("s1", "acct-1", "dev-1")
	forced.Status = models.SessionForceEnded
	_, err = s.RecordSessionUsage(ctx, inc, forced, models.OpenStatuses...)
	assert.ErrorIs(t, err, repository.ErrStaleStatus)

	entry, _ := s.GetEntry(ctx, "acct-1", "2024-03-10")
	assert.Equal(t, 7.0, entry.Water)
	stored, _ = s.GetSession(ctx, "s1")
	assert.Equal(t, models.SessionCompleted, stored.Status)
}

func TestRecordSessionUsageDuplicateSourceWritesNothing(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, session("s1", "acct-1", "dev-1")))

	inc := models.LedgerIncrement{AccountID: "acct-1", Date: "2024-03-10", Resource: models.ResourceWater, Amount: 3, SourceID: "s1"}
	applied, err := s.IncrementUsage(ctx, inc)
	require.NoError(t, err)
	require.True(t, applied)

	done := session("s1", "acct-1", "dev-1")
	done.Status = models.SessionCompleted
	applied, err = s.RecordSessionUsage(ctx, inc, done, models.OpenStatuses...)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, models.SessionActive, stored.Status)
	entry, _ := s.GetEntry(ctx, "acct-1", "2024-03-10")
	assert.Equal(t, 3.0, entry.Water)
}

func TestSettleScoreOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-09"})
	s.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-2", Date: "2024-03-10"})

	accounts, err := s.ListAccountsWithUnscored(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, accounts)

	addScore := func(delta int) func(*models.Account) error {
		return func(a *models.Account) error {
			a.Meter += delta
			return nil
		}
	}

	settlement := models.ScoreSettlement{AccountID: "acct-1", Date: "2024-03-09", Score: 40, ScoredAt: t0}
	account, ok, err := s.SettleScore(ctx, settlement, addScore(4))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, account)
	assert.Equal(t, models.MeterInitial+4, account.Meter)

	settlement.Score = 90
	account, ok, err = s.SettleScore(ctx, settlement, addScore(9))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, account)

	entry, _ := s.GetEntry(ctx, "acct-1", "2024-03-09")
	assert.Equal(t, 40, *entry.Score)
	stored, _ := s.GetAccount(ctx, "acct-1")
	assert.Equal(t, models.MeterInitial+4, stored.Meter)

	_, _, err = s.SettleScore(ctx, models.ScoreSettlement{AccountID: "acct-9", Date: "2024-03-09"}, nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	unscored, err := s.ListUnscoredEntries(ctx, "acct-1", "2024-03-10")
	require.NoError(t, err)
	assert.Empty(t, unscored)
}

func TestSettleScoreRollsBackOnApplyError(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-09"})

	_, ok, err := s.SettleScore(ctx, models.ScoreSettlement{AccountID: "acct-1", Date: "2024-03-09", Score: 10}, func(a *models.Account) error {
		a.Meter = 99
		return errors.New("overflow")
	})
	require.Error(t, err)
	assert.False(t, ok)

	entry, _ := s.GetEntry(ctx, "acct-1", "2024-03-09")
	assert.False(t, entry.Scored())
	_, err = s.GetAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRepairUsageWritesAuditWithOldValue(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutLedgerEntry(models.LedgerEntry{AccountID: "acct-1", Date: "2024-03-10", Water: 12.5})

	old, err := s.RepairUsage(ctx, "acct-1", "2024-03-10", models.ResourceWater, 12.3, func(old float64) *models.AuditRecord {
		return &models.AuditRecord{ID: "a1", Action: models.AuditLedgerRepair, AccountID: "acct-1", Metadata: map[string]any{"old": old}}
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, old)

	entry, _ := s.GetEntry(ctx, "acct-1", "2024-03-10")
	assert.Equal(t, 12.3, entry.Water)

	records, err := s.ListAudit(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 12.5, records[0].Metadata["old"])
}

func TestUpdateAccountStartsFromInitialMeter(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	account, err := s.UpdateAccount(ctx, "acct-1", func(a *models.Account) error {
		a.Meter += 10
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.MeterInitial+10, account.Meter)

	stored, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, models.MeterInitial+10, stored.Meter)
}
