package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// UsageLedger records measured usage per account and calendar day.
type UsageLedger struct {
	store    repository.LedgerStore
	location *time.Location
	logger   *zap.Logger
}

// NewUsageLedger builds the ledger service. loc decides calendar-day boundaries.
func NewUsageLedger(store repository.LedgerStore, loc *time.Location, logger *zap.Logger) *UsageLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &UsageLedger{store: store, location: loc, logger: logger}
}

// Location returns the timezone used for ledger days.
func (l *UsageLedger) Location() *time.Location {
	return l.location
}

// Day returns the ledger date for t.
func (l *UsageLedger) Day(t time.Time) string {
	return dayKey(t, l.location)
}

// Increment atomically adds amount to the (account, date) entry and flags the
// resource sensor active. Failures wrap ErrLedgerWriteFailed.
func (l *UsageLedger) Increment(ctx context.Context, inc models.LedgerIncrement) (bool, error) {
	if err := validateIncrement(inc); err != nil {
		return false, err
	}

	applied, err := l.store.IncrementUsage(ctx, inc)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "error").Inc()
		return false, fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
	}
	if !applied {
		metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "duplicate").Inc()
		l.logger.Info("ledger increment already applied",
			zap.String("source_id", inc.SourceID),
			zap.String("account_id", inc.AccountID),
		)
		return false, nil
	}
	metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "ok").Inc()
	return true, nil
}

// RecordSession closes session and applies inc in one store transaction. A session
// whose status is no longer in from yields repository.ErrStaleStatus unwrapped, and
// applied=false means the session's usage was already recorded. Either way nothing
// was written. Other failures wrap ErrLedgerWriteFailed.
func (l *UsageLedger) RecordSession(ctx context.Context, inc models.LedgerIncrement, session *models.Session, from ...models.SessionStatus) (bool, error) {
	if err := validateIncrement(inc); err != nil {
		return false, err
	}

	applied, err := l.store.RecordSessionUsage(ctx, inc, session, from...)
	switch {
	case errors.Is(err, repository.ErrStaleStatus):
		return false, err
	case err != nil:
		metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "error").Inc()
		return false, fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
	case !applied:
		metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "duplicate").Inc()
		l.logger.Warn("session usage already recorded",
			zap.String("source_id", inc.SourceID),
			zap.String("session_id", session.ID),
		)
		return false, nil
	}
	metrics.LedgerWrites.WithLabelValues(string(inc.Resource), "ok").Inc()
	return true, nil
}

// Get returns the entry for an account and date.
func (l *UsageLedger) Get(ctx context.Context, accountID, date string) (*models.LedgerEntry, error) {
	if accountID == "" {
		return nil, invalid("account id is required")
	}
	if err := validateDate(date); err != nil {
		return nil, err
	}
	entry, err := l.store.GetEntry(ctx, accountID, date)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}
	return entry, nil
}

// DailyStatus is the read view of one ledger day.
type DailyStatus struct {
	AccountID  string              `json:"account_id"`
	Date       string              `json:"date"`
	Entry      *models.LedgerEntry `json:"entry,omitempty"`
	Scored     bool                `json:"scored"`
	ScoreLevel ScoreLevel          `json:"score_level,omitempty"`
}

// DailyStatus returns the day entry with its settlement state. Missing entries yield an empty view.
func (l *UsageLedger) DailyStatus(ctx context.Context, accountID, date string) (*DailyStatus, error) {
	status := &DailyStatus{AccountID: accountID, Date: date}
	entry, err := l.Get(ctx, accountID, date)
	if errors.Is(err, ErrLedgerNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Entry = entry
	status.Scored = entry.Scored()
	if entry.Score != nil {
		status.ScoreLevel = LevelFor(*entry.Score)
	}
	return status, nil
}

func validateIncrement(inc models.LedgerIncrement) error {
	if inc.AccountID == "" {
		return invalid("account id is required")
	}
	if !inc.Resource.Valid() {
		return invalid("unknown resource %q", inc.Resource)
	}
	if inc.Amount < 0 || math.IsNaN(inc.Amount) || math.IsInf(inc.Amount, 0) {
		return invalid("amount must be a non-negative number")
	}
	return validateDate(inc.Date)
}

func validateDate(date string) error {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return invalid("date %q must use YYYY-MM-DD", date)
	}
	return nil
}
