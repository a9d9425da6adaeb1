package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

var mismatchTolerance = decimal.RequireFromString("0.01")

const maxAuditRangeDays = 366

// ConsistencyAuditor compares session totals against the ledger and repairs entries.
type ConsistencyAuditor struct {
	sessions repository.SessionStore
	ledger   repository.LedgerStore
	audit    repository.AuditStore
	location *time.Location
	logger   *zap.Logger
	now      Clock
}

// NewConsistencyAuditor builds the auditor.
func NewConsistencyAuditor(sessions repository.SessionStore, ledger repository.LedgerStore, audit repository.AuditStore, loc *time.Location, logger *zap.Logger) *ConsistencyAuditor {
	if loc == nil {
		loc = time.UTC
	}
	return &ConsistencyAuditor{
		sessions: sessions,
		ledger:   ledger,
		audit:    audit,
		location: loc,
		logger:   logger,
		now:      systemClock,
	}
}

// Discrepancy is one (date, resource) pair whose totals disagree.
type Discrepancy struct {
	Date          string          `json:"date"`
	Resource      models.Resource `json:"resource"`
	LedgerTotal   float64         `json:"ledger_total"`
	SessionsTotal float64         `json:"sessions_total"`
	Difference    float64         `json:"difference"`
	SessionCount  int             `json:"session_count"`
}

// AuditReport is the result of Audit.
type AuditReport struct {
	AccountID     string        `json:"account_id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Consistent    bool          `json:"consistent"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	CheckedDays   int           `json:"checked_days"`
}

type auditKey struct {
	date     string
	resource models.Resource
}

type auditTotals struct {
	ledger   decimal.Decimal
	sessions decimal.Decimal
	count    int
}

// Audit reports every (date, resource) in [from, to] where the ledger differs from the
// sum of recorded session quantities by more than 0.01.
func (a *ConsistencyAuditor) Audit(ctx context.Context, accountID, from, to string) (*AuditReport, error) {
	if accountID == "" {
		return nil, invalid("account id is required")
	}
	start, end, err := a.parseRange(from, to)
	if err != nil {
		return nil, err
	}

	entries, err := a.ledger.ListEntries(ctx, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}
	sessions, err := a.sessions.ListRecordedSessions(ctx, accountID, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list recorded sessions: %w", err)
	}

	totals := make(map[auditKey]*auditTotals)
	get := func(k auditKey) *auditTotals {
		t, ok := totals[k]
		if !ok {
			t = &auditTotals{}
			totals[k] = t
		}
		return t
	}

	for _, entry := range entries {
		for _, r := range models.Resources {
			get(auditKey{entry.Date, r}).ledger = decimal.NewFromFloat(entry.Amount(r))
		}
	}
	for _, s := range sessions {
		if s.Quantity == nil || s.EndTime == nil {
			continue
		}
		t := get(auditKey{dayKey(*s.EndTime, a.location), s.Resource})
		t.sessions = t.sessions.Add(decimal.NewFromFloat(*s.Quantity))
		t.count++
	}

	report := &AuditReport{
		AccountID:     accountID,
		From:          from,
		To:            to,
		Discrepancies: []Discrepancy{},
		CheckedDays:   int(end.Sub(start).Hours()/24) + 1,
	}
	for k, t := range totals {
		diff := t.ledger.Sub(t.sessions)
		if diff.Abs().LessThanOrEqual(mismatchTolerance) {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Date:          k.date,
			Resource:      k.resource,
			LedgerTotal:   t.ledger.InexactFloat64(),
			SessionsTotal: t.sessions.InexactFloat64(),
			Difference:    diff.Round(4).InexactFloat64(),
			SessionCount:  t.count,
		})
	}
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		di, dj := report.Discrepancies[i], report.Discrepancies[j]
		if di.Date != dj.Date {
			return di.Date < dj.Date
		}
		return di.Resource < dj.Resource
	})
	report.Consistent = len(report.Discrepancies) == 0

	if !report.Consistent {
		metrics.AuditMismatches.Add(float64(len(report.Discrepancies)))
		a.logger.Warn("ledger inconsistent with sessions",
			zap.String("account_id", accountID),
			zap.String("from", from),
			zap.String("to", to),
			zap.Int("discrepancies", len(report.Discrepancies)),
		)
	}
	return report, nil
}

func (a *ConsistencyAuditor) parseRange(from, to string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(models.DateLayout, from, a.location)
	if err != nil {
		return time.Time{}, time.Time{}, invalid("from %q must use YYYY-MM-DD", from)
	}
	end, err := time.ParseInLocation(models.DateLayout, to, a.location)
	if err != nil {
		return time.Time{}, time.Time{}, invalid("to %q must use YYYY-MM-DD", to)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, invalid("range end %s is before start %s", to, from)
	}
	if end.Sub(start) > maxAuditRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, invalid("range exceeds %d days", maxAuditRangeDays)
	}
	return start, end, nil
}

// RepairInput overwrites one ledger amount.
type RepairInput struct {
	AccountID      string
	Date           string
	Resource       models.Resource
	CorrectedValue float64
	Actor          string
}

// RepairResult reports a repair.
type RepairResult struct {
	AuditID  string  `json:"audit_id"`
	OldValue float64 `json:"old_value"`
	NewValue float64 `json:"new_value"`
	Delta    float64 `json:"delta"`
}

// Repair sets the ledger amount to the corrected value. The overwrite and its audit
// record commit together or not at all.
func (a *ConsistencyAuditor) Repair(ctx context.Context, in RepairInput) (*RepairResult, error) {
	if in.AccountID == "" {
		return nil, invalid("account id is required")
	}
	if err := validateDate(in.Date); err != nil {
		return nil, err
	}
	if !in.Resource.Valid() {
		return nil, invalid("unknown resource %q", in.Resource)
	}
	if in.CorrectedValue < 0 || math.IsNaN(in.CorrectedValue) || math.IsInf(in.CorrectedValue, 0) {
		return nil, invalid("corrected value must be a non-negative number")
	}
	if in.Actor == "" {
		return nil, invalid("actor is required")
	}

	result := &RepairResult{AuditID: uuid.NewString(), NewValue: in.CorrectedValue}
	now := a.now()
	old, err := a.ledger.RepairUsage(ctx, in.AccountID, in.Date, in.Resource, in.CorrectedValue, func(old float64) *models.AuditRecord {
		oldValue := old
		newValue := in.CorrectedValue
		delta := decimal.NewFromFloat(newValue).Sub(decimal.NewFromFloat(old)).InexactFloat64()
		return &models.AuditRecord{
			ID:        result.AuditID,
			Action:    models.AuditLedgerRepair,
			Actor:     in.Actor,
			AccountID: in.AccountID,
			Date:      in.Date,
			Resource:  in.Resource,
			OldValue:  &oldValue,
			NewValue:  &newValue,
			Delta:     &delta,
			CreatedAt: now,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: repair %s %s: %w", ErrLedgerWriteFailed, in.Date, in.Resource, err)
	}

	result.OldValue = old
	result.Delta = decimal.NewFromFloat(in.CorrectedValue).Sub(decimal.NewFromFloat(old)).InexactFloat64()
	metrics.LedgerRepairs.Inc()
	a.logger.Info("ledger entry repaired",
		zap.String("account_id", in.AccountID),
		zap.String("date", in.Date),
		zap.String("resource", string(in.Resource)),
		zap.Float64("old", old),
		zap.Float64("new", in.CorrectedValue),
		zap.String("actor", in.Actor),
	)
	return result, nil
}

// History lists the latest audit records, optionally for one account.
func (a *ConsistencyAuditor) History(ctx context.Context, accountID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.audit.ListAudit(ctx, accountID, limit)
}
