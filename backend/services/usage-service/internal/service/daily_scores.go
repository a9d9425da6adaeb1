package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// DailyScorer turns finished ledger days into meter deltas.
type DailyScorer struct {
	ledger      repository.LedgerStore
	devices     repository.DeviceStore
	meter       *MeterAccounting
	baselines   Baselines
	location    *time.Location
	chunkSize   int
	concurrency int
	logger      *zap.Logger
	now         Clock
}

// ScorerConfig tunes the daily scorer.
type ScorerConfig struct {
	Baselines   Baselines
	Location    *time.Location
	ChunkSize   int
	Concurrency int
}

// NewDailyScorer builds the scorer.
func NewDailyScorer(ledger repository.LedgerStore, devices repository.DeviceStore, meter *MeterAccounting, cfg ScorerConfig, logger *zap.Logger) *DailyScorer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultBulkChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultBulkConcurrency
	}
	return &DailyScorer{
		ledger:      ledger,
		devices:     devices,
		meter:       meter,
		baselines:   cfg.Baselines.normalized(),
		location:    cfg.Location,
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.Concurrency,
		logger:      logger,
		now:         systemClock,
	}
}

// DailyScoreResult reports the days settled for one account.
type DailyScoreResult struct {
	AccountID       string              `json:"account_id"`
	ProcessedCount  int                 `json:"processed_count"`
	ProcessedDates  []string            `json:"processed_dates"`
	Breakdowns      []ScoreBreakdown    `json:"breakdowns"`
	TotalScoreAdded int                 `json:"total_score_added"`
	Settlements     []models.Settlement `json:"settlements"`
	Account         *models.Account     `json:"account,omitempty"`
}

// ApplyDailyScores scores every unscored ledger day before today, oldest first. Each
// day's score is settled and applied to the meter in one store transaction, so a day
// reaches the meter exactly once even when two runs overlap. One day moves the meter
// by at most 100, which stays inside the cascade cap.
func (s *DailyScorer) ApplyDailyScores(ctx context.Context, accountID string) (*DailyScoreResult, error) {
	if accountID == "" {
		return nil, invalid("account id is required")
	}

	now := s.now()
	today := dayKey(now, s.location)
	entries, err := s.ledger.ListUnscoredEntries(ctx, accountID, today)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}

	result := &DailyScoreResult{
		AccountID:      accountID,
		ProcessedDates: []string{},
		Breakdowns:     []ScoreBreakdown{},
		Settlements:    []models.Settlement{},
	}
	sc := ScoreContext{Location: s.location, ElectricityLastSeen: s.electricityLastSeen(ctx, accountID)}

	var settleErr error
	for _, entry := range entries {
		b := Score(entry, sc, s.baselines)
		var cascade CascadeResult
		account, claimed, err := s.ledger.SettleScore(ctx, models.ScoreSettlement{
			AccountID:               accountID,
			Date:                    entry.Date,
			Score:                   b.Score,
			EffectiveElectricity:    b.ElectricityUsage,
			ElectricityBaselineUsed: b.ElectricityBaselineUsed,
			ScoredAt:                now,
		}, cascadeInto(b.Score, &cascade))
		if err != nil {
			if !errors.Is(err, ErrCascadeOverflow) {
				err = fmt.Errorf("%w: settle %s: %w", ErrLedgerWriteFailed, entry.Date, err)
			}
			s.logger.Error("daily score not settled",
				zap.String("account_id", accountID),
				zap.String("date", entry.Date),
				zap.Int("score", b.Score),
				zap.Error(err),
			)
			settleErr = err
			break
		}
		if !claimed {
			s.logger.Info("ledger day already scored", zap.String("account_id", accountID), zap.String("date", entry.Date))
			continue
		}
		s.meter.observe(accountID, cascade.Settlements)
		result.Account = account
		result.ProcessedDates = append(result.ProcessedDates, entry.Date)
		result.Breakdowns = append(result.Breakdowns, b)
		result.Settlements = append(result.Settlements, cascade.Settlements...)
		result.TotalScoreAdded += b.Score
	}
	result.ProcessedCount = len(result.ProcessedDates)
	metrics.ScoresSettled.Add(float64(result.ProcessedCount))

	if result.Account == nil {
		if account, err := s.meter.Account(ctx, accountID); err == nil {
			result.Account = account
		}
	}

	if settleErr != nil {
		return result, settleErr
	}
	s.logger.Info("daily scores applied",
		zap.String("account_id", accountID),
		zap.Int("days", result.ProcessedCount),
		zap.Int("delta", result.TotalScoreAdded),
	)
	return result, nil
}

func (s *DailyScorer) electricityLastSeen(ctx context.Context, accountID string) *time.Time {
	if s.devices == nil {
		return nil
	}
	device, err := s.devices.LatestDevice(ctx, accountID, models.ResourceElectricity)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("electricity device lookup failed", zap.String("account_id", accountID), zap.Error(err))
		}
		return nil
	}
	return device.LastSeen
}

// AccountScoreSummary is one account's line in an aggregation run.
type AccountScoreSummary struct {
	AccountID       string `json:"account_id"`
	ProcessedCount  int    `json:"processed_count"`
	TotalScoreAdded int    `json:"total_score_added"`
	Meter           int    `json:"meter"`
	Level           int    `json:"level"`
}

// ApplyAllResult reports an aggregation run.
type ApplyAllResult struct {
	Accounts []AccountScoreSummary `json:"accounts"`
	Errors   []BatchItemError      `json:"errors,omitempty"`
}

// ApplyAll runs ApplyDailyScores for every account with unscored days before today.
func (s *DailyScorer) ApplyAll(ctx context.Context) (*ApplyAllResult, error) {
	today := dayKey(s.now(), s.location)
	accounts, err := s.ledger.ListAccountsWithUnscored(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerReadFailed, err)
	}

	out := &ApplyAllResult{Accounts: make([]AccountScoreSummary, 0, len(accounts))}
	var mu sync.Mutex

	for chunk := range slices.Chunk(accounts, s.chunkSize) {
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for _, accountID := range chunk {
			g.Go(func() error {
				res, err := s.ApplyDailyScores(ctx, accountID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Errors = append(out.Errors, BatchItemError{ID: accountID, Err: err})
					return nil
				}
				summary := AccountScoreSummary{
					AccountID:       accountID,
					ProcessedCount:  res.ProcessedCount,
					TotalScoreAdded: res.TotalScoreAdded,
				}
				if res.Account != nil {
					summary.Meter = res.Account.Meter
					summary.Level = res.Account.Level
				}
				out.Accounts = append(out.Accounts, summary)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	slices.SortFunc(out.Accounts, func(a, b AccountScoreSummary) int {
		return strings.Compare(a.AccountID, b.AccountID)
	})
	if len(out.Errors) > 0 {
		s.logger.Warn("score aggregation had failures",
			zap.Int("accounts", len(out.Accounts)),
			zap.Int("failed", len(out.Errors)),
			zap.Error(joinBatchErrors(out.Errors)),
		)
	}
	return out, nil
}
