package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

const (
	meterRebase       = 50
	levelStep         = 5
	maxCascadeCrosses = 10
)

// CascadeResult is the outcome of applying a delta to a meter.
type CascadeResult struct {
	Meter       int                 `json:"meter"`
	Level       int                 `json:"level"`
	Settlements []models.Settlement `json:"settlements"`
}

// Cascade applies delta to meter and re-bases around 50 on every boundary crossing.
// Crossing 100 raises the level by 5 and keeps the surplus above 50; crossing 0 lowers
// the level by 5 (not below 0) and takes the deficit off 50. More than ten crossings
// in one call is reported as ErrCascadeOverflow.
func Cascade(meter, level, delta int) (CascadeResult, error) {
	next := meter + delta
	startLevel := level
	settlements := make([]models.Settlement, 0)

	for next <= models.MeterMin || next >= models.MeterMax {
		if len(settlements) == maxCascadeCrosses {
			return CascadeResult{}, fmt.Errorf("%w: meter=%d level=%d delta=%d", ErrCascadeOverflow, meter, startLevel, delta)
		}

		s := models.Settlement{MeterBefore: next, LevelBefore: level}
		if next >= models.MeterMax {
			level += levelStep
			next = meterRebase + (next - models.MeterMax)
			s.Boundary = models.BoundaryUpper
		} else {
			level = max(0, level-levelStep)
			deficit := -next
			next = max(0, meterRebase-deficit)
			s.Boundary = models.BoundaryLower
		}
		s.MeterAfter = next
		s.LevelAfter = level
		settlements = append(settlements, s)
	}

	return CascadeResult{
		Meter:       clampInt(next, models.MeterMin, models.MeterMax),
		Level:       level,
		Settlements: settlements,
	}, nil
}

// MeterAccounting applies scores to account meters.
type MeterAccounting struct {
	accounts repository.AccountStore
	logger   *zap.Logger
}

// NewMeterAccounting builds the meter engine.
func NewMeterAccounting(accounts repository.AccountStore, logger *zap.Logger) *MeterAccounting {
	return &MeterAccounting{accounts: accounts, logger: logger}
}

// ApplyResult is the account state after Apply.
type ApplyResult struct {
	Account     *models.Account     `json:"account"`
	Delta       int                 `json:"delta"`
	Settlements []models.Settlement `json:"settlements"`
}

// Apply adds delta to the account meter inside the store's per-account transaction.
func (m *MeterAccounting) Apply(ctx context.Context, accountID string, delta int) (*ApplyResult, error) {
	if accountID == "" {
		return nil, invalid("account id is required")
	}

	var result CascadeResult
	account, err := m.accounts.UpdateAccount(ctx, accountID, cascadeInto(delta, &result))
	if err != nil {
		if errors.Is(err, ErrCascadeOverflow) {
			m.logger.Error("meter cascade overflow", zap.String("account_id", accountID), zap.Int("delta", delta), zap.Error(err))
		}
		return nil, err
	}

	m.observe(accountID, result.Settlements)
	return &ApplyResult{Account: account, Delta: delta, Settlements: result.Settlements}, nil
}

// cascadeInto returns an account mutation that applies delta and stores the cascade in out.
func cascadeInto(delta int, out *CascadeResult) func(*models.Account) error {
	return func(acc *models.Account) error {
		result, err := Cascade(acc.Meter, acc.Level, delta)
		if err != nil {
			return err
		}
		acc.Meter = result.Meter
		acc.Level = result.Level
		*out = result
		return nil
	}
}

func (m *MeterAccounting) observe(accountID string, settlements []models.Settlement) {
	for _, s := range settlements {
		metrics.MeterSettlements.WithLabelValues(string(s.Boundary)).Inc()
		m.logger.Info("meter settlement",
			zap.String("account_id", accountID),
			zap.String("boundary", string(s.Boundary)),
			zap.Int("level_before", s.LevelBefore),
			zap.Int("level_after", s.LevelAfter),
			zap.Int("meter_after", s.MeterAfter),
		)
	}
}

// Account returns the current account state.
func (m *MeterAccounting) Account(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := m.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}
