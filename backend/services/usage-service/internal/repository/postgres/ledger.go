package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"aquatrack/backend/services/usage-service/internal/models"
)

const ledgerColumns = `
	account_id, usage_date, water, electricity, water_sensor_active, electricity_sensor_active,
	score, scored_at, effective_electricity, electricity_baseline_used, updated_at`

type resourceColumns struct {
	amount string
	sensor string
}

var ledgerResourceColumns = map[models.Resource]resourceColumns{
	models.ResourceWater:       {amount: "water", sensor: "water_sensor_active"},
	models.ResourceElectricity: {amount: "electricity", sensor: "electricity_sensor_active"},
}

func columnsFor(kind models.Resource) (resourceColumns, error) {
	cols, ok := ledgerResourceColumns[kind]
	if !ok {
		return resourceColumns{}, fmt.Errorf("postgres: unknown resource %q", kind)
	}
	return cols, nil
}

// IncrementUsage adds to the day entry with an upsert. The increment log keyed by
// source id turns a replayed increment into a no-op inside the same transaction.
func (s *Store) IncrementUsage(ctx context.Context, inc models.LedgerIncrement) (bool, error) {
	cols, err := columnsFor(inc.Resource)
	if err != nil {
		return false, err
	}

	var applied bool
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = incrementTx(ctx, tx, inc, cols)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RecordSessionUsage updates the session row first, so a concurrent closer blocks on
// the row lock and then fails the status check.
func (s *Store) RecordSessionUsage(ctx context.Context, inc models.LedgerIncrement, session *models.Session, from ...models.SessionStatus) (bool, error) {
	cols, err := columnsFor(inc.Resource)
	if err != nil {
		return false, err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateSession(ctx, tx, session, from...); err != nil {
			return err
		}
		applied, err := incrementTx(ctx, tx, inc, cols)
		if err != nil {
			return err
		}
		if !applied {
			return errSourceApplied
		}
		return nil
	})
	if errors.Is(err, errSourceApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var errSourceApplied = errors.New("postgres: ledger source already applied")

func incrementTx(ctx context.Context, tx pgx.Tx, inc models.LedgerIncrement, cols resourceColumns) (bool, error) {
	if inc.SourceID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_increments (source_id, account_id, usage_date, resource, amount)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (source_id) DO NOTHING
		`, inc.SourceID, inc.AccountID, inc.Date, inc.Resource, inc.Amount)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO daily_ledger (account_id, usage_date, `+cols.amount+`, `+cols.sensor+`, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (account_id, usage_date) DO UPDATE SET
			`+cols.amount+` = daily_ledger.`+cols.amount+` + EXCLUDED.`+cols.amount+`,
			`+cols.sensor+` = TRUE,
			updated_at = NOW()
	`, inc.AccountID, inc.Date, inc.Amount)
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetEntry returns one day entry.
func (s *Store) GetEntry(ctx context.Context, accountID, date string) (*models.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM daily_ledger WHERE account_id = $1 AND usage_date = $2
	`, accountID, date)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, notFound(err)
	}
	return entry, nil
}

// ListEntries returns entries in the inclusive date range.
func (s *Store) ListEntries(ctx context.Context, accountID, from, to string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM daily_ledger
		WHERE account_id = $1 AND usage_date >= $2 AND usage_date <= $3
		ORDER BY usage_date ASC
	`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListUnscoredEntries returns unscored entries dated before the given day.
func (s *Store) ListUnscoredEntries(ctx context.Context, accountID, before string) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM daily_ledger
		WHERE account_id = $1 AND usage_date < $2 AND score IS NULL
		ORDER BY usage_date ASC
	`, accountID, before)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListAccountsWithUnscored returns accounts holding unscored entries before the given day.
func (s *Store) ListAccountsWithUnscored(ctx context.Context, before string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT account_id
		FROM daily_ledger
		WHERE usage_date < $1 AND score IS NULL
		ORDER BY account_id
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

// SettleScore writes the score only while it is still NULL and applies the meter
// change in the same transaction. The ledger row is locked before the account row.
func (s *Store) SettleScore(ctx context.Context, settlement models.ScoreSettlement, apply func(*models.Account) error) (*models.Account, bool, error) {
	var (
		account *models.Account
		claimed bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE daily_ledger
			SET score = $3,
			    scored_at = $4,
			    effective_electricity = $5,
			    electricity_baseline_used = $6
			WHERE account_id = $1 AND usage_date = $2 AND score IS NULL
		`,
			settlement.AccountID,
			settlement.Date,
			settlement.Score,
			settlement.ScoredAt,
			settlement.EffectiveElectricity,
			settlement.ElectricityBaselineUsed,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var one int
			err := tx.QueryRow(ctx, `
				SELECT 1 FROM daily_ledger WHERE account_id = $1 AND usage_date = $2
			`, settlement.AccountID, settlement.Date).Scan(&one)
			return notFound(err)
		}

		if apply == nil {
			apply = func(*models.Account) error { return nil }
		}
		account, err = updateAccountTx(ctx, tx, settlement.AccountID, apply)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return account, claimed, nil
}

// RepairUsage overwrites one amount under a row lock and stores the audit record.
func (s *Store) RepairUsage(ctx context.Context, accountID, date string, kind models.Resource, value float64, record func(old float64) *models.AuditRecord) (float64, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return 0, err
	}

	var old float64
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO daily_ledger (account_id, usage_date) VALUES ($1, $2)
			ON CONFLICT (account_id, usage_date) DO NOTHING
		`, accountID, date); err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
			SELECT `+cols.amount+` FROM daily_ledger
			WHERE account_id = $1 AND usage_date = $2
			FOR UPDATE
		`, accountID, date).Scan(&old); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE daily_ledger SET `+cols.amount+` = $3, updated_at = NOW()
			WHERE account_id = $1 AND usage_date = $2
		`, accountID, date, value); err != nil {
			return err
		}

		if record == nil {
			return nil
		}
		rec := record(old)
		if rec == nil {
			return nil
		}
		return insertAudit(ctx, tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return old, nil
}

func collectEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(
		&e.AccountID,
		&e.Date,
		&e.Water,
		&e.Electricity,
		&e.WaterSensorActive,
		&e.ElectricitySensorActive,
		&e.Score,
		&e.ScoredAt,
		&e.EffectiveElectricity,
		&e.ElectricityBaselineUsed,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
