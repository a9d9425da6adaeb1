package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"aquatrack/backend/services/usage-service/internal/models"
)

// GetAccount returns an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, `SELECT id, meter, level, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Meter, &a.Level, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateAccount locks the account row, applies fn and writes the result back.
func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(*models.Account) error) (*models.Account, error) {
	var account *models.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		account, err = updateAccountTx(ctx, tx, id, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func updateAccountTx(ctx context.Context, tx pgx.Tx, id string, fn func(*models.Account) error) (*models.Account, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, meter, level) VALUES ($1, $2, 0)
		ON CONFLICT (id) DO NOTHING
	`, id, models.MeterInitial); err != nil {
		return nil, err
	}

	var account models.Account
	if err := tx.QueryRow(ctx, `
		SELECT id, meter, level, updated_at FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&account.ID, &account.Meter, &account.Level, &account.UpdatedAt); err != nil {
		return nil, err
	}

	if err := fn(&account); err != nil {
		return nil, err
	}

	account.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET meter = $2, level = $3, updated_at = $4 WHERE id = $1
	`, id, account.Meter, account.Level, account.UpdatedAt); err != nil {
		return nil, err
	}
	return &account, nil
}
