package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

const deviceColumns = `
	id, type, account_id, status, current_session_id, api_key_hash, last_seen,
	last_completed_session, last_force_ended_session, updated_at`

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	device, err := scanDevice(row)
	if err != nil {
		return nil, notFound(err)
	}
	return device, nil
}

// ReleaseDevice sets the device idle if it is still bound to the session.
func (s *Store) ReleaseDevice(ctx context.Context, release models.DeviceRelease) error {
	column := "last_force_ended_session"
	if release.Completed {
		column = "last_completed_session"
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET status = $3,
		    current_session_id = '',
		    last_seen = $4,
		    `+column+` = $2,
		    updated_at = $4
		WHERE id = $1 AND (current_session_id = '' OR current_session_id = $2)
	`, release.DeviceID, release.SessionID, models.DeviceIdle, release.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetDevice(ctx, release.DeviceID); err != nil {
		return err
	}
	return nil
}

// TouchDevice records device liveness.
func (s *Store) TouchDevice(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LatestDevice returns the most recently seen device of a type for the account.
func (s *Store) LatestDevice(ctx context.Context, accountID string, kind models.Resource) (*models.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE account_id = $1 AND type = $2
		ORDER BY last_seen DESC NULLS LAST
		LIMIT 1
	`, accountID, kind)
	device, err := scanDevice(row)
	if err != nil {
		return nil, notFound(err)
	}
	return device, nil
}

// GetCard resolves a physical token.
func (s *Store) GetCard(ctx context.Context, id string) (*models.Card, error) {
	var card models.Card
	err := s.pool.QueryRow(ctx, `SELECT id, account_id, created_at FROM cards WHERE id = $1`, id).
		Scan(&card.ID, &card.AccountID, &card.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &card, nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.ID,
		&d.Type,
		&d.AccountID,
		&d.Status,
		&d.CurrentSessionID,
		&d.APIKeyHash,
		&d.LastSeen,
		&d.LastCompletedSession,
		&d.LastForceEndedSession,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
