package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

const sessionColumns = `
	id, account_id, token_id, device_id, resource, status, start_time, end_request_time, end_time,
	quantity, duration_seconds, end_reason, ledger_recorded, estimated, force_ended, force_end_reason,
	timeout_type, failure_type, interrupted_by, maintenance_mode, created_at, updated_at`

// CreateSession inserts the session and claims the device. The partial unique
// indexes on open sessions reject a second open session per account or device.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO usage_sessions (
				id, account_id, token_id, device_id, resource, status, start_time,
				end_reason, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7, $7)
		`,
			session.ID,
			session.AccountID,
			session.TokenID,
			session.DeviceID,
			session.Resource,
			session.Status,
			session.StartTime,
			session.EndReason,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrOpenSessionExists
			}
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE devices
			SET status = $2, current_session_id = $3, updated_at = $4
			WHERE id = $1
		`, session.DeviceID, models.DeviceMeasuring, session.ID, session.StartTime)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM usage_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

// OpenSessionForAccount returns the account's active or ending session.
func (s *Store) OpenSessionForAccount(ctx context.Context, accountID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM usage_sessions
		WHERE account_id = $1 AND status IN ('active', 'ending')
	`, accountID)
	session, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

// UpdateSession writes every mutable field guarded by the expected statuses.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session, from ...models.SessionStatus) error {
	return updateSession(ctx, s.pool, session, from...)
}

func updateSession(ctx context.Context, q querier, session *models.Session, from ...models.SessionStatus) error {
	var expected []string
	for _, status := range from {
		expected = append(expected, string(status))
	}

	tag, err := q.Exec(ctx, `
		UPDATE usage_sessions
		SET status = $2,
		    end_request_time = $3,
		    end_time = $4,
		    quantity = $5,
		    duration_seconds = $6,
		    end_reason = $7,
		    ledger_recorded = $8,
		    estimated = $9,
		    force_ended = $10,
		    force_end_reason = $11,
		    timeout_type = $12,
		    failure_type = $13,
		    interrupted_by = $14,
		    maintenance_mode = $15,
		    updated_at = $16
		WHERE id = $1 AND ($17::text[] IS NULL OR status = ANY($17))
	`,
		session.ID,
		session.Status,
		session.EndRequestTime,
		session.EndTime,
		session.Quantity,
		session.DurationSeconds,
		session.EndReason,
		session.LedgerRecorded,
		session.Estimated,
		session.ForceEnded,
		session.ForceEndReason,
		session.TimeoutType,
		session.FailureType,
		session.InterruptedBy,
		session.MaintenanceMode,
		session.UpdatedAt,
		expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM usage_sessions WHERE id = $1)`, session.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStaleStatus
}

// ListOpenSessions returns open sessions, oldest first.
func (s *Store) ListOpenSessions(ctx context.Context, filter repository.OpenSessionFilter) ([]models.Session, error) {
	var startedBefore *time.Time
	if !filter.StartedBefore.IsZero() {
		startedBefore = &filter.StartedBefore
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM usage_sessions
		WHERE status IN ('active', 'ending')
		  AND ($1::text[] IS NULL OR device_id = ANY($1))
		  AND ($2::timestamptz IS NULL OR start_time < $2)
		ORDER BY start_time ASC
		LIMIT $3
	`, nullableStrings(filter.DeviceIDs), startedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListRecordedSessions returns sessions whose usage reached the ledger, ended in [from, to).
func (s *Store) ListRecordedSessions(ctx context.Context, accountID string, from, to time.Time) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM usage_sessions
		WHERE account_id = $1 AND ledger_recorded AND end_time >= $2 AND end_time < $3
		ORDER BY end_time ASC
	`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.TokenID,
		&s.DeviceID,
		&s.Resource,
		&s.Status,
		&s.StartTime,
		&s.EndRequestTime,
		&s.EndTime,
		&s.Quantity,
		&s.DurationSeconds,
		&s.EndReason,
		&s.LedgerRecorded,
		&s.Estimated,
		&s.ForceEnded,
		&s.ForceEndReason,
		&s.TimeoutType,
		&s.FailureType,
		&s.InterruptedBy,
		&s.MaintenanceMode,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func nullableStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return values
}
