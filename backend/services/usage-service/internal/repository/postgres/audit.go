package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aquatrack/backend/services/usage-service/internal/models"
)

// execer and querier are satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type querier interface {
	execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAudit(ctx context.Context, db execer, record *models.AuditRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO audit_records (
			id, action, actor, account_id, usage_date, resource, old_value, new_value, delta, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		record.ID,
		record.Action,
		record.Actor,
		record.AccountID,
		record.Date,
		record.Resource,
		record.OldValue,
		record.NewValue,
		record.Delta,
		record.Metadata,
		record.CreatedAt,
	)
	return err
}

// InsertAudit appends an audit record.
func (s *Store) InsertAudit(ctx context.Context, record *models.AuditRecord) error {
	return insertAudit(ctx, s.pool, record)
}

// ListAudit returns the newest records, optionally for one account.
func (s *Store) ListAudit(ctx context.Context, accountID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, actor, account_id, usage_date, resource, old_value, new_value, delta, metadata, created_at
		FROM audit_records
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		if err := rows.Scan(
			&r.ID,
			&r.Action,
			&r.Actor,
			&r.AccountID,
			&r.Date,
			&r.Resource,
			&r.OldValue,
			&r.NewValue,
			&r.Delta,
			&r.Metadata,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
