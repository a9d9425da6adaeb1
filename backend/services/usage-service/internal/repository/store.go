package repository

import (
	"context"
	"errors"
	"time"

	"aquatrack/backend/services/usage-service/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrOpenSessionExists is returned when a create would give an account or device a second open session.
	ErrOpenSessionExists = errors.New("repository: open session exists")
	// ErrStaleStatus is returned when a conditional session update finds an unexpected status.
	ErrStaleStatus = errors.New("repository: session status changed")
)

// SessionStore persists sessions and the open-session indexes.
type SessionStore interface {
	// CreateSession stores an active session and marks its device measuring in one
	// transaction. It fails with ErrOpenSessionExists when the account or device
	// already has an open session.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	OpenSessionForAccount(ctx context.Context, accountID string) (*models.Session, error)
	// UpdateSession overwrites the session when its stored status is one of from,
	// otherwise it returns ErrStaleStatus.
	UpdateSession(ctx context.Context, session *models.Session, from ...models.SessionStatus) error
	ListOpenSessions(ctx context.Context, filter OpenSessionFilter) ([]models.Session, error)
	// ListRecordedSessions returns sessions of the account whose usage reached the
	// ledger and that ended within [from, to).
	ListRecordedSessions(ctx context.Context, accountID string, from, to time.Time) ([]models.Session, error)
}

// OpenSessionFilter narrows ListOpenSessions.
type OpenSessionFilter struct {
	DeviceIDs     []string
	StartedBefore time.Time
	Limit         int
}

// DeviceStore persists devices.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	// ReleaseDevice returns the device to idle if it still points at the session.
	ReleaseDevice(ctx context.Context, release models.DeviceRelease) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
	// LatestDevice returns the most recently seen device of the given type for an account.
	LatestDevice(ctx context.Context, accountID string, kind models.Resource) (*models.Device, error)
}

// CardStore maps physical tokens to accounts.
type CardStore interface {
	GetCard(ctx context.Context, id string) (*models.Card, error)
}

// LedgerStore persists daily ledger entries.
type LedgerStore interface {
	// IncrementUsage adds to the entry and flags the resource sensor active. A repeated
	// SourceID is ignored and reported with applied=false.
	IncrementUsage(ctx context.Context, inc models.LedgerIncrement) (applied bool, err error)
	// RecordSessionUsage closes a session with the conditional update of
	// SessionStore.UpdateSession and applies inc in the same transaction. A stale
	// status returns ErrStaleStatus. A SourceID that was already applied returns
	// applied=false. In both cases nothing is written.
	RecordSessionUsage(ctx context.Context, inc models.LedgerIncrement, session *models.Session, from ...models.SessionStatus) (applied bool, err error)
	GetEntry(ctx context.Context, accountID, date string) (*models.LedgerEntry, error)
	// ListEntries returns entries with from <= date <= to ordered by date.
	ListEntries(ctx context.Context, accountID, from, to string) ([]models.LedgerEntry, error)
	// ListUnscoredEntries returns entries dated before the given day with no score.
	ListUnscoredEntries(ctx context.Context, accountID, before string) ([]models.LedgerEntry, error)
	ListAccountsWithUnscored(ctx context.Context, before string) ([]string, error)
	// SettleScore writes the score once and runs apply on the owning account in the
	// same transaction. An already scored entry returns claimed=false without calling
	// apply. An error from apply leaves both the entry and the account unchanged.
	SettleScore(ctx context.Context, settlement models.ScoreSettlement, apply func(*models.Account) error) (account *models.Account, claimed bool, err error)
	// RepairUsage overwrites one resource amount and stores the audit record built
	// from the previous value in the same transaction.
	RepairUsage(ctx context.Context, accountID, date string, kind models.Resource, value float64, record func(old float64) *models.AuditRecord) (old float64, err error)
}

// AccountStore persists accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	// UpdateAccount runs fn on the current account inside a transaction scoped to that
	// account and persists the result. Missing accounts start from models.NewAccount.
	UpdateAccount(ctx context.Context, id string, fn func(*models.Account) error) (*models.Account, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	InsertAudit(ctx context.Context, record *models.AuditRecord) error
	ListAudit(ctx context.Context, accountID string, limit int) ([]models.AuditRecord, error)
}

// Store groups every store the service needs.
type Store interface {
	Sessions() SessionStore
	Devices() DeviceStore
	Cards() CardStore
	Ledger() LedgerStore
	Accounts() AccountStore
	Audit() AuditStore
	Close() error
}
