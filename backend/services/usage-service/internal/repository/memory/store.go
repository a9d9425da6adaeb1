package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// Store keeps every record in process memory. A single mutex serialises writes.
type Store struct {
	mu sync.RWMutex

	sessions    map[string]*models.Session
	openAccount map[string]string
	openDevice  map[string]string

	devices  map[string]*models.Device
	cards    map[string]*models.Card
	ledger   map[ledgerKey]*models.LedgerEntry
	applied  map[string]struct{}
	accounts map[string]*models.Account
	audit    []models.AuditRecord
}

type ledgerKey struct {
	account string
	date    string
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*models.Session),
		openAccount: make(map[string]string),
		openDevice:  make(map[string]string),
		devices:     make(map[string]*models.Device),
		cards:       make(map[string]*models.Card),
		ledger:      make(map[ledgerKey]*models.LedgerEntry),
		applied:     make(map[string]struct{}),
		accounts:    make(map[string]*models.Account),
	}
}

func (s *Store) Sessions() repository.SessionStore { return s }
func (s *Store) Devices() repository.DeviceStore { return s }
func (s *Store) Cards() repository.CardStore { return s }
func (s *Store) Ledger() repository.LedgerStore { return s }
func (s *Store) Accounts() repository.AccountStore { return s }
func (s *Store) Audit() repository.AuditStore { return s }
func (s *Store) Close() error { return nil }

// PutDevice registers or replaces a device.
func (s *Store) PutDevice(device models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.Status == "" {
		device.Status = models.DeviceIdle
	}
	s.devices[device.ID] = &device
}

// PutCard registers or replaces a card.
func (s *Store) PutCard(card models.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = &card
}

// PutAccount registers or replaces an account.
func (s *Store) PutAccount(account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = &account
}

// PutLedgerEntry registers or replaces a ledger entry.
func (s *Store) PutLedgerEntry(entry models.LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[ledgerKey{entry.AccountID, entry.Date}] = entry.Clone()
}

// Sessions

func (s *Store) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.openAccount[session.AccountID]; ok {
		return repository.ErrOpenSessionExists
	}
	if _, ok := s.openDevice[session.DeviceID]; ok {
		return repository.ErrOpenSessionExists
	}
	device, ok := s.devices[session.DeviceID]
	if !ok {
		return repository.ErrNotFound
	}

	s.sessions[session.ID] = session.Clone()
	s.openAccount[session.AccountID] = session.ID
	s.openDevice[session.DeviceID] = session.ID
	device.Status = models.DeviceMeasuring
	device.CurrentSessionID = session.ID
	device.UpdatedAt = session.StartTime
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *Store) OpenSessionForAccount(_ context.Context, accountID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openAccount[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.sessions[id].Clone(), nil
}

func (s *Store) UpdateSession(_ context.Context, session *models.Session, from ...models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStatus(session.ID, from); err != nil {
		return err
	}
	s.putSession(session)
	return nil
}

func (s *Store) checkStatus(id string, from []models.SessionStatus) error {
	current, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, current.Status) {
		return repository.ErrStaleStatus
	}
	return nil
}

func (s *Store) putSession(session *models.Session) {
	s.sessions[session.ID] = session.Clone()
	if !session.Status.Open() {
		if s.openAccount[session.AccountID] == session.ID {
			delete(s.openAccount, session.AccountID)
		}
		if s.openDevice[session.DeviceID] == session.ID {
			delete(s.openDevice, session.DeviceID)
		}
	}
}

func (s *Store) ListOpenSessions(_ context.Context, filter repository.OpenSessionFilter) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, id := range s.openDevice {
		session := s.sessions[id]
		if len(filter.DeviceIDs) > 0 && !slices.Contains(filter.DeviceIDs, session.DeviceID) {
			continue
		}
		if !filter.StartedBefore.IsZero() && !session.StartTime.Before(filter.StartedBefore) {
			continue
		}
		out = append(out, *session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListRecordedSessions(_ context.Context, accountID string, from, to time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, session := range s.sessions {
		if session.AccountID != accountID || !session.LedgerRecorded || session.EndTime == nil {
			continue
		}
		if session.EndTime.Before(from) || !session.EndTime.Before(to) {
			continue
		}
		out = append(out, *session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(*out[j].EndTime) })
	return out, nil
}

// Devices

func (s *Store) GetDevice(_ context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *device
	return &out, nil
}

func (s *Store) ReleaseDevice(_ context.Context, release models.DeviceRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[release.DeviceID]
	if !ok {
		return repository.ErrNotFound
	}
	if device.CurrentSessionID != "" && device.CurrentSessionID != release.SessionID {
		return nil
	}
	at := release.At
	device.Status = models.DeviceIdle
	device.CurrentSessionID = ""
	device.LastSeen = &at
	device.UpdatedAt = at
	if release.Completed {
		device.LastCompletedSession = release.SessionID
	} else {
		device.LastForceEndedSession = release.SessionID
	}
	return nil
}

func (s *Store) TouchDevice(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	device.LastSeen = &at
	return nil
}

func (s *Store) LatestDevice(_ context.Context, accountID string, kind models.Resource) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Device
	for _, device := range s.devices {
		if device.AccountID != accountID || device.Type != kind {
			continue
		}
		if latest == nil || seenAfter(device, latest) {
			latest = device
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func seenAfter(a, b *models.Device) bool {
	if a.LastSeen == nil {
		return false
	}
	return b.LastSeen == nil || a.LastSeen.After(*b.LastSeen)
}

// Cards

func (s *Store) GetCard(_ context.Context, id string) (*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *card
	return &out, nil
}

// Ledger

func (s *Store) IncrementUsage(_ context.Context, inc models.LedgerIncrement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sourceApplied(inc.SourceID) {
		return false, nil
	}
	s.applyIncrement(inc)
	return true, nil
}

func (s *Store) RecordSessionUsage(_ context.Context, inc models.LedgerIncrement, session *models.Session, from ...models.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStatus(session.ID, from); err != nil {
		return false, err
	}
	if s.sourceApplied(inc.SourceID) {
		return false, nil
	}
	s.applyIncrement(inc)
	s.putSession(session)
	return true, nil
}

func (s *Store) sourceApplied(sourceID string) bool {
	if sourceID == "" {
		return false
	}
	_, ok := s.applied[sourceID]
	return ok
}

func (s *Store) applyIncrement(inc models.LedgerIncrement) {
	if inc.SourceID != "" {
		s.applied[inc.SourceID] = struct{}{}
	}
	key := ledgerKey{inc.AccountID, inc.Date}
	entry, ok := s.ledger[key]
	if !ok {
		entry = &models.LedgerEntry{AccountID: inc.AccountID, Date: inc.Date}
		s.ledger[key] = entry
	}
	switch inc.Resource {
	case models.ResourceWater:
		entry.Water += inc.Amount
		entry.WaterSensorActive = true
	case models.ResourceElectricity:
		entry.Electricity += inc.Amount
		entry.ElectricitySensorActive = true
	}
	entry.UpdatedAt = time.Now().UTC()
}

func (s *Store) GetEntry(_ context.Context, accountID, date string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.ledger[ledgerKey{accountID, date}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *Store) ListEntries(_ context.Context, accountID, from, to string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEntries(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && e.Date >= from && e.Date <= to
	}), nil
}

func (s *Store) ListUnscoredEntries(_ context.Context, accountID, before string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEntries(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && e.Date < before && !e.Scored()
	}), nil
}

func (s *Store) ListAccountsWithUnscored(_ context.Context, before string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, entry := range s.ledger {
		if entry.Date >= before || entry.Scored() {
			continue
		}
		if _, ok := seen[entry.AccountID]; ok {
			continue
		}
		seen[entry.AccountID] = struct{}{}
		out = append(out, entry.AccountID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) collectEntries(match func(*models.LedgerEntry) bool) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, entry := range s.ledger {
		if match(entry) {
			out = append(out, *entry.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (s *Store) SettleScore(_ context.Context, settlement models.ScoreSettlement, apply func(*models.Account) error) (*models.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[ledgerKey{settlement.AccountID, settlement.Date}]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if entry.Scored() {
		return nil, false, nil
	}

	working := s.workingAccount(settlement.AccountID)
	if apply != nil {
		if err := apply(working); err != nil {
			return nil, false, err
		}
	}

	score := settlement.Score
	scoredAt := settlement.ScoredAt
	effective := settlement.EffectiveElectricity
	entry.Score = &score
	entry.ScoredAt = &scoredAt
	entry.EffectiveElectricity = &effective
	entry.ElectricityBaselineUsed = settlement.ElectricityBaselineUsed
	return s.putAccount(working), true, nil
}

func (s *Store) RepairUsage(_ context.Context, accountID, date string, kind models.Resource, value float64, record func(old float64) *models.AuditRecord) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{accountID, date}
	entry, ok := s.ledger[key]
	if !ok {
		entry = &models.LedgerEntry{AccountID: accountID, Date: date}
		s.ledger[key] = entry
	}
	old := entry.Amount(kind)
	switch kind {
	case models.ResourceWater:
		entry.Water = value
	case models.ResourceElectricity:
		entry.Electricity = value
	}
	entry.UpdatedAt = time.Now().UTC()

	if record != nil {
		if rec := record(old); rec != nil {
			s.audit = append(s.audit, *rec)
		}
	}
	return old, nil
}

// Accounts

func (s *Store) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *account
	return &out, nil
}

func (s *Store) UpdateAccount(_ context.Context, id string, fn func(*models.Account) error) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.workingAccount(id)
	if err := fn(working); err != nil {
		return nil, err
	}
	return s.putAccount(working), nil
}

// workingAccount returns a detached copy of the account, or a fresh one. Callers hold mu.
func (s *Store) workingAccount(id string) *models.Account {
	working := models.NewAccount(id)
	if current, ok := s.accounts[id]; ok {
		*working = *current
	}
	return working
}

func (s *Store) putAccount(working *models.Account) *models.Account {
	working.UpdatedAt = time.Now().UTC()
	s.accounts[working.ID] = working
	out := *working
	return &out
}

// Audit

func (s *Store) InsertAudit(_ context.Context, record *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *record)
	return nil
}

func (s *Store) ListAudit(_ context.Context, accountID string, limit int) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if accountID != "" && s.audit[i].AccountID != accountID {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
