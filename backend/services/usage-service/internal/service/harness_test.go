package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
	"aquatrack/backend/services/usage-service/internal/repository/memory"
)

var testStart = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

type sentCommand struct {
	deviceID string
	cmd      models.DeviceCommand
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []sentCommand
	failing map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failing: make(map[string]error)}
}

func (f *fakeDispatcher) Send(_ context.Context, deviceID string, cmd models.DeviceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[cmd.Command]; ok {
		return err
	}
	f.sent = append(f.sent, sentCommand{deviceID: deviceID, cmd: cmd})
	return nil
}

func (f *fakeDispatcher) failCommand(command string, err error) {
	f.mu.Lock()
	f.failing[command] = err
	f.mu.Unlock()
}

func (f *fakeDispatcher) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCommand, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeDispatcher) last() sentCommand {
	cmds := f.commands()
	if len(cmds) == 0 {
		return sentCommand{}
	}
	return cmds[len(cmds)-1]
}

type staticTokens map[string]string

func (s staticTokens) Resolve(_ context.Context, tokenID string) (string, error) {
	accountID, ok := s[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, tokenID)
	}
	return accountID, nil
}

// flakyLedger fails writes while fail is set. A hook set with interleave runs once,
// just before the next session record reaches the store.
type flakyLedger struct {
	repository.LedgerStore
	mu           sync.Mutex
	fail         bool
	beforeRecord func()
}

func (f *flakyLedger) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyLedger) interleave(fn func()) {
	f.mu.Lock()
	f.beforeRecord = fn
	f.mu.Unlock()
}

func (f *flakyLedger) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyLedger) IncrementUsage(ctx context.Context, inc models.LedgerIncrement) (bool, error) {
	if f.failing() {
		return false, errors.New("connection reset")
	}
	return f.LedgerStore.IncrementUsage(ctx, inc)
}

func (f *flakyLedger) RecordSessionUsage(ctx context.Context, inc models.LedgerIncrement, session *models.Session, from ...models.SessionStatus) (bool, error) {
	if f.failing() {
		return false, errors.New("connection reset")
	}
	f.mu.Lock()
	hook := f.beforeRecord
	f.beforeRecord = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.LedgerStore.RecordSessionUsage(ctx, inc, session, from...)
}

type harness struct {
	store      *memory.Store
	ledger     *flakyLedger
	dispatcher *fakeDispatcher
	manager    *SessionManager
	usage      *UsageLedger
	now        time.Time
}

func newHarness(t *testing.T, cfg SessionConfig) *harness {
	t.Helper()

	h := &harness{
		store:      memory.New(),
		dispatcher: newFakeDispatcher(),
		now:        testStart,
	}
	h.ledger = &flakyLedger{LedgerStore: h.store.Ledger()}

	for _, d := range []models.Device{
		{ID: "dev-w1", Type: models.ResourceWater, AccountID: "acct-1"},
		{ID: "dev-w2", Type: models.ResourceWater, AccountID: "acct-1"},
		{ID: "dev-w3", Type: models.ResourceWater, AccountID: "acct-3"},
		{ID: "dev-e1", Type: models.ResourceElectricity, AccountID: "acct-1"},
	} {
		h.store.PutDevice(d)
	}

	originalID := newSessionID
	var seq atomic.Int64
	newSessionID = func() string {
		return fmt.Sprintf("sess-%d", seq.Add(1))
	}
	t.Cleanup(func() { newSessionID = originalID })

	logger := zap.NewNop()
	h.usage = NewUsageLedger(h.ledger, time.UTC, logger)
	h.manager = NewSessionManager(SessionDeps{
		Sessions:   h.store.Sessions(),
		Devices:    h.store.Devices(),
		Audit:      h.store.Audit(),
		Tokens:     staticTokens{"tok-1": "acct-1", "tok-2": "acct-2", "tok-3": "acct-3"},
		Ledger:     h.usage,
		Dispatcher: h.dispatcher,
	}, cfg, logger)
	h.manager.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

func (h *harness) device(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := h.store.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("get device %s: %v", id, err)
	}
	return d
}

func (h *harness) start(t *testing.T, token, device string, resource models.Resource) *StartResult {
	t.Helper()
	res, err := h.manager.Start(context.Background(), StartInput{TokenID: token, DeviceID: device, Resource: resource})
	if err != nil {
		t.Fatalf("start %s on %s: %v", token, device, err)
	}
	return res
}
