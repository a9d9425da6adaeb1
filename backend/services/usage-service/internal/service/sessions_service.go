package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// End and force-end reasons.
const (
	ReasonManual                    = "manual"
	ReasonCompleted                 = "completed"
	ReasonInterrupted               = "interrupted"
	ReasonInterruptedByNewSession   = "interrupted_by_new_session"
	ReasonTimeout                   = "timeout"
	ReasonSessionTimeout            = "session_timeout"
	ReasonNoFlowTimeout             = "no_flow_timeout"
	ReasonDeviceOffline             = "device_offline"
	ReasonCommunicationFailure      = "communication_failure"
	ReasonDeviceCommunicationFailed = "device_communication_failed"
	ReasonSystemMaintenance         = "system_maintenance"

	stopReasonManual = "manual_stop"
	systemActor      = "system"
)

const (
	defaultDispatchTimeout = 3 * time.Second
	defaultBulkChunkSize   = 50
	defaultBulkConcurrency = 8
	defaultEstimateRate    = 2.0
	defaultCandidateLimit  = 50
	highUrgencyAfter       = 30 * time.Minute
	mediumUrgencyAfter     = 15 * time.Minute
)

var newSessionID = func() string {
	return uuid.NewString()
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	DispatchTimeout       time.Duration
	BulkChunkSize         int
	BulkConcurrency       int
	MaxSessionDuration    time.Duration
	EstimateRatePerMinute float64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.BulkChunkSize <= 0 {
		c.BulkChunkSize = defaultBulkChunkSize
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = defaultBulkConcurrency
	}
	if c.EstimateRatePerMinute <= 0 {
		c.EstimateRatePerMinute = defaultEstimateRate
	}
	return c
}

// SessionDeps are the collaborators of SessionManager.
type SessionDeps struct {
	Sessions   repository.SessionStore
	Devices    repository.DeviceStore
	Audit      repository.AuditStore
	Tokens     TokenResolver
	Ledger     *UsageLedger
	Dispatcher CommandDispatcher
}

// SessionManager owns the session state machine.
type SessionManager struct {
	sessions   repository.SessionStore
	devices    repository.DeviceStore
	audit      repository.AuditStore
	tokens     TokenResolver
	ledger     *UsageLedger
	dispatcher CommandDispatcher
	cfg        SessionConfig
	logger     *zap.Logger
	now        Clock
}

// NewSessionManager builds the session manager.
func NewSessionManager(deps SessionDeps, cfg SessionConfig, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions:   deps.Sessions,
		devices:    deps.Devices,
		audit:      deps.Audit,
		tokens:     deps.Tokens,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        systemClock,
	}
}

// StartInput is a token tap on a device.
type StartInput struct {
	TokenID  string
	DeviceID string
	Resource models.Resource
}

// StartResult identifies the created session.
type StartResult struct {
	SessionID            string    `json:"session_id"`
	AccountID            string    `json:"account_id"`
	StartTime            time.Time `json:"start_time"`
	InterruptedSessionID string    `json:"interrupted_session_id,omitempty"`
}

// Start opens a session for the token's account on the device. An open session of
// the same account is force-ended first. The start command is the one dispatch whose
// failure fails the session, since no telemetry can arrive without it.
func (m *SessionManager) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	if in.TokenID == "" || in.DeviceID == "" {
		return nil, invalid("token id and device id are required")
	}
	if in.Resource == "" {
		in.Resource = models.ResourceWater
	}
	if !in.Resource.Valid() {
		return nil, invalid("unknown resource %q", in.Resource)
	}

	accountID, err := m.tokens.Resolve(ctx, in.TokenID)
	if err != nil {
		return nil, err
	}

	device, err := m.devices.GetDevice(ctx, in.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if device.Type != in.Resource {
		return nil, fmt.Errorf("%w: device %s measures %s, not %s", ErrWrongDeviceType, device.ID, device.Type, in.Resource)
	}

	sessionID := newSessionID()
	result := &StartResult{SessionID: sessionID, AccountID: accountID}

	open, err := m.sessions.OpenSessionForAccount(ctx, accountID)
	switch {
	case err == nil:
		_, endErr := m.forceEnd(ctx, open, ForceEndInput{
			Reason: ReasonInterruptedByNewSession,
			Actor:  systemActor,
		}, sessionID, false)
		if endErr != nil && !errors.Is(endErr, ErrWrongState) {
			return nil, fmt.Errorf("end previous session %s: %w", open.ID, endErr)
		}
		result.InterruptedSessionID = open.ID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	now := m.now()
	session := &models.Session{
		ID:        sessionID,
		AccountID: accountID,
		TokenID:   in.TokenID,
		DeviceID:  device.ID,
		Resource:  in.Resource,
		Status:    models.SessionActive,
		StartTime: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		switch {
		case errors.Is(err, repository.ErrOpenSessionExists):
			return nil, ErrSessionConflict
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(string(models.SessionActive), "start").Inc()
	result.StartTime = now

	cmd := models.DeviceCommand{
		Command:   models.CommandStartMeasurement,
		SessionID: sessionID,
		UserID:    accountID,
	}
	if err := m.dispatch(ctx, device.ID, cmd); err != nil {
		m.failStart(ctx, session)
		return nil, fmt.Errorf("%w: %w", ErrDeviceCommFailed, err)
	}

	m.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("account_id", accountID),
		zap.String("device_id", device.ID),
		zap.String("resource", string(in.Resource)),
	)
	return result, nil
}

func (m *SessionManager) failStart(ctx context.Context, session *models.Session) {
	now := m.now()
	failed := session.Clone()
	failed.Status = models.SessionFailed
	failed.EndReason = ReasonDeviceCommunicationFailed
	failed.FailureType = ReasonDeviceCommunicationFailed
	failed.EndTime = &now
	failed.DurationSeconds = durationPtr(now.Sub(session.StartTime))
	failed.UpdatedAt = now

	if err := m.sessions.UpdateSession(ctx, failed, models.SessionActive); err != nil {
		m.logger.Error("failed to mark session failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	m.observeTerminal(failed)
	m.release(ctx, failed, false)
}

// EndRequestResult acknowledges an end request.
type EndRequestResult struct {
	SessionID      string               `json:"session_id"`
	Status         models.SessionStatus `json:"status"`
	EndRequestTime time.Time            `json:"end_request_time"`
	StopDelivered  bool                 `json:"stop_delivered"`
}

// RequestEnd moves an active session to ending on a tap of the owning token.
func (m *SessionManager) RequestEnd(ctx context.Context, tokenID, sessionID string) (*EndRequestResult, error) {
	if tokenID == "" || sessionID == "" {
		return nil, invalid("token id and session id are required")
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, sessionLookupErr(err)
	}
	if session.TokenID != tokenID {
		return nil, ErrTokenMismatch
	}
	if session.Status != models.SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrWrongState, session.ID, session.Status)
	}

	cmd := models.DeviceCommand{
		Command:   models.CommandStopMeasurement,
		SessionID: session.ID,
		Reason:    stopReasonManual,
	}
	delivered := true
	if err := m.dispatch(ctx, session.DeviceID, cmd); err != nil {
		delivered = false
		m.logger.Warn("stop command not delivered",
			zap.String("session_id", session.ID),
			zap.String("device_id", session.DeviceID),
			zap.Error(err),
		)
	}

	now := m.now()
	ending := session.Clone()
	ending.Status = models.SessionEnding
	ending.EndRequestTime = &now
	ending.EndReason = ReasonManual
	ending.UpdatedAt = now
	if err := m.sessions.UpdateSession(ctx, ending, models.SessionActive); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: session %s changed status", ErrWrongState, session.ID)
		}
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(string(models.SessionEnding), ReasonManual).Inc()

	return &EndRequestResult{
		SessionID:      session.ID,
		Status:         models.SessionEnding,
		EndRequestTime: now,
		StopDelivered:  delivered,
	}, nil
}

// MeasurementInput is the final telemetry of a session.
type MeasurementInput struct {
	DeviceID        string
	SessionID       string
	TotalQuantity   float64
	DurationSeconds int64
	EndReason       string
}

// MeasurementResult acknowledges settled telemetry.
type MeasurementResult struct {
	SessionID        string               `json:"session_id"`
	Status           models.SessionStatus `json:"status"`
	Date             string               `json:"date"`
	Quantity         float64              `json:"quantity"`
	RecordedToLedger bool                 `json:"recorded_to_ledger"`
}

// SubmitMeasurement settles a session from device telemetry. The ledger write and
// the completion are one store transaction and a failure is fatal: the session stays
// open and the device stays measuring so the device can retry. A session that was
// closed by someone else first is reported as ErrInvalidState and nothing is recorded.
func (m *SessionManager) SubmitMeasurement(ctx context.Context, in MeasurementInput) (*MeasurementResult, error) {
	if in.DeviceID == "" || in.SessionID == "" {
		return nil, invalid("device id and session id are required")
	}
	if in.TotalQuantity < 0 || math.IsNaN(in.TotalQuantity) || math.IsInf(in.TotalQuantity, 0) {
		return nil, invalid("total quantity must be a non-negative number")
	}
	if in.DurationSeconds < 0 {
		return nil, invalid("duration must be non-negative")
	}

	session, err := m.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, sessionLookupErr(err)
	}
	if session.DeviceID != in.DeviceID {
		return nil, ErrDeviceMismatch
	}
	if !session.Status.Open() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidState, session.ID, session.Status)
	}

	now := m.now()
	date := m.ledger.Day(now)
	endReason := strings.TrimSpace(in.EndReason)
	if endReason == "" {
		endReason = ReasonCompleted
	}
	quantity := in.TotalQuantity
	duration := in.DurationSeconds

	completed := session.Clone()
	completed.Status = models.SessionCompleted
	completed.EndTime = &now
	completed.Quantity = &quantity
	completed.DurationSeconds = &duration
	completed.EndReason = endReason
	completed.LedgerRecorded = true
	completed.UpdatedAt = now

	applied, err := m.ledger.RecordSession(ctx, models.LedgerIncrement{
		AccountID: session.AccountID,
		Date:      date,
		Resource:  session.Resource,
		Amount:    in.TotalQuantity,
		SourceID:  session.ID,
	}, completed, models.OpenStatuses...)
	switch {
	case errors.Is(err, repository.ErrStaleStatus):
		m.logger.Warn("measurement for session closed concurrently",
			zap.String("session_id", session.ID),
			zap.String("account_id", session.AccountID),
			zap.Float64("quantity", in.TotalQuantity),
		)
		return nil, fmt.Errorf("%w: session %s changed status", ErrInvalidState, session.ID)
	case err != nil:
		m.logger.Error("ledger write failed, session left open",
			zap.String("session_id", session.ID),
			zap.String("account_id", session.AccountID),
			zap.Float64("quantity", in.TotalQuantity),
			zap.Error(err),
		)
		return nil, err
	case !applied:
		return nil, fmt.Errorf("%w: usage for session %s already recorded", ErrInvalidState, session.ID)
	}
	m.observeTerminal(completed)
	m.release(ctx, completed, true)

	m.logger.Info("session completed",
		zap.String("session_id", session.ID),
		zap.String("account_id", session.AccountID),
		zap.String("date", date),
		zap.Float64("quantity", quantity),
	)
	return &MeasurementResult{
		SessionID:        session.ID,
		Status:           models.SessionCompleted,
		Date:             date,
		Quantity:         quantity,
		RecordedToLedger: true,
	}, nil
}

// ForceEndInput is an administrative or system force-end.
type ForceEndInput struct {
	SessionID         string
	Reason            string
	EstimatedQuantity float64
	ForceComplete     bool
	Actor             string
}

// ForceEndResult reports the terminal state of a force-ended session.
type ForceEndResult struct {
	SessionID       string               `json:"session_id"`
	AccountID       string               `json:"account_id"`
	DeviceID        string               `json:"device_id"`
	PreviousStatus  models.SessionStatus `json:"previous_status"`
	FinalStatus     models.SessionStatus `json:"final_status"`
	Reason          string               `json:"reason"`
	DurationSeconds int64                `json:"duration_seconds"`
	LedgerRecorded  bool                 `json:"ledger_recorded"`
	LedgerError     string               `json:"ledger_error,omitempty"`
	StopDelivered   bool                 `json:"stop_delivered"`
}

// closeForced writes the terminal session. With ForceComplete the estimate is
// recorded in the same transaction; a ledger failure falls back to closing the
// session without usage.
func (m *SessionManager) closeForced(ctx context.Context, session, ended *models.Session, in ForceEndInput, result *ForceEndResult) error {
	if in.ForceComplete && in.EstimatedQuantity > 0 {
		recorded := ended.Clone()
		estimate := in.EstimatedQuantity
		recorded.Quantity = &estimate
		recorded.Estimated = true
		recorded.LedgerRecorded = true

		applied, err := m.ledger.RecordSession(ctx, models.LedgerIncrement{
			AccountID: session.AccountID,
			Date:      m.ledger.Day(*ended.EndTime),
			Resource:  session.Resource,
			Amount:    estimate,
			SourceID:  session.ID,
		}, recorded, models.OpenStatuses...)
		switch {
		case errors.Is(err, repository.ErrStaleStatus):
			return fmt.Errorf("%w: session %s changed status", ErrWrongState, session.ID)
		case err == nil && !applied:
			return fmt.Errorf("%w: usage for session %s already recorded", ErrWrongState, session.ID)
		case err == nil:
			*ended = *recorded
			result.LedgerRecorded = true
			return nil
		}
		result.LedgerError = err.Error()
		m.logger.Error("estimated ledger write failed",
			zap.String("session_id", session.ID),
			zap.String("account_id", session.AccountID),
			zap.Float64("estimate", in.EstimatedQuantity),
			zap.Error(err),
		)
	}

	if err := m.sessions.UpdateSession(ctx, ended, models.OpenStatuses...); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return fmt.Errorf("%w: session %s changed status", ErrWrongState, session.ID)
		}
		return fmt.Errorf("force end session %s: %w", session.ID, err)
	}
	return nil
}

// ForceEnd terminates an open session. Device and ledger failures are logged and
// reported but never block the transition; the device is always released.
func (m *SessionManager) ForceEnd(ctx context.Context, in ForceEndInput) (*ForceEndResult, error) {
	if in.SessionID == "" {
		return nil, invalid("session id is required")
	}
	if in.EstimatedQuantity < 0 || math.IsNaN(in.EstimatedQuantity) {
		return nil, invalid("estimated quantity must be non-negative")
	}
	if strings.TrimSpace(in.Reason) == "" {
		in.Reason = ReasonInterrupted
	}
	if in.Actor == "" {
		in.Actor = systemActor
	}

	session, err := m.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, sessionLookupErr(err)
	}
	return m.forceEnd(ctx, session, in, "", true)
}

func (m *SessionManager) forceEnd(ctx context.Context, session *models.Session, in ForceEndInput, interruptedBy string, audit bool) (*ForceEndResult, error) {
	if !session.Status.Open() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrWrongState, session.ID, session.Status)
	}

	result := &ForceEndResult{
		SessionID:      session.ID,
		AccountID:      session.AccountID,
		DeviceID:       session.DeviceID,
		PreviousStatus: session.Status,
		Reason:         in.Reason,
		StopDelivered:  true,
	}

	cmd := models.DeviceCommand{
		Command:   models.CommandForceStop,
		SessionID: session.ID,
		Reason:    in.Reason,
	}
	if err := m.dispatch(ctx, session.DeviceID, cmd); err != nil {
		result.StopDelivered = false
		m.logger.Warn("force stop not delivered",
			zap.String("session_id", session.ID),
			zap.String("device_id", session.DeviceID),
			zap.Error(err),
		)
	}

	now := m.now()
	outcome := outcomeFor(in.Reason)
	ended := session.Clone()
	ended.Status = outcome.status
	ended.EndTime = &now
	ended.DurationSeconds = durationPtr(now.Sub(session.StartTime))
	ended.EndReason = in.Reason
	ended.ForceEnded = true
	ended.ForceEndReason = in.Reason
	ended.TimeoutType = outcome.timeoutType
	ended.FailureType = outcome.failureType
	ended.MaintenanceMode = outcome.maintenance
	if outcome.interrupted {
		ended.InterruptedBy = interruptedBy
	}
	ended.UpdatedAt = now

	if err := m.closeForced(ctx, session, ended, in, result); err != nil {
		return nil, err
	}
	m.observeTerminal(ended)
	m.release(ctx, ended, false)

	result.FinalStatus = ended.Status
	result.DurationSeconds = *ended.DurationSeconds

	m.logger.Info("session force ended",
		zap.String("session_id", session.ID),
		zap.String("status", string(ended.Status)),
		zap.String("reason", in.Reason),
		zap.String("actor", in.Actor),
	)

	if audit {
		m.writeAudit(ctx, &models.AuditRecord{
			Action:    models.AuditForceEndSession,
			Actor:     in.Actor,
			AccountID: session.AccountID,
			Metadata: map[string]any{
				"session_id":         session.ID,
				"device_id":          session.DeviceID,
				"reason":             in.Reason,
				"final_status":       string(ended.Status),
				"force_complete":     in.ForceComplete,
				"estimated_quantity": in.EstimatedQuantity,
				"ledger_recorded":    result.LedgerRecorded,
				"duration_seconds":   result.DurationSeconds,
			},
		})
	}
	return result, nil
}

type terminalOutcome struct {
	status      models.SessionStatus
	timeoutType string
	failureType string
	interrupted bool
	maintenance bool
}

// outcomeFor maps a force-end reason to its terminal status.
func outcomeFor(reason string) terminalOutcome {
	r := strings.ToLower(strings.TrimSpace(reason))
	switch {
	case strings.HasPrefix(r, ReasonInterrupted):
		return terminalOutcome{status: models.SessionForceEnded, interrupted: true}
	case r == ReasonNoFlowTimeout:
		return terminalOutcome{status: models.SessionTimeout, timeoutType: "no_flow"}
	case r == ReasonTimeout || strings.HasSuffix(r, "_timeout"):
		return terminalOutcome{status: models.SessionTimeout, timeoutType: "session"}
	case r == ReasonDeviceOffline, r == ReasonCommunicationFailure, r == ReasonDeviceCommunicationFailed:
		return terminalOutcome{status: models.SessionFailed, failureType: r}
	default:
		return terminalOutcome{status: models.SessionForceEnded, maintenance: r == ReasonSystemMaintenance}
	}
}

// StatusView is the derived, read-only view of a session.
type StatusView struct {
	SessionID       string               `json:"session_id"`
	AccountID       string               `json:"account_id"`
	DeviceID        string               `json:"device_id"`
	Resource        models.Resource      `json:"resource"`
	Status          models.SessionStatus `json:"status"`
	StartTime       time.Time            `json:"start_time"`
	EndRequestTime  *time.Time           `json:"end_request_time,omitempty"`
	EndTime         *time.Time           `json:"end_time,omitempty"`
	DurationSeconds int64                `json:"duration_seconds"`
	WaitingSeconds  *int64               `json:"waiting_seconds,omitempty"`
	Quantity        *float64             `json:"quantity,omitempty"`
	EndReason       string               `json:"end_reason,omitempty"`
	CanEnd          bool                 `json:"can_end"`
	ForceEnded      bool                 `json:"force_ended"`
	ForceEndReason  string               `json:"force_end_reason,omitempty"`
	TimeoutType     string               `json:"timeout_type,omitempty"`
	FailureType     string               `json:"failure_type,omitempty"`
	Estimated       bool                 `json:"estimated,omitempty"`
}

// Status returns the session with timing derived from its current status.
func (m *SessionManager) Status(ctx context.Context, sessionID string) (*StatusView, error) {
	if sessionID == "" {
		return nil, invalid("session id is required")
	}
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, sessionLookupErr(err)
	}

	now := m.now()
	view := &StatusView{
		SessionID:      session.ID,
		AccountID:      session.AccountID,
		DeviceID:       session.DeviceID,
		Resource:       session.Resource,
		Status:         session.Status,
		StartTime:      session.StartTime,
		EndRequestTime: session.EndRequestTime,
		EndTime:        session.EndTime,
		EndReason:      session.EndReason,
	}

	switch session.Status {
	case models.SessionActive:
		view.DurationSeconds = seconds(now.Sub(session.StartTime))
		view.CanEnd = true
	case models.SessionEnding:
		if session.EndRequestTime != nil {
			view.DurationSeconds = seconds(session.EndRequestTime.Sub(session.StartTime))
			waiting := seconds(now.Sub(*session.EndRequestTime))
			view.WaitingSeconds = &waiting
		} else {
			view.DurationSeconds = seconds(now.Sub(session.StartTime))
		}
	case models.SessionCompleted:
		view.DurationSeconds = recordedDuration(session)
		view.Quantity = session.Quantity
	default:
		view.DurationSeconds = recordedDuration(session)
		view.Quantity = session.Quantity
		view.ForceEnded = session.ForceEnded
		view.ForceEndReason = session.ForceEndReason
		view.TimeoutType = session.TimeoutType
		view.FailureType = session.FailureType
		view.Estimated = session.Estimated
	}
	return view, nil
}

// Tap handles a token tap reported by a device: it requests the end of the token's
// active session on that device, or starts a new one.
func (m *SessionManager) Tap(ctx context.Context, deviceID, tokenID string, resource models.Resource) (any, error) {
	accountID, err := m.tokens.Resolve(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	open, err := m.sessions.OpenSessionForAccount(ctx, accountID)
	if err == nil && open.DeviceID == deviceID && open.TokenID == tokenID && open.Status == models.SessionActive {
		return m.RequestEnd(ctx, tokenID, open.ID)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if resource == "" {
		if device, err := m.devices.GetDevice(ctx, deviceID); err == nil {
			resource = device.Type
		}
	}
	return m.Start(ctx, StartInput{TokenID: tokenID, DeviceID: deviceID, Resource: resource})
}

func (m *SessionManager) dispatch(ctx context.Context, deviceID string, cmd models.DeviceCommand) error {
	if m.dispatcher == nil {
		metrics.DeviceCommands.WithLabelValues(cmd.Command, "unavailable").Inc()
		return errors.New("no command dispatcher configured")
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	defer cancel()

	if err := m.dispatcher.Send(sendCtx, deviceID, cmd); err != nil {
		metrics.DeviceCommands.WithLabelValues(cmd.Command, "failed").Inc()
		return err
	}
	metrics.DeviceCommands.WithLabelValues(cmd.Command, "delivered").Inc()
	return nil
}

func (m *SessionManager) release(ctx context.Context, session *models.Session, completed bool) {
	at := m.now()
	if session.EndTime != nil {
		at = *session.EndTime
	}
	err := m.devices.ReleaseDevice(ctx, models.DeviceRelease{
		DeviceID:  session.DeviceID,
		SessionID: session.ID,
		At:        at,
		Completed: completed,
	})
	if err != nil {
		m.logger.Warn("failed to release device",
			zap.String("device_id", session.DeviceID),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (m *SessionManager) writeAudit(ctx context.Context, record *models.AuditRecord) {
	if m.audit == nil {
		return
	}
	record.ID = uuid.NewString()
	record.CreatedAt = m.now()
	if err := m.audit.InsertAudit(ctx, record); err != nil {
		m.logger.Warn("failed to write audit record", zap.String("action", record.Action), zap.Error(err))
	}
}

// reasonLabels keeps the transition metric's reason label bounded; end reasons
// arrive as free text from devices and operators.
var reasonLabels = map[string]struct{}{
	ReasonManual:                    {},
	ReasonCompleted:                 {},
	ReasonInterrupted:               {},
	ReasonInterruptedByNewSession:   {},
	ReasonTimeout:                   {},
	ReasonSessionTimeout:            {},
	ReasonNoFlowTimeout:             {},
	ReasonDeviceOffline:             {},
	ReasonCommunicationFailure:      {},
	ReasonDeviceCommunicationFailed: {},
	ReasonSystemMaintenance:         {},
}

const reasonOther = "other"

func reasonLabel(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	if _, ok := reasonLabels[r]; ok {
		return r
	}
	return reasonOther
}

func (m *SessionManager) observeTerminal(session *models.Session) {
	metrics.SessionTransitions.WithLabelValues(string(session.Status), reasonLabel(session.EndReason)).Inc()
	if session.DurationSeconds != nil {
		metrics.SessionDuration.WithLabelValues(string(session.Status)).Observe(float64(*session.DurationSeconds))
	}
}

func recordedDuration(session *models.Session) int64 {
	if session.DurationSeconds != nil {
		return *session.DurationSeconds
	}
	if session.EndTime != nil {
		return seconds(session.EndTime.Sub(session.StartTime))
	}
	return 0
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func durationPtr(d time.Duration) *int64 {
	s := seconds(d)
	return &s
}
