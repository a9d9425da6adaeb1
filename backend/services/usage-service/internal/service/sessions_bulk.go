package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// BulkForceEndInput selects open sessions to terminate.
type BulkForceEndInput struct {
	Reason    string
	DeviceIDs []string
	Actor     string
}

// ManifestItem lists one session terminated by a bulk operation.
type ManifestItem struct {
	SessionID       string               `json:"session_id"`
	AccountID       string               `json:"account_id"`
	DeviceID        string               `json:"device_id"`
	FinalStatus     models.SessionStatus `json:"final_status"`
	DurationSeconds int64                `json:"duration_seconds"`
}

// BulkForceEndResult reports a bulk force-end.
type BulkForceEndResult struct {
	Reason   string           `json:"reason"`
	Count    int              `json:"count"`
	Manifest []ManifestItem   `json:"manifest"`
	Errors   []BatchItemError `json:"errors,omitempty"`
}

// BulkForceEnd force-ends every open session, optionally limited to some devices.
// Sessions are processed in chunks so a failure affects only its own item.
func (m *SessionManager) BulkForceEnd(ctx context.Context, in BulkForceEndInput) (*BulkForceEndResult, error) {
	if strings.TrimSpace(in.Reason) == "" {
		in.Reason = ReasonSystemMaintenance
	}
	if in.Actor == "" {
		in.Actor = systemActor
	}

	open, err := m.sessions.ListOpenSessions(ctx, repository.OpenSessionFilter{DeviceIDs: in.DeviceIDs})
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	result := m.forceEndMany(ctx, open, ForceEndInput{Reason: in.Reason, Actor: in.Actor})

	m.writeAudit(ctx, &models.AuditRecord{
		Action: models.AuditBulkForceEnd,
		Actor:  in.Actor,
		Metadata: map[string]any{
			"reason":     in.Reason,
			"device_ids": in.DeviceIDs,
			"count":      result.Count,
			"failed":     len(result.Errors),
			"manifest":   result.Manifest,
		},
	})
	return result, nil
}

// SweepTimeouts ends open sessions older than the configured maximum duration.
func (m *SessionManager) SweepTimeouts(ctx context.Context) (*BulkForceEndResult, error) {
	if m.cfg.MaxSessionDuration <= 0 {
		return &BulkForceEndResult{Reason: ReasonSessionTimeout, Manifest: []ManifestItem{}}, nil
	}
	cutoff := m.now().Add(-m.cfg.MaxSessionDuration)
	open, err := m.sessions.ListOpenSessions(ctx, repository.OpenSessionFilter{StartedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return m.forceEndMany(ctx, open, ForceEndInput{Reason: ReasonSessionTimeout, Actor: systemActor}), nil
}

// RunTimeoutSweeper calls SweepTimeouts every interval until ctx is done.
func (m *SessionManager) RunTimeoutSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.cfg.MaxSessionDuration <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.SweepTimeouts(ctx)
			if err != nil {
				m.logger.Warn("timeout sweep failed", zap.Error(err))
				continue
			}
			if res.Count > 0 {
				m.logger.Info("timed out sessions", zap.Int("count", res.Count))
			}
		}
	}
}

func (m *SessionManager) forceEndMany(ctx context.Context, sessions []models.Session, in ForceEndInput) *BulkForceEndResult {
	result := &BulkForceEndResult{Reason: in.Reason, Manifest: make([]ManifestItem, 0, len(sessions))}
	var mu sync.Mutex

	for chunk := range slices.Chunk(sessions, m.cfg.BulkChunkSize) {
		var g errgroup.Group
		g.SetLimit(m.cfg.BulkConcurrency)

		for i := range chunk {
			session := &chunk[i]
			g.Go(func() error {
				res, err := m.forceEnd(ctx, session, in, "", false)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Errors = append(result.Errors, BatchItemError{ID: session.ID, Err: err})
					return nil
				}
				result.Manifest = append(result.Manifest, ManifestItem{
					SessionID:       res.SessionID,
					AccountID:       res.AccountID,
					DeviceID:        res.DeviceID,
					FinalStatus:     res.FinalStatus,
					DurationSeconds: res.DurationSeconds,
				})
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	slices.SortFunc(result.Manifest, func(a, b ManifestItem) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	result.Count = len(result.Manifest)

	if len(result.Errors) > 0 {
		m.logger.Warn("bulk force end had failures",
			zap.String("reason", in.Reason),
			zap.Int("ended", result.Count),
			zap.Int("failed", len(result.Errors)),
			zap.Error(joinBatchErrors(result.Errors)),
		)
	}
	return result
}

// Urgency ranks how overdue an open session is.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyNormal Urgency = "normal"
)

// ForceEndCandidate is an open session an operator may want to end.
type ForceEndCandidate struct {
	SessionID         string               `json:"session_id"`
	AccountID         string               `json:"account_id"`
	DeviceID          string               `json:"device_id"`
	Resource          models.Resource      `json:"resource"`
	Status            models.SessionStatus `json:"status"`
	StartTime         time.Time            `json:"start_time"`
	DurationSeconds   int64                `json:"duration_seconds"`
	Urgency           Urgency              `json:"urgency"`
	EstimatedQuantity float64              `json:"estimated_quantity"`
}

// CandidateStats counts candidates per urgency.
type CandidateStats struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Normal int `json:"normal"`
}

// ForceEndCandidates is the operator view of open sessions.
type ForceEndCandidates struct {
	Sessions  []ForceEndCandidate `json:"sessions"`
	Stats     CandidateStats      `json:"stats"`
	Timestamp time.Time           `json:"timestamp"`
}

// ForceEndCandidates lists open sessions, oldest first, with an urgency and a
// duration-based usage estimate.
func (m *SessionManager) ForceEndCandidates(ctx context.Context, limit int) (*ForceEndCandidates, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	open, err := m.sessions.ListOpenSessions(ctx, repository.OpenSessionFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	now := m.now()
	out := &ForceEndCandidates{Sessions: make([]ForceEndCandidate, 0, len(open)), Timestamp: now}
	for _, s := range open {
		elapsed := now.Sub(s.StartTime)
		c := ForceEndCandidate{
			SessionID:         s.ID,
			AccountID:         s.AccountID,
			DeviceID:          s.DeviceID,
			Resource:          s.Resource,
			Status:            s.Status,
			StartTime:         s.StartTime,
			DurationSeconds:   seconds(elapsed),
			Urgency:           urgencyFor(elapsed),
			EstimatedQuantity: m.estimate(elapsed),
		}
		switch c.Urgency {
		case UrgencyHigh:
			out.Stats.High++
		case UrgencyMedium:
			out.Stats.Medium++
		default:
			out.Stats.Normal++
		}
		out.Sessions = append(out.Sessions, c)
	}
	out.Stats.Total = len(out.Sessions)
	return out, nil
}

func urgencyFor(elapsed time.Duration) Urgency {
	switch {
	case elapsed > highUrgencyAfter:
		return UrgencyHigh
	case elapsed > mediumUrgencyAfter:
		return UrgencyMedium
	default:
		return UrgencyNormal
	}
}

// estimate is elapsed minutes times the configured rate, to two decimals.
func (m *SessionManager) estimate(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return math.Round(elapsed.Minutes()*m.cfg.EstimateRatePerMinute*100) / 100
}
