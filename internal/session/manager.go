// Package session owns the session record from acceptance through
// settlement: creation, heartbeats, the liveness monitor and the single
// guarded end transition.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lingualink/internal/availability"
	"lingualink/internal/clock"
	"lingualink/internal/directory"
	"lingualink/internal/settlement"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Trigger names used when no party ended the session.
const (
	TriggerMonitor = "monitor"
	TriggerSystem  = "system"
)

// Settlement flags appended to the end reason when settlement did not succeed.
const (
	flagSettlementFailed  = ";settlement-failed"
	flagSettlementUnknown = ";settlement-unknown"
)

// Config holds liveness settings.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MonitorInterval   time.Duration
	DisconnectGrace   time.Duration
	MaxSkew           time.Duration
	// ReservationTTL bounds how long a tutor slot taken by ReserveTutor may
	// stay held without a session record behind it.
	ReservationTTL time.Duration
	// EndingRecoveryAfter is how long a session may sit in the ending state
	// before the monitor settles it on behalf of a lost end.
	EndingRecoveryAfter time.Duration
}

// DefaultConfig returns a 5s heartbeat with a 10s timeout and 30s grace.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		MonitorInterval:     5 * time.Second,
		DisconnectGrace:     30 * time.Second,
		MaxSkew:             30 * time.Second,
		ReservationTTL:      time.Minute,
		EndingRecoveryAfter: time.Minute,
	}
}

// Manager implements the session lifecycle on top of the directory store.
// It keeps no authoritative state in memory.
type Manager struct {
	store    interfaces.DirectoryStore
	registry *availability.Registry
	settler  *settlement.Service
	notifier interfaces.Notifier
	clock    clock.Clock
	logger   *zap.Logger
	config   Config

	mu         sync.Mutex
	endingSeen map[string]time.Time
}

// NewManager creates a session manager.
func NewManager(store interfaces.DirectoryStore, registry *availability.Registry, settler *settlement.Service,
	notifier interfaces.Notifier, clk clock.Clock, logger *zap.Logger, config Config) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		registry:   registry,
		settler:    settler,
		notifier:   notifier,
		clock:      clk,
		logger:     logger.Named("session"),
		config:     config,
		endingSeen: make(map[string]time.Time),
	}
}

// ReserveTutor claims the tutor's session slot ahead of an accept. The
// returned id becomes the session id if the accept wins. The reservation
// expires after ReservationTTL unless CreateSession pins it.
func (m *Manager) ReserveTutor(ctx context.Context, tutorID string) (string, error) {
	sessionID := uuid.New().String()
	key := directory.TutorSessionKey(tutorID)

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.SetIfAbsent(ctx, key, []byte(sessionID), m.config.ReservationTTL)
		if err != nil {
			held, gerr := m.store.Get(ctx, key)
			if gerr == nil && string(held) == sessionID {
				return sessionID, nil
			}
			return "", directory.Unavailable(err)
		}
		if ok {
			return sessionID, nil
		}
		// A slot left behind by an ended session is cleared here.
		held, err := directory.HeldTutorSlot(ctx, m.store, tutorID)
		if err != nil {
			return "", err
		}
		if held != "" {
			return "", types.ErrAlreadyInSession
		}
	}
	return "", types.ErrAlreadyInSession
}

// ReleaseTutor frees a slot taken by ReserveTutor for an accept that lost.
func (m *Manager) ReleaseTutor(ctx context.Context, tutorID, sessionID string) {
	if _, err := m.store.CompareAndDelete(ctx, directory.TutorSessionKey(tutorID), []byte(sessionID)); err != nil {
		m.logger.Warn("failed to release tutor slot", zap.String("tutor_id", tutorID), zap.Error(err))
	}
}

// CreateSession records an accepted match. It is called only by the accept
// that won the request, with the id from ReserveTutor.
func (m *Manager) CreateSession(ctx context.Context, sessionID string, req *types.TutoringRequest, tutorID string, rate types.Rate) (*types.Session, error) {
	ok, err := m.store.SetIfAbsent(ctx, directory.SessionByRequestKey(req.ID), []byte(sessionID), 0)
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	if !ok {
		return nil, types.ErrRequestResolved
	}

	now := m.clock.Now()
	session := &types.Session{
		ID:         sessionID,
		RequestID:  req.ID,
		StudentID:  req.StudentID,
		TutorID:    tutorID,
		Language:   req.Language,
		AgreedRate: rate,
		State:      types.SessionActive,
		IsActive:   true,
		StartedAt:  now,
	}

	if err := directory.PutJSON(ctx, m.store, directory.SessionKey(sessionID), session, 0); err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, directory.SessionStateKey(sessionID), []byte(types.SessionActive), 0); err != nil {
		return nil, directory.Unavailable(err)
	}
	if err := m.pinSlot(ctx, tutorID, sessionID); err != nil {
		m.DiscardSession(ctx, session)
		return nil, err
	}

	// Liveness is measured from creation until the first real heartbeat.
	for _, party := range session.Participants() {
		if err := m.writeHeartbeat(ctx, sessionID, party, now, time.Time{}); err != nil {
			m.logger.Warn("failed to seed heartbeat", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("request_id", req.ID),
		zap.String("tutor_id", tutorID),
		zap.String("student_id", req.StudentID),
		zap.Int64("agreed_rate", int64(rate)))
	return session, nil
}

// pinSlot makes the tutor's reservation permanent; cleanup releases it. A
// reservation that already expired is taken again if still free.
func (m *Manager) pinSlot(ctx context.Context, tutorID, sessionID string) error {
	key := directory.TutorSessionKey(tutorID)
	held, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return directory.Unavailable(err)
	}
	if err == nil {
		if string(held) != sessionID {
			return types.ErrAlreadyInSession
		}
		pinned, err := m.store.Expire(ctx, key, 0)
		if err != nil {
			return directory.Unavailable(err)
		}
		if pinned {
			return nil
		}
	}
	ok, err := m.store.SetIfAbsent(ctx, key, []byte(sessionID), 0)
	if err != nil {
		return directory.Unavailable(err)
	}
	if !ok {
		return types.ErrAlreadyInSession
	}
	return nil
}

// GetSession loads a session or returns ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	found, err := directory.GetJSON(ctx, m.store, directory.SessionKey(sessionID), &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrSessionNotFound
	}
	return &session, nil
}

// SessionForRequest returns the session created from a request, if any.
func (m *Manager) SessionForRequest(ctx context.Context, requestID string) (*types.Session, error) {
	id, err := m.store.Get(ctx, directory.SessionByRequestKey(requestID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	return m.GetSession(ctx, string(id))
}

// ActiveSessionForTutor returns the tutor's active session, or nil. A slot
// reserved by an accept still in flight holds no session yet.
func (m *Manager) ActiveSessionForTutor(ctx context.Context, tutorID string) (*types.Session, error) {
	id, err := directory.HeldTutorSlot(ctx, m.store, tutorID)
	if err != nil || id == "" {
		return nil, err
	}
	session, err := m.GetSession(ctx, id)
	if errors.Is(err, types.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DiscardSession removes a session whose accept lost after it was written.
// Nothing was billed, so there is nothing to settle.
func (m *Manager) DiscardSession(ctx context.Context, session *types.Session) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range []string{directory.SessionStateKey(session.ID), directory.SessionKey(session.ID)} {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to discard session key", zap.String("key", key), zap.Error(err))
		}
	}
	m.cleanup(ctx, session)
	m.logger.Info("session discarded",
		zap.String("session_id", session.ID),
		zap.String("request_id", session.RequestID))
}

// ListActive returns every session currently in the active state.
func (m *Manager) ListActive(ctx context.Context) ([]*types.Session, error) {
	states, err := m.store.ScanPrefix(ctx, directory.PrefixSessionState)
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	sessions := make([]*types.Session, 0, len(states))
	for key, state := range states {
		if string(state) != types.SessionActive {
			continue
		}
		session, err := m.GetSession(ctx, strings.TrimPrefix(key, directory.PrefixSessionState))
		if errors.Is(err, types.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// OnHeartbeat records a liveness signal. callerID is the identity bound to
// the transport; it must match partyID.
func (m *Manager) OnHeartbeat(ctx context.Context, callerID, sessionID, partyID string, sentAt time.Time) error {
	if callerID == "" || callerID != partyID {
		return types.ErrIdentityMismatch
	}

	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.HasParticipant(partyID) {
		return types.ErrNotParticipant
	}
	if !session.IsActive {
		return types.ErrSessionNotActive
	}

	now := m.clock.Now()
	skew := now.Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if sentAt.IsZero() || skew > m.config.MaxSkew {
		return types.ErrStaleHeartbeat
	}

	prev, err := m.readHeartbeat(ctx, sessionID, partyID)
	if err != nil {
		return err
	}
	if prev != nil && !prev.SentAt.IsZero() && !sentAt.After(prev.SentAt) {
		return types.ErrStaleHeartbeat
	}

	if err := m.writeHeartbeat(ctx, sessionID, partyID, now, sentAt); err != nil {
		return err
	}
	if err := m.store.HashDelete(ctx, directory.DisconnectKey(sessionID), partyID); err != nil {
		m.logger.Warn("failed to clear disconnect mark", zap.String("session_id", sessionID), zap.Error(err))
	}

	if partyID == session.TutorID && m.registry != nil {
		if _, err := m.registry.Refresh(ctx, partyID); err != nil {
			m.logger.Debug("availability refresh failed", zap.String("tutor_id", partyID), zap.Error(err))
		}
	}
	return nil
}

// MarkDisconnected starts the grace window for every active session the
// party belongs to.
func (m *Manager) MarkDisconnected(ctx context.Context, partyID string) error {
	sessions, err := m.ListActive(ctx)
	if err != nil {
		return err
	}
	stamp := []byte(strconv.FormatInt(m.clock.Now().UnixNano(), 10))
	for _, session := range sessions {
		if !session.HasParticipant(partyID) {
			continue
		}
		if err := m.store.HashSet(ctx, directory.DisconnectKey(session.ID), partyID, stamp); err != nil {
			return directory.Unavailable(err)
		}
		m.logger.Info("party disconnected from active session",
			zap.String("session_id", session.ID),
			zap.String("party_id", partyID),
			zap.Duration("grace", m.config.DisconnectGrace))
	}
	return nil
}

// EndSessionAs ends a session on behalf of one of its parties.
func (m *Manager) EndSessionAs(ctx context.Context, callerID, sessionID string) (*types.Session, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(callerID) {
		return nil, types.ErrNotParticipant
	}
	return m.EndSession(ctx, sessionID, types.EndReasonExplicit, callerID)
}

// EndSession is the only way a session leaves the active state. The first
// caller to move session-state from active to ending settles; every other
// caller gets the session as it currently stands.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason, triggeredBy string) (*types.Session, error) {
	if reason == "" {
		return nil, types.ErrInvalidEndReason
	}

	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	won, err := m.beginEnding(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !won {
		return m.GetSession(ctx, sessionID)
	}

	// Settlement must not be abandoned because the triggering request went away.
	ctx = context.WithoutCancel(ctx)

	session.EndReason = reason
	session.EndedBy = triggeredBy
	return m.settle(ctx, session, m.clock.Now())
}

// beginEnding moves session-state from active to ending. A write that fails
// may still have landed, so the state is read back; an ending state found
// that way is treated as won and the settle claim decides who proceeds.
func (m *Manager) beginEnding(ctx context.Context, sessionID string) (bool, error) {
	key := directory.SessionStateKey(sessionID)
	won, err := m.store.CompareAndSwap(ctx, key, []byte(types.SessionActive), []byte(types.SessionEnding))
	if err == nil {
		return won, nil
	}
	state, gerr := m.store.Get(ctx, key)
	if gerr != nil || string(state) == types.SessionActive {
		return false, directory.Unavailable(err)
	}
	m.logger.Warn("end transition outcome unknown, state read back",
		zap.String("session_id", sessionID), zap.String("state", string(state)), zap.Error(err))
	return string(state) == types.SessionEnding, nil
}

// claimSettlement takes the per-session settle claim. Only its holder may
// call the settlement service for a session in the ending state.
func (m *Manager) claimSettlement(ctx context.Context, sessionID string) (bool, error) {
	key := directory.SessionSettleKey(sessionID)
	token := uuid.New().String()
	ok, err := m.store.SetIfAbsent(ctx, key, []byte(token), m.config.EndingRecoveryAfter)
	if err == nil {
		return ok, nil
	}
	held, gerr := m.store.Get(ctx, key)
	if gerr == nil {
		return string(held) == token, nil
	}
	return false, directory.Unavailable(err)
}

// settle bills a session already in the ending state and moves it to ended.
func (m *Manager) settle(ctx context.Context, session *types.Session, endedAt time.Time) (*types.Session, error) {
	sessionID := session.ID
	claimed, err := m.claimSettlement(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return m.GetSession(ctx, sessionID)
	}

	duration := int64(endedAt.Sub(session.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	session.State = types.SessionEnding
	session.IsActive = false
	session.EndedAt = &endedAt
	session.DurationSeconds = duration
	session.TotalCost = session.AgreedRate.Cost(duration)
	session.SettlementStatus = types.SettlementPending

	if err := directory.PutJSON(ctx, m.store, directory.SessionKey(sessionID), session, 0); err != nil {
		m.logger.Error("failed to persist ending session", zap.String("session_id", sessionID), zap.Error(err))
	}

	outcome := m.settler.Settle(ctx, interfaces.SettlementRequest{
		SessionID:       session.ID,
		PayerID:         session.StudentID,
		PayeeID:         session.TutorID,
		DurationSeconds: duration,
		Rate:            int64(session.AgreedRate),
		Amount:          session.TotalCost,
	})
	applyOutcome(session, outcome)
	session.State = types.SessionEnded

	var persistErr error
	if err := directory.PutJSON(ctx, m.store, directory.SessionKey(sessionID), session, 0); err != nil {
		persistErr = err
	}
	if err := m.store.Set(ctx, directory.SessionStateKey(sessionID), []byte(types.SessionEnded), 0); err != nil && persistErr == nil {
		persistErr = directory.Unavailable(err)
	}

	m.cleanup(ctx, session)

	m.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("reason", session.EndReason),
		zap.String("triggered_by", session.EndedBy),
		zap.Int64("duration_seconds", duration),
		zap.Int64("total_cost", session.TotalCost),
		zap.String("settlement_status", session.SettlementStatus))

	payload := map[string]interface{}{
		"sessionId":        session.ID,
		"reason":           session.EndReason,
		"durationSeconds":  session.DurationSeconds,
		"totalCost":        session.TotalCost,
		"settlementStatus": session.SettlementStatus,
	}
	for _, party := range session.Participants() {
		m.send(party, types.EventSessionEnded, payload)
	}

	if m.registry != nil {
		m.registry.Resweep(ctx, session.TutorID)
	}

	if persistErr != nil {
		m.logger.Error("ended session not fully persisted", zap.String("session_id", sessionID), zap.Error(persistErr))
		return session, persistErr
	}
	return session, nil
}

// RecordSettlement applies an outcome resolved by reconciliation.
func (m *Manager) RecordSettlement(ctx context.Context, sessionID string, outcome settlement.Outcome) error {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	applyOutcome(session, outcome)
	wasEnding := session.State != types.SessionEnded
	session.State = types.SessionEnded
	session.IsActive = false
	if err := directory.PutJSON(ctx, m.store, directory.SessionKey(sessionID), session, 0); err != nil {
		return err
	}
	if wasEnding {
		if err := m.store.Set(ctx, directory.SessionStateKey(sessionID), []byte(types.SessionEnded), 0); err != nil {
			return directory.Unavailable(err)
		}
		m.cleanup(ctx, session)
	}
	m.logger.Info("settlement reconciled",
		zap.String("session_id", sessionID),
		zap.String("settlement_status", outcome.Status))
	return nil
}

func applyOutcome(session *types.Session, outcome settlement.Outcome) {
	reason := strings.TrimSuffix(strings.TrimSuffix(session.EndReason, flagSettlementFailed), flagSettlementUnknown)
	switch outcome.Status {
	case types.SettlementFailed:
		reason += flagSettlementFailed
	case types.SettlementUnknown, types.SettlementPending:
		reason += flagSettlementUnknown
	}
	session.EndReason = reason
	session.SettlementStatus = outcome.Status
	if outcome.Reference != "" {
		session.SettlementReference = outcome.Reference
	}
}

func (m *Manager) cleanup(ctx context.Context, session *types.Session) {
	if err := m.store.HashDelete(ctx, directory.HeartbeatKey(session.ID), ""); err != nil {
		m.logger.Warn("failed to remove heartbeats", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := m.store.HashDelete(ctx, directory.DisconnectKey(session.ID), ""); err != nil {
		m.logger.Warn("failed to remove disconnect marks", zap.String("session_id", session.ID), zap.Error(err))
	}
	if _, err := m.store.CompareAndDelete(ctx, directory.TutorSessionKey(session.TutorID), []byte(session.ID)); err != nil {
		m.logger.Warn("failed to release tutor", zap.String("tutor_id", session.TutorID), zap.Error(err))
	}
}

func (m *Manager) readHeartbeat(ctx context.Context, sessionID, partyID string) (*types.HeartbeatRecord, error) {
	raw, err := m.store.HashGet(ctx, directory.HeartbeatKey(sessionID), partyID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	var record types.HeartbeatRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, types.ErrStorageUnavailable.Wrap(err)
	}
	return &record, nil
}

func (m *Manager) writeHeartbeat(ctx context.Context, sessionID, partyID string, at, sentAt time.Time) error {
	raw, err := json.Marshal(types.HeartbeatRecord{
		SessionID:  sessionID,
		PartyID:    partyID,
		LastPingAt: at,
		SentAt:     sentAt,
	})
	if err != nil {
		return err
	}
	return directory.Unavailable(m.store.HashSet(ctx, directory.HeartbeatKey(sessionID), partyID, raw))
}

func (m *Manager) send(partyID, event string, payload map[string]interface{}) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(partyID, event, payload); err != nil {
		m.logger.Debug("notification not delivered",
			zap.String("party_id", partyID), zap.String("event", event), zap.Error(err))
	}
}

var _ settlement.Recorder = (*Manager)(nil)
