package session

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/directory"
	"lingualink/pkg/types"
)

// RunMonitor checks liveness every MonitorInterval until ctx is cancelled.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.config.MonitorInterval),
		zap.Duration("timeout", m.config.HeartbeatTimeout),
		zap.Duration("disconnect_grace", m.config.DisconnectGrace))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("heartbeat sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep makes one liveness pass and returns the ids of sessions it ended.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	sessions, err := m.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var ended []string
	for _, session := range sessions {
		reason, err := m.staleReason(ctx, session)
		if err != nil {
			m.logger.Warn("liveness check failed", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		if reason == "" {
			continue
		}
		if _, err := m.EndSession(ctx, session.ID, reason, TriggerMonitor); err != nil {
			m.logger.Warn("monitor could not end session", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		ended = append(ended, session.ID)
	}
	return append(ended, m.recoverEnding(ctx)...), nil
}

// recoverEnding settles sessions left in the ending state by an end that
// never finished. A session with a ledger attempt belongs to the
// reconciler and is left alone.
func (m *Manager) recoverEnding(ctx context.Context) []string {
	states, err := m.store.ScanPrefix(ctx, directory.PrefixSessionState)
	if err != nil {
		m.logger.Warn("ending scan failed", zap.Error(err))
		return nil
	}

	now := m.clock.Now()
	var recovered []string
	for key, state := range states {
		sessionID := strings.TrimPrefix(key, directory.PrefixSessionState)
		if string(state) != types.SessionEnding {
			m.forgetEnding(sessionID)
			continue
		}
		session, err := m.GetSession(ctx, sessionID)
		if err != nil {
			continue
		}
		if now.Sub(m.endingSince(session, now)) < m.config.EndingRecoveryAfter {
			continue
		}

		attempted, err := m.settler.HasAttempt(ctx, sessionID)
		if err != nil {
			m.logger.Warn("ledger unavailable for ending recovery", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if attempted {
			if session.State == types.SessionEnded {
				m.finishEnded(ctx, session)
			}
			continue
		}

		var endedAt time.Time
		if session.EndedAt != nil {
			endedAt = *session.EndedAt
		} else {
			endedAt = m.lastActivity(ctx, session)
		}
		if session.EndReason == "" {
			session.EndReason = types.EndReasonRecovered
			session.EndedBy = TriggerSystem
		}

		m.logger.Warn("settling session stuck in ending", zap.String("session_id", sessionID))
		settled, err := m.settle(context.WithoutCancel(ctx), session, endedAt)
		if err != nil {
			m.logger.Warn("ending recovery incomplete", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if settled.State != types.SessionEnded {
			// Another instance holds the settle claim.
			continue
		}
		m.forgetEnding(sessionID)
		recovered = append(recovered, sessionID)
	}
	return recovered
}

// finishEnded moves session-state to ended for a session whose settled
// record was written but whose state write was lost.
func (m *Manager) finishEnded(ctx context.Context, session *types.Session) {
	if err := m.store.Set(ctx, directory.SessionStateKey(session.ID), []byte(types.SessionEnded), 0); err != nil {
		m.logger.Warn("failed to mark session ended", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	m.cleanup(ctx, session)
	m.forgetEnding(session.ID)
}

// endingSince is when the session entered the ending state. A session whose
// ending record was never written is timed from when this process first
// saw it.
func (m *Manager) endingSince(session *types.Session, now time.Time) time.Time {
	if session.EndedAt != nil {
		return *session.EndedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.endingSeen[session.ID]
	if !ok {
		m.endingSeen[session.ID] = now
		return now
	}
	return seen
}

func (m *Manager) forgetEnding(sessionID string) {
	m.mu.Lock()
	delete(m.endingSeen, sessionID)
	m.mu.Unlock()
}

// lastActivity is the latest heartbeat recorded for the session, or its
// start when none was.
func (m *Manager) lastActivity(ctx context.Context, session *types.Session) time.Time {
	last := session.StartedAt
	beats, err := m.store.HashGetAll(ctx, directory.HeartbeatKey(session.ID))
	if err != nil {
		return last
	}
	for _, raw := range beats {
		var record types.HeartbeatRecord
		if err := json.Unmarshal(raw, &record); err == nil && record.LastPingAt.After(last) {
			last = record.LastPingAt
		}
	}
	return last
}

// staleReason returns the end reason for a session with a silent party, or
// "" if every party is live or still inside its disconnect grace.
func (m *Manager) staleReason(ctx context.Context, session *types.Session) (string, error) {
	beats, err := m.store.HashGetAll(ctx, directory.HeartbeatKey(session.ID))
	if err != nil {
		return "", directory.Unavailable(err)
	}
	marks, err := m.store.HashGetAll(ctx, directory.DisconnectKey(session.ID))
	if err != nil {
		return "", directory.Unavailable(err)
	}

	now := m.clock.Now()
	for _, party := range session.Participants() {
		if raw, ok := marks[party]; ok {
			nanos, err := strconv.ParseInt(string(raw), 10, 64)
			if err == nil {
				if now.Sub(time.Unix(0, nanos)) < m.config.DisconnectGrace {
					continue
				}
				return types.EndReasonDisconnectGrace, nil
			}
		}

		last := session.StartedAt
		if raw, ok := beats[party]; ok {
			var record types.HeartbeatRecord
			if err := json.Unmarshal(raw, &record); err == nil {
				last = record.LastPingAt
			}
		}
		if now.Sub(last) > m.config.HeartbeatTimeout {
			return types.EndReasonHeartbeatTimeout, nil
		}
	}
	return "", nil
}
