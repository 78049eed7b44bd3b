// Package matching runs the offer/accept/decline protocol for a request.
// The request record in the directory store is the only arbiter: the accept
// that deletes it wins.
package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/clock"
	"lingualink/internal/session"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

type Machine struct {
	broker   *broker.Broker
	registry *availability.Registry
	sessions *session.Manager
	notifier interfaces.Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

func NewMachine(b *broker.Broker, registry *availability.Registry, sessions *session.Manager,
	notifier interfaces.Notifier, clk clock.Clock, logger *zap.Logger) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		broker:   b,
		registry: registry,
		sessions: sessions,
		notifier: notifier,
		clock:    clk,
		logger:   logger.Named("matching"),
	}
}

// TutorAccept tries to turn the request into a session with this tutor.
// Exactly one concurrent accept per request succeeds; the rest get
// ErrRequestResolved and an accept-rejected event.
func (m *Machine) TutorAccept(ctx context.Context, requestID, tutorID string) (*types.Session, error) {
	session, err := m.accept(ctx, requestID, tutorID)
	if err != nil {
		m.send(tutorID, types.EventAcceptRejected, map[string]interface{}{
			"requestId":  requestID,
			"reasonCode": types.CodeOf(err),
		})
		if types.IsBenign(err) {
			m.logger.Debug("accept rejected",
				zap.String("request_id", requestID), zap.String("tutor_id", tutorID), zap.Error(err))
		} else {
			m.logger.Warn("accept failed",
				zap.String("request_id", requestID), zap.String("tutor_id", tutorID), zap.Error(err))
		}
		return nil, err
	}

	m.send(tutorID, types.EventAcceptConfirmed, map[string]interface{}{
		"sessionId":  session.ID,
		"requestId":  session.RequestID,
		"studentId":  session.StudentID,
		"language":   session.Language,
		"agreedRate": int64(session.AgreedRate),
		"startedAt":  session.StartedAt.Format(time.RFC3339Nano),
	})
	m.send(session.StudentID, types.EventSessionStarted, map[string]interface{}{
		"sessionId":  session.ID,
		"requestId":  session.RequestID,
		"tutorId":    session.TutorID,
		"language":   session.Language,
		"agreedRate": int64(session.AgreedRate),
		"startedAt":  session.StartedAt.Format(time.RFC3339Nano),
	})
	return session, nil
}

func (m *Machine) accept(ctx context.Context, requestID, tutorID string) (*types.Session, error) {
	if !types.IsValidPartyID(tutorID) {
		return nil, types.ErrInvalidPartyID
	}
	if !types.IsValidRequestID(requestID) {
		return nil, types.ErrInvalidRequestID
	}

	req, err := m.broker.GetRequest(ctx, requestID)
	if errors.Is(err, types.ErrRequestNotFound) {
		return nil, m.goneError(ctx, requestID)
	}
	if err != nil {
		return nil, err
	}
	if req.Expired(m.clock.Now()) {
		return nil, types.ErrRequestResolved
	}

	rate, err := m.eligibleRate(ctx, req, tutorID)
	if err != nil {
		return nil, err
	}

	sessionID, err := m.sessions.ReserveTutor(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	claimed, won, err := m.broker.Claim(ctx, requestID)
	if err != nil || !won {
		m.sessions.ReleaseTutor(ctx, tutorID, sessionID)
		if err != nil {
			return nil, err
		}
		return nil, types.ErrRequestResolved
	}

	session, err := m.sessions.CreateSession(ctx, sessionID, claimed, tutorID, rate)
	if errors.Is(err, types.ErrRequestResolved) {
		// Another accept created the session for this request.
		m.sessions.ReleaseTutor(ctx, tutorID, sessionID)
		return nil, err
	}
	if err != nil {
		m.sessions.ReleaseTutor(ctx, tutorID, sessionID)
		if _, rerr := m.broker.Resolve(ctx, requestID, types.RequestCancelled); rerr != nil {
			m.logger.Warn("request left without a terminal state", zap.String("request_id", requestID), zap.Error(rerr))
		}
		m.logger.Error("request claimed but session not created",
			zap.String("request_id", requestID), zap.String("tutor_id", tutorID), zap.Error(err))
		return nil, err
	}

	state, err := m.broker.Resolve(ctx, requestID, types.RequestAccepted)
	if err != nil {
		m.logger.Warn("accepted request state not recorded", zap.String("request_id", requestID), zap.Error(err))
		return session, nil
	}
	if state != types.RequestAccepted {
		// The request was cancelled or expired while this accept was in flight.
		m.sessions.DiscardSession(ctx, session)
		return nil, types.ErrRequestResolved
	}
	return session, nil
}

// eligibleRate returns the tutor's live rate for the request language.
func (m *Machine) eligibleRate(ctx context.Context, req *types.TutoringRequest, tutorID string) (types.Rate, error) {
	if tutorID == req.StudentID {
		return 0, types.ErrTutorNotEligible
	}
	entry, err := m.registry.Get(ctx, tutorID)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, types.ErrTutorNotEligible
	}
	rate, ok := entry.RateFor(req.Language)
	if !ok || !req.Accepts(rate) {
		return 0, types.ErrTutorNotEligible
	}
	return rate, nil
}

// goneError distinguishes a request that never existed from one that already
// left the pending set.
func (m *Machine) goneError(ctx context.Context, requestID string) error {
	known, err := m.broker.Known(ctx, requestID)
	if err != nil {
		return err
	}
	if !known {
		return types.ErrRequestNotFound
	}
	return types.ErrRequestResolved
}

// TutorDecline tells the student a tutor passed. The request stays pending.
func (m *Machine) TutorDecline(ctx context.Context, requestID, tutorID string) error {
	req, err := m.broker.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	m.send(req.StudentID, types.EventOfferDeclined, map[string]interface{}{
		"requestId": requestID,
		"tutorId":   tutorID,
	})
	m.logger.Debug("offer declined", zap.String("request_id", requestID), zap.String("tutor_id", tutorID))
	return nil
}

// StudentCancel withdraws the request. A cancel that loses to an accept
// reports CancelAlreadyGone and leaves the session alone.
func (m *Machine) StudentCancel(ctx context.Context, requestID, studentID string) (broker.CancelOutcome, error) {
	return m.broker.CancelRequest(ctx, requestID, studentID)
}

func (m *Machine) send(partyID, event string, payload map[string]interface{}) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(partyID, event, payload); err != nil {
		m.logger.Debug("notification not delivered",
			zap.String("party_id", partyID), zap.String("event", event), zap.Error(err))
	}
}
