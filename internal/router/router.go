// Package router turns inbound gateway events into coordinator operations.
// It checks that the sender's role may send the event, applies the rate
// limit and validates the payload before calling the owning component.
package router

import (
	"context"

	"go.uber.org/zap"

	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/matching"
	"lingualink/internal/session"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Router dispatches events for one coordinator instance.
type Router struct {
	registry    *availability.Registry
	broker      *broker.Broker
	machine     *matching.Machine
	sessions    *session.Manager
	notifier    interfaces.Notifier
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

func NewRouter(registry *availability.Registry, b *broker.Broker, machine *matching.Machine, sessions *session.Manager,
	notifier interfaces.Notifier, limiter *RateLimiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0, nil)
	}
	return &Router{
		registry:    registry,
		broker:      b,
		machine:     machine,
		sessions:    sessions,
		notifier:    notifier,
		rateLimiter: limiter,
		logger:      logger.Named("router"),
	}
}

// permissions lists which roles may send each event.
var permissions = map[string][]string{
	types.EventAnnounce:      {types.RoleTutor},
	types.EventWithdraw:      {types.RoleTutor},
	types.EventAccept:        {types.RoleTutor},
	types.EventDecline:       {types.RoleTutor},
	types.EventSubmitRequest: {types.RoleStudent},
	types.EventCancelRequest: {types.RoleStudent},
	types.EventHeartbeat:     {types.RoleTutor, types.RoleStudent},
	types.EventEndSession:    {types.RoleTutor, types.RoleStudent},
}

func canSend(role, event string) bool {
	for _, allowed := range permissions[event] {
		if allowed == role {
			return true
		}
	}
	return false
}

// Register installs every event handler and the disconnect hook on gw.
func (r *Router) Register(gw interfaces.Gateway) {
	handlers := map[string]interfaces.MessageHandler{
		types.EventAnnounce:      r.handleAnnounce,
		types.EventWithdraw:      r.handleWithdraw,
		types.EventSubmitRequest: r.handleSubmit,
		types.EventCancelRequest: r.handleCancel,
		types.EventAccept:        r.handleAccept,
		types.EventDecline:       r.handleDecline,
		types.EventHeartbeat:     r.handleHeartbeat,
		types.EventEndSession:    r.handleEndSession,
	}
	for event, handler := range handlers {
		gw.OnMessage(event, r.guard(event, handler))
	}
	gw.OnDisconnect(r.HandleDisconnect)
}

// guard applies the role check and rate limit ahead of handler.
func (r *Router) guard(event string, handler interfaces.MessageHandler) interfaces.MessageHandler {
	return func(ctx context.Context, from interfaces.Party, payload []byte) error {
		if !canSend(from.Role, event) {
			return types.ErrRoleNotPermitted
		}
		if !r.rateLimiter.Allow(from.ID) {
			return types.ErrRateLimited
		}
		return handler(ctx, from, payload)
	}
}

func (r *Router) handleAnnounce(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p AnnouncePayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	_, err := r.registry.Announce(ctx, from.ID, p.TypedRates())
	return err
}

func (r *Router) handleWithdraw(ctx context.Context, from interfaces.Party, _ []byte) error {
	return r.registry.Withdraw(ctx, from.ID)
}

func (r *Router) handleSubmit(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p SubmitPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	req, err := r.broker.SubmitRequest(ctx, from.ID, p.Language, types.Rate(p.BudgetRate), p.RequestID)
	if err != nil {
		return err
	}
	r.broker.OfferRequest(ctx, req.ID)
	return nil
}

func (r *Router) handleCancel(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p RequestRefPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	outcome, err := r.machine.StudentCancel(ctx, p.RequestID, from.ID)
	if err != nil {
		return err
	}
	if outcome == broker.CancelAlreadyGone && r.notifier != nil {
		if err := r.notifier.Send(from.ID, types.EventRequestCancelled, map[string]interface{}{
			"requestId": p.RequestID,
			"outcome":   string(outcome),
		}); err != nil {
			r.logger.Debug("notification not delivered",
				zap.String("party_id", from.ID), zap.String("event", types.EventRequestCancelled), zap.Error(err))
		}
	}
	return nil
}

// handleAccept reports failures through accept-rejected, which the machine
// already sent, so they are not repeated as error events.
func (r *Router) handleAccept(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p RequestRefPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	if _, err := r.machine.TutorAccept(ctx, p.RequestID, from.ID); err != nil && !types.IsBenign(err) && types.KindOf(err) != types.KindValidation {
		return err
	}
	return nil
}

func (r *Router) handleDecline(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p RequestRefPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	return r.machine.TutorDecline(ctx, p.RequestID, from.ID)
}

func (r *Router) handleHeartbeat(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p HeartbeatPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	partyID := p.PartyID
	if partyID == "" {
		partyID = from.ID
	}
	return r.sessions.OnHeartbeat(ctx, from.ID, p.SessionID, partyID, p.SentAt)
}

func (r *Router) handleEndSession(ctx context.Context, from interfaces.Party, payload []byte) error {
	var p EndSessionPayload
	if err := Decode(payload, &p); err != nil {
		return err
	}
	_, err := r.sessions.EndSessionAs(ctx, from.ID, p.SessionID)
	return err
}

// HandleDisconnect withdraws a tutor's availability and starts the grace
// window on any active session the party is in.
func (r *Router) HandleDisconnect(ctx context.Context, party interfaces.Party) {
	if party.Role == types.RoleTutor {
		if err := r.registry.Withdraw(ctx, party.ID); err != nil {
			r.logger.Warn("withdraw on disconnect failed", zap.String("party_id", party.ID), zap.Error(err))
		}
	}
	if err := r.sessions.MarkDisconnected(ctx, party.ID); err != nil {
		r.logger.Warn("disconnect mark failed", zap.String("party_id", party.ID), zap.Error(err))
	}
}

// Cleanup prunes idle rate limit windows.
func (r *Router) Cleanup() {
	r.rateLimiter.Cleanup()
}
