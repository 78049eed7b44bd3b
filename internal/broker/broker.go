// Package broker accepts student requests, keeps them pending in the
// directory store and matches them against available tutors.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lingualink/internal/availability"
	"lingualink/internal/clock"
	"lingualink/internal/directory"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// CancelOutcome distinguishes a cancel that removed a pending request from
// one that found it already resolved.
type CancelOutcome string

const (
	CancelPending     CancelOutcome = "cancelled"
	CancelAlreadyGone CancelOutcome = "already-gone"
)

type Broker struct {
	store      interfaces.DirectoryStore
	registry   *availability.Registry
	notifier   interfaces.Notifier
	clock      clock.Clock
	logger     *zap.Logger
	requestTTL time.Duration
}

// NewBroker creates a broker. A zero requestTTL keeps requests pending until
// accepted or cancelled.
func NewBroker(store interfaces.DirectoryStore, registry *availability.Registry, notifier interfaces.Notifier,
	clk clock.Clock, logger *zap.Logger, requestTTL time.Duration) *Broker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:      store,
		registry:   registry,
		notifier:   notifier,
		clock:      clk,
		logger:     logger.Named("broker"),
		requestTTL: requestTTL,
	}
}

// SubmitRequest reserves the request id and persists the request before any
// matching happens. An empty requestID gets a generated one. Resubmitting a
// still-pending id by the same student returns the stored request.
func (b *Broker) SubmitRequest(ctx context.Context, studentID, language string, budget types.Rate, requestID string) (*types.TutoringRequest, error) {
	if !types.IsValidPartyID(studentID) {
		return nil, types.ErrInvalidPartyID
	}
	language = types.NormalizeLanguage(language)
	if !types.IsValidLanguage(language) {
		return nil, types.ErrInvalidLanguage
	}
	if budget <= 0 {
		return nil, types.ErrInvalidRate
	}
	if requestID == "" {
		requestID = uuid.New().String()
	} else if !types.IsValidRequestID(requestID) {
		return nil, types.ErrInvalidRequestID
	}

	reserved, err := b.store.SetIfAbsent(ctx, directory.RequestIDKey(requestID), []byte(studentID), 0)
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	if !reserved {
		return b.resubmitted(ctx, requestID, studentID)
	}

	now := b.clock.Now()
	req := &types.TutoringRequest{
		ID:         requestID,
		StudentID:  studentID,
		Language:   language,
		BudgetRate: budget,
		CreatedAt:  now,
	}
	if b.requestTTL > 0 {
		expires := now.Add(b.requestTTL)
		req.ExpiresAt = &expires
	}

	if err := directory.PutJSON(ctx, b.store, directory.RequestKey(requestID), req, 0); err != nil {
		return nil, err
	}

	b.logger.Info("request submitted",
		zap.String("request_id", requestID),
		zap.String("student_id", studentID),
		zap.String("language", language),
		zap.Int64("budget_rate", int64(budget)))
	return req, nil
}

func (b *Broker) resubmitted(ctx context.Context, requestID, studentID string) (*types.TutoringRequest, error) {
	owner, err := b.store.Get(ctx, directory.RequestIDKey(requestID))
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, directory.Unavailable(err)
	}
	if string(owner) != studentID {
		return nil, types.ErrRequestIDInUse
	}
	req, err := b.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, types.ErrRequestNotFound) {
			return nil, types.ErrRequestIDInUse
		}
		return nil, err
	}
	return req, nil
}

// GetRequest returns a pending request or ErrRequestNotFound.
func (b *Broker) GetRequest(ctx context.Context, requestID string) (*types.TutoringRequest, error) {
	var req types.TutoringRequest
	found, err := directory.GetJSON(ctx, b.store, directory.RequestKey(requestID), &req)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRequestNotFound
	}
	return &req, nil
}

// MatchNow returns the tutors that could serve the request right now. It has
// no side effects.
func (b *Broker) MatchNow(ctx context.Context, requestID string) ([]types.MatchOffer, error) {
	req, err := b.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Expired(b.clock.Now()) {
		return nil, nil
	}
	return b.candidatesFor(ctx, req)
}

func (b *Broker) candidatesFor(ctx context.Context, req *types.TutoringRequest) ([]types.MatchOffer, error) {
	tutors, err := b.registry.ListAvailable(ctx, req.Language)
	if err != nil {
		return nil, err
	}

	var offers []types.MatchOffer
	for _, tutor := range tutors {
		if tutor.PartyID == req.StudentID {
			continue
		}
		rate, ok := tutor.RateFor(req.Language)
		if !ok || !req.Accepts(rate) {
			continue
		}
		busy, err := b.registry.InSession(ctx, tutor.PartyID)
		if err != nil {
			return nil, err
		}
		if busy {
			continue
		}
		offers = append(offers, offerFor(req, tutor.PartyID, rate))
	}
	return offers, nil
}

func offerFor(req *types.TutoringRequest, tutorID string, rate types.Rate) types.MatchOffer {
	return types.MatchOffer{
		RequestID:  req.ID,
		TutorID:    tutorID,
		StudentID:  req.StudentID,
		Language:   req.Language,
		BudgetRate: req.BudgetRate,
		TutorRate:  rate,
	}
}

// OfferRequest runs the eager match after submission: every candidate tutor
// gets request-offered and the student gets match-found per candidate, or
// no-match-yet. Dependency failures degrade to no-match-yet.
func (b *Broker) OfferRequest(ctx context.Context, requestID string) []types.MatchOffer {
	req, err := b.GetRequest(ctx, requestID)
	if err != nil {
		b.logger.Warn("offer skipped", zap.String("request_id", requestID), zap.Error(err))
		return nil
	}

	offers, err := b.candidatesFor(ctx, req)
	if err != nil {
		b.logger.Warn("matching degraded to no-match-yet", zap.String("request_id", requestID), zap.Error(err))
		offers = nil
	}

	if len(offers) == 0 {
		b.send(req.StudentID, types.EventNoMatchYet, map[string]interface{}{
			"requestId": req.ID,
		})
		return nil
	}

	for _, offer := range offers {
		b.send(offer.TutorID, types.EventRequestOffered, offeredPayload(req))
		b.send(req.StudentID, types.EventMatchFound, map[string]interface{}{
			"requestId": req.ID,
			"tutorId":   offer.TutorID,
			"rate":      int64(offer.TutorRate),
		})
	}
	b.logger.Info("request offered", zap.String("request_id", req.ID), zap.Int("candidates", len(offers)))
	return offers
}

func offeredPayload(req *types.TutoringRequest) map[string]interface{} {
	return map[string]interface{}{
		"requestId":  req.ID,
		"studentId":  req.StudentID,
		"language":   req.Language,
		"budgetRate": int64(req.BudgetRate),
	}
}

// SweepOnNewAvailability offers every compatible pending request to the
// newly available tutor, and only to that tutor.
func (b *Broker) SweepOnNewAvailability(ctx context.Context, tutorID string, rates map[string]types.Rate) {
	busy, err := b.registry.InSession(ctx, tutorID)
	if err != nil {
		b.logger.Warn("sweep skipped", zap.String("tutor_id", tutorID), zap.Error(err))
		return
	}
	if busy {
		return
	}

	pending, err := b.pending(ctx)
	if err != nil {
		b.logger.Warn("sweep skipped", zap.String("tutor_id", tutorID), zap.Error(err))
		return
	}

	now := b.clock.Now()
	offered := 0
	for _, p := range pending {
		req := p.request
		if req.StudentID == tutorID || req.Expired(now) {
			continue
		}
		rate, ok := rates[req.Language]
		if !ok || !req.Accepts(rate) {
			continue
		}
		b.send(tutorID, types.EventRequestOffered, offeredPayload(req))
		offered++
	}
	if offered > 0 {
		b.logger.Info("swept pending requests", zap.String("tutor_id", tutorID), zap.Int("offered", offered))
	}
}

// CancelRequest removes a pending request on behalf of its student. Calling
// it again reports CancelAlreadyGone with no further effect.
func (b *Broker) CancelRequest(ctx context.Context, requestID, byStudentID string) (CancelOutcome, error) {
	if !types.IsValidRequestID(requestID) {
		return "", types.ErrInvalidRequestID
	}
	owner, err := b.store.Get(ctx, directory.RequestIDKey(requestID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", types.ErrRequestNotFound
	}
	if err != nil {
		return "", directory.Unavailable(err)
	}
	if string(owner) != byStudentID {
		return "", types.ErrNotRequestOwner
	}

	won, err := b.store.CompareAndDelete(ctx, directory.RequestKey(requestID), nil)
	if err != nil {
		won, err = b.removedAfterError(ctx, requestID, err)
	}
	if err != nil {
		return "", err
	}
	if !won {
		return CancelAlreadyGone, nil
	}

	state, err := b.Resolve(ctx, requestID, types.RequestCancelled)
	if err != nil {
		return "", err
	}
	if state != types.RequestCancelled {
		return CancelAlreadyGone, nil
	}
	b.send(byStudentID, types.EventRequestCancelled, map[string]interface{}{"requestId": requestID})
	b.logger.Info("request cancelled", zap.String("request_id", requestID))
	return CancelPending, nil
}

// Claim removes the pending request if it is still present and unchanged.
// Exactly one concurrent caller gets claimed=true, except after a failed
// delete that may have landed; then the caller must still win Resolve.
func (b *Broker) Claim(ctx context.Context, requestID string) (*types.TutoringRequest, bool, error) {
	raw, err := b.store.Get(ctx, directory.RequestKey(requestID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, directory.Unavailable(err)
	}
	var req types.TutoringRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, types.ErrStorageUnavailable.Wrap(err)
	}

	won, err := b.store.CompareAndDelete(ctx, directory.RequestKey(requestID), raw)
	if err != nil {
		won, err = b.removedAfterError(ctx, requestID, err)
	}
	if err != nil {
		return nil, false, err
	}
	return &req, won, nil
}

// removedAfterError decides a delete whose write failed. A request still
// present was not removed. A request that is gone with no tombstone may have
// been removed by this caller, which reports true; Resolve arbitrates.
func (b *Broker) removedAfterError(ctx context.Context, requestID string, cause error) (bool, error) {
	_, err := b.store.Get(ctx, directory.RequestKey(requestID))
	if err == nil || !errors.Is(err, interfaces.ErrNotFound) {
		return false, directory.Unavailable(cause)
	}
	_, err = b.store.Get(ctx, directory.RequestStateKey(requestID))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return false, directory.Unavailable(cause)
	}
	b.logger.Warn("request delete outcome unknown, continuing",
		zap.String("request_id", requestID), zap.Error(cause))
	return true, nil
}

// Resolve records the terminal state of a removed request. The first state
// recorded stands; Resolve returns it, which differs from state when another
// caller resolved the request first.
func (b *Broker) Resolve(ctx context.Context, requestID, state string) (string, error) {
	key := directory.RequestStateKey(requestID)
	ok, err := b.store.SetIfAbsent(ctx, key, []byte(state), 0)
	if err == nil && ok {
		return state, nil
	}
	current, gerr := b.store.Get(ctx, key)
	if gerr == nil {
		return string(current), nil
	}
	if err == nil {
		err = gerr
	}
	b.logger.Warn("failed to record request state",
		zap.String("request_id", requestID), zap.String("state", state), zap.Error(err))
	return "", directory.Unavailable(err)
}

// RequestState returns pending for live requests, the recorded terminal state
// for removed ones, or ErrRequestNotFound.
func (b *Broker) RequestState(ctx context.Context, requestID string) (string, error) {
	_, err := b.store.Get(ctx, directory.RequestKey(requestID))
	if err == nil {
		return types.RequestPending, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return "", directory.Unavailable(err)
	}
	state, err := b.store.Get(ctx, directory.RequestStateKey(requestID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", types.ErrRequestNotFound
	}
	if err != nil {
		return "", directory.Unavailable(err)
	}
	return string(state), nil
}

// Known reports whether the request id was ever submitted.
func (b *Broker) Known(ctx context.Context, requestID string) (bool, error) {
	_, err := b.store.Get(ctx, directory.RequestIDKey(requestID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, directory.Unavailable(err)
	}
	return true, nil
}

// ListPending returns every pending request.
func (b *Broker) ListPending(ctx context.Context) ([]*types.TutoringRequest, error) {
	pending, err := b.pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.TutoringRequest, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.request)
	}
	return out, nil
}

// ExpireRequests removes requests past their TTL and notifies their students.
// It returns how many requests this call expired.
func (b *Broker) ExpireRequests(ctx context.Context) (int, error) {
	pending, err := b.pending(ctx)
	if err != nil {
		return 0, err
	}
	now := b.clock.Now()
	expired := 0
	for _, p := range pending {
		if !p.request.Expired(now) {
			continue
		}
		won, err := b.store.CompareAndDelete(ctx, directory.RequestKey(p.request.ID), p.raw)
		if err != nil {
			won, err = b.removedAfterError(ctx, p.request.ID, err)
		}
		if err != nil {
			return expired, err
		}
		if !won {
			continue
		}
		if state, err := b.Resolve(ctx, p.request.ID, types.RequestExpired); err != nil || state != types.RequestExpired {
			continue
		}
		b.send(p.request.StudentID, types.EventRequestExpired, map[string]interface{}{"requestId": p.request.ID})
		expired++
	}
	if expired > 0 {
		b.logger.Info("expired pending requests", zap.Int("count", expired))
	}
	return expired, nil
}

type pendingRequest struct {
	request *types.TutoringRequest
	raw     []byte
}

func (b *Broker) pending(ctx context.Context) ([]pendingRequest, error) {
	raw, err := b.store.ScanPrefix(ctx, directory.PrefixRequest)
	if err != nil {
		return nil, directory.Unavailable(err)
	}
	out := make([]pendingRequest, 0, len(raw))
	for key, value := range raw {
		var req types.TutoringRequest
		if err := json.Unmarshal(value, &req); err != nil {
			b.logger.Warn("skipping undecodable request", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, pendingRequest{request: &req, raw: value})
	}
	return out, nil
}

func (b *Broker) send(partyID, event string, payload map[string]interface{}) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Send(partyID, event, payload); err != nil {
		b.logger.Debug("notification not delivered",
			zap.String("party_id", partyID), zap.String("event", event), zap.Error(err))
	}
}

var _ availability.Sweeper = (*Broker)(nil)
