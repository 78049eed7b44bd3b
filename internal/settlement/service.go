package settlement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Outcome is the settlement state recorded on a session.
type Outcome struct {
	Status    string
	Reference string
	Reason    string
}

// Service pairs the ledger client with the attempt ledger. Each Settle call
// invokes Finalize exactly once.
type Service struct {
	client interfaces.SettlementClient
	ledger *Ledger
	logger *zap.Logger
}

// NewService creates a service. ledger may be nil, in which case attempts are
// only logged.
func NewService(client interfaces.SettlementClient, ledger *Ledger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, ledger: ledger, logger: logger.Named("settlement")}
}

// Ledger returns the attempt ledger, or nil.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Client returns the underlying settlement client.
func (s *Service) Client() interfaces.SettlementClient {
	return s.client
}

// Settle records an attempt, calls Finalize once and records what came back.
// A ledger that is unreachable does not block Finalize; an attempt number
// already taken means another caller is settling and Finalize is skipped.
func (s *Service) Settle(ctx context.Context, req interfaces.SettlementRequest) Outcome {
	var attempt *Attempt
	if s.ledger != nil {
		a, err := s.ledger.Begin(ctx, req)
		if errors.Is(err, ErrAttemptTaken) {
			s.logger.Warn("settlement already in progress", zap.String("session_id", req.SessionID))
			return Outcome{Status: types.SettlementPending, Reason: "settlement already in progress"}
		}
		if err != nil {
			s.logger.Error("settlement attempt not recorded", zap.String("session_id", req.SessionID), zap.Error(err))
		}
		attempt = a
	}
	return s.run(ctx, req, attempt)
}

// Retry calls Finalize again for a session whose previous attempt was
// confirmed not applied. It reports false without calling Finalize when the
// next attempt could not be recorded.
func (s *Service) Retry(ctx context.Context, previous *Attempt) (Outcome, bool) {
	if s.ledger == nil {
		return Outcome{}, false
	}
	req := previous.Request()
	attempt, err := s.ledger.BeginAfter(ctx, req, previous.Number)
	if errors.Is(err, ErrAttemptTaken) {
		s.logger.Debug("settlement retry taken by another reconciler",
			zap.String("session_id", req.SessionID), zap.Int("attempt", previous.Number+1))
		return Outcome{}, false
	}
	if err != nil {
		s.logger.Error("settlement retry not recorded", zap.String("session_id", req.SessionID), zap.Error(err))
		return Outcome{}, false
	}
	return s.run(ctx, req, attempt), true
}

// HasAttempt reports whether the ledger holds any attempt for the session.
// Without a ledger it always reports false.
func (s *Service) HasAttempt(ctx context.Context, sessionID string) (bool, error) {
	if s.ledger == nil {
		return false, nil
	}
	_, err := s.ledger.Latest(ctx, sessionID)
	if errors.Is(err, ErrAttemptNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) run(ctx context.Context, req interfaces.SettlementRequest, attempt *Attempt) Outcome {
	outcome := s.finalize(ctx, req)

	if attempt != nil {
		if err := s.ledger.Complete(ctx, attempt.ID, outcome); err != nil {
			s.logger.Error("settlement outcome not recorded", zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("session_id", req.SessionID),
		zap.String("status", outcome.Status),
		zap.Int64("amount", req.Amount),
		zap.Int64("duration_seconds", req.DurationSeconds),
	}
	if outcome.Status == types.SettlementSucceeded {
		s.logger.Info("session settled", append(fields, zap.String("reference", outcome.Reference))...)
	} else {
		s.logger.Warn("session not settled", append(fields, zap.String("reason", outcome.Reason))...)
	}
	return outcome
}

func (s *Service) finalize(ctx context.Context, req interfaces.SettlementRequest) Outcome {
	result, err := s.client.Finalize(ctx, req)
	if err != nil {
		// Anything short of a definitive answer is unknown; the reconciler
		// resolves it through Status before any new attempt.
		reason := err.Error()
		if !errors.Is(err, interfaces.ErrOutcomeUnknown) {
			reason = "unclassified: " + reason
		}
		return Outcome{Status: types.SettlementUnknown, Reason: reason}
	}
	if result == nil {
		return Outcome{Status: types.SettlementUnknown, Reason: "empty settlement result"}
	}
	if result.Success {
		return Outcome{Status: types.SettlementSucceeded, Reference: result.Reference}
	}
	return Outcome{Status: types.SettlementFailed, Reference: result.Reference, Reason: result.Reason}
}
