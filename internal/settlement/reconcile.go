package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/clock"
	"lingualink/pkg/types"
)

// Recorder receives outcomes resolved out of band so the session record can
// be updated.
type Recorder interface {
	RecordSettlement(ctx context.Context, sessionID string, outcome Outcome) error
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked   int
	Confirmed int
	Retried   int
	Abandoned int
	Skipped   int
}

// Reconciler revisits settlements whose latest attempt did not succeed. It
// never re-invokes Finalize until Status confirms the earlier attempt failed
// or was never seen.
type Reconciler struct {
	service     *Service
	recorder    Recorder
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
	inFlight    time.Duration
}

// NewReconciler creates a reconciler. Pending attempts younger than inFlight
// are assumed to still be running and are left alone.
func NewReconciler(service *Service, recorder Recorder, clk clock.Clock, logger *zap.Logger, maxAttempts int, inFlight time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Reconciler{
		service:     service,
		recorder:    recorder,
		clock:       clk,
		logger:      logger.Named("reconcile"),
		maxAttempts: maxAttempts,
		inFlight:    inFlight,
	}
}

// RunOnce makes one pass over the unresolved attempts.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	ledger := r.service.Ledger()
	if ledger == nil {
		return report, nil
	}

	attempts, err := ledger.Unresolved(ctx)
	if err != nil {
		return report, err
	}

	now := r.clock.Now()
	for i := range attempts {
		attempt := &attempts[i]
		report.Checked++

		if attempt.Status == types.SettlementPending && now.Sub(attempt.CreatedAt) < r.inFlight {
			report.Skipped++
			continue
		}

		result, found, err := r.service.Client().Status(ctx, attempt.SessionID)
		if err != nil {
			r.logger.Warn("settlement status unavailable", zap.String("session_id", attempt.SessionID), zap.Error(err))
			report.Skipped++
			continue
		}

		if found && result.Success {
			outcome := Outcome{Status: types.SettlementSucceeded, Reference: result.Reference}
			if err := ledger.Complete(ctx, attempt.ID, outcome); err != nil {
				r.logger.Error("failed to record confirmed settlement", zap.String("session_id", attempt.SessionID), zap.Error(err))
			}
			r.record(ctx, attempt.SessionID, outcome)
			report.Confirmed++
			continue
		}

		// Confirmed failed, or never applied.
		confirmed := Outcome{Status: types.SettlementFailed, Reason: "not recorded by ledger"}
		if found {
			confirmed.Reference = result.Reference
			confirmed.Reason = result.Reason
		}
		if attempt.Status != types.SettlementFailed {
			if err := ledger.Complete(ctx, attempt.ID, confirmed); err != nil {
				r.logger.Error("failed to record confirmed failure", zap.String("session_id", attempt.SessionID), zap.Error(err))
			}
		}

		if attempt.Number >= r.maxAttempts {
			if attempt.Status != types.SettlementFailed {
				r.record(ctx, attempt.SessionID, confirmed)
			}
			report.Abandoned++
			continue
		}

		outcome, ran := r.service.Retry(ctx, attempt)
		if !ran {
			report.Skipped++
			continue
		}
		r.record(ctx, attempt.SessionID, outcome)
		report.Retried++
	}

	if report.Checked > 0 {
		r.logger.Info("reconciliation pass",
			zap.Int("checked", report.Checked),
			zap.Int("confirmed", report.Confirmed),
			zap.Int("retried", report.Retried),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}

func (r *Reconciler) record(ctx context.Context, sessionID string, outcome Outcome) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordSettlement(ctx, sessionID, outcome); err != nil {
		r.logger.Warn("session not updated with settlement outcome", zap.String("session_id", sessionID), zap.Error(err))
	}
}
