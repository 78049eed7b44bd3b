package interfaces

import (
	"context"
	"errors"
)

// ErrOutcomeUnknown marks a settlement attempt whose result could not be
// observed (timeout, connection reset, 5xx). It must not be blindly retried.
var ErrOutcomeUnknown = errors.New("settlement: outcome unknown")

// SettlementRequest is the input to a single finalize call.
type SettlementRequest struct {
	SessionID       string
	PayerID         string
	PayeeID         string
	DurationSeconds int64
	Rate            int64
	Amount          int64
}

// SettlementResult is the ledger's answer for a session.
type SettlementResult struct {
	Success   bool
	Reference string
	Reason    string
}

// SettlementClient finalizes a session's cost with the external ledger. It is
// idempotent per session ID on the ledger side.
type SettlementClient interface {
	// Finalize returns a definitive result, or an error wrapping
	// ErrOutcomeUnknown when the outcome could not be observed.
	Finalize(ctx context.Context, req SettlementRequest) (*SettlementResult, error)

	// Status asks the ledger what it recorded for a session. found is false
	// when the ledger never saw the session.
	Status(ctx context.Context, sessionID string) (result *SettlementResult, found bool, err error)
}
