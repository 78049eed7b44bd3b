// Package settlement finalizes session costs with the external ledger
// service, records every attempt durably and reconciles attempts whose
// outcome was never observed.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// IdempotencyHeader carries the session id on every finalize call so the
// ledger service applies a session at most once.
const IdempotencyHeader = "Idempotency-Key"

type finalizeBody struct {
	SessionID       string `json:"sessionId"`
	PayerID         string `json:"payerId"`
	PayeeID         string `json:"payeeId"`
	DurationSeconds int64  `json:"durationSeconds"`
	Rate            int64  `json:"rate"`
	Amount          int64  `json:"amount"`
}

type replyBody struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

// HTTPClient talks to the ledger service over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client with a per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("settlement-client"),
	}
}

// Finalize posts the settlement. 2xx is success, 4xx a definitive failure;
// transport errors and 5xx wrap ErrOutcomeUnknown.
func (c *HTTPClient) Finalize(ctx context.Context, req interfaces.SettlementRequest) (*interfaces.SettlementResult, error) {
	body, err := json.Marshal(finalizeBody{
		SessionID:       req.SessionID,
		PayerID:         req.PayerID,
		PayeeID:         req.PayeeID,
		DurationSeconds: req.DurationSeconds,
		Rate:            req.Rate,
		Amount:          req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("encode settlement: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build settlement request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.SessionID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close()

	reply, decodeErr := decodeReply(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrOutcomeUnknown, decodeErr)
		}
		if reply.Status == types.SettlementFailed {
			return &interfaces.SettlementResult{Success: false, Reference: reply.Reference, Reason: reply.reason()}, nil
		}
		return &interfaces.SettlementResult{Success: true, Reference: reply.Reference}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := resp.Status
		if decodeErr == nil && reply.reason() != "" {
			reason = reply.reason()
		}
		c.logger.Warn("settlement rejected",
			zap.String("session_id", req.SessionID),
			zap.Int("status", resp.StatusCode),
			zap.String("reason", reason))
		return &interfaces.SettlementResult{Success: false, Reason: reason}, nil

	default:
		return nil, fmt.Errorf("%w: ledger replied %s", interfaces.ErrOutcomeUnknown, resp.Status)
	}
}

// Status asks what the ledger recorded for a session. found is false on 404.
func (c *HTTPClient) Status(ctx context.Context, sessionID string) (*interfaces.SettlementResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/settlements/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("settlement status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: status lookup replied %s", ErrUnexpectedReply, resp.Status)
	}

	reply, err := decodeReply(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}

	switch reply.Status {
	case types.SettlementSucceeded:
		return &interfaces.SettlementResult{Success: true, Reference: reply.Reference}, true, nil
	case types.SettlementFailed:
		return &interfaces.SettlementResult{Success: false, Reference: reply.Reference, Reason: reply.reason()}, true, nil
	default:
		return nil, false, fmt.Errorf("%w: status %q", ErrUnexpectedReply, reply.Status)
	}
}

func decodeReply(r io.Reader) (*replyBody, error) {
	var reply replyBody
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &reply, nil
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (r *replyBody) reason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Error
}

var _ interfaces.SettlementClient = (*HTTPClient)(nil)
