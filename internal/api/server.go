// Package api is the HTTP surface: health, stats, read-only views and REST
// versions of the main intents for clients that are not on the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lingualink/internal/auth"
	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/clock"
	"lingualink/internal/matching"
	"lingualink/internal/router"
	"lingualink/internal/session"
	"lingualink/internal/settlement"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// StatsSource reports gateway counters.
type StatsSource interface {
	Stats() map[string]int
}

// Deps are the components the server reads from and calls into.
type Deps struct {
	Store      interfaces.DirectoryStore
	Registry   *availability.Registry
	Broker     *broker.Broker
	Machine    *matching.Machine
	Sessions   *session.Manager
	Settlement *settlement.Service
	Gateway    StatsSource
	Issuer     *auth.Issuer
	Clock      clock.Clock
	Logger     *zap.Logger
	// DevTokens enables POST /api/tokens.
	DevTokens bool
}

type Server struct {
	deps    Deps
	logger  *zap.Logger
	clock   clock.Clock
	started time.Time
	router  *http.ServeMux
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.Named("api"),
		clock:   deps.Clock,
		started: deps.Clock.Now(),
		router:  http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	handle := func(pattern string, h http.HandlerFunc) {
		s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(h)))
	}

	handle("GET /health", s.healthCheck)
	handle("GET /api/stats", s.stats)
	handle("GET /api/availability", s.listAvailability)
	handle("GET /api/requests/{id}", s.getRequest)
	handle("POST /api/requests", s.authenticated(s.submitRequest))
	handle("DELETE /api/requests/{id}", s.authenticated(s.cancelRequest))
	handle("POST /api/requests/{id}/accept", s.authenticated(s.acceptRequest))
	handle("GET /api/sessions", s.listSessions)
	handle("GET /api/sessions/{id}", s.getSession)
	handle("DELETE /api/sessions/{id}", s.authenticated(s.endSession))
	handle("GET /api/settlements/{id}", s.settlementHistory)
	if s.deps.DevTokens {
		handle("POST /api/tokens", s.issueToken)
	}
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Components  map[string]string `json:"components"`
	Connections map[string]int    `json:"connections"`
	Uptime      string            `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StatsResponse struct {
	AvailableTutors int            `json:"available_tutors"`
	PendingRequests int            `json:"pending_requests"`
	ActiveSessions  int            `json:"active_sessions"`
	Gateway         map[string]int `json:"gateway"`
}

type RequestResponse struct {
	RequestID string                 `json:"request_id"`
	State     string                 `json:"state"`
	Request   *types.TutoringRequest `json:"request,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]string{"directory": "healthy"}

	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		components["directory"] = "error: " + err.Error()
	}
	if s.deps.Settlement != nil {
		if ledger := s.deps.Settlement.Ledger(); ledger != nil {
			components["settlement_ledger"] = "healthy"
			if err := ledger.Ping(ctx); err != nil {
				status = "unhealthy"
				components["settlement_ledger"] = "error: " + err.Error()
			}
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   s.clock.Now(),
		Components:  components,
		Connections: s.gatewayStats(),
		Uptime:      s.clock.Now().Sub(s.started).Truncate(time.Second).String(),
	}
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, response)
}

func (s *Server) gatewayStats() map[string]int {
	if s.deps.Gateway == nil {
		return map[string]int{}
	}
	return s.deps.Gateway.Stats()
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tutors, err := s.deps.Registry.ListAvailable(ctx, "")
	if err != nil {
		s.sendError(w, err)
		return
	}
	pending, err := s.deps.Broker.ListPending(ctx)
	if err != nil {
		s.sendError(w, err)
		return
	}
	active, err := s.deps.Sessions.ListActive(ctx)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, StatsResponse{
		AvailableTutors: len(tutors),
		PendingRequests: len(pending),
		ActiveSessions:  len(active),
		Gateway:         s.gatewayStats(),
	})
}

func (s *Server) listAvailability(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	tutors, err := s.deps.Registry.ListAvailable(r.Context(), language)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"tutors": tutors})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("id")

	state, err := s.deps.Broker.RequestState(ctx, requestID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	response := RequestResponse{RequestID: requestID, State: state}
	switch state {
	case types.RequestPending:
		if req, err := s.deps.Broker.GetRequest(ctx, requestID); err == nil {
			response.Request = req
		}
	case types.RequestAccepted:
		if sess, err := s.deps.Sessions.SessionForRequest(ctx, requestID); err == nil {
			response.SessionID = sess.ID
		}
	}
	s.writeJSON(w, response)
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request, party interfaces.Party) {
	if party.Role != types.RoleStudent {
		s.sendError(w, types.ErrRoleNotPermitted)
		return
	}
	var body router.SubmitPayload
	if err := s.decode(r, &body); err != nil {
		s.sendError(w, err)
		return
	}
	req, err := s.deps.Broker.SubmitRequest(r.Context(), party.ID, body.Language, types.Rate(body.BudgetRate), body.RequestID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	offers := s.deps.Broker.OfferRequest(r.Context(), req.ID)

	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]interface{}{"request": req, "offers": offers})
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request, party interfaces.Party) {
	outcome, err := s.deps.Machine.StudentCancel(r.Context(), r.PathValue("id"), party.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"outcome": string(outcome)})
}

func (s *Server) acceptRequest(w http.ResponseWriter, r *http.Request, party interfaces.Party) {
	if party.Role != types.RoleTutor {
		s.sendError(w, types.ErrRoleNotPermitted)
		return
	}
	sess, err := s.deps.Machine.TutorAccept(r.Context(), r.PathValue("id"), party.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]interface{}{"session": sess})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.ListActive(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"session": sess})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request, party interfaces.Party) {
	sess, err := s.deps.Sessions.EndSessionAs(r.Context(), party.ID, r.PathValue("id"))
	if err != nil && sess == nil {
		s.sendError(w, err)
		return
	}
	if err != nil {
		// Ended and settled, but the final record did not persist.
		s.logger.Error("session end not fully persisted", zap.String("session_id", sess.ID), zap.Error(err))
	}
	s.writeJSON(w, map[string]interface{}{"session": sess})
}

func (s *Server) settlementHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settlement == nil || s.deps.Settlement.Ledger() == nil {
		s.writeJSON(w, map[string]interface{}{"attempts": []settlement.Attempt{}})
		return
	}
	attempts, err := s.deps.Settlement.Ledger().History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, types.ErrSettlementDown.Wrap(err))
		return
	}
	s.writeJSON(w, map[string]interface{}{"attempts": attempts})
}

type tokenRequest struct {
	PartyID string `json:"party_id" validate:"required,max=50"`
	Role    string `json:"role" validate:"required,oneof=tutor student"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if err := s.decode(r, &body); err != nil {
		s.sendError(w, err)
		return
	}
	token, err := s.deps.Issuer.Issue(body.PartyID, body.Role)
	if err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]string{"token": token})
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v); err != nil {
		return types.ErrInvalidPayload.Wrap(err)
	}
	return router.Validate(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response not written", zap.Error(err))
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case types.KindAuthentication:
		return http.StatusUnauthorized
	case types.KindUnauthorized:
		return http.StatusForbidden
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrInvalidRole) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := "internal error"
	var typed *types.Error
	if errors.As(err, &typed) {
		message = typed.Message
	} else if code != http.StatusInternalServerError {
		message = err.Error()
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Error(err))
	}
	w.WriteHeader(code)
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    types.CodeOf(err),
		Message: message,
	})
}
