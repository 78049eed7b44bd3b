package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lingualink/internal/auth"
	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/clock"
	"lingualink/internal/directory"
	"lingualink/internal/matching"
	"lingualink/internal/session"
	"lingualink/internal/settlement"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

type discardNotifier struct{}

func (discardNotifier) Send(string, string, interface{}) error { return nil }

type okClient struct{}

func (okClient) Finalize(_ context.Context, req interfaces.SettlementRequest) (*interfaces.SettlementResult, error) {
	return &interfaces.SettlementResult{Success: true, Reference: "ref-" + req.SessionID}, nil
}

func (okClient) Status(context.Context, string) (*interfaces.SettlementResult, bool, error) {
	return nil, false, nil
}

type staticStats map[string]int

func (s staticStats) Stats() map[string]int { return s }

type failingStore struct {
	interfaces.DirectoryStore
}

func (failingStore) HealthCheck(context.Context) error { return errors.New("disk gone") }

type fixture struct {
	server   *Server
	deps     Deps
	registry *availability.Registry
	issuer   *auth.Issuer
	clock    *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := directory.NewMemoryStore(clk)
	notifier := discardNotifier{}

	ledger, err := settlement.OpenLedger("sqlite", filepath.Join(t.TempDir(), "ledger.db"), clk)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	registry := availability.NewRegistry(store, clk, nil, time.Minute)
	b := broker.NewBroker(store, registry, notifier, clk, nil, 0)
	registry.SetSweeper(b)
	sessions := session.NewManager(store, registry, settlement.NewService(okClient{}, ledger, nil),
		notifier, clk, nil, session.DefaultConfig())
	machine := matching.NewMachine(b, registry, sessions, notifier, clk, nil)

	issuer, err := auth.NewIssuer("test-secret", time.Hour, clk)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	deps := Deps{
		Store:      store,
		Registry:   registry,
		Broker:     b,
		Machine:    machine,
		Sessions:   sessions,
		Settlement: settlement.NewService(okClient{}, ledger, nil),
		Gateway:    staticStats{"total_connections": 2},
		Issuer:     issuer,
		Clock:      clk,
		DevTokens:  true,
	}
	return &fixture{server: NewServer(deps), deps: deps, registry: registry, issuer: issuer, clock: clk}
}

func (f *fixture) token(t *testing.T, partyID, role string) string {
	t.Helper()
	token, err := f.issuer.Issue(partyID, role)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestServer_HealthCheck(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}

	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %s", health.Status)
	}
	if health.Components["settlement_ledger"] != "healthy" {
		t.Errorf("expected ledger component, got %v", health.Components)
	}
	if health.Connections["total_connections"] != 2 {
		t.Errorf("expected gateway stats, got %v", health.Connections)
	}
}

func TestServer_HealthCheckUnhealthy(t *testing.T) {
	f := setup(t)
	deps := f.deps
	deps.Store = failingStore{}
	server := NewServer(deps)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", health.Status)
	}
}

func TestServer_LessonOverREST(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.registry.Announce(ctx, "tutor1", map[string]types.Rate{"es": 2}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	student := f.token(t, "student1", types.RoleStudent)
	tutor := f.token(t, "tutor1", types.RoleTutor)

	w := f.do(t, http.MethodPost, "/api/requests", student,
		map[string]interface{}{"requestId": "req-1", "language": "es", "budgetRate": 3})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/requests/req-1", "", nil)
	var pending RequestResponse
	decode(t, w, &pending)
	if pending.State != types.RequestPending || pending.Request == nil {
		t.Fatalf("expected pending request, got %+v", pending)
	}

	w = f.do(t, http.MethodPost, "/api/requests/req-1/accept", tutor, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("accept: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		Session types.Session `json:"session"`
	}
	decode(t, w, &accepted)
	if accepted.Session.AgreedRate != 2 || accepted.Session.State != types.SessionActive {
		t.Fatalf("unexpected session %+v", accepted.Session)
	}

	w = f.do(t, http.MethodPost, "/api/requests/req-1/accept", f.token(t, "tutor2", types.RoleTutor), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second accept: expected 409, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/requests/req-1", "", nil)
	var resolved RequestResponse
	decode(t, w, &resolved)
	if resolved.State != types.RequestAccepted || resolved.SessionID != accepted.Session.ID {
		t.Errorf("expected accepted with session id, got %+v", resolved)
	}

	w = f.do(t, http.MethodGet, "/api/stats", "", nil)
	var stats StatsResponse
	decode(t, w, &stats)
	if stats.ActiveSessions != 1 || stats.PendingRequests != 0 || stats.AvailableTutors != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	f.clock.Advance(45 * time.Second)
	path := "/api/sessions/" + accepted.Session.ID
	if w := f.do(t, http.MethodDelete, path, f.token(t, "outsider", types.RoleStudent), nil); w.Code != http.StatusForbidden {
		t.Errorf("outsider end: expected 403, got %d", w.Code)
	}
	w = f.do(t, http.MethodDelete, path, student, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ended struct {
		Session types.Session `json:"session"`
	}
	decode(t, w, &ended)
	if ended.Session.DurationSeconds != 45 || ended.Session.TotalCost != 90 {
		t.Errorf("expected 45s costing 90, got %ds costing %d", ended.Session.DurationSeconds, ended.Session.TotalCost)
	}

	w = f.do(t, http.MethodGet, "/api/settlements/"+accepted.Session.ID, "", nil)
	var history struct {
		Attempts []settlement.Attempt `json:"attempts"`
	}
	decode(t, w, &history)
	if len(history.Attempts) != 1 {
		t.Errorf("expected one settlement attempt, got %d", len(history.Attempts))
	}
}

func TestServer_CancelRequest(t *testing.T) {
	f := setup(t)
	student := f.token(t, "student1", types.RoleStudent)

	f.do(t, http.MethodPost, "/api/requests", student,
		map[string]interface{}{"requestId": "req-1", "language": "es", "budgetRate": 3})

	if w := f.do(t, http.MethodDelete, "/api/requests/req-1", f.token(t, "student2", types.RoleStudent), nil); w.Code != http.StatusForbidden {
		t.Errorf("foreign cancel: expected 403, got %d", w.Code)
	}

	w := f.do(t, http.MethodDelete, "/api/requests/req-1", student, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decode(t, w, &body)
	if body["outcome"] != string(broker.CancelPending) {
		t.Errorf("expected outcome %q, got %q", broker.CancelPending, body["outcome"])
	}

	w = f.do(t, http.MethodGet, "/api/requests/req-1", "", nil)
	var state RequestResponse
	decode(t, w, &state)
	if state.State != types.RequestCancelled {
		t.Errorf("expected cancelled, got %s", state.State)
	}
}

func TestServer_Errors(t *testing.T) {
	f := setup(t)
	tutor := f.token(t, "tutor1", types.RoleTutor)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		status int
		code   string
	}{
		{"missing token", http.MethodPost, "/api/requests", "", nil, http.StatusUnauthorized, "identity_mismatch"},
		{"bad token", http.MethodPost, "/api/requests", "garbage", nil, http.StatusUnauthorized, "identity_mismatch"},
		{"tutor submits", http.MethodPost, "/api/requests", tutor,
			map[string]interface{}{"language": "es", "budgetRate": 3}, http.StatusForbidden, "role_not_permitted"},
		{"invalid payload", http.MethodPost, "/api/requests", f.token(t, "student1", types.RoleStudent),
			map[string]interface{}{"language": "es"}, http.StatusBadRequest, "invalid_payload"},
		{"unknown request", http.MethodGet, "/api/requests/nope", "", nil, http.StatusNotFound, "request_not_found"},
		{"unknown session", http.MethodGet, "/api/sessions/nope", "", nil, http.StatusNotFound, "session_not_found"},
		{"accept unknown", http.MethodPost, "/api/requests/nope/accept", tutor, nil, http.StatusNotFound, "request_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, resp.Code)
			}
		})
	}
}

func TestServer_ListAvailability(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.registry.Announce(ctx, "tutor1", map[string]types.Rate{"es": 2})
	f.registry.Announce(ctx, "tutor2", map[string]types.Rate{"fr": 3})

	w := f.do(t, http.MethodGet, "/api/availability?language=es", "", nil)
	var body struct {
		Tutors []types.TutorAvailability `json:"tutors"`
	}
	decode(t, w, &body)
	if len(body.Tutors) != 1 || body.Tutors[0].PartyID != "tutor1" {
		t.Errorf("expected only tutor1, got %+v", body.Tutors)
	}
}

func TestServer_IssueToken(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/api/tokens", "", map[string]string{"party_id": "student1", "role": "student"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decode(t, w, &body)
	claims, err := f.issuer.Verify(body["token"])
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.PartyID != "student1" || claims.Role != types.RoleStudent {
		t.Errorf("unexpected claims %+v", claims)
	}

	if w := f.do(t, http.MethodPost, "/api/tokens", "", map[string]string{"party_id": "x", "role": "admin"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad role: expected 400, got %d", w.Code)
	}

	deps := f.deps
	deps.DevTokens = false
	w = httptest.NewRecorder()
	NewServer(deps).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tokens", nil))
	if w.Code == http.StatusCreated {
		t.Error("token endpoint should be disabled")
	}
}
