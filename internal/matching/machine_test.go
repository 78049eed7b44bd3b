package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/clock"
	"lingualink/internal/directory"
	"lingualink/internal/session"
	"lingualink/internal/settlement"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

type sentEvent struct {
	partyID string
	event   string
	payload interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) Send(partyID, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{partyID, event, payload})
	return nil
}

func (n *recordingNotifier) count(partyID, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.partyID == partyID && e.event == event {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) total(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.event == event {
			c++
		}
	}
	return c
}

type okClient struct{}

func (okClient) Finalize(context.Context, interfaces.SettlementRequest) (*interfaces.SettlementResult, error) {
	return &interfaces.SettlementResult{Success: true}, nil
}

func (okClient) Status(context.Context, string) (*interfaces.SettlementResult, bool, error) {
	return nil, false, nil
}

type fixture struct {
	machine  *Machine
	broker   *broker.Broker
	registry *availability.Registry
	sessions *session.Manager
	store    *directory.MemoryStore
	notifier *recordingNotifier
	clock    *clock.FakeClock
}

func setup(t *testing.T, requestTTL time.Duration) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := directory.NewMemoryStore(clk)
	notifier := &recordingNotifier{}
	registry := availability.NewRegistry(store, clk, nil, time.Minute)
	b := broker.NewBroker(store, registry, notifier, clk, nil, requestTTL)
	registry.SetSweeper(b)
	sessions := session.NewManager(store, registry, settlement.NewService(okClient{}, nil, nil),
		notifier, clk, nil, session.DefaultConfig())
	return &fixture{
		machine:  NewMachine(b, registry, sessions, notifier, clk, nil),
		broker:   b,
		registry: registry,
		sessions: sessions,
		store:    store,
		notifier: notifier,
		clock:    clk,
	}
}

func (f *fixture) announce(t *testing.T, tutorID string, rate types.Rate) {
	t.Helper()
	if _, err := f.registry.Announce(context.Background(), tutorID, map[string]types.Rate{"es": rate}); err != nil {
		t.Fatalf("Announce %s: %v", tutorID, err)
	}
}

func (f *fixture) submit(t *testing.T, studentID string, budget types.Rate) *types.TutoringRequest {
	t.Helper()
	req, err := f.broker.SubmitRequest(context.Background(), studentID, "es", budget, "")
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	f.broker.OfferRequest(context.Background(), req.ID)
	return req
}

func TestMachine_AcceptCreatesSession(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	req := f.submit(t, "student1", 3)

	s, err := f.machine.TutorAccept(ctx, req.ID, "tutor1")
	if err != nil {
		t.Fatalf("TutorAccept: %v", err)
	}
	if s.AgreedRate != 2 || s.StudentID != "student1" || s.TutorID != "tutor1" || s.RequestID != req.ID {
		t.Errorf("unexpected session: %+v", s)
	}
	if f.notifier.count("tutor1", types.EventAcceptConfirmed) != 1 {
		t.Error("tutor should get accept-confirmed")
	}
	if f.notifier.count("student1", types.EventSessionStarted) != 1 {
		t.Error("student should get session-started")
	}

	state, err := f.broker.RequestState(ctx, req.ID)
	if err != nil || state != types.RequestAccepted {
		t.Errorf("request state = %q, %v", state, err)
	}
	if _, err := f.broker.GetRequest(ctx, req.ID); !errors.Is(err, types.ErrRequestNotFound) {
		t.Error("accepted request should leave the pending set")
	}
	found, err := f.sessions.SessionForRequest(ctx, req.ID)
	if err != nil || found.ID != s.ID {
		t.Errorf("SessionForRequest = %v, %v", found, err)
	}
}

func TestMachine_ConcurrentAcceptsYieldOneSession(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	const tutors = 12
	for i := 0; i < tutors; i++ {
		f.announce(t, fmt.Sprintf("tutor%d", i), 2)
	}
	req := f.submit(t, "student1", 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		lost    int
	)
	for i := 0; i < tutors; i++ {
		wg.Add(1)
		go func(tutorID string) {
			defer wg.Done()
			_, err := f.machine.TutorAccept(ctx, req.ID, tutorID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, tutorID)
			case errors.Is(err, types.ErrRequestResolved):
				lost++
			default:
				t.Errorf("unexpected accept error for %s: %v", tutorID, err)
			}
		}(fmt.Sprintf("tutor%d", i))
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if lost != tutors-1 {
		t.Errorf("expected %d losers, got %d", tutors-1, lost)
	}
	if n := f.notifier.total(types.EventAcceptRejected); n != tutors-1 {
		t.Errorf("expected %d accept-rejected events, got %d", tutors-1, n)
	}
	if n := f.notifier.count("student1", types.EventSessionStarted); n != 1 {
		t.Errorf("student should get one session-started, got %d", n)
	}

	active, err := f.sessions.ListActive(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active session, got %v, %v", active, err)
	}

	// Losing tutors are free to take another request.
	for i := 0; i < tutors; i++ {
		id := fmt.Sprintf("tutor%d", i)
		if id == winners[0] {
			continue
		}
		if s, _ := f.sessions.ActiveSessionForTutor(ctx, id); s != nil {
			t.Errorf("%s should not hold a session", id)
		}
	}
}

func TestMachine_TutorHoldsOneSession(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	first := f.submit(t, "student1", 3)
	second := f.submit(t, "student2", 3)

	if _, err := f.machine.TutorAccept(ctx, first.ID, "tutor1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := f.machine.TutorAccept(ctx, second.ID, "tutor1"); !errors.Is(err, types.ErrAlreadyInSession) {
		t.Errorf("expected ErrAlreadyInSession, got %v", err)
	}
	if _, err := f.broker.GetRequest(ctx, second.ID); err != nil {
		t.Errorf("second request should remain pending: %v", err)
	}
}

func TestMachine_AcceptRejectsIneligibleTutor(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "pricey", 5)
	req := f.submit(t, "student1", 3)

	tests := []struct {
		name    string
		tutorID string
	}{
		{"over budget", "pricey"},
		{"not announced", "ghost"},
		{"self match", "student1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.machine.TutorAccept(ctx, req.ID, tt.tutorID); !errors.Is(err, types.ErrTutorNotEligible) {
				t.Errorf("expected ErrTutorNotEligible, got %v", err)
			}
		})
	}
	if _, err := f.broker.GetRequest(ctx, req.ID); err != nil {
		t.Errorf("request should still be pending: %v", err)
	}
}

func TestMachine_AcceptUnknownAndResolved(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)

	if _, err := f.machine.TutorAccept(ctx, "never-submitted", "tutor1"); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}

	req := f.submit(t, "student1", 3)
	if _, err := f.machine.StudentCancel(ctx, req.ID, "student1"); err != nil {
		t.Fatalf("StudentCancel: %v", err)
	}
	if _, err := f.machine.TutorAccept(ctx, req.ID, "tutor1"); !errors.Is(err, types.ErrRequestResolved) {
		t.Errorf("expected ErrRequestResolved for cancelled request, got %v", err)
	}
	if f.notifier.count("tutor1", types.EventAcceptRejected) != 2 {
		t.Error("each failed accept should be answered with accept-rejected")
	}
}

func TestMachine_AcceptExpiredRequest(t *testing.T) {
	f := setup(t, 30*time.Second)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	req := f.submit(t, "student1", 3)

	f.clock.Advance(31 * time.Second)
	if _, err := f.machine.TutorAccept(ctx, req.ID, "tutor1"); !errors.Is(err, types.ErrRequestResolved) {
		t.Errorf("expected ErrRequestResolved, got %v", err)
	}
	if s, _ := f.sessions.ActiveSessionForTutor(ctx, "tutor1"); s != nil {
		t.Error("expired request must not become a session")
	}
}

func TestMachine_CancelRacingAccept(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := setup(t, 0)
		ctx := context.Background()
		f.announce(t, "tutor1", 2)
		req := f.submit(t, "student1", 3)

		var (
			wg        sync.WaitGroup
			acceptErr error
			outcome   broker.CancelOutcome
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.machine.TutorAccept(ctx, req.ID, "tutor1")
		}()
		go func() {
			defer wg.Done()
			outcome, cancelErr = f.machine.StudentCancel(ctx, req.ID, "student1")
		}()
		wg.Wait()

		if cancelErr != nil {
			t.Fatalf("round %d: cancel error: %v", round, cancelErr)
		}
		switch outcome {
		case broker.CancelPending:
			if !errors.Is(acceptErr, types.ErrRequestResolved) {
				t.Fatalf("round %d: cancel won but accept returned %v", round, acceptErr)
			}
			if s, _ := f.sessions.ActiveSessionForTutor(ctx, "tutor1"); s != nil {
				t.Fatalf("round %d: cancelled request produced a session", round)
			}
		case broker.CancelAlreadyGone:
			if acceptErr != nil {
				t.Fatalf("round %d: accept won but returned %v", round, acceptErr)
			}
			if s, _ := f.sessions.ActiveSessionForTutor(ctx, "tutor1"); s == nil {
				t.Fatalf("round %d: accepted request has no session", round)
			}
		default:
			t.Fatalf("round %d: unexpected cancel outcome %q", round, outcome)
		}
	}
}

func TestMachine_DeclineTellsStudent(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	req := f.submit(t, "student1", 3)

	if err := f.machine.TutorDecline(ctx, req.ID, "tutor1"); err != nil {
		t.Fatalf("TutorDecline: %v", err)
	}
	if f.notifier.count("student1", types.EventOfferDeclined) != 1 {
		t.Error("student should get offer-declined")
	}
	if _, err := f.broker.GetRequest(ctx, req.ID); err != nil {
		t.Errorf("declined request stays pending: %v", err)
	}
	if err := f.machine.TutorDecline(ctx, "missing", "tutor1"); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestMachine_EndedSessionFreesTutorForNextRequest(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	first := f.submit(t, "student1", 3)

	s, err := f.machine.TutorAccept(ctx, first.ID, "tutor1")
	if err != nil {
		t.Fatalf("TutorAccept: %v", err)
	}
	waiting := f.submit(t, "student2", 3)
	if got := f.notifier.count("tutor1", types.EventRequestOffered); got != 1 {
		t.Fatalf("busy tutor should not be offered the waiting request, offers = %d", got)
	}

	f.clock.Advance(10 * time.Second)
	if _, err := f.sessions.EndSessionAs(ctx, "tutor1", s.ID); err != nil {
		t.Fatalf("EndSessionAs: %v", err)
	}
	if got := f.notifier.count("tutor1", types.EventRequestOffered); got != 2 {
		t.Errorf("tutor should be offered the waiting request after the session, offers = %d", got)
	}
	if _, err := f.machine.TutorAccept(ctx, waiting.ID, "tutor1"); err != nil {
		t.Errorf("tutor should be able to accept again: %v", err)
	}
}

func TestMachine_AcceptLosingToCancelDiscardsSession(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.announce(t, "tutor1", 2)
	req := f.submit(t, "student1", 3)

	// A cancel whose delete reported an error resolved the request first.
	if _, err := f.broker.Resolve(ctx, req.ID, types.RequestCancelled); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := f.machine.TutorAccept(ctx, req.ID, "tutor1"); !errors.Is(err, types.ErrRequestResolved) {
		t.Fatalf("expected ErrRequestResolved, got %v", err)
	}
	if _, err := f.sessions.SessionForRequest(ctx, req.ID); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("discarded session should not be found, got %v", err)
	}
	if active, _ := f.sessions.ListActive(ctx); len(active) != 0 {
		t.Errorf("no session should be active, got %v", active)
	}
	if busy, _ := f.registry.InSession(ctx, "tutor1"); busy {
		t.Error("tutor should be free")
	}
	if f.notifier.count("student1", types.EventSessionStarted) != 0 {
		t.Error("student must not be told a session started")
	}
}
