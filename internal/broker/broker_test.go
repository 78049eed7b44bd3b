package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lingualink/internal/availability"
	"lingualink/internal/clock"
	"lingualink/internal/directory"
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

type fixture struct {
	broker   *Broker
	registry *availability.Registry
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
	b := NewBroker(store, registry, notifier, clk, nil, requestTTL)
	registry.SetSweeper(b)
	return &fixture{broker: b, registry: registry, store: store, notifier: notifier, clock: clk}
}

func TestBroker_SubmitPersistsBeforeMatching(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	req, err := f.broker.SubmitRequest(ctx, "student1", "ES", 3, "")
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if req.ID == "" {
		t.Fatal("expected generated request id")
	}
	if req.Language != "es" {
		t.Errorf("language should be normalized, got %s", req.Language)
	}
	if req.ExpiresAt != nil {
		t.Error("requests without TTL should not carry an expiry")
	}

	stored, err := f.broker.GetRequest(ctx, req.ID)
	if err != nil || stored.StudentID != "student1" {
		t.Fatalf("request not persisted: %+v, %v", stored, err)
	}
	if state, _ := f.broker.RequestState(ctx, req.ID); state != types.RequestPending {
		t.Errorf("expected pending, got %s", state)
	}
}

func TestBroker_SubmitValidation(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	if _, err := f.broker.SubmitRequest(ctx, "", "es", 3, ""); !errors.Is(err, types.ErrInvalidPartyID) {
		t.Errorf("expected ErrInvalidPartyID, got %v", err)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student1", "!!", 3, ""); !errors.Is(err, types.ErrInvalidLanguage) {
		t.Errorf("expected ErrInvalidLanguage, got %v", err)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student1", "es", 0, ""); !errors.Is(err, types.ErrInvalidRate) {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, "has space"); !errors.Is(err, types.ErrInvalidRequestID) {
		t.Errorf("expected ErrInvalidRequestID, got %v", err)
	}
}

func TestBroker_RequestIDNeverReinstated(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	if _, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, "req-1"); err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}

	again, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, "req-1")
	if err != nil || again.ID != "req-1" {
		t.Fatalf("same-student resubmit of a pending id should be idempotent: %v", err)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student2", "es", 3, "req-1"); !errors.Is(err, types.ErrRequestIDInUse) {
		t.Errorf("expected ErrRequestIDInUse for other student, got %v", err)
	}

	if _, err := f.broker.CancelRequest(ctx, "req-1", "student1"); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, "req-1"); !errors.Is(err, types.ErrRequestIDInUse) {
		t.Errorf("cancelled id must never be reinstated, got %v", err)
	}
}

func TestBroker_MatchNowFilters(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	_, _ = f.registry.Announce(ctx, "cheap", map[string]types.Rate{"es": 2})
	_, _ = f.registry.Announce(ctx, "exact", map[string]types.Rate{"es": 3})
	_, _ = f.registry.Announce(ctx, "pricey", map[string]types.Rate{"es": 4})
	_, _ = f.registry.Announce(ctx, "french", map[string]types.Rate{"fr": 1})
	_, _ = f.registry.Announce(ctx, "student1", map[string]types.Rate{"es": 1})

	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")
	offers, err := f.broker.MatchNow(ctx, req.ID)
	if err != nil {
		t.Fatalf("MatchNow: %v", err)
	}

	got := map[string]types.Rate{}
	for _, o := range offers {
		got[o.TutorID] = o.TutorRate
	}
	if len(got) != 2 || got["cheap"] != 2 || got["exact"] != 3 {
		t.Errorf("expected cheap and exact, got %v", got)
	}

	if _, err := f.broker.MatchNow(ctx, "missing"); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
	if f.notifier.count("cheap", types.EventRequestOffered) != 0 {
		t.Error("MatchNow must not notify")
	}
}

func TestBroker_TutorInSessionNeverMatched(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	_, _ = f.registry.Announce(ctx, "tutor1", map[string]types.Rate{"es": 2})
	_ = f.store.Set(ctx, directory.TutorSessionKey("tutor1"), []byte("s1"), 0)

	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")
	offers, err := f.broker.MatchNow(ctx, req.ID)
	if err != nil {
		t.Fatalf("MatchNow: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("tutor in session must not be matched, got %v", offers)
	}

	f.broker.OfferRequest(ctx, req.ID)
	if f.notifier.count("tutor1", types.EventRequestOffered) != 0 {
		t.Error("tutor in session must not be offered")
	}
	if f.notifier.count("student1", types.EventNoMatchYet) != 1 {
		t.Error("student should see no-match-yet")
	}

	f.broker.SweepOnNewAvailability(ctx, "tutor1", map[string]types.Rate{"es": 2})
	if f.notifier.count("tutor1", types.EventRequestOffered) != 0 {
		t.Error("sweep must skip a tutor in session")
	}
}

func TestBroker_OfferRequestNotifiesCandidates(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	_, _ = f.registry.Announce(ctx, "tutor1", map[string]types.Rate{"es": 2})
	_, _ = f.registry.Announce(ctx, "tutor2", map[string]types.Rate{"es": 3})

	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")
	offers := f.broker.OfferRequest(ctx, req.ID)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	if f.notifier.count("tutor1", types.EventRequestOffered) != 1 || f.notifier.count("tutor2", types.EventRequestOffered) != 1 {
		t.Error("each candidate should be offered once")
	}
	if f.notifier.count("student1", types.EventMatchFound) != 2 {
		t.Error("student should get match-found per candidate")
	}
}

func TestBroker_LateAvailability(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")
	f.broker.OfferRequest(ctx, req.ID)
	if f.notifier.count("student1", types.EventNoMatchYet) != 1 {
		t.Fatal("expected no-match-yet with no tutors")
	}

	f.clock.Advance(10 * time.Second)
	if _, err := f.registry.Announce(ctx, "tutor1", map[string]types.Rate{"es": 2, "fr": 9}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, err := f.registry.Announce(ctx, "tutor2", map[string]types.Rate{"es": 5}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if f.notifier.count("tutor1", types.EventRequestOffered) != 1 {
		t.Error("late tutor should receive the earlier request")
	}
	if f.notifier.count("tutor2", types.EventRequestOffered) != 0 {
		t.Error("over-budget tutor should not receive the request")
	}
}

func TestBroker_CancelRequest(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")

	if _, err := f.broker.CancelRequest(ctx, req.ID, "student2"); !errors.Is(err, types.ErrNotRequestOwner) {
		t.Errorf("expected ErrNotRequestOwner, got %v", err)
	}
	if _, err := f.broker.CancelRequest(ctx, "never-existed", "student1"); !errors.Is(err, types.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}

	outcome, err := f.broker.CancelRequest(ctx, req.ID, "student1")
	if err != nil || outcome != CancelPending {
		t.Fatalf("first cancel = %v, %v", outcome, err)
	}
	outcome, err = f.broker.CancelRequest(ctx, req.ID, "student1")
	if err != nil || outcome != CancelAlreadyGone {
		t.Fatalf("second cancel = %v, %v", outcome, err)
	}

	if state, _ := f.broker.RequestState(ctx, req.ID); state != types.RequestCancelled {
		t.Errorf("expected cancelled tombstone, got %s", state)
	}
	if f.notifier.count("student1", types.EventRequestCancelled) != 1 {
		t.Error("student should be told once")
	}
}

func TestBroker_ClaimSingleWinner(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")

	const contenders = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := f.broker.Claim(ctx, req.ID)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one claim, got %d", winners)
	}
}

func TestBroker_ExpireRequests(t *testing.T) {
	f := setup(t, time.Minute)
	ctx := context.Background()

	old, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "old")
	f.clock.Advance(40 * time.Second)
	fresh, _ := f.broker.SubmitRequest(ctx, "student2", "es", 3, "fresh")
	f.clock.Advance(30 * time.Second)

	offers, err := f.broker.MatchNow(ctx, old.ID)
	if err != nil || len(offers) != 0 {
		t.Errorf("expired request should have no candidates: %v, %v", offers, err)
	}

	n, err := f.broker.ExpireRequests(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireRequests = %d, %v", n, err)
	}
	if state, _ := f.broker.RequestState(ctx, old.ID); state != types.RequestExpired {
		t.Errorf("expected expired tombstone, got %s", state)
	}
	if state, _ := f.broker.RequestState(ctx, fresh.ID); state != types.RequestPending {
		t.Errorf("fresh request should remain pending, got %s", state)
	}
	if f.notifier.count("student1", types.EventRequestExpired) != 1 {
		t.Error("student should be told about expiry")
	}

	n, _ = f.broker.ExpireRequests(ctx)
	if n != 0 {
		t.Errorf("second sweep should expire nothing, got %d", n)
	}
}

func TestBroker_StorageFailureDegradesToNoMatch(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	req, _ := f.broker.SubmitRequest(ctx, "student1", "es", 3, "")
	_ = f.store.Close()

	if offers := f.broker.OfferRequest(ctx, req.ID); offers != nil {
		t.Errorf("expected no offers, got %v", offers)
	}
	if _, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, ""); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestBroker_KnownOutlivesPendingRecord(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	req, err := f.broker.SubmitRequest(ctx, "student1", "es", 3, "req-known")
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if _, won, err := f.broker.Claim(ctx, req.ID); err != nil || !won {
		t.Fatalf("Claim: won=%v err=%v", won, err)
	}

	known, err := f.broker.Known(ctx, req.ID)
	if err != nil || !known {
		t.Errorf("claimed request should still be known: %v, %v", known, err)
	}
	known, err = f.broker.Known(ctx, "never-seen")
	if err != nil || known {
		t.Errorf("unsubmitted id should be unknown: %v, %v", known, err)
	}
}
