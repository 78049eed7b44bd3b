package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lingualink/internal/clock"
	dbconfig "lingualink/pkg/database"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T, clk clock.Clock) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, clk clock.Clock) Store {
			return NewMemoryStore(clk)
		}},
		{"sqlite", func(t *testing.T, clk clock.Clock) Store {
			cfg := dbconfig.DefaultConfig()
			cfg.DatabasePath = filepath.Join(t.TempDir(), "directory.db")
			cfg.RetryDelay = time.Millisecond
			s, err := NewSQLiteStore(cfg, clk, nil)
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clk *clock.FakeClock)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.Fake(epoch)
			s := b.open(t, clk)
			defer s.Close()
			fn(t, s, clk)
		})
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *clock.FakeClock) {
		ctx := context.Background()

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, interfaces.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Set(ctx, "k", []byte("v1"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, "k", []byte("v2"), 0); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil || string(got) != "v2" {
			t.Fatalf("Get = %q, %v", got, err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("second Delete should be a no-op: %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, interfaces.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestStore_TTL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.FakeClock) {
		ctx := context.Background()

		if err := s.Set(ctx, "avail:t1", []byte("x"), 10*time.Second); err != nil {
			t.Fatalf("Set: %v", err)
		}
		clk.Advance(9 * time.Second)
		if _, err := s.Get(ctx, "avail:t1"); err != nil {
			t.Fatalf("key should still be live: %v", err)
		}

		ok, err := s.Expire(ctx, "avail:t1", 10*time.Second)
		if err != nil || !ok {
			t.Fatalf("Expire = %v, %v", ok, err)
		}
		clk.Advance(9 * time.Second)
		if _, err := s.Get(ctx, "avail:t1"); err != nil {
			t.Fatalf("refreshed key should still be live: %v", err)
		}

		clk.Advance(2 * time.Second)
		if _, err := s.Get(ctx, "avail:t1"); !errors.Is(err, interfaces.ErrNotFound) {
			t.Fatalf("expected expiry, got %v", err)
		}
		if ok, _ := s.Expire(ctx, "avail:t1", time.Second); ok {
			t.Error("Expire on an expired key should report false")
		}

		scanned, err := s.ScanPrefix(ctx, "avail:")
		if err != nil {
			t.Fatalf("ScanPrefix: %v", err)
		}
		if len(scanned) != 0 {
			t.Errorf("expired key leaked into scan: %v", scanned)
		}

		if _, err := s.PurgeExpired(ctx); err != nil {
			t.Errorf("PurgeExpired: %v", err)
		}
	})
}

func TestStore_Hash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *clock.FakeClock) {
		ctx := context.Background()

		_ = s.HashSet(ctx, "heartbeat:s1", "tutor1", []byte("1"))
		_ = s.HashSet(ctx, "heartbeat:s1", "student1", []byte("2"))
		_ = s.HashSet(ctx, "heartbeat:s1", "tutor1", []byte("3"))

		v, err := s.HashGet(ctx, "heartbeat:s1", "tutor1")
		if err != nil || string(v) != "3" {
			t.Fatalf("HashGet = %q, %v", v, err)
		}

		all, err := s.HashGetAll(ctx, "heartbeat:s1")
		if err != nil || len(all) != 2 {
			t.Fatalf("HashGetAll = %v, %v", all, err)
		}

		_ = s.HashDelete(ctx, "heartbeat:s1", "tutor1")
		if _, err := s.HashGet(ctx, "heartbeat:s1", "tutor1"); !errors.Is(err, interfaces.ErrNotFound) {
			t.Errorf("expected deleted field, got %v", err)
		}

		_ = s.HashDelete(ctx, "heartbeat:s1", "")
		all, _ = s.HashGetAll(ctx, "heartbeat:s1")
		if len(all) != 0 {
			t.Errorf("expected empty hash, got %v", all)
		}
	})
}

func TestStore_ConditionalWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.FakeClock) {
		ctx := context.Background()

		ok, err := s.SetIfAbsent(ctx, "request-id:r1", []byte("s1"), 0)
		if err != nil || !ok {
			t.Fatalf("first SetIfAbsent = %v, %v", ok, err)
		}
		if ok, _ := s.SetIfAbsent(ctx, "request-id:r1", []byte("s2"), 0); ok {
			t.Error("second SetIfAbsent should fail")
		}

		_ = s.Set(ctx, "lease", []byte("a"), time.Second)
		clk.Advance(2 * time.Second)
		if ok, _ := s.SetIfAbsent(ctx, "lease", []byte("b"), 0); !ok {
			t.Error("SetIfAbsent should succeed over an expired key")
		}

		_ = s.Set(ctx, "session-state:s1", []byte(types.SessionActive), 0)
		if ok, _ := s.CompareAndSwap(ctx, "session-state:s1", []byte(types.SessionEnded), []byte(types.SessionEnding)); ok {
			t.Error("CAS with wrong expected value should fail")
		}
		if ok, _ := s.CompareAndSwap(ctx, "session-state:s1", []byte(types.SessionActive), []byte(types.SessionEnding)); !ok {
			t.Error("CAS active->ending should succeed")
		}
		if ok, _ := s.CompareAndSwap(ctx, "session-state:s1", []byte(types.SessionActive), []byte(types.SessionEnding)); ok {
			t.Error("second CAS active->ending should fail")
		}

		_ = s.Set(ctx, "request:r1", []byte("payload"), 0)
		if ok, _ := s.CompareAndDelete(ctx, "request:r1", []byte("other")); ok {
			t.Error("CompareAndDelete with mismatched value should fail")
		}
		if ok, _ := s.CompareAndDelete(ctx, "request:r1", nil); !ok {
			t.Error("CompareAndDelete should succeed")
		}
		if ok, _ := s.CompareAndDelete(ctx, "request:r1", nil); ok {
			t.Error("CompareAndDelete on a deleted key should fail")
		}
	})
}

func TestStore_CompareAndDeleteSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *clock.FakeClock) {
		ctx := context.Background()
		_ = s.Set(ctx, "request:race", []byte("payload"), 0)

		const contenders = 10
		var winners int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndDelete(ctx, "request:race", nil)
				if err != nil {
					t.Errorf("CompareAndDelete: %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&winners, 1)
				}
			}()
		}
		wg.Wait()

		if winners != 1 {
			t.Errorf("expected exactly 1 winner, got %d", winners)
		}
	})
}

func TestStore_ScanPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *clock.FakeClock) {
		ctx := context.Background()
		_ = s.Set(ctx, SessionKey("s1"), []byte("1"), 0)
		_ = s.Set(ctx, SessionKey("s2"), []byte("2"), 0)
		_ = s.Set(ctx, SessionStateKey("s1"), []byte("active"), 0)

		got, err := s.ScanPrefix(ctx, PrefixSession)
		if err != nil {
			t.Fatalf("ScanPrefix: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("expected 2 session keys, got %v", got)
		}
		if _, ok := got[SessionStateKey("s1")]; ok {
			t.Error("session-state key must not match the session prefix")
		}
	})
}

func TestStore_ClosedStoreRejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *clock.FakeClock) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close should be a no-op: %v", err)
		}
		if err := s.Set(context.Background(), "k", []byte("v"), 0); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore(clock.Fake(epoch))
	ctx := context.Background()

	in := types.TutoringRequest{ID: "r1", StudentID: "student1", Language: "es", BudgetRate: 3}
	if err := PutJSON(ctx, s, RequestKey("r1"), in, 0); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	var out types.TutoringRequest
	found, err := GetJSON(ctx, s, RequestKey("r1"), &out)
	if err != nil || !found {
		t.Fatalf("GetJSON = %v, %v", found, err)
	}
	if out.StudentID != "student1" || out.BudgetRate != 3 {
		t.Errorf("unexpected decode: %+v", out)
	}

	found, err = GetJSON(ctx, s, RequestKey("missing"), &out)
	if err != nil || found {
		t.Errorf("missing key: found=%v err=%v", found, err)
	}

	_ = s.Close()
	if _, err := GetJSON(ctx, s, RequestKey("r1"), &out); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("redis", dbconfig.DefaultConfig(), nil, nil); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}
