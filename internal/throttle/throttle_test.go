package throttle

import (
	"context"
	"testing"
	"time"

	"denticore.org/internal/audit"
)

type recordingSink struct {
	entries []audit.Entry
}

func (r *recordingSink) AppendAuditEntry(ctx context.Context, e audit.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return r.entries, nil
}

func newTestLimiter(t *testing.T, max int, window time.Duration, clock *time.Time) (*Limiter, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	trail := audit.NewTrail(sink)
	lim := NewLimiter(NewMemoryStore(), trail, max, window,
		WithClock(func() time.Time { return *clock }))
	return lim, sink
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim, _ := newTestLimiter(t, 3, 15*time.Minute, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := lim.Check(ctx, "alice@clinic.test", "10.0.0.1")
		if err != nil || !st.Allowed {
			t.Fatalf("attempt %d should be allowed: %+v %v", i, st, err)
		}
		if err := lim.Record(ctx, "alice@clinic.test", "10.0.0.1", false); err != nil {
			t.Fatal(err)
		}
	}

	st, err := lim.Check(ctx, "alice@clinic.test", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Allowed {
		t.Fatal("expected lockout after 3 failures")
	}
	if st.RetryAfter != 15*time.Minute {
		t.Fatalf("unexpected retry after: %v", st.RetryAfter)
	}
	if st.RetryAfterMinutes() != 15 {
		t.Fatalf("unexpected retry minutes: %d", st.RetryAfterMinutes())
	}

	// A different origin for the same identity is unaffected.
	st, _ = lim.Check(ctx, "alice@clinic.test", "10.0.0.2")
	if !st.Allowed {
		t.Fatal("lockout leaked across origins")
	}
}

func TestLockoutExpiresWithWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim, _ := newTestLimiter(t, 2, 15*time.Minute, &clock)
	ctx := context.Background()

	_ = lim.Record(ctx, "bob", "1.2.3.4", false)
	_ = lim.Record(ctx, "bob", "1.2.3.4", false)

	clock = clock.Add(14 * time.Minute)
	st, _ := lim.Check(ctx, "bob", "1.2.3.4")
	if st.Allowed {
		t.Fatal("lockout should still hold inside window")
	}
	if st.RetryAfter != time.Minute {
		t.Fatalf("unexpected retry after: %v", st.RetryAfter)
	}

	clock = clock.Add(time.Minute)
	st, _ = lim.Check(ctx, "bob", "1.2.3.4")
	if !st.Allowed || st.AttemptsRemaining != 2 {
		t.Fatalf("expected fresh window after expiry: %+v", st)
	}
}

func TestRepeatedFailureRestartsWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim, _ := newTestLimiter(t, 3, 15*time.Minute, &clock)
	ctx := context.Background()

	_ = lim.Record(ctx, "carol", "9.9.9.9", false)
	_ = lim.Record(ctx, "carol", "9.9.9.9", false)
	clock = clock.Add(10 * time.Minute)
	_ = lim.Record(ctx, "carol", "9.9.9.9", false)

	// The third failure restarted the window, so the lockout runs a full
	// 15 minutes from it, not from the first failure.
	clock = clock.Add(6 * time.Minute)
	st, _ := lim.Check(ctx, "carol", "9.9.9.9")
	if st.Allowed {
		t.Fatal("lockout should still hold; window restarted on last failure")
	}

	clock = clock.Add(9 * time.Minute)
	st, _ = lim.Check(ctx, "carol", "9.9.9.9")
	if !st.Allowed {
		t.Fatal("lockout should expire 15m after the last failure")
	}
}

func TestSuccessClearsPairState(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim, _ := newTestLimiter(t, 2, 15*time.Minute, &clock)
	ctx := context.Background()

	_ = lim.Record(ctx, "dave", "5.5.5.5", false)
	if err := lim.Record(ctx, "dave", "5.5.5.5", true); err != nil {
		t.Fatal(err)
	}
	st, _ := lim.Check(ctx, "dave", "5.5.5.5")
	if !st.Allowed || st.AttemptsRemaining != 2 {
		t.Fatalf("success must fully reset the counter: %+v", st)
	}
}

func TestEveryRecordAudits(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim, sink := newTestLimiter(t, 3, 15*time.Minute, &clock)
	ctx := context.Background()

	_ = lim.Record(ctx, "erin", "8.8.8.8", false)
	_ = lim.Record(ctx, "erin", "8.8.8.8", true)

	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(sink.entries))
	}
	for _, e := range sink.entries {
		if e.Action != "login_attempt" {
			t.Fatalf("unexpected action: %s", e.Action)
		}
	}
	if sink.entries[0].Result != audit.ResultFailure || sink.entries[1].Result != audit.ResultSuccess {
		t.Fatalf("unexpected results: %s / %s", sink.entries[0].Result, sink.entries[1].Result)
	}
}

func TestSweepPurgesExpiredWindows(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	sink := &recordingSink{}
	lim := NewLimiter(store, audit.NewTrail(sink), 3, 15*time.Minute,
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_ = lim.Record(ctx, "frank", "7.7.7.7", false)
	clock = clock.Add(20 * time.Minute)
	if err := lim.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, pairKey("frank", "7.7.7.7")); ok {
		t.Fatal("expected expired window to be purged")
	}
}
