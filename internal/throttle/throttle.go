// Package throttle implements the sliding-window brute-force defense for
// login attempts, keyed by (identity, origin address).
package throttle

import (
	"context"
	"strings"
	"time"

	"denticore.org/internal/audit"
	"denticore.org/internal/obs"
)

// Window tracks consecutive failures for one (identity, origin) pair.
type Window struct {
	FailureCount int
	WindowStart  time.Time
}

// Store persists attempt windows. The in-memory implementation below is
// process-local; multi-replica deployments need a shared store or lockouts
// silently desynchronize across instances.
type Store interface {
	Get(ctx context.Context, key string) (Window, bool, error)
	Put(ctx context.Context, key string, w Window) error
	Delete(ctx context.Context, key string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) error
}

// Status is the outcome of a throttle check.
type Status struct {
	Allowed           bool
	AttemptsRemaining int
	RetryAfter        time.Duration
}

// Limiter evaluates and records login attempts. Every Record call, success
// or failure, emits exactly one login_attempt audit entry.
type Limiter struct {
	store       Store
	trail       *audit.Trail
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

// Option configures Limiter behavior.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLimiter builds a limiter allowing maxFailures failed attempts per
// trailing window.
func NewLimiter(store Store, trail *audit.Trail, maxFailures int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		trail:       trail,
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check evaluates the trailing window for the pair. Expired windows are
// purged lazily on access.
func (l *Limiter) Check(ctx context.Context, identity, origin string) (Status, error) {
	key := pairKey(identity, origin)
	w, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Status{}, err
	}
	now := l.now()
	if !ok || now.Sub(w.WindowStart) >= l.window {
		if ok {
			_ = l.store.Delete(ctx, key)
		}
		return Status{Allowed: true, AttemptsRemaining: l.maxFailures}, nil
	}
	if w.FailureCount >= l.maxFailures {
		obs.CountThrottleRejection()
		return Status{
			Allowed:    false,
			RetryAfter: w.WindowStart.Add(l.window).Sub(now),
		}, nil
	}
	return Status{Allowed: true, AttemptsRemaining: l.maxFailures - w.FailureCount}, nil
}

// Record notes the outcome of an attempt. A failure increments the counter
// and restarts the window at now, so continued failures keep the lockout
// alive instead of expiring on a fixed clock. A success clears the pair
// entirely.
func (l *Limiter) Record(ctx context.Context, identity, origin string, success bool) error {
	key := pairKey(identity, origin)
	entry := audit.Entry{
		Action:    "login_attempt",
		Resource:  "auth",
		IPAddress: origin,
		Details:   map[string]any{"identity": identity},
	}

	if success {
		if err := l.store.Delete(ctx, key); err != nil {
			return err
		}
		entry.Result = audit.ResultSuccess
		l.trail.Append(ctx, entry)
		return nil
	}

	now := l.now()
	w, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || now.Sub(w.WindowStart) >= l.window {
		w = Window{}
	}
	w.FailureCount++
	w.WindowStart = now
	if err := l.store.Put(ctx, key, w); err != nil {
		return err
	}

	entry.Result = audit.ResultFailure
	entry.Details["failure_count"] = w.FailureCount
	l.trail.Append(ctx, entry)
	return nil
}

// Sweep drops windows that expired before now. Intended for a periodic
// background call; Check already purges lazily on access.
func (l *Limiter) Sweep(ctx context.Context) error {
	return l.store.PurgeBefore(ctx, l.now().Add(-l.window))
}

func pairKey(identity, origin string) string {
	return strings.TrimSpace(strings.ToLower(identity)) + "|" + strings.TrimSpace(origin)
}

// RetryAfterMinutes rounds the wait up to whole minutes for client backoff.
func (s Status) RetryAfterMinutes() int {
	if s.Allowed || s.RetryAfter <= 0 {
		return 0
	}
	return int((s.RetryAfter + time.Minute - 1) / time.Minute)
}
