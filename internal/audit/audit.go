// Package audit maintains the append-only compliance trail. Every
// authorization decision and sensitive access lands here; the trail itself
// must never be able to crash or block the operation it is observing.
package audit

import (
	"context"
	"time"

	"denticore.org/internal/ids"
	"denticore.org/internal/obs"
)

// Result classifies the outcome recorded by an entry.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Entry is a single immutable audit record. Entries are never mutated or
// deleted after creation.
type Entry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Result     string         `json:"result"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	Result     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Sink persists entries. Implemented by the storage collaborator.
type Sink interface {
	AppendAuditEntry(ctx context.Context, e Entry) error
	QueryAuditEntries(ctx context.Context, f Filter) ([]Entry, error)
}

// Trail is the audit subsystem facade.
type Trail struct {
	sink Sink
	now  func() time.Time
}

// Option configures Trail behavior.
type Option func(*Trail)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTrail wires the trail to its persistence sink.
func NewTrail(sink Sink, opts ...Option) *Trail {
	t := &Trail{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append persists the entry, filling ID and Timestamp when absent.
// Persistence failures are downgraded to a synthetic audit_log_error line;
// Append never returns an error to its caller.
func (t *Trail) Append(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}

	if err := t.sink.AppendAuditEntry(ctx, e); err != nil {
		obs.LogError("audit_log_error", map[string]any{
			"type":            "audit",
			"event":           "audit_log_error",
			"failed_action":   e.Action,
			"failed_resource": e.Resource,
			"error":           err.Error(),
		})
		obs.CountAuditEntry(ResultError)
		return
	}

	obs.CountAuditEntry(e.Result)
	t.mirror(e)
}

// mirror writes the entry to the JSON log so operators can tail the trail
// without a database query.
func (t *Trail) mirror(e Entry) {
	line := map[string]any{
		"ts":       e.Timestamp.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    e.Action,
		"resource": e.Resource,
		"result":   e.Result,
	}
	if e.UserID != "" {
		line["user_id"] = e.UserID
	}
	if e.ResourceID != "" {
		line["resource_id"] = e.ResourceID
	}
	obs.LogRequest(line)
}

// Query returns entries matching the filter, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return t.sink.QueryAuditEntries(ctx, f)
}
