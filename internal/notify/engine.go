package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"denticore.org/internal/audit"
	"denticore.org/internal/obs"
)

// Store is the persistence surface the engine needs. Implemented by the
// storage collaborator.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (Notification, error)
	UpdateNotification(ctx context.Context, n Notification) error
	ListScheduled(ctx context.Context) ([]Notification, error)
	ListUnreadInApp(ctx context.Context, userID string) ([]Notification, error)

	GetPreferences(ctx context.Context, userID string) (Preferences, error)
	PutPreferences(ctx context.Context, p Preferences) error

	GetRecipient(ctx context.Context, userID string) (Recipient, error)
	GetRecipientsByRoles(ctx context.Context, roles []string) ([]Recipient, error)
	GetAppointmentsByDateRange(ctx context.Context, from, to time.Time) ([]Appointment, error)
}

// Sender delivers through one external channel (email, SMS, push provider).
type Sender interface {
	Send(ctx context.Context, destination, subject, body string) error
}

// Pusher fans a notification out to live connections. Implemented by the
// connection registry.
type Pusher interface {
	PushToUser(userID string, n Notification) int
	PushBroadcast(n Notification) int
}

const defaultChannelTimeout = 10 * time.Second

// Engine is the notification subsystem facade.
type Engine struct {
	store          Store
	trail          *audit.Trail
	senders        map[Channel]Sender
	pusher         Pusher
	channelTimeout time.Duration
	now            func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithChannelTimeout bounds each external channel send.
func WithChannelTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.channelTimeout = d
		}
	}
}

// NewEngine wires the engine to storage, the audit trail, the per-channel
// senders, and the live-connection pusher.
func NewEngine(store Store, trail *audit.Trail, senders map[Channel]Sender, pusher Pusher, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		trail:          trail,
		senders:        senders,
		pusher:         pusher,
		channelTimeout: defaultChannelTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates the notification, persists it, and either dispatches
// immediately or arms a deferred dispatch for a future ScheduledFor.
func (e *Engine) Submit(ctx context.Context, n *Notification) error {
	if err := e.prepare(n); err != nil {
		return err
	}
	now := e.now()

	if n.ScheduledFor != nil && n.ScheduledFor.After(now) {
		n.Status = StatusScheduled
		if err := e.store.CreateNotification(ctx, n); err != nil {
			return err
		}
		e.arm(*n, n.ScheduledFor.Sub(now))
		return nil
	}

	n.ScheduledFor = nil
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return err
	}
	return e.dispatch(ctx, n)
}

func (e *Engine) prepare(n *Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is nil", ErrInvalidInput)
	}
	n.Type = strings.TrimSpace(n.Type)
	if n.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	switch n.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	case "":
		n.Priority = PriorityNormal
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, n.Priority)
	}
	for _, ch := range n.Channels {
		switch ch {
		case ChannelEmail, ChannelSMS, ChannelInApp, ChannelPush:
		default:
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, ch)
		}
	}
	if len(n.Channels) == 0 {
		n.Channels = append([]Channel(nil), AllChannels...)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now().UTC()
	}
	n.Status = StatusPending
	return nil
}

// arm schedules a deferred dispatch. Each scheduled notification owns an
// independent timer; there is no cancel API once armed.
func (e *Engine) arm(n Notification, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n.ScheduledFor = nil
		if err := e.dispatch(ctx, &n); err != nil {
			obs.LogError("scheduled_dispatch_failed", map[string]any{
				"notification_id": n.ID,
				"error":           err.Error(),
			})
		}
	})
}

// RecoverScheduled re-arms timers for notifications still in scheduled
// state, dispatching immediately anything whose instant already passed.
// Called once at startup; see the delivery caveat in DESIGN notes.
func (e *Engine) RecoverScheduled(ctx context.Context) (int, error) {
	scheduled, err := e.store.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	for _, n := range scheduled {
		n := n
		if n.ScheduledFor == nil || !n.ScheduledFor.After(now) {
			n.ScheduledFor = nil
			if err := e.dispatch(ctx, &n); err != nil {
				obs.LogError("scheduled_recovery_failed", map[string]any{
					"notification_id": n.ID,
					"error":           err.Error(),
				})
			}
			continue
		}
		e.arm(n, n.ScheduledFor.Sub(now))
	}
	return len(scheduled), nil
}

// MarkRead stamps ReadAt, refusing requesters who do not own the
// notification.
func (e *Engine) MarkRead(ctx context.Context, id, userID string) (Notification, error) {
	n, err := e.store.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.UserID == "" || n.UserID != userID {
		return Notification{}, ErrNotOwner
	}
	if n.ReadAt == nil {
		now := e.now().UTC()
		n.ReadAt = &now
		if err := e.store.UpdateNotification(ctx, n); err != nil {
			return Notification{}, err
		}
	}
	return n, nil
}

// BulkCreate expands roles to users, de-duplicates against the explicit ids,
// and submits one notification per recipient from the template.
func (e *Engine) BulkCreate(ctx context.Context, userIDs, roles []string, template Notification) ([]Notification, error) {
	seen := make(map[string]struct{})
	var recipients []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	if len(roles) > 0 {
		users, err := e.store.GetRecipientsByRoles(ctx, roles)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if _, ok := seen[u.ID]; ok {
				continue
			}
			seen[u.ID] = struct{}{}
			recipients = append(recipients, u.ID)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidInput)
	}

	created := make([]Notification, 0, len(recipients))
	for _, id := range recipients {
		n := template
		n.ID = ""
		n.UserID = id
		n.Channels = append([]Channel(nil), template.Channels...)
		if template.Data != nil {
			n.Data = make(map[string]any, len(template.Data))
			for k, v := range template.Data {
				n.Data[k] = v
			}
		}
		if err := e.Submit(ctx, &n); err != nil {
			if errors.Is(err, ErrInvalidInput) {
				return nil, err
			}
			obs.LogError("bulk_submit_failed", map[string]any{
				"user_id": id,
				"error":   err.Error(),
			})
			continue
		}
		created = append(created, n)
	}
	return created, nil
}

// UnreadForUser returns stored unread in-app notifications, used to flush
// history to a user when a connection authenticates.
func (e *Engine) UnreadForUser(ctx context.Context, userID string) ([]Notification, error) {
	return e.store.ListUnreadInApp(ctx, userID)
}

// PreferencesFor resolves the user's preferences, creating the default
// record on first access.
func (e *Engine) PreferencesFor(ctx context.Context, userID string) (Preferences, error) {
	prefs, err := e.store.GetPreferences(ctx, userID)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Preferences{}, err
	}
	prefs = DefaultPreferences(userID)
	if err := e.store.PutPreferences(ctx, prefs); err != nil {
		return Preferences{}, err
	}
	return prefs, nil
}

// UpdatePreferences validates and stores the user's preferences.
func (e *Engine) UpdatePreferences(ctx context.Context, p Preferences) error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if p.Channels == nil {
		return fmt.Errorf("%w: channels are required", ErrInvalidInput)
	}
	if p.QuietHours.Enabled {
		if _, err := parseWallClock(p.QuietHours.Start); err != nil {
			return fmt.Errorf("%w: quiet hours start: %v", ErrInvalidInput, err)
		}
		if _, err := parseWallClock(p.QuietHours.End); err != nil {
			return fmt.Errorf("%w: quiet hours end: %v", ErrInvalidInput, err)
		}
	}
	return e.store.PutPreferences(ctx, p)
}
