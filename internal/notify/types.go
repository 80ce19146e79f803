// Package notify resolves per-user preferences, applies quiet hours, and
// dispatches notifications across channels, including real-time push over
// live connections.
package notify

import (
	"errors"
	"fmt"
	"time"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
)

// AllChannels lists every supported channel, in dispatch order.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp, ChannelPush}

// Priority orders notifications; urgent may pierce quiet hours.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the notification lifecycle state. Transitions are monotonic:
// pending -> scheduled -> {sent|broadcast|skipped}; never backwards.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusBroadcast Status = "broadcast"
	StatusSkipped   Status = "skipped"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusScheduled: 1,
	StatusSent:      2,
	StatusBroadcast: 2,
	StatusSkipped:   2,
}

var (
	ErrNotFound     = errors.New("notify: not found")
	ErrInvalidInput = errors.New("notify: invalid input")
	ErrNotOwner     = errors.New("notify: not the notification owner")
)

// Notification is one message to one user, or a broadcast when UserID is empty.
type Notification struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	Priority     Priority       `json:"priority"`
	Channels     []Channel      `json:"channels"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Status       Status         `json:"status"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
}

// advance moves the notification to the target status, refusing any
// reverse transition.
func (n *Notification) advance(to Status) error {
	if statusRank[to] < statusRank[n.Status] {
		return fmt.Errorf("%w: status %s cannot revert to %s", ErrInvalidInput, n.Status, to)
	}
	n.Status = to
	return nil
}

// TypeOverride narrows delivery for one notification type.
type TypeOverride struct {
	Enabled  bool      `json:"enabled"`
	Channels []Channel `json:"channels"`
}

// QuietHours is the do-not-disturb window. Start and End are local wall
// times as "HH:MM"; End before Start denotes a window wrapping midnight.
type QuietHours struct {
	Enabled     bool   `json:"enabled"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllowUrgent bool   `json:"allow_urgent"`
}

// Preferences holds one user's delivery settings. Created with defaults on
// first access; exactly one record per user.
type Preferences struct {
	UserID        string                  `json:"user_id"`
	Channels      map[Channel]bool        `json:"channels"`
	TypeOverrides map[string]TypeOverride `json:"type_overrides,omitempty"`
	QuietHours    QuietHours              `json:"quiet_hours"`
}

// DefaultPreferences enables every channel with quiet hours off.
func DefaultPreferences(userID string) Preferences {
	channels := make(map[Channel]bool, len(AllChannels))
	for _, ch := range AllChannels {
		channels[ch] = true
	}
	return Preferences{
		UserID:   userID,
		Channels: channels,
	}
}

// Recipient is the delivery-facing view of a user.
type Recipient struct {
	ID          string
	Email       string
	Phone       string
	PushToken   string
	DisplayName string
	Role        string
	Locale      string
}

// Appointment is the scheduling read model used by reminder generation.
type Appointment struct {
	ID        string
	PatientID string
	DoctorID  string
	StartsAt  time.Time
}
