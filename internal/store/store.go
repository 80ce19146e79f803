// Package store defines the persistence surface shared by the in-memory and
// Postgres backends. The domain packages each declare the narrow interface
// they consume; Store is the union a backend must satisfy.
package store

import (
	"context"
	"errors"
	"time"

	"denticore.org/internal/audit"
	"denticore.org/internal/notify"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// User is a clinic staff member or patient. Credential holds the encoded
// password hash, never the password.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Credential  string    `json:"-"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone,omitempty"`
	PushToken   string    `json:"-"`
	Locale      string    `json:"locale,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the full backend contract. It subsumes notify.Store, audit.Sink
// and access.OwnershipLookup; backends return the domain packages' sentinel
// errors (notify.ErrNotFound, access.ErrOwnerNotFound) on those methods and
// store.ErrNotFound on the user methods.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)

	CreateNotification(ctx context.Context, n *notify.Notification) error
	GetNotification(ctx context.Context, id string) (notify.Notification, error)
	UpdateNotification(ctx context.Context, n notify.Notification) error
	ListScheduled(ctx context.Context) ([]notify.Notification, error)
	ListUnreadInApp(ctx context.Context, userID string) ([]notify.Notification, error)
	ListNotificationsForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error)

	GetPreferences(ctx context.Context, userID string) (notify.Preferences, error)
	PutPreferences(ctx context.Context, p notify.Preferences) error

	GetRecipient(ctx context.Context, userID string) (notify.Recipient, error)
	GetRecipientsByRoles(ctx context.Context, roles []string) ([]notify.Recipient, error)

	CreateAppointment(ctx context.Context, a notify.Appointment) error
	GetAppointmentsByDateRange(ctx context.Context, from, to time.Time) ([]notify.Appointment, error)

	SetResourceOwner(ctx context.Context, resourceType, resourceID, ownerID string) error
	Owner(ctx context.Context, resourceType, resourceID string) (string, error)

	AppendAuditEntry(ctx context.Context, e audit.Entry) error
	QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error)

	Close() error
}
