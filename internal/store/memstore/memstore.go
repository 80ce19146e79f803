// Package memstore is the in-memory backend. It backs tests and the
// zero-configuration development mode of cmd/api; data does not survive a
// restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
	"denticore.org/internal/notify"
	"denticore.org/internal/store"
)

type Store struct {
	mu            sync.RWMutex
	users         map[string]store.User
	usersByEmail  map[string]string
	notifications map[string]notify.Notification
	prefs         map[string]notify.Preferences
	appointments  map[string]notify.Appointment
	owners        map[string]string // resourceType|resourceID -> ownerID
	auditLog      []audit.Entry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         map[string]store.User{},
		usersByEmail:  map[string]string{},
		notifications: map[string]notify.Notification{},
		prefs:         map[string]notify.Preferences{},
		appointments:  map[string]notify.Appointment{},
		owners:        map[string]string{},
	}
}

func (s *Store) Close() error { return nil }

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, exists := s.users[u.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := s.usersByEmail[key]; exists {
		return store.ErrConflict
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	s.usersByEmail[key] = u.ID
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}

// --- notifications ---

func (s *Store) CreateNotification(ctx context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notifications[n.ID]; exists {
		return store.ErrConflict
	}
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return notify.Notification{}, notify.ErrNotFound
	}
	return n, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; !ok {
		return notify.ErrNotFound
	}
	s.notifications[n.ID] = n
	return nil
}

func (s *Store) ListScheduled(ctx context.Context) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.Status == notify.StatusScheduled {
			out = append(out, n)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListUnreadInApp(ctx context.Context, userID string) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && n.Status == notify.StatusSent && n.ReadAt == nil {
			out = append(out, n)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListNotificationsForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(ns []notify.Notification) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].CreatedAt.Before(ns[j].CreatedAt) })
}

// --- preferences ---

func (s *Store) GetPreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return notify.Preferences{}, notify.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutPreferences(ctx context.Context, p notify.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

// --- recipients ---

func (s *Store) GetRecipient(ctx context.Context, userID string) (notify.Recipient, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return notify.Recipient{}, notify.ErrNotFound
	}
	return recipientOf(u), nil
}

func (s *Store) GetRecipientsByRoles(ctx context.Context, roles []string) ([]notify.Recipient, error) {
	want := map[string]bool{}
	for _, r := range roles {
		want[r] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Recipient
	for _, u := range s.users {
		if want[u.Role] {
			out = append(out, recipientOf(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func recipientOf(u store.User) notify.Recipient {
	return notify.Recipient{
		ID:          u.ID,
		Email:       u.Email,
		Phone:       u.Phone,
		PushToken:   u.PushToken,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Locale:      u.Locale,
	}
}

// --- appointments ---

func (s *Store) CreateAppointment(ctx context.Context, a notify.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.appointments[a.ID]; exists {
		return store.ErrConflict
	}
	s.appointments[a.ID] = a
	s.owners[ownerKey("appointment", a.ID)] = a.PatientID
	return nil
}

func (s *Store) GetAppointmentsByDateRange(ctx context.Context, from, to time.Time) ([]notify.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Appointment
	for _, a := range s.appointments {
		if !a.StartsAt.Before(from) && !a.StartsAt.After(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// --- ownership ---

func ownerKey(resourceType, resourceID string) string {
	return resourceType + "|" + resourceID
}

func (s *Store) SetResourceOwner(ctx context.Context, resourceType, resourceID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[ownerKey(resourceType, resourceID)] = ownerID
	return nil
}

func (s *Store) Owner(ctx context.Context, resourceType, resourceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if owner, ok := s.owners[ownerKey(resourceType, resourceID)]; ok {
		return owner, nil
	}
	// Notifications carry their addressee; broadcasts have none.
	if resourceType == access.ResourceNotification {
		if n, ok := s.notifications[resourceID]; ok && n.UserID != "" {
			return n.UserID, nil
		}
	}
	return "", access.ErrOwnerNotFound
}

// --- audit ---

func (s *Store) AppendAuditEntry(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, e)
	return nil
}

func (s *Store) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	skipped := 0
	// Newest first, like the Postgres backend.
	for i := len(s.auditLog) - 1; i >= 0; i-- {
		e := s.auditLog[i]
		if !matchesFilter(e, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(e audit.Entry, f audit.Filter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
