package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"denticore.org/internal/audit"
)

type fakeStore struct {
	mu            sync.Mutex
	notifications map[string]Notification
	prefs         map[string]Preferences
	recipients    map[string]Recipient
	appointments  []Appointment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[string]Notification{},
		prefs:         map[string]Preferences{},
		recipients:    map[string]Recipient{},
	}
}

func (s *fakeStore) CreateNotification(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	return nil
}

func (s *fakeStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

func (s *fakeStore) UpdateNotification(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *fakeStore) ListScheduled(ctx context.Context) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notifications {
		if n.Status == StatusScheduled {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeStore) ListUnreadInApp(ctx context.Context, userID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.notifications {
		if n.UserID == userID && n.ReadAt == nil && n.Status == StatusSent {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeStore) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) PutPreferences(ctx context.Context, p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

func (s *fakeStore) GetRecipient(ctx context.Context, userID string) (Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[userID]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetRecipientsByRoles(ctx context.Context, roles []string) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recipient
	for _, r := range s.recipients {
		for _, role := range roles {
			if r.Role == role {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetAppointmentsByDateRange(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	var out []Appointment
	for _, a := range s.appointments {
		if !a.StartsAt.Before(from) && !a.StartsAt.After(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string // destinations
	fail  error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, destination, subject, body string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, destination)
	return nil
}

type fakePusher struct {
	mu        sync.Mutex
	pushed    map[string][]Notification
	broadcast []Notification
	conns     int
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushed: map[string][]Notification{}, conns: 1}
}

func (f *fakePusher) PushToUser(userID string, n Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[userID] = append(f.pushed[userID], n)
	return f.conns
}

func (f *fakePusher) PushBroadcast(n Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, n)
	return f.conns
}

type nullSink struct{}

func (nullSink) AppendAuditEntry(ctx context.Context, e audit.Entry) error { return nil }
func (nullSink) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return nil, nil
}

func newTestEngine(store *fakeStore, senders map[Channel]Sender, pusher Pusher, opts ...Option) *Engine {
	return NewEngine(store, audit.NewTrail(nullSink{}), senders, pusher, opts...)
}

func TestChannelIntersection(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "u1@clinic.test", Phone: "+100"}
	store.prefs["u1"] = Preferences{
		UserID:   "u1",
		Channels: map[Channel]bool{ChannelEmail: true, ChannelSMS: false},
	}
	email := &fakeSender{}
	sms := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms}, nil)

	n := Notification{UserID: "u1", Type: "billing_due", Message: "Invoice ready", Channels: []Channel{ChannelEmail, ChannelSMS}}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n.Status != StatusSent || n.SentAt == nil {
		t.Fatalf("expected sent status: %+v", n)
	}
	if len(email.sent) != 1 || email.sent[0] != "u1@clinic.test" {
		t.Fatalf("expected one email, got %v", email.sent)
	}
	if len(sms.sent) != 0 {
		t.Fatalf("sms is disabled, got %v", sms.sent)
	}
}

func TestAllChannelsFilteredIsSkippedAndRetained(t *testing.T) {
	store := newFakeStore()
	store.prefs["u1"] = Preferences{UserID: "u1", Channels: map[Channel]bool{}}
	engine := newTestEngine(store, nil, nil)

	n := Notification{UserID: "u1", Type: "promo", Message: "hello", Channels: []Channel{ChannelEmail}}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n.Status != StatusSkipped || n.SkipReason != SkipReasonPreferences {
		t.Fatalf("expected skipped(user_preferences): %+v", n)
	}
	if _, err := store.GetNotification(context.Background(), n.ID); err != nil {
		t.Fatal("skipped notification must be retained")
	}
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	qh := QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	cases := map[string]bool{
		"23:30": true,
		"06:59": true,
		"07:01": false,
		"12:00": false,
		"22:00": true,
		"07:00": false,
	}
	for clock, want := range cases {
		tm, err := time.Parse("15:04", clock)
		if err != nil {
			t.Fatal(err)
		}
		if got := inQuietHours(qh, tm); got != want {
			t.Fatalf("inQuietHours at %s = %v, want %v", clock, got, want)
		}
	}
}

func TestQuietHoursBlockAndUrgentPierce(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "u1@clinic.test"}
	store.prefs["u1"] = Preferences{
		UserID:     "u1",
		Channels:   map[Channel]bool{ChannelEmail: true},
		QuietHours: QuietHours{Enabled: true, Start: "22:00", End: "07:00", AllowUrgent: true},
	}
	email := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email}, nil,
		WithClock(func() time.Time { return at }))

	normal := Notification{UserID: "u1", Type: "alert", Message: "m", Priority: PriorityNormal, Channels: []Channel{ChannelEmail}}
	if err := engine.Submit(context.Background(), &normal); err != nil {
		t.Fatal(err)
	}
	if normal.Status != StatusSkipped {
		t.Fatalf("normal priority should be silenced during quiet hours: %+v", normal)
	}

	urgent := Notification{UserID: "u1", Type: "alert", Message: "m", Priority: PriorityUrgent, Channels: []Channel{ChannelEmail}}
	if err := engine.Submit(context.Background(), &urgent); err != nil {
		t.Fatal(err)
	}
	if urgent.Status != StatusSent {
		t.Fatalf("urgent should pierce quiet hours with allow_urgent: %+v", urgent)
	}
}

func TestQuietHoursWithoutAllowUrgentBlocksUrgent(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	store := newFakeStore()
	store.prefs["u1"] = Preferences{
		UserID:     "u1",
		Channels:   map[Channel]bool{ChannelEmail: true},
		QuietHours: QuietHours{Enabled: true, Start: "22:00", End: "07:00"},
	}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: &fakeSender{}}, nil,
		WithClock(func() time.Time { return at }))

	urgent := Notification{UserID: "u1", Type: "alert", Message: "m", Priority: PriorityUrgent, Channels: []Channel{ChannelEmail}}
	if err := engine.Submit(context.Background(), &urgent); err != nil {
		t.Fatal(err)
	}
	if urgent.Status != StatusSkipped {
		t.Fatalf("urgent must stay silenced when allow_urgent is off: %+v", urgent)
	}
}

func TestTypeOverrideNarrowsAndDisables(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "e", Phone: "p"}
	store.prefs["u1"] = Preferences{
		UserID:   "u1",
		Channels: map[Channel]bool{ChannelEmail: true, ChannelSMS: true},
		TypeOverrides: map[string]TypeOverride{
			"billing_due": {Enabled: true, Channels: []Channel{ChannelEmail}},
			"promo":       {Enabled: false},
		},
	}
	email := &fakeSender{}
	sms := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms}, nil)

	billing := Notification{UserID: "u1", Type: "billing_due", Message: "m", Channels: []Channel{ChannelEmail, ChannelSMS}}
	if err := engine.Submit(context.Background(), &billing); err != nil {
		t.Fatal(err)
	}
	if billing.Status != StatusSent || len(sms.sent) != 0 || len(email.sent) != 1 {
		t.Fatalf("override should narrow to email only: %+v email=%v sms=%v", billing, email.sent, sms.sent)
	}

	promo := Notification{UserID: "u1", Type: "promo", Message: "m", Channels: []Channel{ChannelEmail}}
	if err := engine.Submit(context.Background(), &promo); err != nil {
		t.Fatal(err)
	}
	if promo.Status != StatusSkipped {
		t.Fatalf("disabled type should skip: %+v", promo)
	}
}

func TestChannelFailureIsolation(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "e", Phone: "p"}
	email := &fakeSender{fail: errors.New("smtp down")}
	sms := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms}, nil)

	n := Notification{UserID: "u1", Type: "alert", Message: "m", Channels: []Channel{ChannelEmail, ChannelSMS}}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatalf("one channel failing must not fail the notification: %v", err)
	}
	if n.Status != StatusSent {
		t.Fatalf("expected partial success to mark sent: %+v", n)
	}
	delivered, _ := n.Data["delivered_channels"].([]string)
	if len(delivered) != 1 || delivered[0] != "sms" {
		t.Fatalf("expected only sms delivered, got %v", n.Data["delivered_channels"])
	}
}

func TestChannelTimeoutExcluded(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "e", Phone: "p"}
	email := &fakeSender{delay: 200 * time.Millisecond}
	sms := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email, ChannelSMS: sms}, nil,
		WithChannelTimeout(20*time.Millisecond))

	n := Notification{UserID: "u1", Type: "alert", Message: "m", Channels: []Channel{ChannelEmail, ChannelSMS}}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatal(err)
	}
	delivered, _ := n.Data["delivered_channels"].([]string)
	if len(delivered) != 1 || delivered[0] != "sms" {
		t.Fatalf("timed-out channel must be excluded: %v", n.Data["delivered_channels"])
	}
}

func TestBroadcastSkipsPreferences(t *testing.T) {
	store := newFakeStore()
	pusher := newFakePusher()
	engine := newTestEngine(store, nil, pusher)

	n := Notification{Type: "maintenance", Message: "closing early", Channels: []Channel{ChannelInApp}}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatal(err)
	}
	if n.Status != StatusBroadcast {
		t.Fatalf("expected broadcast status: %+v", n)
	}
	if len(pusher.broadcast) != 1 {
		t.Fatalf("expected one broadcast push, got %d", len(pusher.broadcast))
	}
	if len(store.prefs) != 0 {
		t.Fatal("broadcast must not touch preferences")
	}
}

func TestScheduledSubmitTransitionsOnItsOwn(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "e"}
	email := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email}, nil)

	at := time.Now().Add(60 * time.Millisecond)
	n := Notification{UserID: "u1", Type: "alert", Message: "m", Channels: []Channel{ChannelEmail}, ScheduledFor: &at}
	if err := engine.Submit(context.Background(), &n); err != nil {
		t.Fatal(err)
	}
	if n.Status != StatusScheduled {
		t.Fatalf("expected scheduled immediately: %+v", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := store.GetNotification(context.Background(), n.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status == StatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled notification never dispatched: %+v", stored)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoverScheduled(t *testing.T) {
	store := newFakeStore()
	store.recipients["u1"] = Recipient{ID: "u1", Email: "e"}
	past := time.Now().Add(-time.Minute)
	store.notifications["n1"] = Notification{
		ID: "n1", UserID: "u1", Type: "alert", Message: "m",
		Channels: []Channel{ChannelEmail}, Status: StatusScheduled, ScheduledFor: &past,
	}
	email := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email}, nil)

	count, err := engine.RecoverScheduled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recovered, got %d", count)
	}
	stored, _ := store.GetNotification(context.Background(), "n1")
	if stored.Status != StatusSent {
		t.Fatalf("overdue scheduled row should dispatch immediately: %+v", stored)
	}
}

func TestMarkReadOwnership(t *testing.T) {
	store := newFakeStore()
	store.notifications["n1"] = Notification{ID: "n1", UserID: "u1", Type: "t", Message: "m", Status: StatusSent}
	engine := newTestEngine(store, nil, nil)
	ctx := context.Background()

	if _, err := engine.MarkRead(ctx, "n1", "intruder"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	n, err := engine.MarkRead(ctx, "n1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n.ReadAt == nil {
		t.Fatal("expected ReadAt set")
	}
}

func TestBulkCreateDeduplicates(t *testing.T) {
	store := newFakeStore()
	store.recipients["d1"] = Recipient{ID: "d1", Role: "dentist", Email: "d1@c"}
	store.recipients["d2"] = Recipient{ID: "d2", Role: "dentist", Email: "d2@c"}
	store.recipients["r1"] = Recipient{ID: "r1", Role: "receptionist", Email: "r1@c"}
	email := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email}, nil)

	created, err := engine.BulkCreate(context.Background(),
		[]string{"d1", "d1"}, []string{"dentist"},
		Notification{Type: "policy_update", Message: "new hours", Channels: []Channel{ChannelEmail}})
	if err != nil {
		t.Fatal(err)
	}
	// d1 appears both explicitly and via the dentist role; only once counts.
	if len(created) != 2 {
		t.Fatalf("expected 2 notifications (d1, d2), got %d", len(created))
	}
	seen := map[string]bool{}
	for _, n := range created {
		if seen[n.UserID] {
			t.Fatalf("duplicate recipient %s", n.UserID)
		}
		seen[n.UserID] = true
	}
}

func TestAppointmentReminder24h(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.recipients["pat-1"] = Recipient{ID: "pat-1", Email: "p@c"}
	store.recipients["dr-1"] = Recipient{ID: "dr-1", DisplayName: "Nguyen"}
	store.appointments = []Appointment{
		{ID: "a1", PatientID: "pat-1", DoctorID: "dr-1", StartsAt: now.Add(24*time.Hour + 30*time.Minute)}, // inside 23h-25h
		{ID: "a2", PatientID: "pat-1", DoctorID: "dr-1", StartsAt: now.Add(26 * time.Hour)},                // outside
	}
	email := &fakeSender{}
	engine := newTestEngine(store, map[Channel]Sender{ChannelEmail: email}, nil,
		WithClock(func() time.Time { return now }))

	count, err := engine.AppointmentReminders(context.Background(), Timeframe24h)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one reminder, got %d", count)
	}
	var reminder Notification
	for _, n := range store.notifications {
		reminder = n
	}
	if reminder.Priority != PriorityHigh {
		t.Fatalf("24h reminders are high priority: %+v", reminder)
	}
	if reminder.Data["appointment_id"] != "a1" {
		t.Fatalf("wrong appointment: %+v", reminder.Data)
	}
}

func TestPreferencesCreatedOnFirstAccess(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, nil, nil)

	prefs, err := engine.PreferencesFor(context.Background(), "fresh-user")
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range AllChannels {
		if !prefs.Channels[ch] {
			t.Fatalf("default preferences enable every channel: %+v", prefs)
		}
	}
	if _, ok := store.prefs["fresh-user"]; !ok {
		t.Fatal("defaults must be persisted")
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	n := Notification{Status: StatusSent}
	if err := n.advance(StatusPending); err == nil {
		t.Fatal("sent -> pending must be rejected")
	}
	if err := n.advance(StatusScheduled); err == nil {
		t.Fatal("sent -> scheduled must be rejected")
	}
	n = Notification{Status: StatusPending}
	if err := n.advance(StatusScheduled); err != nil {
		t.Fatalf("pending -> scheduled should pass: %v", err)
	}
	if err := n.advance(StatusSkipped); err != nil {
		t.Fatalf("scheduled -> skipped should pass: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	engine := newTestEngine(newFakeStore(), nil, nil)
	ctx := context.Background()

	cases := []Notification{
		{UserID: "u1", Message: "m"},                                           // missing type
		{UserID: "u1", Type: "t"},                                              // missing message
		{UserID: "u1", Type: "t", Message: "m", Priority: "shouting"},          // bad priority
		{UserID: "u1", Type: "t", Message: "m", Channels: []Channel{"postal"}}, // bad channel
	}
	for i, n := range cases {
		n := n
		if err := engine.Submit(ctx, &n); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}
