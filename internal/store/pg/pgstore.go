// Package pg is the Postgres backend, reached through database/sql with the
// pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
	"denticore.org/internal/notify"
	"denticore.org/internal/store"
	"denticore.org/internal/throttle"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var (
	_ store.Store    = (*Store)(nil)
	_ throttle.Store = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, credential, role, display_name, phone, push_token, locale, created_at)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Email, u.Credential, u.Role, u.DisplayName, u.Phone, u.PushToken, u.Locale, created)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return store.ErrConflict
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, credential, role, display_name, phone, push_token, locale, created_at
		from users where id=$1
	`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (store.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, credential, role, display_name, phone, push_token, locale, created_at
		from users where email=lower($1)
	`, email))
}

func (s *Store) scanUser(row *sql.Row) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Email, &u.Credential, &u.Role, &u.DisplayName, &u.Phone, &u.PushToken, &u.Locale, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

// --- notifications ---

const notificationColumns = `id, coalesce(user_id,''), type, title, message, data, priority, channels, scheduled_for, status, skip_reason, created_at, sent_at, read_at`

func (s *Store) CreateNotification(ctx context.Context, n *notify.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into notifications (id, user_id, type, title, message, data, priority, channels, scheduled_for, status, skip_reason, created_at, sent_at, read_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, data, string(n.Priority), channels,
		n.ScheduledFor, string(n.Status), n.SkipReason, n.CreatedAt, n.SentAt, n.ReadAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return store.ErrConflict
	}
	return err
}

func (s *Store) UpdateNotification(ctx context.Context, n notify.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update notifications
		set data=$2, scheduled_for=$3, status=$4, skip_reason=$5, sent_at=$6, read_at=$7
		where id=$1
	`, n.ID, data, n.ScheduledFor, string(n.Status), n.SkipReason, n.SentAt, n.ReadAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (notify.Notification, error) {
	row := s.db.QueryRowContext(ctx, `select `+notificationColumns+` from notifications where id=$1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notify.ErrNotFound
	}
	return n, err
}

func (s *Store) ListScheduled(ctx context.Context) ([]notify.Notification, error) {
	return s.listNotifications(ctx, `
		select `+notificationColumns+` from notifications
		where status='scheduled'
		order by scheduled_for asc
	`)
}

func (s *Store) ListUnreadInApp(ctx context.Context, userID string) ([]notify.Notification, error) {
	return s.listNotifications(ctx, `
		select `+notificationColumns+` from notifications
		where user_id=$1 and status='sent' and read_at is null
		order by created_at asc
	`, userID)
}

func (s *Store) ListNotificationsForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.listNotifications(ctx, `
		select `+notificationColumns+` from notifications
		where user_id=$1
		order by created_at desc
		limit $2
	`, userID, limit)
}

func (s *Store) listNotifications(ctx context.Context, query string, args ...any) ([]notify.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (notify.Notification, error) {
	var (
		n                 notify.Notification
		data, channels    []byte
		priority, status  string
		scheduled, sentAt sql.NullTime
		readAt            sql.NullTime
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &priority, &channels,
		&scheduled, &status, &n.SkipReason, &n.CreatedAt, &sentAt, &readAt)
	if err != nil {
		return notify.Notification{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return notify.Notification{}, fmt.Errorf("decode data: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &n.Channels); err != nil {
			return notify.Notification{}, fmt.Errorf("decode channels: %w", err)
		}
	}
	n.Priority = notify.Priority(priority)
	n.Status = notify.Status(status)
	if scheduled.Valid {
		t := scheduled.Time
		n.ScheduledFor = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		n.SentAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return n, nil
}

// --- preferences ---

func (s *Store) GetPreferences(ctx context.Context, userID string) (notify.Preferences, error) {
	var channels, overrides, quiet []byte
	err := s.db.QueryRowContext(ctx, `
		select channels, type_overrides, quiet_hours
		from notification_preferences where user_id=$1
	`, userID).Scan(&channels, &overrides, &quiet)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preferences{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Preferences{}, err
	}

	p := notify.Preferences{UserID: userID}
	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return notify.Preferences{}, fmt.Errorf("decode channels: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p.TypeOverrides); err != nil {
			return notify.Preferences{}, fmt.Errorf("decode type overrides: %w", err)
		}
	}
	if len(quiet) > 0 {
		if err := json.Unmarshal(quiet, &p.QuietHours); err != nil {
			return notify.Preferences{}, fmt.Errorf("decode quiet hours: %w", err)
		}
	}
	return p, nil
}

func (s *Store) PutPreferences(ctx context.Context, p notify.Preferences) error {
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	overrides, err := json.Marshal(p.TypeOverrides)
	if err != nil {
		return fmt.Errorf("marshal type overrides: %w", err)
	}
	quiet, err := json.Marshal(p.QuietHours)
	if err != nil {
		return fmt.Errorf("marshal quiet hours: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into notification_preferences (user_id, channels, type_overrides, quiet_hours, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (user_id) do update
		set channels=excluded.channels, type_overrides=excluded.type_overrides,
			quiet_hours=excluded.quiet_hours, updated_at=now()
	`, p.UserID, channels, overrides, quiet)
	return err
}

// --- recipients ---

func (s *Store) GetRecipient(ctx context.Context, userID string) (notify.Recipient, error) {
	u, err := s.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return notify.Recipient{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Recipient{}, err
	}
	return recipientOf(u), nil
}

func (s *Store) GetRecipientsByRoles(ctx context.Context, roles []string) ([]notify.Recipient, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roles))
	args := make([]any, len(roles))
	for i, r := range roles {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, email, credential, role, display_name, phone, push_token, locale, created_at
		from users where role in (`+strings.Join(placeholders, ",")+`)
		order by id asc
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Recipient
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Credential, &u.Role, &u.DisplayName, &u.Phone, &u.PushToken, &u.Locale, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, recipientOf(u))
	}
	return out, rows.Err()
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into appointments (id, patient_id, doctor_id, starts_at)
		values ($1, $2, $3, $4)
	`, a.ID, a.PatientID, a.DoctorID, a.StartsAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return store.ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into resource_owners (resource_type, resource_id, owner_id)
		values ('appointment', $1, $2)
		on conflict (resource_type, resource_id) do update set owner_id=excluded.owner_id
	`, a.ID, a.PatientID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAppointmentsByDateRange(ctx context.Context, from, to time.Time) ([]notify.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, patient_id, doctor_id, starts_at
		from appointments
		where starts_at >= $1 and starts_at <= $2
		order by starts_at asc
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Appointment
	for rows.Next() {
		var a notify.Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartsAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- ownership ---

func (s *Store) SetResourceOwner(ctx context.Context, resourceType, resourceID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into resource_owners (resource_type, resource_id, owner_id)
		values ($1, $2, $3)
		on conflict (resource_type, resource_id) do update set owner_id=excluded.owner_id
	`, resourceType, resourceID, ownerID)
	return err
}

func (s *Store) Owner(ctx context.Context, resourceType, resourceID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		select owner_id from resource_owners
		where resource_type=$1 and resource_id=$2
	`, resourceType, resourceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) && resourceType == access.ResourceNotification {
		// Notifications carry their addressee; broadcasts have none.
		err = s.db.QueryRowContext(ctx, `
			select coalesce(user_id, '') from notifications where id=$1
		`, resourceID).Scan(&owner)
		if err == nil && owner == "" {
			return "", access.ErrOwnerNotFound
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", access.ErrOwnerNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// --- audit ---

func (s *Store) AppendAuditEntry(ctx context.Context, e audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, resource, resource_id, details, ip_address, user_agent, result, ts)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.Action, e.Resource, e.ResourceID, details, e.IPAddress, e.UserAgent, e.Result, e.Timestamp)
	return err
}

func (s *Store) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id=$%d", f.UserID)
	}
	if f.Action != "" {
		add("action=$%d", f.Action)
	}
	if f.Resource != "" {
		add("resource=$%d", f.Resource)
	}
	if f.ResourceID != "" {
		add("resource_id=$%d", f.ResourceID)
	}
	if f.Result != "" {
		add("result=$%d", f.Result)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}

	query := `select id, user_id, action, resource, resource_id, details, ip_address, user_agent, result, ts from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by ts desc limit $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" offset $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.ResourceID, &details, &e.IPAddress, &e.UserAgent, &e.Result, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- login throttle ---

func (s *Store) Get(ctx context.Context, key string) (throttle.Window, bool, error) {
	var w throttle.Window
	err := s.db.QueryRowContext(ctx, `
		select failure_count, window_start from login_attempts where pair_key=$1
	`, key).Scan(&w.FailureCount, &w.WindowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return throttle.Window{}, false, nil
	}
	if err != nil {
		return throttle.Window{}, false, err
	}
	return w, true, nil
}

func (s *Store) Put(ctx context.Context, key string, w throttle.Window) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (pair_key, failure_count, window_start)
		values ($1, $2, $3)
		on conflict (pair_key) do update
		set failure_count=excluded.failure_count, window_start=excluded.window_start
	`, key, w.FailureCount, w.WindowStart)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from login_attempts where pair_key=$1`, key)
	return err
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `delete from login_attempts where window_start < $1`, cutoff)
	return err
}
