package notify

import (
	"context"
	"fmt"
	"time"
)

// Timeframe selects how far ahead reminder generation looks.
type Timeframe string

const (
	Timeframe24h   Timeframe = "24h"
	Timeframe48h   Timeframe = "48h"
	Timeframe1Week Timeframe = "1week"
)

// reminderWindow returns the offset and slack for a timeframe. The slack
// widens the query window on both sides because reminder generation runs
// periodically and must not miss appointments landing between runs.
func reminderWindow(tf Timeframe) (offset, slack time.Duration, ok bool) {
	switch tf {
	case Timeframe24h:
		return 24 * time.Hour, time.Hour, true
	case Timeframe48h:
		return 48 * time.Hour, time.Hour, true
	case Timeframe1Week:
		return 7 * 24 * time.Hour, 2 * time.Hour, true
	default:
		return 0, 0, false
	}
}

// AppointmentReminders creates one reminder per appointment landing inside
// the timeframe's slack window around now+offset. The 24h timeframe submits
// at high priority; the rest at normal. Returns the number of reminders
// created.
func (e *Engine) AppointmentReminders(ctx context.Context, tf Timeframe) (int, error) {
	offset, slack, ok := reminderWindow(tf)
	if !ok {
		return 0, fmt.Errorf("%w: unknown timeframe %q", ErrInvalidInput, tf)
	}

	center := e.now().Add(offset)
	appointments, err := e.store.GetAppointmentsByDateRange(ctx, center.Add(-slack), center.Add(slack))
	if err != nil {
		return 0, err
	}

	priority := PriorityNormal
	if tf == Timeframe24h {
		priority = PriorityHigh
	}

	created := 0
	for _, apt := range appointments {
		patient, err := e.store.GetRecipient(ctx, apt.PatientID)
		if err != nil {
			continue
		}
		doctorName := "your dentist"
		if doctor, err := e.store.GetRecipient(ctx, apt.DoctorID); err == nil && doctor.DisplayName != "" {
			doctorName = "Dr. " + doctor.DisplayName
		}

		n := Notification{
			UserID:   apt.PatientID,
			Type:     "appointment_reminder",
			Title:    reminderTitle(patient.Locale),
			Message:  reminderMessage(patient.Locale, doctorName, apt.StartsAt),
			Priority: priority,
			Data: map[string]any{
				"appointment_id": apt.ID,
				"timeframe":      string(tf),
			},
		}
		if err := e.Submit(ctx, &n); err != nil {
			continue
		}
		created++
	}
	return created, nil
}

func reminderTitle(locale string) string {
	switch locale {
	case "es":
		return "Próxima cita"
	default:
		return "Upcoming appointment"
	}
}

func reminderMessage(locale, doctorName string, startsAt time.Time) string {
	when := startsAt.Format("Monday, January 2 at 15:04")
	switch locale {
	case "es":
		return fmt.Sprintf("Recordatorio: su cita con %s es el %s.", doctorName, when)
	default:
		return fmt.Sprintf("Reminder: your appointment with %s is on %s.", doctorName, when)
	}
}
