package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"denticore.org/internal/audit"
	"denticore.org/internal/obs"
)

// SkipReasonPreferences marks a notification every candidate channel of
// which was filtered away by the user's settings. The record is retained
// for history and audit, never discarded.
const SkipReasonPreferences = "user_preferences"

// dispatch delivers the notification now. Broadcasts skip preference
// resolution; targeted deliveries run the full preference pipeline.
func (e *Engine) dispatch(ctx context.Context, n *Notification) error {
	if n.UserID == "" {
		return e.dispatchBroadcast(ctx, n)
	}
	return e.dispatchTargeted(ctx, n)
}

func (e *Engine) dispatchBroadcast(ctx context.Context, n *Notification) error {
	reached := 0
	if e.pusher != nil {
		reached = e.pusher.PushBroadcast(*n)
	}
	if err := n.advance(StatusBroadcast); err != nil {
		return err
	}
	if err := e.store.UpdateNotification(ctx, *n); err != nil {
		return err
	}
	e.trail.Append(ctx, audit.Entry{
		Action:     "notification_broadcast",
		Resource:   "notification",
		ResourceID: n.ID,
		Details:    map[string]any{"type": n.Type, "connections_reached": reached},
	})
	return nil
}

func (e *Engine) dispatchTargeted(ctx context.Context, n *Notification) error {
	prefs, err := e.PreferencesFor(ctx, n.UserID)
	if err != nil {
		return err
	}

	channels := e.resolveChannels(*n, prefs)
	if len(channels) == 0 {
		if err := n.advance(StatusSkipped); err != nil {
			return err
		}
		n.SkipReason = SkipReasonPreferences
		if err := e.store.UpdateNotification(ctx, *n); err != nil {
			return err
		}
		e.trail.Append(ctx, audit.Entry{
			UserID:     n.UserID,
			Action:     "notification_skipped",
			Resource:   "notification",
			ResourceID: n.ID,
			Details:    map[string]any{"type": n.Type, "reason": SkipReasonPreferences},
		})
		return nil
	}

	delivered := e.send(ctx, n, channels)

	if err := n.advance(StatusSent); err != nil {
		return err
	}
	now := e.now().UTC()
	n.SentAt = &now
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	n.Data["delivered_channels"] = delivered
	if err := e.store.UpdateNotification(ctx, *n); err != nil {
		return err
	}
	e.trail.Append(ctx, audit.Entry{
		UserID:     n.UserID,
		Action:     "notification_sent",
		Resource:   "notification",
		ResourceID: n.ID,
		Details:    map[string]any{"type": n.Type, "channels": delivered},
	})
	return nil
}

// resolveChannels intersects the requested channels with the user's enabled
// set, applies the quiet-hours filter, then the per-type override.
func (e *Engine) resolveChannels(n Notification, prefs Preferences) []Channel {
	var channels []Channel
	for _, ch := range n.Channels {
		if prefs.Channels[ch] {
			channels = append(channels, ch)
		}
	}

	if prefs.QuietHours.Enabled && inQuietHours(prefs.QuietHours, e.now()) {
		if !(n.Priority == PriorityUrgent && prefs.QuietHours.AllowUrgent) {
			return nil
		}
	}

	if override, ok := prefs.TypeOverrides[n.Type]; ok {
		if !override.Enabled {
			return nil
		}
		allowed := make(map[Channel]struct{}, len(override.Channels))
		for _, ch := range override.Channels {
			allowed[ch] = struct{}{}
		}
		var narrowed []Channel
		for _, ch := range channels {
			if _, ok := allowed[ch]; ok {
				narrowed = append(narrowed, ch)
			}
		}
		channels = narrowed
	}
	return channels
}

// send delivers through each channel independently. One channel failing or
// timing out never blocks or fails the others; partial success is the
// normal outcome.
func (e *Engine) send(ctx context.Context, n *Notification, channels []Channel) []string {
	var delivered []string
	for _, ch := range channels {
		if ch == ChannelInApp {
			if e.pusher != nil {
				e.pusher.PushToUser(n.UserID, *n)
			}
			obs.CountDispatch(string(ch), "ok")
			delivered = append(delivered, string(ch))
			continue
		}

		sender, ok := e.senders[ch]
		if !ok {
			obs.CountDispatch(string(ch), "unconfigured")
			continue
		}
		destination, err := e.destination(ctx, ch, n.UserID)
		if err != nil {
			obs.CountDispatch(string(ch), "error")
			obs.LogError("channel_destination_failed", map[string]any{
				"notification_id": n.ID, "channel": string(ch), "error": err.Error(),
			})
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, e.channelTimeout)
		err = sender.Send(sendCtx, destination, n.Title, n.Message)
		cancel()
		switch {
		case err == nil:
			obs.CountDispatch(string(ch), "ok")
			delivered = append(delivered, string(ch))
		case errors.Is(err, context.DeadlineExceeded):
			obs.CountDispatch(string(ch), "timeout")
		default:
			obs.CountDispatch(string(ch), "error")
			obs.LogError("channel_send_failed", map[string]any{
				"notification_id": n.ID, "channel": string(ch), "error": err.Error(),
			})
		}
	}
	return delivered
}

func (e *Engine) destination(ctx context.Context, ch Channel, userID string) (string, error) {
	user, err := e.store.GetRecipient(ctx, userID)
	if err != nil {
		return "", err
	}
	switch ch {
	case ChannelEmail:
		if user.Email == "" {
			return "", fmt.Errorf("user %s has no email", userID)
		}
		return user.Email, nil
	case ChannelSMS:
		if user.Phone == "" {
			return "", fmt.Errorf("user %s has no phone", userID)
		}
		return user.Phone, nil
	case ChannelPush:
		if user.PushToken == "" {
			return "", fmt.Errorf("user %s has no push token", userID)
		}
		return user.PushToken, nil
	default:
		return "", fmt.Errorf("channel %s has no destination", ch)
	}
}

// inQuietHours reports membership of t in the [start, end) wall-clock
// window. End before start denotes a window wrapping past midnight.
func inQuietHours(qh QuietHours, t time.Time) bool {
	start, err := parseWallClock(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseWallClock(qh.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// parseWallClock converts "HH:MM" to minutes since midnight.
func parseWallClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute in %q", s)
	}
	return hour*60 + minute, nil
}
