package ws

import (
	"testing"

	"denticore.org/internal/notify"
)

func drain(c *Conn) []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestBroadcastReachesOnlyRegistered(t *testing.T) {
	r := NewRegistry()
	a := newConn("u1", "dentist")
	b := newConn("u2", "receptionist")
	c := newConn("u3", "patient")
	stranger := newConn("u4", "patient") // never registered, i.e. never authenticated
	r.register(a)
	r.register(b)
	r.register(c)

	n := notify.Notification{ID: "n1", Type: "maintenance", Message: "closing early"}
	if got := r.PushBroadcast(n); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	for _, conn := range []*Conn{a, b, c} {
		frames := drain(conn)
		if len(frames) != 1 || frames[0].Type != FrameBroadcast || frames[0].Notification.ID != "n1" {
			t.Fatalf("conn %s: unexpected frames %+v", conn.UserID, frames)
		}
	}
	if frames := drain(stranger); len(frames) != 0 {
		t.Fatalf("unauthenticated socket must receive nothing, got %+v", frames)
	}
}

func TestSendToUserHitsEveryConnection(t *testing.T) {
	r := NewRegistry()
	phone := newConn("u1", "patient")
	desktop := newConn("u1", "patient")
	other := newConn("u2", "patient")
	r.register(phone)
	r.register(desktop)
	r.register(other)

	n := notify.Notification{ID: "n1", UserID: "u1", Type: "appointment_reminder", Message: "tomorrow"}
	if got := r.PushToUser("u1", n); got != 2 {
		t.Fatalf("expected delivery to both of u1's connections, got %d", got)
	}
	if frames := drain(other); len(frames) != 0 {
		t.Fatalf("u2 must not see u1's notification, got %+v", frames)
	}
}

func TestSendToRoleAndTopic(t *testing.T) {
	r := NewRegistry()
	dentist := newConn("u1", "dentist")
	patient := newConn("u2", "patient")
	r.register(dentist)
	r.register(patient)
	dentist.subscribe("clinical")

	if got := r.SendToRole("dentist", Frame{Type: FrameNotification}); got != 1 {
		t.Fatalf("role fan-out: got %d", got)
	}
	if got := r.SendToTopic("clinical", Frame{Type: FrameBroadcast}); got != 1 {
		t.Fatalf("topic fan-out: got %d", got)
	}
	if got := r.SendToTopic("billing", Frame{Type: FrameBroadcast}); got != 0 {
		t.Fatalf("unsubscribed topic: got %d", got)
	}
	if frames := drain(patient); len(frames) != 0 {
		t.Fatalf("patient received %+v", frames)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := NewRegistry()
	c := newConn("u1", "patient")
	r.register(c)
	if r.ConnectionCount() != 1 {
		t.Fatalf("count = %d", r.ConnectionCount())
	}
	r.unregister(c)
	if r.ConnectionCount() != 0 {
		t.Fatalf("count after unregister = %d", r.ConnectionCount())
	}
	if got := r.PushToUser("u1", notify.Notification{ID: "n1"}); got != 0 {
		t.Fatalf("delivery after unregister: %d", got)
	}
	// Idempotent.
	r.unregister(c)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := NewRegistry()
	c := newConn("u1", "patient")
	r.register(c)

	for i := 0; i < sendBuffer; i++ {
		if got := r.Broadcast(Frame{Type: FramePong}); got != 1 {
			t.Fatalf("frame %d not delivered", i)
		}
	}
	if got := r.Broadcast(Frame{Type: FramePong}); got != 0 {
		t.Fatal("full buffer must drop, not block")
	}
}
