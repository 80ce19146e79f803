// Package ws maintains live WebSocket connections and fans notifications
// out to them. The registry is the in-process implementation of
// notify.Pusher; a multi-replica deployment would put a broker behind the
// same interface.
package ws

import (
	"sync"

	"denticore.org/internal/notify"
	"denticore.org/internal/obs"
)

// Frame is the single wire envelope for both directions. Unused fields are
// omitted per frame type.
type Frame struct {
	Type         string               `json:"type"`
	Token        string               `json:"token,omitempty"`
	Topic        string               `json:"topic,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	Role         string               `json:"role,omitempty"`
	Message      string               `json:"message,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// Frame types, client to server and server to client.
const (
	FrameAuth             = "auth"
	FrameAuthSuccess      = "auth_success"
	FrameSubscribe        = "subscribe"
	FrameSubscribeSuccess = "subscribe_success"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameNotification     = "notification"
	FrameBroadcast        = "broadcast"
	FrameError            = "error"
)

const sendBuffer = 64

// Conn is one authenticated connection. Created by the transport after the
// auth frame verifies; unauthenticated sockets never enter the registry.
type Conn struct {
	UserID string
	Role   string

	mu     sync.Mutex
	topics map[string]bool
	send   chan Frame
	closed bool
}

func newConn(userID, role string) *Conn {
	return &Conn{
		UserID: userID,
		Role:   role,
		topics: map[string]bool{},
		send:   make(chan Frame, sendBuffer),
	}
}

func (c *Conn) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = true
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// deliver queues a frame without blocking. A full buffer means the client
// is not draining; the frame is dropped rather than stalling the sender.
func (c *Conn) deliver(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Registry tracks every authenticated connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	byUser map[string]map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  map[*Conn]struct{}{},
		byUser: map[string]map[*Conn]struct{}{},
	}
}

func (r *Registry) register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	set, ok := r.byUser[c.UserID]
	if !ok {
		set = map[*Conn]struct{}{}
		r.byUser[c.UserID] = set
	}
	set[c] = struct{}{}
	obs.WSConnected()
}

func (r *Registry) unregister(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	if set, ok := r.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.mu.Unlock()
	c.close()
	obs.WSDisconnected()
}

// ConnectionCount reports the number of live authenticated connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToUser queues a frame on every connection the user holds. A user with
// a phone and a desktop open receives the frame on both.
func (r *Registry) SendToUser(userID string, f Frame) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.deliver(f) {
			delivered++
		}
	}
	return delivered
}

// SendToRole queues a frame on every connection whose user holds the role.
func (r *Registry) SendToRole(role string, f Frame) int {
	return r.fanOut(f, func(c *Conn) bool { return c.Role == role })
}

// SendToTopic queues a frame on every connection subscribed to the topic.
func (r *Registry) SendToTopic(topic string, f Frame) int {
	return r.fanOut(f, func(c *Conn) bool { return c.subscribed(topic) })
}

// Broadcast queues a frame on every authenticated connection.
func (r *Registry) Broadcast(f Frame) int {
	return r.fanOut(f, func(*Conn) bool { return true })
}

func (r *Registry) fanOut(f Frame, keep func(*Conn) bool) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if keep(c) {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.deliver(f) {
			delivered++
		}
	}
	return delivered
}

// PushToUser implements notify.Pusher.
func (r *Registry) PushToUser(userID string, n notify.Notification) int {
	return r.SendToUser(userID, Frame{Type: FrameNotification, Notification: &n})
}

// PushBroadcast implements notify.Pusher.
func (r *Registry) PushBroadcast(n notify.Notification) int {
	return r.Broadcast(Frame{Type: FrameBroadcast, Notification: &n})
}
