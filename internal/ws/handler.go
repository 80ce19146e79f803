package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"denticore.org/internal/access"
	"denticore.org/internal/notify"
	"denticore.org/internal/obs"
	"denticore.org/internal/token"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var errUnauthenticated = errors.New("ws: unauthenticated")

// Handler upgrades HTTP requests to WebSocket sessions. A fresh socket must
// present a valid access token in its first frame before anything else is
// accepted; until then it is invisible to the registry and receives no
// fan-out traffic.
type Handler struct {
	registry       *Registry
	tokens         *token.Issuer
	gate           *access.Gate
	engine         *notify.Engine
	originPatterns []string
}

func NewHandler(registry *Registry, tokens *token.Issuer, gate *access.Gate, engine *notify.Engine, originPatterns []string) *Handler {
	return &Handler{
		registry:       registry,
		tokens:         tokens,
		gate:           gate,
		engine:         engine,
		originPatterns: originPatterns,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.originPatterns) > 0 {
		opts.OriginPatterns = h.originPatterns
	}
	sock, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	claims, err := h.awaitAuth(ctx, sock)
	if err != nil {
		h.write(ctx, sock, Frame{Type: FrameError, Message: "authentication required"})
		_ = sock.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	conn := newConn(claims.UserID(), claims.Role)
	h.registry.register(conn)
	defer h.registry.unregister(conn)

	if err := h.write(ctx, sock, Frame{Type: FrameAuthSuccess, UserID: conn.UserID, Role: conn.Role}); err != nil {
		return
	}
	h.flushUnread(ctx, conn)

	inbound := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f Frame
			if err := wsjson.Read(ctx, sock, &f); err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = sock.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = sock.Close(websocket.StatusNormalClosure, "closed")
			return
		case f := <-inbound:
			h.handleFrame(ctx, sock, conn, f)
		case out, ok := <-conn.send:
			if !ok {
				_ = sock.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := h.write(ctx, sock, out); err != nil {
				_ = sock.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// awaitAuth reads exactly one frame and verifies it. Any frame other than a
// valid auth is a protocol violation.
func (h *Handler) awaitAuth(ctx context.Context, sock *websocket.Conn) (*token.Claims, error) {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	var f Frame
	if err := wsjson.Read(authCtx, sock, &f); err != nil {
		return nil, err
	}
	if f.Type != FrameAuth {
		return nil, errUnauthenticated
	}
	claims := h.tokens.Verify(f.Token)
	if claims == nil {
		return nil, errUnauthenticated
	}
	return claims, nil
}

func (h *Handler) handleFrame(ctx context.Context, sock *websocket.Conn, conn *Conn, f Frame) {
	switch f.Type {
	case FramePing:
		_ = h.write(ctx, sock, Frame{Type: FramePong})
	case FrameSubscribe:
		if !access.KnownTopic(f.Topic) {
			_ = h.write(ctx, sock, Frame{Type: FrameError, Topic: f.Topic, Message: "unknown topic"})
			return
		}
		if !h.gate.CanReadTopic(ctx, conn.UserID, conn.Role, f.Topic) {
			_ = h.write(ctx, sock, Frame{Type: FrameError, Topic: f.Topic, Message: "access denied"})
			return
		}
		conn.subscribe(f.Topic)
		_ = h.write(ctx, sock, Frame{Type: FrameSubscribeSuccess, Topic: f.Topic})
	default:
		_ = h.write(ctx, sock, Frame{Type: FrameError, Message: "unknown frame type"})
	}
}

// flushUnread replays unread in-app notifications so a reconnecting client
// catches up without polling.
func (h *Handler) flushUnread(ctx context.Context, conn *Conn) {
	if h.engine == nil {
		return
	}
	unread, err := h.engine.UnreadForUser(ctx, conn.UserID)
	if err != nil {
		obs.LogError("ws_unread_flush_failed", map[string]any{
			"user_id": conn.UserID,
			"error":   err.Error(),
		})
		return
	}
	for i := range unread {
		n := unread[i]
		conn.deliver(Frame{Type: FrameNotification, Notification: &n})
	}
}

func (h *Handler) write(ctx context.Context, sock *websocket.Conn, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, sock, f)
}
