// Package httpapi is the HTTP surface of the service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
	"denticore.org/internal/notify"
	"denticore.org/internal/obs"
	"denticore.org/internal/store"
	"denticore.org/internal/throttle"
	"denticore.org/internal/token"
	"denticore.org/internal/vault"
)

// ReadyProbe pings the backing database; a nil DB (memory mode) is always
// ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API wires the domain components under one mux.
type API struct {
	mux        *http.ServeMux
	store      store.Store
	tokens     *token.Issuer
	limiter    *throttle.Limiter
	gate       *access.Gate
	trail      *audit.Trail
	engine     *notify.Engine
	policy     vault.Policy
	wsHandler  http.Handler
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec int
}

type Options struct {
	Store      store.Store
	Tokens     *token.Issuer
	Limiter    *throttle.Limiter
	Gate       *access.Gate
	Trail      *audit.Trail
	Engine     *notify.Engine
	Policy     vault.Policy
	WSHandler  http.Handler
	ReadyProbe ReadyProbe
	Version    string
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		store:      opts.Store,
		tokens:     opts.Tokens,
		limiter:    opts.Limiter,
		gate:       opts.Gate,
		trail:      opts.Trail,
		engine:     opts.Engine,
		policy:     opts.Policy,
		wsHandler:  opts.WSHandler,
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/password-strength", a.handlePasswordStrength)

	// notifications
	a.mux.HandleFunc("/v1/notifications", a.handleNotificationsCollection)
	a.mux.HandleFunc("/v1/notifications/bulk", a.handleNotificationsBulk)
	a.mux.HandleFunc("/v1/notifications/preferences", a.handlePreferences)
	a.mux.HandleFunc("/v1/notifications/", a.handleNotificationResource)

	// audit
	a.mux.HandleFunc("/v1/audit/entries", a.handleAuditEntries)
	a.mux.HandleFunc("/v1/audit/report", a.handleAuditReport)

	// live connections
	if a.wsHandler != nil {
		a.mux.Handle("/v1/ws", a.wsHandler)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	// RequestID must wrap Logging so the request log line carries the id.
	h := a.withAuth(a.mux)
	h = Logging(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "denticore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// requestMeta carries the caller network identity into audit entries.
func requestMeta(r *http.Request) (ip, ua string) {
	return clientIP(r), r.UserAgent()
}
