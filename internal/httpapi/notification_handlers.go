package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
	"denticore.org/internal/notify"
)

type createNotificationRequest struct {
	UserID       string         `json:"user_id,omitempty"`
	Type         string         `json:"type"`
	Title        string         `json:"title,omitempty"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	Channels     []string       `json:"channels,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Emergency    bool           `json:"emergency,omitempty"`
}

func (req createNotificationRequest) toNotification() notify.Notification {
	channels := make([]notify.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channels = append(channels, notify.Channel(ch))
	}
	return notify.Notification{
		UserID:       req.UserID,
		Type:         req.Type,
		Title:        req.Title,
		Message:      req.Message,
		Data:         req.Data,
		Priority:     notify.Priority(req.Priority),
		Channels:     channels,
		ScheduledFor: req.ScheduledFor,
	}
}

func (a *API) handleNotificationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createNotification(w, r)
	case http.MethodGet:
		a.listNotifications(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createNotification(w http.ResponseWriter, r *http.Request) {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// An empty user_id is a broadcast to every live connection. Like bulk
	// sends, that is a staff capability.
	if req.UserID == "" && claims.Role == access.RolePatient {
		writeError(w, r, http.StatusForbidden, access.ReasonInsufficientPermissions)
		return
	}

	ip, ua := requestMeta(r)
	decision := a.gate.Evaluate(r.Context(), access.Request{
		UserID:       claims.UserID(),
		Role:         claims.Role,
		ResourceType: access.ResourceNotification,
		ResourceID:   req.UserID,
		Purpose:      "create_notification",
		Emergency:    req.Emergency,
		IPAddress:    ip,
		UserAgent:    ua,
	})
	if !decision.Granted {
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return
	}

	n := req.toNotification()
	if err := a.engine.Submit(r.Context(), &n); err != nil {
		handleNotifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}
	items, err := a.store.ListNotificationsForUser(r.Context(), claims.UserID(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type bulkRequest struct {
	UserIDs      []string                  `json:"user_ids,omitempty"`
	Roles        []string                  `json:"roles,omitempty"`
	Notification createNotificationRequest `json:"notification"`
}

func (a *API) handleNotificationsBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	// Mass sends are a staff capability.
	if claims.Role == access.RolePatient {
		writeError(w, r, http.StatusForbidden, access.ReasonInsufficientPermissions)
		return
	}

	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.UserIDs) == 0 && len(req.Roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "user_ids or roles is required")
		return
	}

	created, err := a.engine.BulkCreate(r.Context(), req.UserIDs, req.Roles, req.Notification.toNotification())
	if err != nil {
		handleNotifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"created": len(created),
		"items":   created,
	})
}

func (a *API) handlePreferences(w http.ResponseWriter, r *http.Request) {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		prefs, err := a.engine.PreferencesFor(r.Context(), claims.UserID())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	case http.MethodPut:
		var prefs notify.Preferences
		if err := decodeJSON(w, r, &prefs); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		prefs.UserID = claims.UserID()
		if err := a.engine.UpdatePreferences(r.Context(), prefs); err != nil {
			handleNotifyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleNotificationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/notifications/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/read") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/read"), "/")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "notification not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markNotificationRead(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.getNotification(w, r, path)
}

func (a *API) getNotification(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	n, err := a.store.GetNotification(r.Context(), id)
	if err != nil {
		handleNotifyError(w, r, err)
		return
	}

	ip, ua := requestMeta(r)
	// The gate handles the role set and patient ownership; the route
	// additionally narrows staff reads to the addressee, and that denial
	// must land on the trail too.
	if n.UserID != "" && n.UserID != claims.UserID() && claims.Role != access.RoleAdmin {
		a.trail.Append(r.Context(), audit.Entry{
			UserID:     claims.UserID(),
			Action:     "access_denied",
			Resource:   access.ResourceNotification,
			ResourceID: id,
			Details: map[string]any{
				"role":    claims.Role,
				"purpose": "read_notification",
				"reason":  access.ReasonNotResourceOwner,
			},
			IPAddress: ip,
			UserAgent: ua,
			Result:    audit.ResultFailure,
		})
		writeError(w, r, http.StatusForbidden, access.ReasonNotResourceOwner)
		return
	}
	decision := a.gate.Evaluate(r.Context(), access.Request{
		UserID:       claims.UserID(),
		Role:         claims.Role,
		ResourceType: access.ResourceNotification,
		ResourceID:   id,
		Purpose:      "read_notification",
		IPAddress:    ip,
		UserAgent:    ua,
	})
	if !decision.Granted {
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) markNotificationRead(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	n, err := a.engine.MarkRead(r.Context(), id, claims.UserID())
	if err != nil {
		handleNotifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func handleNotifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "notification not found")
	case errors.Is(err, notify.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, notify.ErrNotOwner):
		writeError(w, r, http.StatusForbidden, "not the notification owner")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
