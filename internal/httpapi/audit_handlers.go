package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"denticore.org/internal/access"
	"denticore.org/internal/audit"
)

// requireAuditAccess gates both audit routes through the access gate so a
// denied attempt to read the trail is itself an audit entry.
func (a *API) requireAuditAccess(w http.ResponseWriter, r *http.Request, purpose string) bool {
	claims, ok := callerClaims(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	ip, ua := requestMeta(r)
	decision := a.gate.Evaluate(r.Context(), access.Request{
		UserID:       claims.UserID(),
		Role:         claims.Role,
		ResourceType: access.ResourceAuditLog,
		Purpose:      purpose,
		IPAddress:    ip,
		UserAgent:    ua,
	})
	if !decision.Granted {
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return false
	}
	return true
}

func (a *API) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAuditAccess(w, r, "query_audit_trail") {
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		UserID:     q.Get("user_id"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
		Result:     q.Get("result"),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
		return
	}
	if f.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if f.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	entries, err := a.trail.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAuditAccess(w, r, "compliance_report") {
		return
	}

	q := r.URL.Query()
	subject := strings.TrimSpace(q.Get("subject_id"))
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
		return
	}

	report, err := a.trail.ComplianceReport(r.Context(), subject, from, to)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
