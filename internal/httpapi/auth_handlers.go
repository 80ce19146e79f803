package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"denticore.org/internal/store"
	"denticore.org/internal/vault"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken      string        `json:"access_token"`
	RefreshToken     string        `json:"refresh_token"`
	AccessExpiresAt  string        `json:"access_expires_at"`
	RefreshExpiresAt string        `json:"refresh_expires_at"`
	User             loginUserInfo `json:"user"`
}

type loginUserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ip, _ := requestMeta(r)
	status, err := a.limiter.Check(r.Context(), email, ip)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !status.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(status.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "too many failed login attempts",
			"time_left_minutes": status.RetryAfterMinutes(),
		})
		return
	}

	// A wrong password and an unknown email fail identically so the login
	// form cannot be used to probe which addresses exist.
	user, err := a.store.UserByEmail(r.Context(), email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	verifyErr := errors.New("no such user")
	if err == nil {
		verifyErr = vault.Verify(user.Credential, req.Password)
	}
	if verifyErr != nil {
		if recErr := a.limiter.Record(r.Context(), email, ip, false); recErr != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := a.limiter.Record(r.Context(), email, ip, true); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	pair, err := a.tokens.Issue(user.ID, user.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		RefreshExpiresAt: pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
		User: loginUserInfo{
			ID:          user.ID,
			Email:       user.Email,
			Role:        user.Role,
			DisplayName: user.DisplayName,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims := a.tokens.VerifyRefresh(req.RefreshToken)
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// The user may have been deactivated since the refresh token was issued.
	user, err := a.store.GetUser(r.Context(), claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	pair, err := a.tokens.Issue(user.ID, user.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"refresh_expires_at": pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
	})
}

type strengthRequest struct {
	Password string `json:"password"`
}

func (a *API) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req strengthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vault.CheckStrength(req.Password, a.policy))
}
