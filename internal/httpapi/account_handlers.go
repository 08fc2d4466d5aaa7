package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"verimail.org/internal/account"
	"verimail.org/internal/audit"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type testEmailRequest struct {
	To string `json:"to"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := a.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, account.ErrDuplicateEmail):
			// The conflict reveals that the email exists, which registration
			// necessarily does; it reveals nothing about the password.
			writeError(w, r, http.StatusConflict, "email already registered")
		default:
			writeError(w, r, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "account.registered", map[string]any{
		"email": acct.Email,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "registration accepted, check your email to confirm",
		"email":   acct.Email,
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if err := a.accounts.Confirm(r.Context(), token); err != nil {
		switch {
		case errors.Is(err, account.ErrInvalidToken):
			// Identical response for never-issued, expired and already-used
			// tokens.
			writeError(w, r, http.StatusBadRequest, "invalid or expired confirmation token")
		default:
			writeError(w, r, http.StatusInternalServerError, "confirmation failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "account.confirmed", nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "email confirmed, you can now log in",
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Redirect target for anonymous dashboard visits.
		writeError(w, r, http.StatusUnauthorized, "authentication required: POST email and password")
		return
	case http.MethodPost:
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "session.rejected", map[string]any{
				"email": strings.TrimSpace(req.Email),
			})
			// Uniform answer for unknown email, wrong password and
			// unconfirmed accounts.
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "session.issued", map[string]any{
		"email": strings.TrimSpace(req.Email),
	})

	a.setSessionCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	a.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "logged out",
	})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	acct, ok := account.FromContext(r.Context())
	if !ok {
		// Anonymous: browsers get sent to the login page, API clients get 401.
		if wantsJSON(r) {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		http.Redirect(w, r, "/v1/login", http.StatusSeeOther)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":        acct.Email,
		"role":         acct.Role,
		"confirmed":    acct.Confirmed,
		"member_since": acct.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	if !a.testEmail {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req testEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.accounts.SendTestEmail(r.Context(), req.To); err != nil {
		if errors.Is(err, account.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "recipient address is malformed")
			return
		}
		writeError(w, r, http.StatusBadGateway, "email dispatch failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "mail.probe", map[string]any{
		"to": strings.TrimSpace(req.To),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "email sent to " + strings.TrimSpace(req.To),
	})
}

// wantsJSON reports whether the caller is an API client rather than a browser
// following links.
func wantsJSON(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json")
}
