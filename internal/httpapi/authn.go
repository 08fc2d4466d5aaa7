package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"verimail.org/internal/account"
)

const (
	authHeader        = "Authorization"
	bearer            = "Bearer "
	sessionCookieName = "verimail_session"
)

// withSession resolves the presented session token, if any, and attaches the
// acting account to the request context. It never rejects: an absent, stale
// or forged token simply leaves the request anonymous, and each handler
// decides whether anonymous means 401 or a redirect.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionTokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		acct, err := a.accounts.Authenticate(r.Context(), token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := account.ContextWithAccount(r.Context(), acct)
		ctx = account.ContextWithSessionToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionTokenFromRequest prefers the Authorization header over the cookie.
func sessionTokenFromRequest(r *http.Request) string {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return token
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
