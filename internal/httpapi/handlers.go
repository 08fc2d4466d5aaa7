package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"verimail.org/internal/account"
	"verimail.org/internal/obs"
)

// ReadyProbe reports whether the credential store is reachable.
type ReadyProbe struct {
	Store account.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer over the account workflow.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	accounts   *account.Service

	testEmail    bool
	cookieSecure bool
	rateBurst    int
	ratePerSec   int
}

// APIOption configures the API.
type APIOption func(*API)

// WithTestEmail enables the operator-only /v1/test-email endpoint.
func WithTestEmail() APIOption {
	return func(a *API) { a.testEmail = true }
}

// WithSecureCookies marks session cookies Secure (production behind TLS).
func WithSecureCookies() APIOption {
	return func(a *API) { a.cookieSecure = true }
}

// WithRateLimit overrides the per-IP rate limit defaults.
func WithRateLimit(burst, perSecond int) APIOption {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

func New(rp ReadyProbe, version string, accounts *account.Service, opts ...APIOption) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		accounts:   accounts,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// registration and sessions
	a.mux.HandleFunc("/v1/register", a.handleRegister)
	a.mux.HandleFunc("/v1/confirm", a.handleConfirm)
	a.mux.HandleFunc("/v1/login", a.handleLogin)
	a.mux.HandleFunc("/v1/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/dashboard", a.handleDashboard)
	a.mux.HandleFunc("/v1/test-email", a.handleTestEmail)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withSession(a.mux)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = RequestID(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "verimail-api",
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

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "verimail-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
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
