package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"verimail.org/internal/account"
	"verimail.org/internal/mail"
)

// captureMailer records verification emails so tests can pull the token out of
// the body the way a registrant would out of their inbox.
type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail bool
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("relay unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no verification email captured")
	}
	body := m.sent[len(m.sent)-1].Body
	_, after, found := strings.Cut(body, "token=")
	if !found {
		t.Fatalf("no token in email body: %s", body)
	}
	return strings.TrimSpace(after)
}

func newTestAPI(t *testing.T, opts ...APIOption) (*httptest.Server, *captureMailer) {
	t.Helper()
	store := account.NewInMemory()
	tokens, err := account.NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	mailer := &captureMailer{}
	svc := account.NewService(store, tokens, mailer, "http://localhost:8080",
		account.WithSynchronousMail())

	opts = append([]APIOption{WithRateLimit(1000, 1000)}, opts...)
	api := New(ReadyProbe{Store: store}, "test", svc, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, mailer
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRegistrationFlow(t *testing.T) {
	srv, mailer := newTestAPI(t)
	client := srv.Client()

	creds := map[string]string{"email": "a@x.com", "password": "correct horse"}

	// Register.
	resp := postJSON(t, client, srv.URL+"/v1/register", creds)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("register: expected 202, got %d", resp.StatusCode)
	}
	var reg map[string]any
	decodeBody(t, resp, &reg)
	if reg["email"] != "a@x.com" {
		t.Fatalf("register echoed %v", reg["email"])
	}

	// Duplicate registration.
	resp = postJSON(t, client, srv.URL+"/v1/register", creds)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", resp.StatusCode)
	}

	// Login before confirmation is rejected.
	resp = postJSON(t, client, srv.URL+"/v1/login", creds)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("premature login: expected 401, got %d", resp.StatusCode)
	}

	// Confirm with the emailed token.
	token := mailer.lastToken(t)
	confirmURL := srv.URL + "/v1/confirm?token=" + token
	resp, err := client.Get(confirmURL)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d", resp.StatusCode)
	}

	// The token is single-use.
	resp, err = client.Get(confirmURL)
	if err != nil {
		t.Fatalf("confirm reuse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("confirm reuse: expected 400, got %d", resp.StatusCode)
	}

	// Login succeeds and grants both a token and a cookie.
	resp = postJSON(t, client, srv.URL+"/v1/login", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "verimail_session" {
			cookie = c
		}
	}
	var login loginResponse
	decodeBody(t, resp, &login)
	if login.Token == "" {
		t.Fatal("login returned no session token")
	}
	if cookie == nil || cookie.Value != login.Token {
		t.Fatal("login must set the session cookie to the issued token")
	}
	if !cookie.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}

	// Dashboard with the bearer token.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d", resp.StatusCode)
	}
	var dash map[string]any
	decodeBody(t, resp, &dash)
	if dash["email"] != "a@x.com" || dash["confirmed"] != true {
		t.Fatalf("unexpected dashboard payload: %v", dash)
	}
}

func TestDashboardWithCookieSession(t *testing.T) {
	srv, mailer := newTestAPI(t)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := srv.Client()
	client.Jar = jar

	creds := map[string]string{"email": "a@x.com", "password": "correct horse"}
	resp := postJSON(t, client, srv.URL+"/v1/register", creds)
	resp.Body.Close()
	resp, err = client.Get(srv.URL + "/v1/confirm?token=" + mailer.lastToken(t))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	resp.Body.Close()
	resp = postJSON(t, client, srv.URL+"/v1/login", creds)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}

	// The jar carries the session cookie.
	resp, err = client.Get(srv.URL + "/v1/dashboard")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard via cookie: expected 200, got %d", resp.StatusCode)
	}
	var dash map[string]any
	decodeBody(t, resp, &dash)
	if dash["email"] != "a@x.com" {
		t.Fatalf("unexpected dashboard payload: %v", dash)
	}

	// Logout clears the cookie; the next visit is anonymous.
	resp = postJSON(t, client, srv.URL+"/v1/logout", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/dashboard", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("dashboard after logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dashboard after logout: expected 401, got %d", resp.StatusCode)
	}
}

func TestDashboardAnonymous(t *testing.T) {
	srv, _ := newTestAPI(t)
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// A browser gets redirected to the login page.
	resp, err := client.Get(srv.URL + "/v1/dashboard")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/login" {
		t.Fatalf("expected redirect to /v1/login, got %q", loc)
	}

	// An API client gets a plain 401.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/dashboard", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestConfirmRejectsBadTokens(t *testing.T) {
	srv, _ := newTestAPI(t)
	client := srv.Client()

	for _, target := range []string{
		srv.URL + "/v1/confirm",
		srv.URL + "/v1/confirm?token=",
		srv.URL + "/v1/confirm?token=no-such-token",
	} {
		resp, err := client.Get(target)
		if err != nil {
			t.Fatalf("GET %s: %v", target, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("GET %s: expected 400, got %d", target, resp.StatusCode)
		}
	}
}

func TestRegisterRejectsBadRequests(t *testing.T) {
	srv, _ := newTestAPI(t)
	client := srv.Client()

	// Malformed JSON.
	resp, err := client.Post(srv.URL+"/v1/register", "application/json",
		strings.NewReader(`{"email": `))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: expected 400, got %d", resp.StatusCode)
	}

	// Unknown fields.
	resp = postJSON(t, client, srv.URL+"/v1/register",
		map[string]string{"email": "a@x.com", "password": "correct horse", "admin": "true"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}

	// Invalid input.
	resp = postJSON(t, client, srv.URL+"/v1/register",
		map[string]string{"email": "a@x.com", "password": "short"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short password: expected 400, got %d", resp.StatusCode)
	}

	// Wrong method.
	resp, err = client.Get(srv.URL + "/v1/register")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET register: expected 405, got %d", resp.StatusCode)
	}
}

func TestTestEmailEndpoint(t *testing.T) {
	srv, mailer := newTestAPI(t, WithTestEmail())
	client := srv.Client()

	resp := postJSON(t, client, srv.URL+"/v1/test-email", map[string]string{"to": "ops@x.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	mailer.mu.Lock()
	sent := len(mailer.sent)
	mailer.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected 1 probe email, got %d", sent)
	}

	resp = postJSON(t, client, srv.URL+"/v1/test-email", map[string]string{"to": "not-an-address"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad recipient: expected 400, got %d", resp.StatusCode)
	}

	mailer.mu.Lock()
	mailer.fail = true
	mailer.mu.Unlock()
	resp = postJSON(t, client, srv.URL+"/v1/test-email", map[string]string{"to": "ops@x.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("relay failure: expected 502, got %d", resp.StatusCode)
	}
}

func TestTestEmailDisabledByDefault(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp := postJSON(t, srv.Client(), srv.URL+"/v1/test-email", map[string]string{"to": "ops@x.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestAPI(t)
	client := srv.Client()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff header, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}
