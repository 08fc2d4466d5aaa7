package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"verimail.org/internal/mail"
)

// captureMailer records every message instead of delivering it.
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

func (m *captureMailer) messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *InMemoryStore, *captureMailer) {
	t.Helper()
	store := NewInMemory()
	tokens, err := NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	mailer := &captureMailer{}
	opts = append([]ServiceOption{WithSynchronousMail()}, opts...)
	svc := NewService(store, tokens, mailer, "http://localhost:8080", opts...)
	return svc, store, mailer
}

func TestRegisterCreatesPendingAccount(t *testing.T) {
	svc, store, mailer := newTestService(t)

	acct, err := svc.Register(context.Background(), "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acct.Confirmed {
		t.Fatal("fresh account must not be confirmed")
	}
	if acct.ConfirmToken == "" {
		t.Fatal("fresh account must carry a confirmation token")
	}
	if acct.TokenExpiresAt == nil || !acct.TokenExpiresAt.After(time.Now()) {
		t.Fatalf("token expiry must be in the future, got %v", acct.TokenExpiresAt)
	}
	if acct.PasswordHash == "correct horse" {
		t.Fatal("password stored in the clear")
	}

	stored, err := store.FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if stored.Role != RoleUser {
		t.Fatalf("unexpected role %q", stored.Role)
	}

	msgs := mailer.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 verification email, got %d", len(msgs))
	}
	if msgs[0].To != "a@x.com" {
		t.Fatalf("email addressed to %q", msgs[0].To)
	}
	if !strings.Contains(msgs[0].Body, "token="+acct.ConfirmToken) {
		t.Fatalf("email body missing token link: %s", msgs[0].Body)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "a@x.com", "correct horse"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := svc.Register(ctx, "a@x.com", "another pass"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if got := len(mailer.messages()); got != 1 {
		t.Fatalf("duplicate registration must not send mail, got %d messages", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"empty email", "", "correct horse"},
		{"no at sign", "not-an-email", "correct horse"},
		{"embedded space", "a b@x.com", "correct horse"},
		{"short password", "a@x.com", "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.email, tc.password); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegisterSurvivesMailFailure(t *testing.T) {
	svc, store, mailer := newTestService(t)
	mailer.fail = true

	if _, err := svc.Register(context.Background(), "a@x.com", "correct horse"); err != nil {
		t.Fatalf("Register must succeed despite mail failure, got %v", err)
	}
	if _, err := store.FindByEmail(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("account missing after mail failure: %v", err)
	}
}

func TestConfirmActivatesAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Confirm(ctx, acct.ConfirmToken); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	stored, err := store.FindByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if !stored.Confirmed {
		t.Fatal("account not confirmed")
	}
	if stored.ConfirmToken != "" || stored.TokenExpiresAt != nil {
		t.Fatal("confirmation must clear the token")
	}

	// The token is single-use.
	if err := svc.Confirm(ctx, acct.ConfirmToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reused token: expected ErrInvalidToken, got %v", err)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "a@x.com", "correct horse"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, token := range []string{"", "   ", "no-such-token"} {
		if err := svc.Confirm(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Confirm(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
	stored, err := store.FindByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if stored.Confirmed {
		t.Fatal("bad token must not mutate the account")
	}
}

func TestConfirmExpiredToken(t *testing.T) {
	// A service clock two days in the past makes the 24h token lifetime
	// elapse from the store's point of view.
	past := time.Now().Add(-48 * time.Hour)
	svc, _, _ := newTestService(t, WithClock(func() time.Time { return past }))
	ctx := context.Background()

	acct, err := svc.Register(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Confirm(ctx, acct.ConfirmToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}
}

func TestLoginRequiresConfirmation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "a@x.com", "correct horse"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "a@x.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unconfirmed login: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Confirm(ctx, acct.ConfirmToken); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Unknown email and wrong password are indistinguishable.
	if _, _, err := svc.Login(ctx, "nobody@x.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "a@x.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "a@x.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterConfirmLoginAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Confirm(ctx, acct.ConfirmToken); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	token, expiresAt, err := svc.Login(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" || !expiresAt.After(time.Now()) {
		t.Fatalf("bad session grant: token=%q expires=%v", token, expiresAt)
	}

	resolved, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if resolved.Email != "a@x.com" {
		t.Fatalf("session resolved to %q", resolved.Email)
	}
}

func TestAuthenticateRejectsExpiredSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Register(ctx, "a@x.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Confirm(ctx, acct.ConfirmToken); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Mint a token that expired an hour ago with the same signing secret.
	past := time.Now().Add(-2 * time.Hour)
	stale, err := NewTokenService("test-secret", WithTokenClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, _, err := stale.Issue("a@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestConcurrentRegistrationSameEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, "race@x.com", "correct horse")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateEmail):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != attempts-1 {
		t.Fatalf("expected exactly one winner, got ok=%d dup=%d", ok, dup)
	}
	if got := len(mailer.messages()); got != 1 {
		t.Fatalf("expected exactly one verification email, got %d", got)
	}
}

func TestSendTestEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	if err := svc.SendTestEmail(ctx, "ops@x.com"); err != nil {
		t.Fatalf("SendTestEmail: %v", err)
	}
	if got := len(mailer.messages()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
	if err := svc.SendTestEmail(ctx, "not-an-address"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	mailer.fail = true
	if err := svc.SendTestEmail(ctx, "ops@x.com"); err == nil {
		t.Fatal("probe must surface relay failures")
	}
}
