package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"verimail.org/internal/mail"
	"verimail.org/internal/obs"
)

const (
	defaultConfirmTTL  = 24 * time.Hour
	defaultMailTimeout = 10 * time.Second
	minPasswordLength  = 8
)

// Service is the registration and session workflow: register, confirm, login,
// authenticate. It is written once against the Store interface; whether
// accounts live in a local table or a hosted identity backend is decided at
// composition time.
type Service struct {
	store   Store
	tokens  *TokenService
	mailer  mail.Mailer
	baseURL string

	confirmTTL  time.Duration
	mailTimeout time.Duration
	syncMail    bool
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConfirmTTL overrides the 24h confirmation token lifetime.
func WithConfirmTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.confirmTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSynchronousMail makes Register wait for the verification email instead
// of dispatching it on a goroutine. Tests use this for determinism; the
// dispatch failure is still swallowed so the registration ack is unaffected.
func WithSynchronousMail() ServiceOption {
	return func(s *Service) {
		s.syncMail = true
	}
}

// NewService wires the workflow. baseURL is the public origin embedded into
// confirmation links.
func NewService(store Store, tokens *TokenService, mailer mail.Mailer, baseURL string, opts ...ServiceOption) *Service {
	svc := &Service{
		store:       store,
		tokens:      tokens,
		mailer:      mailer,
		baseURL:     strings.TrimRight(baseURL, "/"),
		confirmTTL:  defaultConfirmTTL,
		mailTimeout: defaultMailTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Register creates a pending account and dispatches the verification email.
// The dispatch never delays or fails the acknowledgment: it runs on a
// goroutine with its own timeout, and failures are logged and counted rather
// than surfaced to the registrant.
func (s *Service) Register(ctx context.Context, email, password string) (*Account, error) {
	email = strings.TrimSpace(email)
	if err := validateRegistration(email, password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		obs.CountRegistration("error")
		return nil, fmt.Errorf("hash password: %w", err)
	}
	token, err := NewConfirmToken()
	if err != nil {
		obs.CountRegistration("error")
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.confirmTTL)
	acct := &Account{
		Email:          email,
		PasswordHash:   hash,
		Role:           RoleUser,
		ConfirmToken:   token,
		TokenExpiresAt: &expiresAt,
	}
	if err := s.store.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			obs.CountRegistration("duplicate")
			return nil, ErrDuplicateEmail
		}
		obs.CountRegistration("error")
		return nil, fmt.Errorf("create account: %w", err)
	}
	obs.CountRegistration("ok")

	msg := mail.VerificationEmail(email, mail.ConfirmURL(s.baseURL, token))
	if s.syncMail {
		s.dispatch(msg)
	} else {
		go s.dispatch(msg)
	}
	return acct, nil
}

// Confirm consumes a confirmation token and activates the matching pending
// account. Unknown, expired and already-used tokens are indistinguishable to
// the caller.
func (s *Service) Confirm(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		obs.CountConfirmation("invalid")
		return ErrInvalidToken
	}
	if err := s.store.Confirm(ctx, token); err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CountConfirmation("invalid")
			return ErrInvalidToken
		}
		obs.CountConfirmation("error")
		return fmt.Errorf("confirm account: %w", err)
	}
	obs.CountConfirmation("ok")
	return nil
}

// Login validates credentials against a confirmed account and issues a
// session token. Unknown email, wrong password and pending confirmation all
// fail with the same ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		obs.CountLogin("rejected")
		return "", time.Time{}, ErrInvalidCredentials
	}

	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CountLogin("rejected")
			return "", time.Time{}, ErrInvalidCredentials
		}
		obs.CountLogin("error")
		return "", time.Time{}, fmt.Errorf("find account: %w", err)
	}
	if !acct.Confirmed {
		obs.CountLogin("rejected")
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		obs.CountLogin("rejected")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(acct.Email)
	if err != nil {
		obs.CountLogin("error")
		return "", time.Time{}, err
	}
	obs.CountLogin("ok")
	return token, expiresAt, nil
}

// Authenticate resolves a presented session token to the acting account.
// Absent, malformed, tampered and expired tokens all yield ErrInvalidSession.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Account, error) {
	email, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, ErrInvalidSession
	}
	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("resolve session account: %w", err)
	}
	return acct, nil
}

// SendTestEmail delivers a probe verification email synchronously. Backs the
// operator-only /v1/test-email endpoint.
func (s *Service) SendTestEmail(ctx context.Context, to string) error {
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return ErrInvalidInput
	}
	msg := mail.VerificationEmail(to, s.baseURL+"/v1/confirm")
	return s.mailer.Send(ctx, msg)
}

func (s *Service) dispatch(msg mail.Message) {
	// Detached from the request context: a slow relay must not hold the
	// registration response hostage.
	ctx, cancel := context.WithTimeout(context.Background(), s.mailTimeout)
	defer cancel()

	if err := s.mailer.Send(ctx, msg); err != nil {
		obs.CountEmailFailure()
		obs.LogEntry(map[string]any{
			"level": "error",
			"msg":   "verification_email_failed",
			"to":    msg.To,
			"error": err.Error(),
		})
	}
}

func validateRegistration(email, password string) error {
	if email == "" || !strings.Contains(email, "@") || strings.ContainsAny(email, " \t") {
		return fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	return nil
}
