package account

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 60 * time.Minute

// TokenService mints and verifies stateless session tokens. The signing
// secret is injected at construction; business code never reads it from the
// environment.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithSessionTTL overrides the default 60 minute session lifetime.
func WithSessionTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService constructs a TokenService signing with the given secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("account: signing secret is required")
	}
	svc := &TokenService{
		secret: []byte(secret),
		issuer: "verimail",
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// sessionClaims is the JWT payload carried by session tokens.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Issue signs a session token for the given subject email.
func (s *TokenService) Issue(email string) (string, time.Time, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", time.Time{}, errors.New("account: subject email is required")
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature and expiry and returns the subject email. Any
// failure collapses into ErrInvalidSession so callers cannot distinguish
// tampering from expiry.
func (s *TokenService) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidSession
	}

	parsed, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSession
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidSession
	}
	if claims.Issuer != s.issuer {
		return "", ErrInvalidSession
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrInvalidSession
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return "", ErrInvalidSession
	}
	return subject, nil
}
