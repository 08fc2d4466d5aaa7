package account

import (
	"context"
	"sync"
	"time"

	"verimail.org/internal/ids"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps accounts in process memory. It backs tests and the
// "memory" backend used for local development without PostgreSQL. All
// operations take one lock, which gives the same atomicity the SQL store gets
// from single statements.
type InMemoryStore struct {
	mu      sync.Mutex
	byEmail map[string]*Account
	byToken map[string]string // token -> email
	now     func() time.Time
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byEmail: make(map[string]*Account),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[a.Email]; exists {
		return ErrDuplicateEmail
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = RoleUser
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	stored := *a
	s.byEmail[a.Email] = &stored
	if a.ConfirmToken != "" {
		s.byToken[a.ConfirmToken] = a.Email
	}
	return nil
}

func (s *InMemoryStore) FindByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *stored
	return &copy, nil
}

func (s *InMemoryStore) FindByToken(_ context.Context, token string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.pendingByToken(token)
	if !ok {
		return nil, ErrNotFound
	}
	copy := *stored
	return &copy, nil
}

func (s *InMemoryStore) Confirm(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.pendingByToken(token)
	if !ok {
		return ErrNotFound
	}
	delete(s.byToken, token)
	stored.Confirmed = true
	stored.ConfirmToken = ""
	stored.TokenExpiresAt = nil
	stored.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

// pendingByToken resolves an unexpired pending account. Caller holds the lock.
func (s *InMemoryStore) pendingByToken(token string) (*Account, bool) {
	if token == "" {
		return nil, false
	}
	email, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	stored, ok := s.byEmail[email]
	if !ok || stored.Confirmed || stored.ConfirmToken != token {
		return nil, false
	}
	if stored.TokenExpiresAt != nil && !stored.TokenExpiresAt.After(s.now()) {
		return nil, false
	}
	return stored, true
}
