// Package remote implements the account store against a hosted identity
// backend exposing PostgREST-style row access: filtered get and patch by
// query parameter, with a service key carried on every call.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"verimail.org/internal/account"
	"verimail.org/internal/ids"
)

const accountsPath = "/rest/v1/accounts"

// Client wraps the identity backend's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests, custom timeouts).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the backend at baseURL authenticating with the
// service key.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ account.Store = (*Store)(nil)

// Store adapts the client to the account.Store interface.
type Store struct {
	client *Client
	now    func() time.Time
}

func NewStore(client *Client) *Store {
	return &Store{client: client, now: time.Now}
}

// accountRow is the wire representation of an account row.
type accountRow struct {
	ID             string     `json:"id,omitempty"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"password_hash"`
	Role           string     `json:"user_role,omitempty"`
	Confirmed      bool       `json:"confirmed"`
	ConfirmToken   *string    `json:"confirm_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

func (s *Store) Create(ctx context.Context, a *account.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = account.RoleUser
	}
	row := accountRow{
		ID:             a.ID,
		Email:          a.Email,
		PasswordHash:   a.PasswordHash,
		Role:           a.Role,
		TokenExpiresAt: a.TokenExpiresAt,
	}
	if a.ConfirmToken != "" {
		row.ConfirmToken = &a.ConfirmToken
	}

	var created []accountRow
	status, err := s.client.do(ctx, http.MethodPost, accountsPath, nil, row, &created)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		return account.ErrDuplicateEmail
	case status < 200 || status > 299:
		return fmt.Errorf("remote store: create returned status %d", status)
	}
	if len(created) > 0 {
		// The backend's row id is authoritative.
		a.ID = created[0].ID
		if created[0].CreatedAt != nil {
			a.CreatedAt = *created[0].CreatedAt
		}
	}
	return nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*account.Account, error) {
	query := url.Values{}
	query.Set("email", "eq."+email)
	return s.findOne(ctx, query)
}

func (s *Store) FindByToken(ctx context.Context, token string) (*account.Account, error) {
	if token == "" {
		return nil, account.ErrNotFound
	}
	query := s.pendingTokenFilter(token)
	return s.findOne(ctx, query)
}

func (s *Store) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return account.ErrNotFound
	}
	now := s.now().UTC()
	patch := map[string]any{
		"confirmed":        true,
		"confirm_token":    nil,
		"token_expires_at": nil,
		"confirmed_at":     now.Format(time.RFC3339),
	}

	var updated []accountRow
	status, err := s.client.do(ctx, http.MethodPatch, accountsPath, s.pendingTokenFilter(token), patch, &updated)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("remote store: confirm returned status %d", status)
	}
	// The filtered patch is one statement backend-side; an empty result means
	// no pending row held the token.
	if len(updated) == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("limit", "1")
	status, err := s.client.do(ctx, http.MethodGet, accountsPath, query, nil, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("remote store: ping returned status %d", status)
	}
	return nil
}

func (s *Store) pendingTokenFilter(token string) url.Values {
	query := url.Values{}
	query.Set("confirm_token", "eq."+token)
	query.Set("confirmed", "eq.false")
	query.Set("token_expires_at", "gt."+s.now().UTC().Format(time.RFC3339))
	return query
}

func (s *Store) findOne(ctx context.Context, query url.Values) (*account.Account, error) {
	var rows []accountRow
	status, err := s.client.do(ctx, http.MethodGet, accountsPath, query, nil, &rows)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("remote store: lookup returned status %d", status)
	}
	if len(rows) == 0 {
		return nil, account.ErrNotFound
	}
	return fromRow(rows[0]), nil
}

func fromRow(row accountRow) *account.Account {
	a := &account.Account{
		ID:             row.ID,
		Email:          row.Email,
		PasswordHash:   row.PasswordHash,
		Role:           row.Role,
		Confirmed:      row.Confirmed,
		TokenExpiresAt: row.TokenExpiresAt,
	}
	if row.ConfirmToken != nil {
		a.ConfirmToken = *row.ConfirmToken
	}
	if row.CreatedAt != nil {
		a.CreatedAt = *row.CreatedAt
	}
	if row.UpdatedAt != nil {
		a.UpdatedAt = *row.UpdatedAt
	}
	return a
}

// do executes one REST call. A 409 on create is a regular outcome, so status
// codes are returned to the caller instead of being folded into the error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("remote store: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
