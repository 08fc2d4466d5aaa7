package account

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"verimail.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Email uniqueness rides on the
// table's unique constraint; there is no check-then-insert window.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const accountColumns = `id, email, password_hash, user_role, confirmed, confirm_token, token_expires_at, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = RoleUser
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, password_hash, user_role, confirmed, confirm_token, token_expires_at)
		 values($1,$2,$3,$4,false,$5,$6)`,
		a.ID, a.Email, a.PasswordHash, a.Role, nullString(a.ConfirmToken), a.TokenExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, email)
	return scanAccount(row)
}

func (s *PGStore) FindByToken(ctx context.Context, token string) (*Account, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts
		 where confirm_token=$1 and confirmed=false
		   and (token_expires_at is null or token_expires_at > now())`, token)
	return scanAccount(row)
}

func (s *PGStore) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`update accounts
		 set confirmed=true, confirm_token=null, token_expires_at=null, updated_at=now()
		 where confirm_token=$1 and confirmed=false
		   and (token_expires_at is null or token_expires_at > now())`, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a         Account
		token     sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.Confirmed,
		&token, &expiresAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if token.Valid {
		a.ConfirmToken = token.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		a.TokenExpiresAt = &t
	}
	return &a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
