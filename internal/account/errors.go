package account

import "errors"

var (
	// ErrNotFound indicates no account matched the lookup.
	ErrNotFound = errors.New("account: not found")
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("account: email already registered")
	// ErrInvalidToken indicates a confirmation token that is unknown, expired
	// or already consumed. Callers cannot tell which.
	ErrInvalidToken = errors.New("account: invalid confirmation token")
	// ErrInvalidCredentials covers unknown email, wrong password and
	// unconfirmed accounts. The merge is deliberate: login must not leak
	// which of the three happened.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrInvalidSession indicates a session token that is absent, malformed,
	// badly signed or expired.
	ErrInvalidSession = errors.New("account: invalid session")
	// ErrInvalidInput indicates a rejected email or password at registration.
	ErrInvalidInput = errors.New("account: invalid input")
)
