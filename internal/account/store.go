package account

import "context"

// Store persists accounts. Implementations own email uniqueness: Create must
// check-and-insert as one atomic unit, and Confirm must consume the token in a
// single statement so two concurrent confirmations cannot both succeed.
//
// Two implementations exist: PGStore against a local PostgreSQL table and
// remote.Store against a hosted identity backend. The verification workflow
// is written once against this interface.
type Store interface {
	// Create inserts a pending account. Returns ErrDuplicateEmail if the
	// email is already registered.
	Create(ctx context.Context, a *Account) error
	// FindByEmail returns the account for the exact stored email, or
	// ErrNotFound.
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// FindByToken returns the pending account holding an unexpired
	// confirmation token, or ErrNotFound. Confirmed accounts never match;
	// their token was cleared on confirmation.
	FindByToken(ctx context.Context, token string) (*Account, error)
	// Confirm atomically flips the matching pending account to confirmed and
	// clears its token. Returns ErrNotFound if no pending row held the token.
	Confirm(ctx context.Context, token string) error
	// Ping reports backend reachability for readiness probes.
	Ping(ctx context.Context) error
}
