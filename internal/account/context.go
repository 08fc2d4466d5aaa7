package account

import "context"

type accountContextKey struct{}
type tokenContextKey struct{}

// ContextWithAccount attaches the authenticated account to the context.
func ContextWithAccount(ctx context.Context, a *Account) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, accountContextKey{}, a)
}

// FromContext extracts the authenticated account. ok is false for anonymous
// requests; callers decide whether that means redirect or 401.
func FromContext(ctx context.Context) (*Account, bool) {
	if ctx == nil {
		return nil, false
	}
	a, ok := ctx.Value(accountContextKey{}).(*Account)
	if !ok || a == nil {
		return nil, false
	}
	return a, true
}

// ContextWithSessionToken stores the raw session token inside the context.
func ContextWithSessionToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// SessionTokenFromContext returns the raw session token if one was attached.
func SessionTokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
