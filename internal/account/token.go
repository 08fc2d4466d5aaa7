package account

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const confirmTokenBytes = 32

// NewConfirmToken returns a URL-safe confirmation token with 32 bytes of
// entropy. Single use is enforced by the store, not by the token itself.
func NewConfirmToken() (string, error) {
	buf := make([]byte, confirmTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirm token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
