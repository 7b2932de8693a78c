package keydir

import (
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"
)

// newNonce returns a fresh 32 character lowercase hex nonce.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// normalizeEmail validates an email address and returns it lowercased.
func normalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidRequest
	}
	return strings.ToLower(addr.Address), nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// isKeyID reports whether s is a 16 character lowercase hex key ID.
func isKeyID(s string) bool {
	return isHex(s, 16)
}

// isFingerprint reports whether s is a 40 character lowercase hex
// fingerprint.
func isFingerprint(s string) bool {
	return isHex(s, 40)
}

// isNonce reports whether s is a 32 character lowercase hex nonce.
func isNonce(s string) bool {
	return isHex(s, 32)
}
