// Package token inspects account tokens without verifying them. Tokens are
// opaque to the mirror; when one happens to be a JWT its subject is used to
// label logs before the server has identified the account.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Subject returns the account id carried by a JWT token in its "id" or
// "sub" claim. ok is false for tokens that are not JWTs.
func Subject(tok string) (string, bool) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return "", false
	}
	for _, k := range []string{"id", "sub"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return fmt.Sprintf("%.0f", v), true
		}
	}
	return "", false
}

// Digest is the hex SHA-256 of a token, used to find a stored credential
// without decrypting every row.
func Digest(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// Redact shortens a token for logs, keeping the first four characters.
func Redact(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "****"
}
