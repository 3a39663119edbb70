package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// HashOperatorToken returns the hex SHA-256 digest of an operator token.
// Only the digest is kept in memory so a process dump never exposes the
// plaintext token.
func HashOperatorToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

// ExtractToken pulls the bearer token from the Authorization header, falling
// back to the X-Operator-Token header for clients that cannot set
// Authorization.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Operator-Token"))
}

// requireOperator gates credential management and raw proxy endpoints. When
// no digest is configured the endpoints are open, which is only sensible on a
// loopback deployment.
func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if h.OperatorTokenDigest == "" {
		return true
	}
	token := ExtractToken(r)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("operator token required"))
		return false
	}
	digest := HashOperatorToken(token)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(h.OperatorTokenDigest)) != 1 {
		WriteError(w, http.StatusForbidden, fmt.Errorf("invalid operator token"))
		return false
	}
	return true
}
