package auth

import (
	"net/http"
	"strings"
)

// ExtractTokenFromRequest extracts JWT from request (query param or header).
// The second result names where it was found.
func ExtractTokenFromRequest(r *http.Request) (string, string) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, "query"
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), "authorization"
	}

	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return strings.TrimSpace(token), "x-auth-token"
	}

	return "", ""
}

// RoleHint returns the role the client claims before its token is verified.
// It is informational only.
func RoleHint(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("role"))
}
