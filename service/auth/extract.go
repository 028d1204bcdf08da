package auth

import (
	"net/http"
	"strings"
)

// ExtractToken returns the connection token from the `token` query parameter,
// falling back to an `Authorization: Bearer` header. Empty means guest.
func ExtractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken strips the "Bearer " scheme, case-insensitively.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
